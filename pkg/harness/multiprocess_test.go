//go:build linux

package harness

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ranklab/ranksync/pkg/collective"
)

// testInvocation keeps concurrent test runs out of each other's shared
// memory namespace.
func testInvocation(slot int) int {
	return slot*100000 + os.Getpid()%100000
}

func requireRanks(t *testing.T, n int) {
	t.Helper()
	if have := AvailableRanks(); have < n {
		t.Skipf("test requires %d ranks, found %d", n, have)
	}
}

func TestRunRootMultiProcess(t *testing.T) {
	requireRanks(t, 3)
	p := collective.Params{
		Op:       collective.AllReduce,
		Reduce:   collective.Sum,
		Kind:     collective.Float32,
		Count:    32,
		NumRanks: 3,
	}
	cfg := DefaultConfig(p, testInvocation(1))

	// Twice with the same invocation id: the second run only works if
	// the first left a clean namespace behind.
	for run := 0; run < 2; run++ {
		report, err := RunRoot(cfg, nil)
		assert.Equal(t, nil, err)
		assert.Equal(t, true, report.Passed())
		assert.Equal(t, 3, len(report.Results))
	}
}

func TestRunRootInPlaceGather(t *testing.T) {
	requireRanks(t, 3)
	p := collective.Params{
		Op:       collective.Gather,
		Kind:     collective.Int32,
		Count:    16,
		NumRanks: 3,
		Root:     2,
		InPlace:  true,
	}
	cfg := DefaultConfig(p, testInvocation(2))

	report, err := RunRoot(cfg, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, report.Passed())
}

func TestRunRootRecordsFailingRank(t *testing.T) {
	requireRanks(t, 3)
	// Host-side generation cannot produce float16 data, so every rank
	// exits at the fill step, before the pre-operation rendezvous. The
	// harness itself still works, so RunRoot reports the failures
	// instead of returning an error.
	p := collective.Params{
		Op:       collective.AllReduce,
		Reduce:   collective.Sum,
		Kind:     collective.Float16,
		Count:    8,
		NumRanks: 3,
	}
	cfg := DefaultConfig(p, testInvocation(3))

	report, err := RunRoot(cfg, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, report.Passed())
	assert.Equal(t, []int{0, 1, 2}, report.Failed())
	for _, res := range report.Results {
		assert.NotEqual(t, nil, res.Err)
	}
}
