package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/ranklab/ranksync/pkg/collective"
	"github.com/ranklab/ranksync/pkg/device"
)

// TestMain doubles as the rank entry point: the multi-process tests
// re-exec this binary with the case in the environment, and the gate
// below turns those children into rank processes.
func TestMain(m *testing.M) {
	if handled, err := RunRankFromEnv(nil); handled {
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func reduceFor(op collective.Op) collective.ReduceKind {
	switch op {
	case collective.Reduce:
		return collective.Max
	case collective.ReduceScatter:
		return collective.Avg
	}
	return collective.Sum
}

func rootFor(op collective.Op) int {
	switch op {
	case collective.Broadcast, collective.Reduce, collective.Gather, collective.Scatter:
		return 1
	}
	return 0
}

func TestRunLocalAllOps(t *testing.T) {
	ops := []collective.Op{
		collective.Broadcast, collective.Reduce, collective.AllGather,
		collective.ReduceScatter, collective.AllReduce, collective.Gather,
		collective.Scatter, collective.AllToAll, collective.SendRecv,
	}
	kinds := []collective.ElemKind{collective.Int32, collective.Float32, collective.BFloat16}

	var cases []collective.Params
	for _, op := range ops {
		for _, kind := range kinds {
			cases = append(cases, collective.Params{
				Op:       op,
				Reduce:   reduceFor(op),
				Kind:     kind,
				Count:    32,
				NumRanks: 4,
				Root:     rootFor(op),
			})
		}
	}
	cases = append(cases,
		collective.Params{Op: collective.AllReduce, Reduce: collective.Prod, Kind: collective.Float64, Count: 32, NumRanks: 4},
		collective.Params{Op: collective.Reduce, Reduce: collective.Min, Kind: collective.Int64, Count: 32, NumRanks: 4, Root: 3},
		collective.Params{Op: collective.AllReduce, Reduce: collective.Sum, Kind: collective.Float32, Count: 32, NumRanks: 4, InPlace: true},
		collective.Params{Op: collective.AllToAll, Kind: collective.Int32, Count: 32, NumRanks: 4, InPlace: true},
	)

	for _, p := range cases {
		cfg := DefaultConfig(p, 0)
		t.Run(cfg.Name(), func(t *testing.T) {
			report, err := RunLocal(cfg, nil)
			assert.Equal(t, nil, err)
			assert.Equal(t, true, report.Passed())
			assert.Equal(t, p.NumRanks, len(report.Results))
		})
	}
}

func TestRunLocalDetectsCorruption(t *testing.T) {
	clobber := RunnerFunc(func(ctx context.Context, p collective.Params, rank int, dev *device.Device, in, out device.Handle, stream *device.Stream) error {
		stream.Launch(func() error { return dev.Memset(out, 0x7f) })
		return nil
	})

	p := collective.Params{Op: collective.AllReduce, Reduce: collective.Sum, Kind: collective.Float32, Count: 16, NumRanks: 3}
	report, err := RunLocal(DefaultConfig(p, 0), clobber)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, report.Passed())
	assert.Equal(t, []int{0, 1, 2}, report.Failed())
	for _, res := range report.Results {
		assert.NotEqual(t, nil, res.Err)
		assert.Equal(t, true, strings.Contains(res.Err.Error(), "element"))
	}
}

func TestRunLocalRunnerError(t *testing.T) {
	boom := errors.New("device fell over")
	failing := RunnerFunc(func(ctx context.Context, p collective.Params, rank int, dev *device.Device, in, out device.Handle, stream *device.Stream) error {
		if rank == 1 {
			return boom
		}
		return Reference{Local: true}.Run(ctx, p, rank, dev, in, out, stream)
	})

	p := collective.Params{Op: collective.Broadcast, Kind: collective.Uint8, Count: 8, NumRanks: 3}
	report, err := RunLocal(DefaultConfig(p, 0), failing)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, report.Passed())
	assert.Equal(t, []int{1}, report.Failed())
}

func TestRunLocalRegistersBarrierMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := collective.Params{Op: collective.Broadcast, Kind: collective.Int8, Count: 4, NumRanks: 2}
	cfg := DefaultConfig(p, 0)
	cfg.Registry = reg

	report, err := RunLocal(cfg, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, report.Passed())

	families, err := reg.Gather()
	assert.Equal(t, nil, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.Equal(t, true, names["ranksync_barrier_waits_total"])
}

func TestReportSummary(t *testing.T) {
	report := &Report{
		Name: "allreduce_sum_float32_32elements_2ranks_outofplace",
		Results: []RankResult{
			{Rank: 0, Elapsed: 12 * time.Millisecond},
			{Rank: 1, Elapsed: 15 * time.Millisecond, Err: errors.New("rank 1 element 4: output 0, expected 6")},
		},
	}
	assert.Equal(t, false, report.Passed())
	assert.Equal(t, []int{1}, report.Failed())

	s := report.Summary()
	assert.Equal(t, true, strings.Contains(s, "case allreduce_sum_float32_32elements_2ranks_outofplace"))
	assert.Equal(t, true, strings.Contains(s, "rank 0 ok in 12ms"))
	assert.Equal(t, true, strings.Contains(s, "rank 1 failed after 15ms"))

	empty := &Report{Name: "empty"}
	assert.Equal(t, false, empty.Passed())
}

func TestSelfExecEncodesCase(t *testing.T) {
	p := collective.Params{Op: collective.AllReduce, Reduce: collective.Sum, Kind: collective.Float32, Count: 32, NumRanks: 4}
	cfg := DefaultConfig(p, 42)
	cfg.Env = []string{"RANKSYNC_TEST_TUNING=9"}

	cmd := SelfExec(cfg)(2)
	assert.NotEqual(t, "", cmd.Path)

	env := make(map[string]string, len(cmd.Env))
	for _, kv := range cmd.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	assert.Equal(t, "2", env["RANKSYNC_RANK"])
	assert.Equal(t, "allreduce", env["RANKSYNC_OP"])
	assert.Equal(t, "sum", env["RANKSYNC_REDUCE"])
	assert.Equal(t, "float32", env["RANKSYNC_KIND"])
	assert.Equal(t, "32", env["RANKSYNC_ELEMENTS"])
	assert.Equal(t, "4", env["RANKSYNC_RANKS"])
	assert.Equal(t, "42", env["RANKSYNC_INVOCATION"])
	assert.Equal(t, "9", env["RANKSYNC_TEST_TUNING"])
}
