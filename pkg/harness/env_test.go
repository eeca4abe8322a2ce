package harness

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyEnvOverridesAndRestores(t *testing.T) {
	t.Setenv("RANKSYNC_TEST_PRESENT", "before")
	assert.Equal(t, nil, os.Unsetenv("RANKSYNC_TEST_ABSENT"))

	env, err := ApplyEnv([]string{
		"RANKSYNC_TEST_PRESENT=after",
		"RANKSYNC_TEST_ABSENT=created",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "after", os.Getenv("RANKSYNC_TEST_PRESENT"))
	assert.Equal(t, "created", os.Getenv("RANKSYNC_TEST_ABSENT"))

	assert.Equal(t, nil, env.Restore())
	assert.Equal(t, "before", os.Getenv("RANKSYNC_TEST_PRESENT"))
	_, present := os.LookupEnv("RANKSYNC_TEST_ABSENT")
	assert.Equal(t, false, present)
}

func TestApplyEnvDuplicateKeyRestoresOriginal(t *testing.T) {
	t.Setenv("RANKSYNC_TEST_DUP", "original")

	env, err := ApplyEnv([]string{
		"RANKSYNC_TEST_DUP=first",
		"RANKSYNC_TEST_DUP=second",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "second", os.Getenv("RANKSYNC_TEST_DUP"))

	assert.Equal(t, nil, env.Restore())
	assert.Equal(t, "original", os.Getenv("RANKSYNC_TEST_DUP"))
}

func TestApplyEnvRejectsMalformedPair(t *testing.T) {
	t.Setenv("RANKSYNC_TEST_KEEP", "kept")

	_, err := ApplyEnv([]string{"RANKSYNC_TEST_KEEP=clobbered", "no-separator"})
	assert.NotEqual(t, nil, err)
	// The pair applied before the malformed one was rolled back.
	assert.Equal(t, "kept", os.Getenv("RANKSYNC_TEST_KEEP"))

	_, err = ApplyEnv([]string{"=value"})
	assert.NotEqual(t, nil, err)
}
