package harness

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ranklab/ranksync/internal/logging"
	"github.com/ranklab/ranksync/pkg/barrier"
	"github.com/ranklab/ranksync/pkg/collective"
)

// DefaultWaitTimeoutSecs bounds each rendezvous a running case performs
// after attach. Generous because a case may be competing for the machine
// with the very ranks it waits for.
const DefaultWaitTimeoutSecs = 60

// Environment keys carrying the case description from root to rank
// processes. A process whose environment has rankEnvKey is a rank.
const (
	rankEnvKey       = "RANKSYNC_RANK"
	opEnvKey         = "RANKSYNC_OP"
	reduceEnvKey     = "RANKSYNC_REDUCE"
	kindEnvKey       = "RANKSYNC_KIND"
	elementsEnvKey   = "RANKSYNC_ELEMENTS"
	ranksEnvKey      = "RANKSYNC_RANKS"
	rootEnvKey       = "RANKSYNC_ROOT"
	inPlaceEnvKey    = "RANKSYNC_INPLACE"
	invocationEnvKey = "RANKSYNC_INVOCATION"
	waitSecsEnvKey   = "RANKSYNC_WAIT_SECS"
	attachMSEnvKey   = "RANKSYNC_ATTACH_MS"
)

// Config carries everything one test case needs: the parameter tuple,
// the invocation identifier scoping its shared resources, timeouts, and
// the case's environment overrides.
type Config struct {
	// Case is the operation instance under test.
	Case collective.Params

	// InvocationID scopes the shared resource names. Concurrent cases
	// on one machine need distinct identifiers.
	InvocationID int

	// AttachTimeout bounds barrier construction and dataset attach.
	// Zero selects the barrier default.
	AttachTimeout time.Duration

	// WaitTimeoutSecs bounds each in-case rendezvous, in whole seconds.
	WaitTimeoutSecs int

	// Env holds KEY=VALUE overrides applied for the duration of the
	// case and passed into rank processes.
	Env []string

	// Workers caps single-process concurrency. Zero means one worker
	// per rank.
	Workers int

	// Registry receives the barrier collectors when set.
	Registry *prometheus.Registry

	// HealthAddr, when set, serves a liveness endpoint from the root
	// process for the duration of the run.
	HealthAddr string

	// Meter and Tracer switch on OpenTelemetry instrumentation when set.
	Meter  metric.Meter
	Tracer trace.Tracer

	// Logger overrides the package logger.
	Logger *logging.Logger
}

// DefaultConfig returns a runnable config for the parameter tuple.
func DefaultConfig(p collective.Params, invocationID int) *Config {
	return &Config{
		Case:            p,
		InvocationID:    invocationID,
		AttachTimeout:   barrier.DefaultAttachTimeout,
		WaitTimeoutSecs: DefaultWaitTimeoutSecs,
	}
}

// VerifyConfig checks a config for the mistakes that would otherwise
// surface mid-case as ranks disagreeing about the world.
func VerifyConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if err := c.Case.Verify(); err != nil {
		return err
	}
	if c.InvocationID < 0 {
		return fmt.Errorf("invocation id %d is negative", c.InvocationID)
	}
	if c.AttachTimeout < 0 {
		return fmt.Errorf("attach timeout %v is negative", c.AttachTimeout)
	}
	if c.WaitTimeoutSecs < 1 {
		return fmt.Errorf("wait timeout %d seconds, want at least 1", c.WaitTimeoutSecs)
	}
	if c.Workers < 0 {
		return fmt.Errorf("worker count %d is negative", c.Workers)
	}
	for _, kv := range c.Env {
		if key, _, ok := strings.Cut(kv, "="); !ok || key == "" {
			return fmt.Errorf("malformed environment override %q", kv)
		}
	}
	return nil
}

// Name returns the canonical case name, including the environment
// overrides.
func (c *Config) Name() string {
	return collective.CaseName(c.Case.Op, c.Case.Reduce, c.Case.Kind,
		c.Case.Count, c.Case.NumRanks, c.Case.InPlace, c.Env)
}

func (c *Config) attachTimeout() time.Duration {
	if c.AttachTimeout > 0 {
		return c.AttachTimeout
	}
	return barrier.DefaultAttachTimeout
}

func (c *Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return c.Case.NumRanks
}

// ChildEnv encodes the case for one rank process. The returned pairs go
// on top of the parent environment, so the case's own overrides are
// already in force when the rank starts.
func (c *Config) ChildEnv(rank int) []string {
	inPlace := "0"
	if c.Case.InPlace {
		inPlace = "1"
	}
	kv := []string{
		fmt.Sprintf("%s=%d", rankEnvKey, rank),
		fmt.Sprintf("%s=%s", opEnvKey, c.Case.Op.Label()),
		fmt.Sprintf("%s=%s", reduceEnvKey, c.Case.Reduce.Label()),
		fmt.Sprintf("%s=%s", kindEnvKey, c.Case.Kind.Label()),
		fmt.Sprintf("%s=%d", elementsEnvKey, c.Case.Count),
		fmt.Sprintf("%s=%d", ranksEnvKey, c.Case.NumRanks),
		fmt.Sprintf("%s=%d", rootEnvKey, c.Case.Root),
		fmt.Sprintf("%s=%s", inPlaceEnvKey, inPlace),
		fmt.Sprintf("%s=%d", invocationEnvKey, c.InvocationID),
		fmt.Sprintf("%s=%d", waitSecsEnvKey, c.WaitTimeoutSecs),
		fmt.Sprintf("%s=%d", attachMSEnvKey, c.attachTimeout().Milliseconds()),
	}
	return append(kv, c.Env...)
}

// ConfigFromEnv decodes the case a root process encoded with ChildEnv.
// A nil config with a nil error means the environment does not describe
// a rank, so the caller is not a child.
func ConfigFromEnv() (*Config, int, error) {
	rankStr, ok := os.LookupEnv(rankEnvKey)
	if !ok {
		return nil, -1, nil
	}
	rank, err := strconv.Atoi(rankStr)
	if err != nil {
		return nil, -1, fmt.Errorf("decoding %s: %w", rankEnvKey, err)
	}

	c := &Config{}
	if c.Case.Op, err = collective.ParseOp(os.Getenv(opEnvKey)); err != nil {
		return nil, -1, fmt.Errorf("decoding %s: %w", opEnvKey, err)
	}
	if c.Case.Reduce, err = collective.ParseReduceKind(os.Getenv(reduceEnvKey)); err != nil {
		return nil, -1, fmt.Errorf("decoding %s: %w", reduceEnvKey, err)
	}
	if c.Case.Kind, err = collective.ParseElemKind(os.Getenv(kindEnvKey)); err != nil {
		return nil, -1, fmt.Errorf("decoding %s: %w", kindEnvKey, err)
	}
	for _, field := range []struct {
		key string
		dst *int
	}{
		{elementsEnvKey, &c.Case.Count},
		{ranksEnvKey, &c.Case.NumRanks},
		{rootEnvKey, &c.Case.Root},
		{invocationEnvKey, &c.InvocationID},
		{waitSecsEnvKey, &c.WaitTimeoutSecs},
	} {
		if *field.dst, err = strconv.Atoi(os.Getenv(field.key)); err != nil {
			return nil, -1, fmt.Errorf("decoding %s: %w", field.key, err)
		}
	}
	c.Case.InPlace = os.Getenv(inPlaceEnvKey) == "1"
	ms, err := strconv.Atoi(os.Getenv(attachMSEnvKey))
	if err != nil {
		return nil, -1, fmt.Errorf("decoding %s: %w", attachMSEnvKey, err)
	}
	c.AttachTimeout = time.Duration(ms) * time.Millisecond

	if err := VerifyConfig(c); err != nil {
		return nil, -1, err
	}
	if rank < 0 || rank >= c.Case.NumRanks {
		return nil, -1, fmt.Errorf("rank %d out of range for %d ranks", rank, c.Case.NumRanks)
	}
	return c, rank, nil
}
