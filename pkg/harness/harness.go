// Package harness drives distributed correctness cases end to end. A
// root process cleans the invocation's resource namespace, creates the
// shared dataset descriptor, spawns one process per rank, and collects
// per-rank verdicts. Each rank attaches to the barrier and descriptor,
// fills its buffers with the deterministic pattern, runs the operation
// in lock-step with its siblings, and validates its own output. A
// single-process variant runs every rank on a worker pool instead of
// spawning processes.
package harness

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/ranklab/ranksync/internal/logging"
	"github.com/ranklab/ranksync/pkg/barrier"
	"github.com/ranklab/ranksync/pkg/collective"
	"github.com/ranklab/ranksync/pkg/dataset"
)

var internalLogger = logging.New("harness", nil)

func (c *Config) logger() *logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return internalLogger
}

// RankResult is one rank's verdict for one case.
type RankResult struct {
	Rank    int
	Elapsed time.Duration
	Err     error
}

// Report collects every rank's verdict for one case.
type Report struct {
	Name    string
	Results []RankResult
}

// Passed reports whether every rank finished clean.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if res.Err != nil {
			return false
		}
	}
	return len(r.Results) > 0
}

// Failed returns the ranks that did not finish clean.
func (r *Report) Failed() []int {
	var ranks []int
	for _, res := range r.Results {
		if res.Err != nil {
			ranks = append(ranks, res.Rank)
		}
	}
	return ranks
}

// Summary renders the report with one line per rank.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "case %s", r.Name)
	for _, res := range r.Results {
		if res.Err != nil {
			fmt.Fprintf(&b, "\n  rank %d failed after %v: %v", res.Rank, res.Elapsed.Round(time.Millisecond), res.Err)
		} else {
			fmt.Fprintf(&b, "\n  rank %d ok in %v", res.Rank, res.Elapsed.Round(time.Millisecond))
		}
	}
	return b.String()
}

// AvailableRanks reports how many rank processes this host can run in
// parallel. Callers skip cases that need more, the way a device count
// probe gates a hardware run.
func AvailableRanks() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Launcher builds the command that becomes one rank process.
type Launcher func(rank int) *exec.Cmd

// SelfExec launches the current executable with the case encoded in the
// child environment, for binaries whose main hands rank runs to
// RunRankFromEnv.
func SelfExec(cfg *Config) Launcher {
	return func(rank int) *exec.Cmd {
		path, err := os.Executable()
		if err != nil {
			path = os.Args[0]
		}
		cmd := exec.Command(path)
		cmd.Env = append(os.Environ(), cfg.ChildEnv(rank)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}
}

// RunRoot runs one case as the root process: clean namespace, shared
// descriptor, one process per rank, per-rank verdicts. A rank failing
// is recorded in the report, not returned as an error; the error return
// is for the root's own machinery failing.
func RunRoot(cfg *Config, launch Launcher) (*Report, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	if launch == nil {
		launch = SelfExec(cfg)
	}
	log := cfg.logger()
	registerCollectors(cfg.Registry)

	env, err := ApplyEnv(cfg.Env)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := env.Restore(); err != nil {
			log.Warnf("restoring environment: %v", err)
		}
	}()

	// A previous run under this identifier may have died without
	// unlinking; the namespace must be clean before ranks attach.
	if err := barrier.Cleanup(cfg.InvocationID); err != nil {
		return nil, err
	}
	if err := dataset.Cleanup(cfg.Case.NumRanks, cfg.InvocationID); err != nil {
		return nil, err
	}
	root, err := dataset.InitRoot(cfg.Case, cfg.InvocationID)
	if err != nil {
		return nil, err
	}

	var lastProgress atomic.Int64
	lastProgress.Store(time.Now().UnixNano())
	stopHealth := startHealth(cfg, &lastProgress)
	defer stopHealth()

	log.Infof("case %s: starting %d ranks", cfg.Name(), cfg.Case.NumRanks)

	results := queue.New(int64(cfg.Case.NumRanks))
	defer results.Dispose()
	var eg errgroup.Group
	for r := 0; r < cfg.Case.NumRanks; r++ {
		cmd := launch(r)
		eg.Go(func() error {
			start := time.Now()
			runErr := cmd.Run()
			lastProgress.Store(time.Now().UnixNano())
			return results.Put(RankResult{Rank: r, Elapsed: time.Since(start), Err: runErr})
		})
	}
	supErr := eg.Wait()

	report := &Report{Name: cfg.Name(), Results: drainResults(results)}
	for r := 0; r < cfg.Case.NumRanks; r++ {
		in, _ := root.PeerHandle(r, collective.InputRole)
		out, _ := root.PeerHandle(r, collective.OutputRole)
		log.Debugf("rank %d published handles in=%#x out=%#x", r, uint64(in), uint64(out))
	}

	relErr := root.ReleaseRoot()
	cleanErr := barrier.Cleanup(cfg.InvocationID)
	for _, err := range []error{supErr, relErr, cleanErr} {
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func drainResults(q *queue.Queue) []RankResult {
	var out []RankResult
	if n := q.Len(); n > 0 {
		items, err := q.Get(n)
		if err != nil {
			internalLogger.Warnf("draining results: %v", err)
			return out
		}
		for _, it := range items {
			out = append(out, it.(RankResult))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

func registerCollectors(reg *prometheus.Registry) {
	if reg == nil {
		return
	}
	for _, c := range barrier.Collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				internalLogger.Warnf("registering collector: %v", err)
			}
		}
	}
}

func startHealth(cfg *Config, lastProgress *atomic.Int64) func() {
	if cfg.HealthAddr == "" {
		return func() {}
	}
	window := 2 * time.Duration(cfg.WaitTimeoutSecs) * time.Second
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(1000))
	health.AddLivenessCheck("rendezvous-recent", func() error {
		since := time.Since(time.Unix(0, lastProgress.Load()))
		if since > window {
			return fmt.Errorf("no rank progress for %v", since.Round(time.Second))
		}
		return nil
	})
	srv := &http.Server{Addr: cfg.HealthAddr, Handler: health}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cfg.logger().Warnf("health endpoint: %v", err)
		}
	}()
	return func() {
		if err := srv.Close(); err != nil {
			cfg.logger().Warnf("closing health endpoint: %v", err)
		}
	}
}
