package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"

	"github.com/ranklab/ranksync/pkg/collective"
	"github.com/ranklab/ranksync/pkg/dataset"
	"github.com/ranklab/ranksync/pkg/device"
)

// RunLocal runs every rank of a case inside this process on a worker
// pool, with the single-process fill pattern and tolerance-based float
// comparison. No processes are spawned and no shared resources are
// created, so ranks need no barrier: each rank's work is independent of
// its siblings' device buffers.
func RunLocal(cfg *Config, runner Runner) (*Report, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	if runner == nil {
		runner = Reference{Local: true}
	}
	registerCollectors(cfg.Registry)
	log := cfg.logger()

	env, err := ApplyEnv(cfg.Env)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := env.Restore(); err != nil {
			log.Warnf("restoring environment: %v", err)
		}
	}()

	p := cfg.Case
	devs := make([]*device.Device, p.NumRanks)
	for r := range devs {
		devs[r] = device.New(r)
	}
	ds, err := dataset.InitLocal(p, devs)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(cfg.workers())
	if err != nil {
		if relErr := ds.ReleaseLocal(); relErr != nil {
			log.Warnf("releasing buffers: %v", relErr)
		}
		return nil, err
	}
	defer pool.Release()

	log.Infof("case %s: running %d ranks on %d workers", cfg.Name(), p.NumRanks, cfg.workers())

	results := queue.New(int64(p.NumRanks))
	defer results.Dispose()
	var wg sync.WaitGroup
	for r := 0; r < p.NumRanks; r++ {
		wg.Add(1)
		rank := r
		task := func() {
			defer wg.Done()
			start := time.Now()
			runErr := runLocalRank(cfg, ds, rank, devs[rank], runner)
			if qerr := results.Put(RankResult{Rank: rank, Elapsed: time.Since(start), Err: runErr}); qerr != nil {
				log.Warnf("recording rank %d result: %v", rank, qerr)
			}
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			if qerr := results.Put(RankResult{Rank: rank, Err: err}); qerr != nil {
				log.Warnf("recording rank %d result: %v", rank, qerr)
			}
		}
	}
	wg.Wait()

	report := &Report{Name: cfg.Name(), Results: drainResults(results)}
	if err := ds.ReleaseLocal(); err != nil {
		return report, err
	}
	return report, nil
}

func runLocalRank(cfg *Config, ds *dataset.Descriptor, rank int, dev *device.Device, runner Runner) error {
	p := cfg.Case
	in, err := ds.Handle(rank, collective.InputRole)
	if err != nil {
		return fmt.Errorf("rank %d: %w", rank, err)
	}
	out, err := ds.Handle(rank, collective.OutputRole)
	if err != nil {
		return fmt.Errorf("rank %d: %w", rank, err)
	}
	inBytes, err := p.RoleBytes(collective.InputRole)
	if err != nil {
		return err
	}

	stage := bytebufferpool.Get()
	defer bytebufferpool.Put(stage)
	sizeStage(stage, inBytes)
	if err := collective.FillPatternLocal(p.Kind, stage.B, rank); err != nil {
		return fmt.Errorf("rank %d: fill: %w", rank, err)
	}
	if err := dev.CopyFromHost(in, stage.B); err != nil {
		return fmt.Errorf("rank %d: fill: %w", rank, err)
	}
	if !p.InPlace {
		if err := dev.Memset(out, 0); err != nil {
			return fmt.Errorf("rank %d: fill: %w", rank, err)
		}
	}

	outputs, err := simulate(p, true)
	if err != nil {
		return fmt.Errorf("rank %d: expected: %w", rank, err)
	}
	expected, err := ds.ExpectedBytes(rank)
	if err != nil {
		return fmt.Errorf("rank %d: expected: %w", rank, err)
	}
	copy(expected, outputs[rank])

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.WaitTimeoutSecs)*time.Second)
	defer cancel()
	stream := dev.NewStream()
	if err := runner.Run(ctx, p, rank, dev, in, out, stream); err != nil {
		return fmt.Errorf("rank %d: operation: %w", rank, err)
	}
	if err := stream.Synchronize(); err != nil {
		return fmt.Errorf("rank %d: operation: %w", rank, err)
	}

	return validateRank(p, rank, dev, out, expected, false)
}
