package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/ranklab/ranksync/pkg/barrier"
	"github.com/ranklab/ranksync/pkg/collective"
	"github.com/ranklab/ranksync/pkg/dataset"
	"github.com/ranklab/ranksync/pkg/device"
)

// RunRankFromEnv runs the rank role when the process environment
// carries one, and reports false when it does not. Meant as the first
// call in a main or TestMain so one binary serves as both root and
// rank. A nil runner selects the built-in Reference runner.
func RunRankFromEnv(runner Runner) (bool, error) {
	cfg, rank, err := ConfigFromEnv()
	if err != nil {
		return true, err
	}
	if cfg == nil {
		return false, nil
	}
	return true, RunRank(cfg, rank, runner)
}

// RunRank runs one rank of a case: attach to the barrier and the shared
// descriptor, fill, rendezvous, operate, rendezvous, validate,
// rendezvous, release. Errors carry the rank so the root's report names
// the culprit. An attach-time rendezvous timeout fails the case here
// rather than proceeding degraded; ranks that cannot line up at attach
// will not line up mid-case either.
func RunRank(cfg *Config, rank int, runner Runner) error {
	if err := VerifyConfig(cfg); err != nil {
		return err
	}
	if rank < 0 || rank >= cfg.Case.NumRanks {
		return fmt.Errorf("rank %d out of range for %d ranks", rank, cfg.Case.NumRanks)
	}
	if runner == nil {
		runner = Reference{}
	}
	registerCollectors(cfg.Registry)
	log := cfg.logger()

	b, err := barrier.NewWithConfig(&barrier.Config{
		Rank:          rank,
		NumRanks:      cfg.Case.NumRanks,
		InvocationID:  cfg.InvocationID,
		AttachTimeout: cfg.attachTimeout(),
		Meter:         cfg.Meter,
		Tracer:        cfg.Tracer,
		Logger:        cfg.Logger,
	})
	if err != nil {
		if b != nil {
			if cerr := b.Close(); cerr != nil {
				log.Warnf("rank %d: closing barrier: %v", rank, cerr)
			}
		}
		return fmt.Errorf("rank %d: barrier attach: %w", rank, err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warnf("rank %d: closing barrier: %v", rank, err)
		}
	}()

	dev := device.New(rank)
	ds, err := dataset.AttachRank(cfg.Case, cfg.InvocationID, rank, dev, time.Now().Add(cfg.attachTimeout()))
	if err != nil {
		return fmt.Errorf("rank %d: dataset attach: %w", rank, err)
	}

	runErr := runCase(cfg, b, ds, rank, dev, runner)
	relErr := ds.ReleaseRank()
	if runErr != nil {
		return runErr
	}
	if relErr != nil {
		return fmt.Errorf("rank %d: release: %w", rank, relErr)
	}
	return nil
}

func runCase(cfg *Config, b *barrier.Barrier, ds *dataset.Descriptor, rank int, dev *device.Device, runner Runner) error {
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

	// Host-side fill, then one copy onto the device.
	stage := bytebufferpool.Get()
	defer bytebufferpool.Put(stage)
	sizeStage(stage, inBytes)
	if err := collective.FillPattern(p.Kind, stage.B, rank); err != nil {
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

	// Publish this rank's expected image before the pre-operation
	// rendezvous. The fill pattern is deterministic per rank, so the
	// whole exchange can be reconstructed without reading any peer.
	outputs, err := simulate(p, false)
	if err != nil {
		return fmt.Errorf("rank %d: expected: %w", rank, err)
	}
	expected, err := ds.ExpectedBytes(rank)
	if err != nil {
		return fmt.Errorf("rank %d: expected: %w", rank, err)
	}
	copy(expected, outputs[rank])

	if err := b.WaitTimeout(cfg.WaitTimeoutSecs); err != nil {
		return fmt.Errorf("rank %d: pre-operation rendezvous: %w", rank, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.WaitTimeoutSecs)*time.Second)
	defer cancel()
	stream := dev.NewStream()
	if err := runner.Run(ctx, p, rank, dev, in, out, stream); err != nil {
		return fmt.Errorf("rank %d: operation: %w", rank, err)
	}
	if err := stream.Synchronize(); err != nil {
		return fmt.Errorf("rank %d: operation: %w", rank, err)
	}

	if err := b.WaitTimeout(cfg.WaitTimeoutSecs); err != nil {
		return fmt.Errorf("rank %d: post-operation rendezvous: %w", rank, err)
	}

	vErr := validateRank(p, rank, dev, out, expected, true)

	// Nobody tears down buffers while a sibling may still be working.
	if err := b.WaitTimeout(cfg.WaitTimeoutSecs); err != nil {
		return fmt.Errorf("rank %d: post-validation rendezvous: %w", rank, err)
	}
	return vErr
}

// validateRank compares the device output against the expected image.
// Only the root's output is defined for gather; every other rank passes
// vacuously there.
func validateRank(p collective.Params, rank int, dev *device.Device, out device.Handle, expected []byte, exact bool) error {
	if p.Op == collective.Gather && rank != p.Root {
		return nil
	}
	outBytes, err := p.RoleBytes(collective.OutputRole)
	if err != nil {
		return err
	}
	count, err := p.RoleCount(collective.OutputRole)
	if err != nil {
		return err
	}

	stage := bytebufferpool.Get()
	defer bytebufferpool.Put(stage)
	sizeStage(stage, outBytes)
	if err := dev.CopyToHost(stage.B, out); err != nil {
		return fmt.Errorf("rank %d: readback: %w", rank, err)
	}

	idx, err := collective.FirstMismatch(p.Kind, expected, stage.B, count, exact)
	if err != nil {
		return fmt.Errorf("rank %d: compare: %w", rank, err)
	}
	if idx >= 0 {
		return fmt.Errorf("rank %d element %d: output %s, expected %s", rank, idx,
			collective.FormatElem(p.Kind, stage.B, idx),
			collective.FormatElem(p.Kind, expected, idx))
	}
	return nil
}

// sizeStage sets the pooled buffer to exactly n bytes.
func sizeStage(b *bytebufferpool.ByteBuffer, n int) {
	if cap(b.B) < n {
		b.B = make([]byte, n)
		return
	}
	b.B = b.B[:n]
}
