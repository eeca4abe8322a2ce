/*
 * Copyright 2026 The RankLab Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package barrier implements a reusable rendezvous barrier for processes
// that share no parent. Ranks agree only on an invocation id; everything
// else travels through named shared memory semaphores, so a barrier
// survives any interleaving of process startup.
//
// The barrier runs in two phases. Arrival parks ranks until the last one
// shows up; departure parks them again until everyone has left the
// arrival phase. The second turnstile is what makes the barrier safe to
// reuse immediately in a loop.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
	"unsafe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ranklab/ranksync/internal/logging"
	"github.com/ranklab/ranksync/pkg/sema"
	"github.com/ranklab/ranksync/pkg/shmem"
)

var internalLogger = logging.New("barrier", nil)

// counterSize is the shared arrival counter's storage, a single int32.
const counterSize = 4

// names holds the five logical resource names of one invocation.
type names struct {
	mutex      string
	turnstile1 string
	turnstile2 string
	counter    string
	ready      string
}

func resourceNames(invocationID int) names {
	id := strconv.Itoa(invocationID)
	return names{
		mutex:      "mutex" + id,
		turnstile1: "turnstile1" + id,
		turnstile2: "turnstile2" + id,
		counter:    "counter" + id,
		ready:      "ready" + id,
	}
}

func (n names) all() []string {
	return []string{n.mutex, n.turnstile1, n.turnstile2, n.counter, n.ready}
}

// Barrier is one rank's handle on the shared rendezvous state.
type Barrier struct {
	rank     int
	numRanks int
	id       int

	mutex      *sema.Sema
	turnstile1 *sema.Sema
	turnstile2 *sema.Sema
	counter    *shmem.Region
	ready      *shmem.Region
	count      *int32

	log       *logging.Logger
	tracer    trace.Tracer
	otelWaits metric.Int64Counter
	rankAttr  attribute.KeyValue
}

// New builds a barrier for this rank with default settings. All ranks of
// the invocation must use the same numRanks and invocationID.
func New(rank, numRanks, invocationID int) (*Barrier, error) {
	return NewWithConfig(DefaultConfig(rank, numRanks, invocationID))
}

// NewWithConfig builds a barrier from an explicit config.
//
// Rank 0 creates the mutex, both turnstiles, and the counter, and only
// then the ready region, so its appearance means every resource exists.
// Other ranks open the ready region first and then the rest; their opens
// retry until the attach deadline.
//
// Construction ends with one rendezvous across all ranks. If that times
// out, the barrier is returned together with ErrTimeout so the caller can
// pick between proceeding degraded and failing the run. Stale resources
// from a previous use of the id must be removed with Cleanup beforehand.
func NewWithConfig(cfg *Config) (*Barrier, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	attach := cfg.AttachTimeout
	if attach == 0 {
		attach = DefaultAttachTimeout
	}
	b := &Barrier{
		rank:     cfg.Rank,
		numRanks: cfg.NumRanks,
		id:       cfg.InvocationID,
		log:      cfg.Logger,
		tracer:   cfg.Tracer,
		rankAttr: attribute.Int("rank", cfg.Rank),
	}
	if b.log == nil {
		b.log = internalLogger
	}
	if cfg.Meter != nil {
		var err error
		b.otelWaits, err = cfg.Meter.Int64Counter("ranksync.barrier.waits")
		if err != nil {
			b.log.Warnf("meter counter creation failed: %v", err)
		}
	}

	n := resourceNames(cfg.InvocationID)
	var err error
	if cfg.Rank == 0 {
		if b.mutex, err = sema.Create(n.mutex, 1); err != nil {
			return nil, b.abortNew(err)
		}
		if b.turnstile1, err = sema.Create(n.turnstile1, 0); err != nil {
			return nil, b.abortNew(err)
		}
		if b.turnstile2, err = sema.Create(n.turnstile2, 0); err != nil {
			return nil, b.abortNew(err)
		}
		if b.counter, err = shmem.Create(n.counter, counterSize); err != nil {
			return nil, b.abortNew(err)
		}
		// Created last: other ranks gate on this name.
		if b.ready, err = shmem.Create(n.ready, 1); err != nil {
			return nil, b.abortNew(err)
		}
	} else {
		deadline := time.Now().Add(attach)
		if b.ready, err = shmem.Open(n.ready, 1, deadline); err != nil {
			return nil, b.abortNew(err)
		}
		if b.mutex, err = sema.OpenDeadline(n.mutex, deadline); err != nil {
			return nil, b.abortNew(err)
		}
		if b.turnstile1, err = sema.OpenDeadline(n.turnstile1, deadline); err != nil {
			return nil, b.abortNew(err)
		}
		if b.turnstile2, err = sema.OpenDeadline(n.turnstile2, deadline); err != nil {
			return nil, b.abortNew(err)
		}
		if b.counter, err = shmem.Open(n.counter, counterSize, deadline); err != nil {
			return nil, b.abortNew(err)
		}
	}
	b.count = (*int32)(unsafe.Pointer(&b.counter.Bytes()[0]))

	attachSecs := int(attach / time.Second)
	if attachSecs < 1 {
		attachSecs = 1
	}
	if err := b.WaitTimeout(attachSecs); err != nil {
		b.log.Warnf("rank %d timed out during barrier initialization: %v", b.rank, err)
		return b, err
	}
	return b, nil
}

func (b *Barrier) abortNew(err error) error {
	b.closeHandles()
	return err
}

// Wait blocks until every rank of the invocation has arrived, with no
// deadline.
func (b *Barrier) Wait() error {
	if err := b.part1(time.Time{}); err != nil {
		return err
	}
	return b.part2(time.Time{})
}

// WaitTimeout blocks like Wait, giving each of the two phases
// timeoutSecs seconds measured from that phase's start. A phase computes
// one absolute deadline and applies it to both of its semaphore waits.
// On timeout the shared state keeps whatever progress was made; only a
// full rendezvous of all ranks brings the barrier back to neutral, so a
// timed-out invocation should be torn down with Cleanup rather than
// reused.
func (b *Barrier) WaitTimeout(timeoutSecs int) error {
	deadline := time.Now().Add(time.Duration(timeoutSecs) * time.Second)
	if err := b.part1(deadline); err != nil {
		return err
	}
	deadline = time.Now().Add(time.Duration(timeoutSecs) * time.Second)
	return b.part2(deadline)
}

// part1 is the arrival phase: the last rank to arrive releases everyone
// through the first turnstile.
func (b *Barrier) part1(deadline time.Time) error {
	if b.tracer != nil {
		_, span := b.tracer.Start(context.Background(), "barrier.arrival")
		defer span.End()
	}
	if err := b.waitSema(b.mutex, deadline); err != nil {
		return fmt.Errorf("arrival phase: %w", err)
	}
	if atomic.AddInt32(b.count, 1) == int32(b.numRanks) {
		if err := b.turnstile1.PostN(b.numRanks); err != nil {
			return fmt.Errorf("arrival phase: %w", err)
		}
	}
	if err := b.mutex.Post(); err != nil {
		return fmt.Errorf("arrival phase: %w", err)
	}
	if err := b.waitSema(b.turnstile1, deadline); err != nil {
		return fmt.Errorf("arrival phase: %w", err)
	}
	return nil
}

// part2 is the departure phase: the last rank to leave releases everyone
// through the second turnstile, restoring the counter to zero for the
// next use.
func (b *Barrier) part2(deadline time.Time) error {
	if b.tracer != nil {
		_, span := b.tracer.Start(context.Background(), "barrier.departure")
		defer span.End()
	}
	if err := b.waitSema(b.mutex, deadline); err != nil {
		return fmt.Errorf("departure phase: %w", err)
	}
	if atomic.AddInt32(b.count, -1) == 0 {
		if err := b.turnstile2.PostN(b.numRanks); err != nil {
			return fmt.Errorf("departure phase: %w", err)
		}
	}
	if err := b.mutex.Post(); err != nil {
		return fmt.Errorf("departure phase: %w", err)
	}
	if err := b.waitSema(b.turnstile2, deadline); err != nil {
		return fmt.Errorf("departure phase: %w", err)
	}
	return nil
}

func (b *Barrier) waitSema(s *sema.Sema, deadline time.Time) error {
	barrierWaits.Inc()
	if b.otelWaits != nil {
		b.otelWaits.Add(context.Background(), 1, metric.WithAttributes(b.rankAttr))
	}
	start := time.Now()
	var err error
	if deadline.IsZero() {
		err = s.Wait()
	} else {
		err = s.WaitDeadline(deadline)
	}
	barrierWaitSeconds.Observe(time.Since(start).Seconds())
	if errors.Is(err, sema.ErrTimeout) {
		barrierTimeouts.Inc()
		b.log.Warnf("rank %d timed out on %s after deadline %s",
			b.rank, s.Name(), deadline.Format(time.RFC3339))
	}
	return err
}

// Rank returns the rank this handle was built for.
func (b *Barrier) Rank() int { return b.rank }

// NumRanks returns the invocation's rank count.
func (b *Barrier) NumRanks() int { return b.numRanks }

// Close drops this rank's mappings. The shared resources stay behind for
// the other ranks; removing them is Cleanup's job.
func (b *Barrier) Close() error {
	return b.closeHandles()
}

func (b *Barrier) closeHandles() error {
	var firstErr error
	keep := func(err error) {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			} else {
				b.logger().Warnf("barrier close: %v", err)
			}
		}
	}
	if b.mutex != nil {
		keep(b.mutex.Close())
	}
	if b.turnstile1 != nil {
		keep(b.turnstile1.Close())
	}
	if b.turnstile2 != nil {
		keep(b.turnstile2.Close())
	}
	if b.counter != nil {
		keep(b.counter.Close())
	}
	if b.ready != nil {
		keep(b.ready.Close())
	}
	return firstErr
}

func (b *Barrier) logger() *logging.Logger {
	if b.log != nil {
		return b.log
	}
	return internalLogger
}

// Cleanup unlinks every shared resource of the invocation id. It must run
// before the first rank of a fresh invocation reusing the id constructs
// its barrier, and it tolerates names that were never created.
func Cleanup(invocationID int) error {
	var firstErr error
	for _, name := range resourceNames(invocationID).all() {
		if err := shmem.Unlink(name); err != nil {
			if firstErr == nil {
				firstErr = err
			} else {
				internalLogger.Warnf("cleanup: %v", err)
			}
		}
	}
	return firstErr
}

// SemStatus is a diagnostic snapshot of one semaphore.
type SemStatus struct {
	Value   uint32
	Waiters uint32
}

// Status is a point-in-time picture of an invocation's barrier state,
// for finding which resource stuck ranks are parked on.
type Status struct {
	InvocationID int
	Mutex        SemStatus
	Turnstile1   SemStatus
	Turnstile2   SemStatus
	Arrived      int32
}

// Inspect attaches to an existing invocation's resources without waiting
// and reports their live counts. It does not disturb barrier state.
func Inspect(invocationID int) (*Status, error) {
	n := resourceNames(invocationID)
	now := time.Now()

	snap := func(name string) (SemStatus, error) {
		s, err := sema.OpenDeadline(name, now)
		if err != nil {
			return SemStatus{}, err
		}
		defer s.Close()
		return SemStatus{Value: s.Value(), Waiters: s.Waiters()}, nil
	}

	st := &Status{InvocationID: invocationID}
	var err error
	if st.Mutex, err = snap(n.mutex); err != nil {
		return nil, err
	}
	if st.Turnstile1, err = snap(n.turnstile1); err != nil {
		return nil, err
	}
	if st.Turnstile2, err = snap(n.turnstile2); err != nil {
		return nil, err
	}
	counter, err := shmem.Open(n.counter, counterSize, now)
	if err != nil {
		return nil, err
	}
	defer counter.Close()
	st.Arrived = atomic.LoadInt32((*int32)(unsafe.Pointer(&counter.Bytes()[0])))
	return st, nil
}
