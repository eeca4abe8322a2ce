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

// Package sema implements counting semaphores whose entire state lives in
// a named shared memory region, so unrelated processes can block on and
// post to the same semaphore. Blocking goes through the futex syscall on
// the value word; no pipes, sockets or files are involved in the wait
// path.
package sema

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ranklab/ranksync/pkg/shmem"
)

var (
	// ErrTimeout means a deadline passed while waiting. The semaphore
	// remains usable; a timed-out waiter took nothing.
	ErrTimeout = errors.New("wait deadline exceeded")

	// ErrUnsupported is returned from blocking operations on platforms
	// without futexes.
	ErrUnsupported = errors.New("cross-process semaphores need a linux futex")
)

// StateSize is the number of bytes of shared storage one semaphore
// occupies at offset 0 of its region.
const StateSize = 16

// state is the wire layout of a semaphore. Both words are touched only
// with atomic operations; the pad keeps the footprint fixed should more
// fields ever be needed.
type state struct {
	value   uint32 // current count, futex word
	waiters uint32 // number of parked waiters
	_       [8]byte
}

// Sema is one process's handle on a shared counting semaphore.
type Sema struct {
	region *shmem.Region
	state  *state
}

// Create makes the named semaphore with the given initial value. The
// caller becomes responsible for eventually unlinking the name.
func Create(name string, initial uint32) (*Sema, error) {
	region, err := shmem.Create(name, StateSize)
	if err != nil {
		return nil, err
	}
	s := &Sema{region: region, state: stateOf(region.Bytes())}
	atomic.StoreUint32(&s.state.value, initial)
	return s, nil
}

// OpenDeadline attaches to a semaphore another process creates, waiting
// until the absolute deadline for the name to appear.
func OpenDeadline(name string, deadline time.Time) (*Sema, error) {
	region, err := shmem.Open(name, StateSize, deadline)
	if err != nil {
		return nil, err
	}
	return &Sema{region: region, state: stateOf(region.Bytes())}, nil
}

// Unlink removes the named semaphore's backing object. Waiters already
// mapped keep working; new opens fail.
func Unlink(name string) error { return shmem.Unlink(name) }

func stateOf(b []byte) *state {
	return (*state)(unsafe.Pointer(&b[0]))
}

// Name returns the logical name the semaphore lives under.
func (s *Sema) Name() string { return s.region.Name() }

// Value reports the current count. Purely diagnostic; it can be stale by
// the time the caller looks at it.
func (s *Sema) Value() uint32 { return atomic.LoadUint32(&s.state.value) }

// Waiters reports how many processes are parked in a wait. Diagnostic.
func (s *Sema) Waiters() uint32 { return atomic.LoadUint32(&s.state.waiters) }

// TryWait takes one unit without blocking, reporting whether it did.
func (s *Sema) TryWait() bool {
	st := s.state
	for {
		v := atomic.LoadUint32(&st.value)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&st.value, v, v-1) {
			return true
		}
	}
}

// Wait blocks until a unit is available and takes it.
func (s *Sema) Wait() error {
	return s.wait(time.Time{})
}

// WaitDeadline blocks like Wait but gives up once the absolute wall-clock
// deadline passes, returning ErrTimeout. A zero deadline never expires.
func (s *Sema) WaitDeadline(deadline time.Time) error {
	return s.wait(deadline)
}

func (s *Sema) wait(deadline time.Time) error {
	st := s.state
	for {
		if s.TryWait() {
			return nil
		}
		atomic.AddUint32(&st.waiters, 1)
		err := futexWait(&st.value, 0, deadline)
		atomic.AddUint32(&st.waiters, ^uint32(0))
		if err != nil {
			return err
		}
	}
}

// Post releases one unit and wakes a single parked waiter if any.
func (s *Sema) Post() error {
	st := s.state
	atomic.AddUint32(&st.value, 1)
	if atomic.LoadUint32(&st.waiters) > 0 {
		return futexWake(&st.value, 1)
	}
	return nil
}

// PostN releases n units as n individual posts so each wakes at most one
// waiter, stopping at the first failure.
func (s *Sema) PostN(n int) error {
	for i := 0; i < n; i++ {
		if err := s.Post(); err != nil {
			return fmt.Errorf("post %d of %d: %w", i+1, n, err)
		}
	}
	return nil
}

// Close drops this process's mapping of the semaphore. The shared state
// and any other process's handles are unaffected.
func (s *Sema) Close() error {
	return s.region.Close()
}
