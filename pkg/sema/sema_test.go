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

//go:build linux

package sema

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// Child mode: the re-executed test binary posts to the ready semaphore,
// then blocks on the release one. See TestCrossProcessPostAndWait.
const childEnv = "RANKSYNC_SEMA_TEST_CHILD"

func TestMain(m *testing.M) {
	if base := os.Getenv(childEnv); base != "" {
		os.Exit(runChild(base))
	}
	os.Exit(m.Run())
}

func runChild(base string) int {
	ready, err := OpenDeadline(base+"ready", time.Now().Add(5*time.Second))
	if err != nil {
		fmt.Fprintln(os.Stderr, "child open ready:", err)
		return 1
	}
	defer ready.Close()
	release, err := OpenDeadline(base+"release", time.Now().Add(5*time.Second))
	if err != nil {
		fmt.Fprintln(os.Stderr, "child open release:", err)
		return 1
	}
	defer release.Close()
	if err := ready.Post(); err != nil {
		fmt.Fprintln(os.Stderr, "child post:", err)
		return 1
	}
	if err := release.WaitDeadline(time.Now().Add(10 * time.Second)); err != nil {
		fmt.Fprintln(os.Stderr, "child wait:", err)
		return 1
	}
	return 0
}

func TestStateLayout(t *testing.T) {
	assert.Equal(t, uintptr(StateSize), unsafe.Sizeof(state{}))
	assert.Equal(t, uintptr(0), unsafe.Offsetof(state{}.value))
	assert.Equal(t, uintptr(4), unsafe.Offsetof(state{}.waiters))
}

func TestInitialValueAndTryWait(t *testing.T) {
	name := fmt.Sprintf("t_sema_init%d", os.Getpid())
	defer func() { _ = Unlink(name) }()

	s, err := Create(name, 3)
	assert.Equal(t, nil, err)
	defer s.Close()

	assert.Equal(t, uint32(3), s.Value())
	assert.Equal(t, true, s.TryWait())
	assert.Equal(t, true, s.TryWait())
	assert.Equal(t, true, s.TryWait())
	assert.Equal(t, false, s.TryWait())
	assert.Equal(t, uint32(0), s.Value())
}

func TestPostWakesWaiter(t *testing.T) {
	name := fmt.Sprintf("t_sema_wake%d", os.Getpid())
	defer func() { _ = Unlink(name) }()

	s, err := Create(name, 0)
	assert.Equal(t, nil, err)
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		done <- s.Wait()
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, nil, s.Post())

	select {
	case err := <-done:
		assert.Equal(t, nil, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
	assert.Equal(t, uint32(0), s.Value())
}

func TestWaitDeadlineTimesOut(t *testing.T) {
	name := fmt.Sprintf("t_sema_timeout%d", os.Getpid())
	defer func() { _ = Unlink(name) }()

	s, err := Create(name, 0)
	assert.Equal(t, nil, err)
	defer s.Close()

	start := time.Now()
	err = s.WaitDeadline(time.Now().Add(200 * time.Millisecond))
	assert.Equal(t, true, errors.Is(err, ErrTimeout))
	assert.Equal(t, true, time.Since(start) >= 150*time.Millisecond)

	// A timed-out waiter consumed nothing and deregistered itself.
	assert.Equal(t, uint32(0), s.Value())
	assert.Equal(t, uint32(0), s.Waiters())
}

func TestPostNReleasesThatManyWaiters(t *testing.T) {
	const n = 4
	name := fmt.Sprintf("t_sema_batch%d", os.Getpid())
	defer func() { _ = Unlink(name) }()

	s, err := Create(name, 0)
	assert.Equal(t, nil, err)
	defer s.Close()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WaitDeadline(time.Now().Add(10 * time.Second))
		}()
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, nil, s.PostN(n))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("not all waiters were released")
	}
	close(errs)
	for err := range errs {
		assert.Equal(t, nil, err)
	}
	assert.Equal(t, uint32(0), s.Value())
}

func TestPostNOnIdleSemaphoreAccumulates(t *testing.T) {
	name := fmt.Sprintf("t_sema_accum%d", os.Getpid())
	defer func() { _ = Unlink(name) }()

	s, err := Create(name, 0)
	assert.Equal(t, nil, err)
	defer s.Close()

	assert.Equal(t, nil, s.PostN(3))
	assert.Equal(t, uint32(3), s.Value())
}

func TestTwoHandlesShareState(t *testing.T) {
	name := fmt.Sprintf("t_sema_share%d", os.Getpid())
	defer func() { _ = Unlink(name) }()

	creator, err := Create(name, 0)
	assert.Equal(t, nil, err)
	defer creator.Close()

	opener, err := OpenDeadline(name, time.Now().Add(time.Second))
	assert.Equal(t, nil, err)
	defer opener.Close()

	assert.Equal(t, nil, creator.Post())
	assert.Equal(t, true, opener.TryWait())
	assert.Equal(t, false, opener.TryWait())
}

func TestCrossProcessPostAndWait(t *testing.T) {
	base := fmt.Sprintf("t_sema_xproc%d", os.Getpid())
	ready, err := Create(base+"ready", 0)
	assert.Equal(t, nil, err)
	release, err := Create(base+"release", 0)
	assert.Equal(t, nil, err)
	defer func() {
		_ = ready.Close()
		_ = release.Close()
		_ = Unlink(base + "ready")
		_ = Unlink(base + "release")
	}()

	exe, err := os.Executable()
	assert.Equal(t, nil, err)
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), childEnv+"="+base)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	assert.Equal(t, nil, cmd.Start())

	// The child posts once it has both semaphores mapped.
	assert.Equal(t, nil, ready.WaitDeadline(time.Now().Add(10*time.Second)))
	assert.Equal(t, nil, release.Post())
	assert.Equal(t, nil, cmd.Wait())
}
