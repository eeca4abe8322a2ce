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

//go:build linux || darwin

package shmem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	name := fmt.Sprintf("t_roundtrip%d", os.Getpid())
	defer func() { _ = Unlink(name) }()

	creator, err := Create(name, 64)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, creator.Owned())
	assert.Equal(t, 64, creator.Size())
	copy(creator.Bytes(), []byte("rendezvous"))

	opener, err := Open(name, 64, time.Now().Add(time.Second))
	assert.Equal(t, nil, err)
	assert.Equal(t, false, opener.Owned())
	assert.Equal(t, "rendezvous", string(opener.Bytes()[:10]))

	// Writes travel the other way through the same backing object.
	opener.Bytes()[0] = 'R'
	assert.Equal(t, byte('R'), creator.Bytes()[0])

	assert.Equal(t, nil, opener.Close())
	assert.Equal(t, nil, creator.Close())
}

func TestCreateZeroesStaleContent(t *testing.T) {
	name := fmt.Sprintf("t_stale%d", os.Getpid())
	defer func() { _ = Unlink(name) }()

	first, err := Create(name, 32)
	assert.Equal(t, nil, err)
	for i := range first.Bytes() {
		first.Bytes()[i] = 0xff
	}
	assert.Equal(t, nil, first.Close())

	second, err := Create(name, 32)
	assert.Equal(t, nil, err)
	for i, b := range second.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d not zeroed after recreate: %#x", i, b)
		}
	}
	assert.Equal(t, nil, second.Close())
}

func TestOpenWaitsForCreator(t *testing.T) {
	name := fmt.Sprintf("t_lateCreator%d", os.Getpid())
	defer func() { _ = Unlink(name) }()

	go func() {
		time.Sleep(80 * time.Millisecond)
		r, err := Create(name, 16)
		if err == nil {
			r.Bytes()[0] = 7
		}
	}()

	opener, err := Open(name, 16, time.Now().Add(5*time.Second))
	assert.Equal(t, nil, err)
	assert.Equal(t, byte(7), opener.Bytes()[0])
	assert.Equal(t, nil, opener.Close())
}

func TestOpenDeadlineExpires(t *testing.T) {
	_, err := Open("t_never_created", 16, time.Now().Add(150*time.Millisecond))
	assert.NotEqual(t, nil, err)

	var resErr *ResourceError
	assert.Equal(t, true, errors.As(err, &resErr))
	assert.Equal(t, "open", resErr.Op)
	assert.Equal(t, "t_never_created", resErr.Name)
	assert.Equal(t, true, errors.Is(err, context.DeadlineExceeded))
}

func TestUnlinkLifecycle(t *testing.T) {
	name := fmt.Sprintf("t_unlink%d", os.Getpid())

	// Unlinking a name that never existed is fine.
	assert.Equal(t, nil, Unlink(name))

	r, err := Create(name, 16)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, r.Close())
	assert.Equal(t, nil, Unlink(name))

	// After unlink the name is gone until somebody recreates it.
	_, err = Open(name, 16, time.Now())
	assert.NotEqual(t, nil, err)

	r, err = Create(name, 16)
	assert.Equal(t, nil, err)
	opener, err := Open(name, 16, time.Now().Add(time.Second))
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, opener.Close())
	assert.Equal(t, nil, r.Close())
	assert.Equal(t, nil, Unlink(name))
}

func TestCreateRejectsInvalidSize(t *testing.T) {
	_, err := Create("t_badsize", 0)
	assert.NotEqual(t, nil, err)
	_, err = Open("t_badsize", -1, time.Now())
	assert.NotEqual(t, nil, err)
}

func TestPathUsesPrefix(t *testing.T) {
	p := Path("mutex42")
	assert.Equal(t, true, strings.HasSuffix(p, "ranksync.mutex42"))
}

func TestCanCreateOnDevShm(t *testing.T) {
	switch runtime.GOOS {
	case "linux":
		// The free-space check only applies under /dev/shm.
		assert.Equal(t, true, canCreateOnDevShm(math.MaxUint64, "somewhere_else"))
		assert.Equal(t, true, canCreateOnDevShm(16, "/dev/shm/tiny"))
	default:
		assert.Equal(t, true, canCreateOnDevShm(math.MaxUint64, "/dev/shm/xxx"))
	}
}

func TestResourceErrorMessage(t *testing.T) {
	err := &ResourceError{Op: "create", Name: "counter7", Err: ErrShareMemoryHadNotLeftSpace}
	assert.Equal(t, "shmem create counter7: share memory had not left space", err.Error())
	assert.Equal(t, true, errors.Is(err, ErrShareMemoryHadNotLeftSpace))
}
