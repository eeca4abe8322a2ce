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
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex ops without FUTEX_PRIVATE_FLAG: the value word sits in a shared
// mapping and waiters live in other processes, so private futexes would
// never pair up.
const (
	futexOpWait        = 0   // FUTEX_WAIT, relative timeout
	futexOpWake        = 1   // FUTEX_WAKE
	futexOpWaitBitset  = 9   // FUTEX_WAIT_BITSET, absolute timeout
	futexClockRealtime = 256 // FUTEX_CLOCK_REALTIME

	// Not exported by x/sys/unix.
	futexBitsetMatchAny = 0xffffffff
)

// futexWait parks until the word at addr changes from val, the deadline
// passes, or a wake arrives. A zero deadline waits forever. Returns nil
// when the caller should recheck the word (woken, value already moved, or
// interrupted) and ErrTimeout when the deadline hit.
func futexWait(addr *uint32, val uint32, deadline time.Time) error {
	var (
		op  uintptr = futexOpWait
		ts  unix.Timespec
		tsp unsafe.Pointer
		v3  uintptr
	)
	if !deadline.IsZero() {
		// FUTEX_WAIT takes a relative timeout; the bitset variant takes
		// the absolute CLOCK_REALTIME instant the callers already carry.
		op = futexOpWaitBitset | futexClockRealtime
		ts = unix.NsecToTimespec(deadline.UnixNano())
		tsp = unsafe.Pointer(&ts)
		v3 = futexBitsetMatchAny
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), op, uintptr(val),
		uintptr(tsp), 0, v3)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrTimeout
	default:
		return errno
	}
}

// futexWake wakes up to n waiters parked on the word at addr.
func futexWake(addr *uint32, n uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexOpWake, uintptr(n),
		0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
