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
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// Create makes the named region, grows it to size, and maps it shared.
// A stale backing file left over from a crashed invocation is reused and
// zeroed rather than treated as an error. The file descriptor is closed
// as soon as the mapping exists; the mapping alone keeps the region live.
func Create(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, &ResourceError{Op: "create", Name: name, Err: fmt.Errorf("invalid region size %d", size)}
	}
	path := Path(name)
	if !canCreateOnDevShm(uint64(size), path) {
		return nil, &ResourceError{Op: "create", Name: name, Err: ErrShareMemoryHadNotLeftSpace}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, os.ModePerm)
	if err != nil {
		return nil, &ResourceError{Op: "create", Name: name, Err: err}
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			internalLogger.Warnf("file close error: %v", cerr)
		}
	}()
	if err := f.Truncate(int64(size)); err != nil {
		return nil, &ResourceError{Op: "create", Name: name, Err: err}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, &ResourceError{Op: "create", Name: name, Err: err}
	}
	for i := range data {
		data[i] = 0
	}
	internalLogger.Debugf("created region %s (%d bytes)", path, size)
	return &Region{name: name, path: path, data: data, owned: true}, nil
}

// Open maps a named region some other process creates. The creator may
// not have produced the name yet, so a missing file (and a file not yet
// grown to size) is retried on a constant interval until the absolute
// deadline; any other failure is immediate. The first attempt runs even
// when the deadline already passed.
func Open(name string, size int, deadline time.Time) (*Region, error) {
	if size <= 0 {
		return nil, &ResourceError{Op: "open", Name: name, Err: fmt.Errorf("invalid region size %d", size)}
	}
	path := Path(name)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	var f *os.File
	attempt := func() error {
		var err error
		f, err = os.OpenFile(path, os.O_RDWR, os.ModePerm)
		if err != nil {
			if os.IsNotExist(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return backoff.Permanent(err)
		}
		if info.Size() < int64(size) {
			_ = f.Close()
			return fmt.Errorf("region %s is %d bytes, want %d", path, info.Size(), size)
		}
		return nil
	}
	err := backoff.Retry(attempt, backoff.WithContext(backoff.NewConstantBackOff(openRetryInterval), ctx))
	if err != nil {
		return nil, &ResourceError{Op: "open", Name: name, Err: err}
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			internalLogger.Warnf("file close error: %v", cerr)
		}
	}()
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, &ResourceError{Op: "open", Name: name, Err: err}
	}
	return &Region{name: name, path: path, data: data, owned: false}, nil
}

// Close drops this process's mapping. The backing name stays available to
// other ranks until someone calls Unlink.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	if err := unix.Munmap(r.data); err != nil {
		return &ResourceError{Op: "unmap", Name: r.name, Err: err}
	}
	r.data = nil
	return nil
}
