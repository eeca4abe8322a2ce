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

// Package shmem manages named shared memory regions backed by files under
// /dev/shm (or the system temp directory where that mount is absent).
//
// A region's backing object outlives any one process. Close drops only the
// calling process's mapping; Unlink removes the name itself, after which
// opens fail until some process creates it again. Ranks of one invocation
// find each other purely by name, so the logical name must embed whatever
// distinguishes concurrent invocations.
package shmem

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/ranklab/ranksync/internal/logging"
)

const (
	// filePrefix namespaces backing files so an invocation's resources are
	// recognizable in /dev/shm listings. It is not part of the logical name.
	filePrefix = "ranksync."

	// openRetryInterval paces the bounded retry in Open while the creator
	// has not produced the name yet.
	openRetryInterval = 20 * time.Millisecond
)

var internalLogger = logging.New("shmem", nil)

// Region is one process's mapping of a named shared memory object.
type Region struct {
	name  string
	path  string
	data  []byte
	owned bool
}

// Name returns the logical resource name the region was created or opened
// under.
func (r *Region) Name() string { return r.name }

// Bytes exposes the live mapping. Writes are visible to every process
// mapping the same name.
func (r *Region) Bytes() []byte { return r.data }

// Size returns the mapped length in bytes.
func (r *Region) Size() int { return len(r.data) }

// Owned reports whether this process created the backing object, as
// opposed to opening one some other rank created.
func (r *Region) Owned() bool { return r.owned }

// Dir returns the directory holding region backing files.
func Dir() string {
	if runtime.GOOS == "linux" && pathExists("/dev/shm") {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Path returns the backing file path for a logical name.
func Path(name string) string {
	return filepath.Join(Dir(), filePrefix+name)
}

// Unlink removes the named region's backing object so subsequent opens
// fail until it is created again. Absent names are ignored, letting
// cleanup run unconditionally over a full resource set.
func Unlink(name string) error {
	path := Path(name)
	if !pathExists(path) {
		return nil
	}
	if err := os.Remove(path); err != nil {
		return &ResourceError{Op: "unlink", Name: name, Err: err}
	}
	internalLogger.Debugf("unlinked %s", path)
	return nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func canCreateOnDevShm(size uint64, path string) bool {
	if runtime.GOOS == "linux" && strings.HasPrefix(path, "/dev/shm") {
		stat, err := disk.Usage("/dev/shm")
		if err != nil {
			internalLogger.Warnf("stat /dev/shm failed: %v", err)
			return true
		}
		return stat.Free >= size
	}
	return true
}
