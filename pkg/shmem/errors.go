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

package shmem

import (
	"errors"
	"fmt"
)

var (
	// ErrShareMemoryHadNotLeftSpace means the shared memory filesystem
	// cannot hold the requested region.
	ErrShareMemoryHadNotLeftSpace = errors.New("share memory had not left space")

	// ErrUnsupported is returned on platforms without a usable shared
	// memory mapping facility.
	ErrUnsupported = errors.New("shared memory regions are not supported on this platform")
)

// ResourceError reports a failed operation on a named region. Name is the
// logical resource name, so the message identifies which of an
// invocation's resources broke.
type ResourceError struct {
	Op   string
	Name string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("shmem %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }
