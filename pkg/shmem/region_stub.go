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

//go:build !linux && !darwin

package shmem

import "time"

func Create(name string, size int) (*Region, error) {
	return nil, &ResourceError{Op: "create", Name: name, Err: ErrUnsupported}
}

func Open(name string, size int, deadline time.Time) (*Region, error) {
	return nil, &ResourceError{Op: "open", Name: name, Err: ErrUnsupported}
}

func (r *Region) Close() error { return nil }
