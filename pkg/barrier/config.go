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

package barrier

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ranklab/ranksync/internal/logging"
)

// DefaultAttachTimeout bounds both the wait for rank 0 to publish the
// shared resources and the rendezvous all ranks run right after attaching.
const DefaultAttachTimeout = 20 * time.Second

// Config carries barrier construction parameters.
type Config struct {
	// Rank identifies the calling process, 0 to NumRanks-1. Rank 0
	// creates the shared resources; everyone else opens them.
	Rank int

	// NumRanks is the number of participating processes.
	NumRanks int

	// InvocationID distinguishes concurrent invocations sharing a
	// machine. It is appended verbatim to every resource name.
	InvocationID int

	// AttachTimeout bounds construction. Zero selects the default.
	AttachTimeout time.Duration

	// Meter and Tracer switch on OpenTelemetry instrumentation when set.
	Meter  metric.Meter
	Tracer trace.Tracer

	// Logger overrides the package logger.
	Logger *logging.Logger
}

// DefaultConfig returns the config used by New.
func DefaultConfig(rank, numRanks, invocationID int) *Config {
	return &Config{
		Rank:          rank,
		NumRanks:      numRanks,
		InvocationID:  invocationID,
		AttachTimeout: DefaultAttachTimeout,
	}
}

// VerifyConfig checks a config for the mistakes that would otherwise
// surface as ranks deadlocking against each other.
func VerifyConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.NumRanks <= 0 {
		return fmt.Errorf("numRanks %d, want at least 1", c.NumRanks)
	}
	if c.Rank < 0 || c.Rank >= c.NumRanks {
		return fmt.Errorf("rank %d out of range [0,%d)", c.Rank, c.NumRanks)
	}
	if c.InvocationID < 0 {
		return fmt.Errorf("invocation id %d is negative", c.InvocationID)
	}
	if c.AttachTimeout < 0 {
		return fmt.Errorf("attach timeout %v is negative", c.AttachTimeout)
	}
	return nil
}
