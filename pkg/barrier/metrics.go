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

import "github.com/prometheus/client_golang/prometheus"

var (
	barrierWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ranksync_barrier_waits_total",
		Help: "Total number of semaphore waits entered by barrier phases.",
	})
	barrierTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ranksync_barrier_wait_timeouts_total",
		Help: "Total number of barrier waits that hit their deadline.",
	})
	barrierWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ranksync_barrier_wait_seconds",
		Help:    "Time spent blocked inside barrier waits.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)

// Collectors returns the package's prometheus collectors so callers that
// run a registry can register them. The package does not touch the
// default registry itself.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{barrierWaits, barrierTimeouts, barrierWaitSeconds}
}
