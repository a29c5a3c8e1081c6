// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "tierfs"

var (
	Registry = prometheus.NewRegistry()

	CacheUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "usage",
			Help:      "local cache accounting counters",
		},
		[]string{"kind"},
	)
	MetaCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "meta_cache",
			Name:      "entries",
			Help:      "live meta cache entries",
		},
	)
	MetaCacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "meta_cache",
			Name:      "events_total",
			Help:      "meta cache lock, flush and eviction events",
		},
		[]string{"event"},
	)
	CacheFullWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "full_waits_total",
			Help:      "times an operation slept on a full cache",
		},
	)
	BlockTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "block",
			Name:      "transitions_total",
			Help:      "block status transitions",
		},
		[]string{"from", "to"},
	)
	BackendBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "bytes_total",
			Help:      "bytes moved to and from the backend",
		},
		[]string{"op"},
	)
	BackendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "latency_seconds",
			Help:      "backend request latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"op"},
	)
)

func init() {
	Registry.MustRegister(
		CacheUsage,
		MetaCacheEntries,
		MetaCacheEvents,
		CacheFullWaits,
		BlockTransitions,
		BackendBytes,
		BackendLatency,
	)
}
