/*
Copyright 2023.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const prefix = "opkernel"

var (
	Reconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_reconcile_total",
			Help: "Total number of dispatcher invocations per entity type and outcome",
		},
		[]string{"entity_type", "outcome"},
	)
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: prefix + "_reconcile_duration_seconds",
			Help: "Wall-clock duration of a single dispatcher invocation",
		},
		[]string{"entity_type"},
	)
	GenerationCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_generation_cache_hits_total",
			Help: "Generation cache lookups that found a matching observed generation",
		},
		[]string{"entity_type"},
	)
	GenerationCacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_generation_cache_misses_total",
			Help: "Generation cache lookups that found no entry or a stale one",
		},
		[]string{"entity_type"},
	)
	WatchReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_watch_reconnects_total",
			Help: "Watch stream reconnect attempts per entity type and reason",
		},
		[]string{"entity_type", "reason"},
	)
	WatchEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_watch_events_total",
			Help: "Watch events received per entity type and event type",
		},
		[]string{"entity_type", "event_type"},
	)
	RequeueQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_requeue_queue_depth",
			Help: "Current number of pending timed requeue entries per entity type",
		},
		[]string{"entity_type"},
	)
	LeaderState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_leader",
			Help: "Whether this replica currently holds leadership. One means true, zero means false",
		},
		[]string{"identity"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		Reconciles,
		ReconcileDuration,
		GenerationCacheHits,
		GenerationCacheMisses,
		WatchReconnects,
		WatchEvents,
		RequeueQueueDepth,
		LeaderState,
	)
}
