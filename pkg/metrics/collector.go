// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Preemptions counts sequence groups evicted from RUNNING under
	// memory pressure, by recompute or swap.
	Preemptions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvsched", Subsystem: "scheduler", Name: "preemptions_total",
		Help: "Total number of sequence-group preemptions",
	})
	// IgnoredRequests counts permanently rejected requests.
	IgnoredRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvsched", Subsystem: "scheduler", Name: "ignored_requests_total",
		Help: "Total number of permanently rejected requests",
	})
	// SwappedOutBlocks counts blocks moved from device to host memory.
	SwappedOutBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvsched", Subsystem: "blocks", Name: "swapped_out_total",
		Help: "Total number of blocks swapped out to host memory",
	})
	// SwappedInBlocks counts blocks moved from host back to device memory.
	SwappedInBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvsched", Subsystem: "blocks", Name: "swapped_in_total",
		Help: "Total number of blocks swapped in from host memory",
	})
	// CopyOnWriteBlocks counts blocks duplicated on divergent writes.
	CopyOnWriteBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvsched", Subsystem: "blocks", Name: "copy_on_write_total",
		Help: "Total number of copy-on-write block duplications",
	})

	// PrefixCacheQueries counts content-hash lookups in the caching
	// allocator.
	PrefixCacheQueries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvsched", Subsystem: "prefix_cache", Name: "queries_total",
		Help: "Total number of prefix-cache lookups",
	})
	// PrefixCacheHits counts lookups that reused an existing block.
	PrefixCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvsched", Subsystem: "prefix_cache", Name: "hits_total",
		Help: "Number of prefix-cache lookups that reused a block",
	})
	// PrefixCacheEvictions counts cached blocks reclaimed for allocation.
	PrefixCacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvsched", Subsystem: "prefix_cache", Name: "evictions_total",
		Help: "Number of cached blocks evicted back into the free pool",
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Preemptions, IgnoredRequests,
		SwappedOutBlocks, SwappedInBlocks, CopyOnWriteBlocks,
		PrefixCacheQueries, PrefixCacheHits, PrefixCacheEvictions,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with the controller-runtime registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values
// every interval.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func logMetrics(ctx context.Context) {
	queries := counterValue(PrefixCacheQueries)
	hits := counterValue(PrefixCacheHits)

	hitRate := 0.0
	if queries > 0 {
		hitRate = hits / queries
	}

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"preemptions", counterValue(Preemptions),
		"ignored", counterValue(IgnoredRequests),
		"swapped_out", counterValue(SwappedOutBlocks),
		"swapped_in", counterValue(SwappedInBlocks),
		"cow_copies", counterValue(CopyOnWriteBlocks),
		"prefix_queries", queries,
		"prefix_hits", hits,
		"prefix_hit_rate", hitRate,
		"prefix_evictions", counterValue(PrefixCacheEvictions),
	)
}
