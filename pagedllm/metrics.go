package pagedllm

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes scheduler and block pool counters. Pass a Registerer to
// publish them; a nil registry keeps the collectors local, which is what the
// tests use.
type Metrics struct {
	PrefixCacheHits   prometheus.Counter
	PrefixCacheMisses prometheus.Counter
	Evictions         prometheus.Counter
	Preemptions       prometheus.Counter
	ScheduledTokens   prometheus.Counter
	FreeBlocks        prometheus.Gauge
}

// NewMetrics creates the collector set and registers it when registry is
// non-nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrefixCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagedllm_prefix_cache_hits_total",
			Help: "Prompt blocks satisfied from the prefix cache.",
		}),
		PrefixCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagedllm_prefix_cache_misses_total",
			Help: "Prompt blocks that required a fresh allocation.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagedllm_block_evictions_total",
			Help: "Cached free blocks whose contents were discarded for reuse.",
		}),
		Preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagedllm_preemptions_total",
			Help: "Running sequences preempted under memory pressure.",
		}),
		ScheduledTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagedllm_scheduled_tokens_total",
			Help: "Tokens handed to the executor across all steps.",
		}),
		FreeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagedllm_free_blocks",
			Help: "Blocks currently on the free list.",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.PrefixCacheHits,
			m.PrefixCacheMisses,
			m.Evictions,
			m.Preemptions,
			m.ScheduledTokens,
			m.FreeBlocks,
		)
	}

	return m
}
