package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics for the process. A nil *Collector
// is valid and records nothing, which keeps tests free of registries.
type Collector struct {
	registry *prometheus.Registry

	ImagesStored    prometheus.Counter
	ImagesDeduped   prometheus.Counter
	OrphanedBlobs   prometheus.Counter
	LikeConflicts   prometheus.Counter
	LikeExhausted   prometheus.Counter
	CacheLookups    *prometheus.CounterVec
	VisionCalls     *prometheus.CounterVec
	StoreOperations *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ImagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_stored_total",
			Help:      "Canonical images written to blob storage",
		}),
		ImagesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_deduplicated_total",
			Help:      "Ingestions that found the canonical image already stored",
		}),
		OrphanedBlobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_blobs_total",
			Help:      "Blobs left behind because deleting them failed",
		}),
		LikeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "like_conflicts_total",
			Help:      "Like/unlike conditional writes rejected by a concurrent writer",
		}),
		LikeExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "like_retries_exhausted_total",
			Help:      "Like/unlike requests that gave up after the retry budget",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_cache_lookups_total",
			Help:      "Metadata cache lookups by cache and result",
		}, []string{"cache", "result"}),
		VisionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vision_calls_total",
			Help:      "Vision classifier calls by outcome",
		}, []string{"outcome"}),
		StoreOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_store_operations_total",
			Help:      "Record store operations by operation and status",
		}, []string{"operation", "status"}),
	}

	c.registry.MustRegister(
		c.ImagesStored,
		c.ImagesDeduped,
		c.OrphanedBlobs,
		c.LikeConflicts,
		c.LikeExhausted,
		c.CacheLookups,
		c.VisionCalls,
		c.StoreOperations,
	)
	return c
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ImageStored() {
	if c != nil {
		c.ImagesStored.Inc()
	}
}

func (c *Collector) ImageDeduped() {
	if c != nil {
		c.ImagesDeduped.Inc()
	}
}

func (c *Collector) BlobOrphaned() {
	if c != nil {
		c.OrphanedBlobs.Inc()
	}
}

func (c *Collector) LikeConflict() {
	if c != nil {
		c.LikeConflicts.Inc()
	}
}

func (c *Collector) LikeRetriesExhausted() {
	if c != nil {
		c.LikeExhausted.Inc()
	}
}

func (c *Collector) CacheHit(cache string) {
	if c != nil {
		c.CacheLookups.WithLabelValues(cache, "hit").Inc()
	}
}

func (c *Collector) CacheMiss(cache string) {
	if c != nil {
		c.CacheLookups.WithLabelValues(cache, "miss").Inc()
	}
}

func (c *Collector) VisionCall(outcome string) {
	if c != nil {
		c.VisionCalls.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) StoreOperation(op string, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.StoreOperations.WithLabelValues(op, status).Inc()
}
