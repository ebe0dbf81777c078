package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ImageStored()
		c.LikeConflict()
		c.CacheHit("username")
		c.StoreOperation("get_post", errors.New("x"))
	})
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("test")
	c.ImageStored()
	c.ImageDeduped()
	c.ImageDeduped()
	c.CacheMiss("username")
	c.StoreOperation("get_post", nil)
	c.StoreOperation("get_post", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ImagesStored))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ImagesDeduped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CacheLookups.WithLabelValues("username", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StoreOperations.WithLabelValues("get_post", "error")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("carspotter")
	c.LikeConflict()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "carspotter_like_conflicts_total 1")
}
