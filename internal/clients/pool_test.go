package clients

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/config"
)

func TestLazyBuildsOnce(t *testing.T) {
	var l lazy[int]
	var builds atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.get(func() (int, error) {
				builds.Add(1)
				return 42, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), builds.Load())
}

func TestLazyRetriesAfterFailure(t *testing.T) {
	var l lazy[string]
	_, err := l.get(func() (string, error) { return "", errors.New("boom") })
	require.Error(t, err)

	_, built := l.peek()
	assert.False(t, built)

	v, err := l.get(func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestHTTPClientTLS(t *testing.T) {
	p := NewPool(&config.Config{FetchTimeout: 3 * time.Second}, zap.NewNop())
	c := p.HTTPClient()
	assert.Equal(t, 3*time.Second, c.Timeout)

	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
}

func TestSQLiteDSN(t *testing.T) {
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "pool.db")
	p := NewPool(&config.Config{DSN: dsn, Env: "test", SQLMaxConns: 1}, zap.NewNop())
	defer p.Close()

	db, err := p.SQL(context.Background())
	require.NoError(t, err)

	again, err := p.SQL(context.Background())
	require.NoError(t, err)
	assert.Same(t, db, again)
}

func TestRedisDisabledWithoutAddr(t *testing.T) {
	p := NewPool(&config.Config{}, zap.NewNop())
	client, err := p.Redis(context.Background())
	require.NoError(t, err)
	assert.Nil(t, client)
}
