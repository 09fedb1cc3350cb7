package content

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"maskrelay/backend/internal/tracker"
)

func newTestServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/s/ok", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "TestAgent/1.0", r.UserAgent())
		http.Redirect(w, r, "/hop", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final?utm_campaign=x&id=1", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("landing"))
	})
	mux.HandleFunc("/s/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/missing", http.StatusFound)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/s/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/s/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/s/loop", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestUnshortener(t *testing.T) *Unshortener {
	t.Helper()
	return newGuardedUnshortener(t, true)
}

func newGuardedUnshortener(t *testing.T, allowPrivate bool) *Unshortener {
	t.Helper()
	shorteners, err := tracker.Compile([]tracker.Definition{
		{Name: "local", Patterns: []tracker.Pattern{{Pattern: "127.0.0.1", Type: tracker.PatternDomain}}},
	})
	require.NoError(t, err)

	u, err := NewUnshortener(UnshortenerConfig{
		Timeout:              300 * time.Millisecond,
		Workers:              2,
		MaxRedirects:         5,
		AllowPrivateNetworks: allowPrivate,
	}, shorteners, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(u.Close)
	return u
}

func TestUnshortener_Expand(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	u := newTestUnshortener(t)

	t.Run("跟随重定向链", func(t *testing.T) {
		final, ok := u.Expand(context.Background(), srv.URL+"/s/ok", "TestAgent/1.0")
		require.True(t, ok)
		assert.Equal(t, srv.URL+"/final?utm_campaign=x&id=1", final)
		assert.Equal(t, []string{"utm_campaign"}, TrackingParams(final))
	})

	t.Run("缓存命中", func(t *testing.T) {
		before := hits.Load()
		_, ok := u.Expand(context.Background(), srv.URL+"/s/ok", "TestAgent/1.0")
		assert.True(t, ok)
		assert.Equal(t, before, hits.Load())
	})

	t.Run("非 2xx 保持原样", func(t *testing.T) {
		_, ok := u.Expand(context.Background(), srv.URL+"/s/gone", "")
		assert.False(t, ok)
	})

	t.Run("超时保持原样", func(t *testing.T) {
		start := time.Now()
		_, ok := u.Expand(context.Background(), srv.URL+"/s/slow", "")
		assert.False(t, ok)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("重定向过多保持原样", func(t *testing.T) {
		_, ok := u.Expand(context.Background(), srv.URL+"/s/loop", "")
		assert.False(t, ok)
	})

	t.Run("无法连接保持原样", func(t *testing.T) {
		_, ok := u.Expand(context.Background(), "http://127.0.0.1:1/x", "")
		assert.False(t, ok)
	})
}

func TestUnshortener_RefusesInternalDestinations(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	u := newGuardedUnshortener(t, false)

	_, ok := u.Expand(context.Background(), srv.URL+"/s/ok", "TestAgent/1.0")
	assert.False(t, ok)
	assert.Zero(t, hits.Load())

	t.Run("重定向到内网地址", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, "http://169.254.169.254/latest/meta-data", nil)
		require.NoError(t, err)
		err = u.client.CheckRedirect(req, []*http.Request{{}})
		assert.ErrorIs(t, err, ErrForbiddenDestination)
	})

	t.Run("主机名解析到回环地址", func(t *testing.T) {
		port := srv.Listener.Addr().(*net.TCPAddr).Port
		_, ok := u.Expand(context.Background(), fmt.Sprintf("http://localhost.:%d/s/ok", port), "")
		assert.False(t, ok)

		_, err := u.client.Transport.(*http.Transport).DialContext(context.Background(), "tcp", srv.Listener.Addr().String())
		assert.ErrorIs(t, err, ErrForbiddenDestination)
		assert.Zero(t, hits.Load())
	})
}

func TestUnshortener_ExpandAll(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	u := newTestUnshortener(t)

	got := u.ExpandAll(context.Background(), []string{
		srv.URL + "/s/ok",
		srv.URL + "/s/ok",
		srv.URL + "/s/gone",
	}, "TestAgent/1.0")

	assert.Len(t, got, 1)
	assert.Equal(t, srv.URL+"/final?utm_campaign=x&id=1", got[srv.URL+"/s/ok"])
	assert.Equal(t, int32(1), hits.Load())

	assert.True(t, u.IsShortened(srv.URL+"/s/ok"))
	assert.False(t, u.IsShortened("https://example.com/x"))
}

func TestTrackingParams(t *testing.T) {
	assert.Equal(t, []string{"fbclid", "utm_medium", "utm_source"},
		TrackingParams("https://a.example/?utm_source=x&utm_medium=y&fbclid=z&page=2"))
	assert.Empty(t, TrackingParams("https://a.example/?page=2"))
	assert.Empty(t, TrackingParams("::bad"))
}

func TestNewUnshortener_SOCKS5(t *testing.T) {
	u, err := NewUnshortener(UnshortenerConfig{SOCKS5Proxy: "127.0.0.1:1080"}, nil, nil)
	require.NoError(t, err)
	defer u.Close()
	assert.False(t, u.IsShortened("https://bit.ly/x"))
}
