package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"maskrelay/backend/internal/storage"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthChecker_Ready(t *testing.T) {
	hc := NewHealthChecker(map[string]storage.Pinger{
		"database": fakePinger{},
		"redis":    fakePinger{},
	}, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	hc.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthChecker_DependencyDown(t *testing.T) {
	hc := NewHealthChecker(map[string]storage.Pinger{
		"database": fakePinger{},
		"redis":    fakePinger{err: errors.New("connection refused")},
	}, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/ready?full=1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	// 依赖故障不影响存活探针
	rec = httptest.NewRecorder()
	hc.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	results := hc.CheckHealth(context.Background())
	assert.Equal(t, "OK", results["database"])
	assert.Equal(t, "ERROR: connection refused", results["redis"])
	assert.NotEmpty(t, results["timestamp"])
}
