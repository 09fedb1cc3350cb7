package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingReceiver struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingReceiver) SendAlert(alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, *alert)
	return nil
}

func TestAlertManager_TriggerAndResolve(t *testing.T) {
	metrics := NewMetrics()
	am := NewAlertManager(metrics, zap.NewNop())
	receiver := &recordingReceiver{}
	am.AddReceiver(receiver)

	var pingErr error = errors.New("connection refused")
	am.AddRule(ConnectivityRule("database", func(context.Context) error { return pingErr }))

	am.CheckRules(context.Background())
	require.Len(t, receiver.alerts, 1)
	assert.Equal(t, "database_connection", receiver.alerts[0].ID)
	assert.Equal(t, AlertLevelCritical, receiver.alerts[0].Level)
	assert.Len(t, am.GetActiveAlerts(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues("alert_critical", "database")))

	// 冷却期内不重复通知
	am.CheckRules(context.Background())
	assert.Len(t, receiver.alerts, 1)

	pingErr = nil
	am.CheckRules(context.Background())
	assert.Empty(t, am.GetActiveAlerts())
}

func TestHighMemoryUsageRule(t *testing.T) {
	assert.True(t, HighMemoryUsageRule(0).Condition(context.Background()))
	assert.False(t, HighMemoryUsageRule(1<<20).Condition(context.Background()))
}

func TestLogAlertReceiver(t *testing.T) {
	r := NewLogAlertReceiver(zap.NewNop())
	for _, level := range []AlertLevel{AlertLevelInfo, AlertLevelWarning, AlertLevelCritical} {
		assert.NoError(t, r.SendAlert(&Alert{ID: "x", Level: level}))
	}
}
