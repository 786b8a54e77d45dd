package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegressionPct(t *testing.T) {
	pct, ok := RegressionPct(100, 165)
	require.True(t, ok)
	assert.InDelta(t, 65.0, pct, 1e-9)

	pct, ok = RegressionPct(450, 1200)
	require.True(t, ok)
	assert.InDelta(t, 166.666, pct, 1e-3)

	_, ok = RegressionPct(0, 100)
	assert.False(t, ok)
	_, ok = RegressionPct(-5, 100)
	assert.False(t, ok)
}

func TestEvaluateSeverity(t *testing.T) {
	cfg := DefaultMonitoringConfig()
	cfg.ResponseWarnMS = 500
	cfg.ResponseCriticalMS = 1000

	tests := []struct {
		name string
		obs  Observation
		want Severity
	}{
		{"healthy", Observation{CurrentMS: 120, RegressionPct: 10, ErrorRatePct: 0}, SeverityNone},
		{"warn threshold inclusive", Observation{CurrentMS: 500}, SeverityWarning},
		{"critical response", Observation{CurrentMS: 1200}, SeverityCritical},
		{"regression warning", Observation{CurrentMS: 300, RegressionPct: 65}, SeverityWarning},
		{"regression critical", Observation{CurrentMS: 300, RegressionPct: 183}, SeverityCritical},
		{"error rate at threshold is not a breach", Observation{ErrorRatePct: 3}, SeverityNone},
		{"error rate warning", Observation{ErrorRatePct: 4}, SeverityWarning},
		{"error rate critical margin", Observation{ErrorRatePct: 6.5}, SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateSeverity(tt.obs, cfg))
		})
	}
}

func TestSeverity_JSON(t *testing.T) {
	data, err := json.Marshal(map[string]Severity{"s": SeverityCritical})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"critical"}`, string(data))

	var out map[string]Severity
	require.NoError(t, json.Unmarshal([]byte(`{"s":"warning"}`), &out))
	assert.Equal(t, SeverityWarning, out["s"])

	_, err = ParseSeverity("fatal")
	assert.Error(t, err)
}

func TestEventStatus(t *testing.T) {
	assert.True(t, StatusOpen.Active())
	assert.True(t, StatusAcknowledged.Active())
	assert.False(t, StatusResolved.Active())
	assert.False(t, EventStatus("closed").Valid())
}

func TestRegressionEvent_CloneIsDeep(t *testing.T) {
	resolved := time.Date(2024, 7, 26, 16, 0, 0, 0, time.UTC)
	ev := RegressionEvent{
		ID:         "e1",
		RootCause:  &RootCause{Description: "index dropped", AffectedTables: []string{"users"}},
		ResolvedAt: &resolved,
	}

	clone := ev.Clone()
	clone.RootCause.AffectedTables[0] = "orders"
	*clone.ResolvedAt = resolved.Add(time.Hour)

	assert.Equal(t, "users", ev.RootCause.AffectedTables[0])
	assert.Equal(t, resolved, *ev.ResolvedAt)
}
