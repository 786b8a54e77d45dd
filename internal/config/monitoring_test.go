package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMonitoring_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadMonitoring("")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMonitoringConfig(), cfg)
}

func TestLoadMonitoring_File(t *testing.T) {
	path := writeFile(t, `
response_warn_ms: 500
response_critical_ms: 1500
regression_pct_threshold: 40
error_rate_threshold_pct: 2
monitored_scope:
  all: false
  queries: [user_login, product_search]
check_interval: 1m
retention_period: 720h
baseline_window: 168h
notification_channels:
  - name: dashboard
    type: log
  - name: slack
    type: webhook
    url: https://hooks.example.com/T000/B000
workers: 8
advisor:
  unused_score_floor: 5
`)
	cfg, err := LoadMonitoring(path)
	require.NoError(t, err)

	assert.Equal(t, 500.0, cfg.ResponseWarnMS)
	assert.Equal(t, 1500.0, cfg.ResponseCriticalMS)
	assert.Equal(t, 40.0, cfg.RegressionPctThreshold)
	assert.Equal(t, 2.0, cfg.ErrorRateCriticalMarginPct, "margin follows the threshold")
	assert.False(t, cfg.MonitoredScope.Includes("nightly_report"))
	assert.True(t, cfg.MonitoredScope.Includes("user_login"))
	assert.Equal(t, time.Minute, cfg.CheckInterval)
	assert.Equal(t, time.Minute, cfg.EffectiveCurrentWindow())
	require.Len(t, cfg.NotificationChannels, 2)
	assert.Equal(t, "https://hooks.example.com/T000/B000", cfg.NotificationChannels[1].URL)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 5.0, cfg.Advisor.UnusedScoreFloor)
	assert.Equal(t, 0.6, cfg.Advisor.FrequencyWeight, "unset advisor fields keep defaults")
	assert.Equal(t, 30, cfg.MinBaselineSamples)
}

func TestParseMonitoring_ExplicitCriticalMargin(t *testing.T) {
	cfg, err := ParseMonitoring([]byte("error_rate_threshold_pct: 2\nerror_rate_critical_margin_pct: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.ErrorRateCriticalMarginPct)
}

func TestParseMonitoring_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		contains string
	}{
		{"warn above critical", "response_warn_ms: 3000\n", "response_warn_ms"},
		{"negative threshold", "regression_pct_threshold: -5\n", "regression_pct_threshold"},
		{"zero interval", "check_interval: 0s\n", "check_interval"},
		{"bad duration", "check_interval: soon\n", "parsing monitoring config"},
		{"unknown channel", "notification_channels:\n  - {name: pager, type: sms}\n", "unknown type"},
		{"unknown field", "check_every: 5m\n", "field check_every not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMonitoring([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestParseMonitoring_InvalidIsConfigError(t *testing.T) {
	_, err := ParseMonitoring([]byte("workers: 0\n"))
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestLoadMonitoring_MissingFile(t *testing.T) {
	_, err := LoadMonitoring(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading monitoring config")
}
