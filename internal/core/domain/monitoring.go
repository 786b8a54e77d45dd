package domain

import (
	"slices"
	"time"
)

// Notification channel types.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
	ChannelMCP     = "mcp"
)

// ChannelConfig names one notification target.
type ChannelConfig struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
}

// MonitoringScope selects which queries are classified. All takes precedence
// over Queries.
type MonitoringScope struct {
	All     bool     `yaml:"all" json:"all"`
	Queries []string `yaml:"queries,omitempty" json:"queries,omitempty"`
}

// Includes reports whether queryID is in scope.
func (s MonitoringScope) Includes(queryID string) bool {
	return s.All || slices.Contains(s.Queries, queryID)
}

// AdvisorPolicy holds the tunable weights for index usage scoring.
type AdvisorPolicy struct {
	FrequencyWeight      float64 `yaml:"frequency_weight" json:"frequency_weight"`
	SelectivityWeight    float64 `yaml:"selectivity_weight" json:"selectivity_weight"`
	FrequencySaturation  float64 `yaml:"frequency_saturation" json:"frequency_saturation"`
	UnusedScoreFloor     float64 `yaml:"unused_score_floor" json:"unused_score_floor"`
	UnderusedScoreFloor  float64 `yaml:"underused_score_floor" json:"underused_score_floor"`
	ConfidenceSaturation float64 `yaml:"confidence_saturation" json:"confidence_saturation"`
}

// MonitoringConfig drives every stage of the detection cycle.
type MonitoringConfig struct {
	ResponseWarnMS             float64         `yaml:"response_warn_ms" json:"response_warn_ms"`
	ResponseCriticalMS         float64         `yaml:"response_critical_ms" json:"response_critical_ms"`
	RegressionPctThreshold     float64         `yaml:"regression_pct_threshold" json:"regression_pct_threshold"`
	CriticalRegressionPct      float64         `yaml:"critical_regression_pct" json:"critical_regression_pct"`
	ErrorRateThresholdPct      float64         `yaml:"error_rate_threshold_pct" json:"error_rate_threshold_pct"`
	ErrorRateCriticalMarginPct float64         `yaml:"error_rate_critical_margin_pct" json:"error_rate_critical_margin_pct"`
	MonitoredScope             MonitoringScope `yaml:"monitored_scope" json:"monitored_scope"`
	CheckInterval              time.Duration   `yaml:"check_interval" json:"check_interval"`
	RetentionPeriod            time.Duration   `yaml:"retention_period" json:"retention_period"`
	AutoBaseline               bool            `yaml:"auto_baseline" json:"auto_baseline"`
	BaselineWindow             time.Duration   `yaml:"baseline_window" json:"baseline_window"`
	NotificationChannels       []ChannelConfig `yaml:"notification_channels" json:"notification_channels"`

	MinBaselineSamples     int           `yaml:"min_baseline_samples" json:"min_baseline_samples"`
	RecoveryCycles         int           `yaml:"recovery_cycles" json:"recovery_cycles"`
	CurrentWindow          time.Duration `yaml:"current_window" json:"current_window"`
	TrimPct                float64       `yaml:"trim_pct" json:"trim_pct"`
	ClockSkewTolerance     time.Duration `yaml:"clock_skew_tolerance" json:"clock_skew_tolerance"`
	CorrelationLookback    time.Duration `yaml:"correlation_lookback" json:"correlation_lookback"`
	CorrelationTimeout     time.Duration `yaml:"correlation_timeout" json:"correlation_timeout"`
	DispatchMaxAttempts    int           `yaml:"dispatch_max_attempts" json:"dispatch_max_attempts"`
	DispatchInitialBackoff time.Duration `yaml:"dispatch_initial_backoff" json:"dispatch_initial_backoff"`
	DispatchTimeout        time.Duration `yaml:"dispatch_timeout" json:"dispatch_timeout"`
	DispatchQueueSize      int           `yaml:"dispatch_queue_size" json:"dispatch_queue_size"`
	Workers                int           `yaml:"workers" json:"workers"`

	Advisor AdvisorPolicy `yaml:"advisor" json:"advisor"`
}

// DefaultMonitoringConfig mirrors the defaults of the regression detector
// settings page: 1s warning, 50% regression, 3% errors, 30 day retention and
// a 7 day baseline.
func DefaultMonitoringConfig() MonitoringConfig {
	return MonitoringConfig{
		ResponseWarnMS:             1000,
		ResponseCriticalMS:         2000,
		RegressionPctThreshold:     50,
		CriticalRegressionPct:      100,
		ErrorRateThresholdPct:      3,
		ErrorRateCriticalMarginPct: 3,
		MonitoredScope:             MonitoringScope{All: true},
		CheckInterval:              5 * time.Minute,
		RetentionPeriod:            30 * 24 * time.Hour,
		AutoBaseline:               true,
		BaselineWindow:             7 * 24 * time.Hour,
		NotificationChannels:       []ChannelConfig{{Name: "dashboard", Type: ChannelLog}},
		MinBaselineSamples:         30,
		RecoveryCycles:             3,
		TrimPct:                    5,
		ClockSkewTolerance:         5 * time.Second,
		CorrelationLookback:        72 * time.Hour,
		CorrelationTimeout:         2 * time.Second,
		DispatchMaxAttempts:        5,
		DispatchInitialBackoff:     500 * time.Millisecond,
		DispatchTimeout:            5 * time.Second,
		DispatchQueueSize:          256,
		Workers:                    4,
		Advisor: AdvisorPolicy{
			FrequencyWeight:      0.6,
			SelectivityWeight:    0.4,
			FrequencySaturation:  1000,
			UnusedScoreFloor:     10,
			UnderusedScoreFloor:  50,
			ConfidenceSaturation: 200,
		},
	}
}

// EffectiveCurrentWindow is the trailing window used for the live aggregate.
func (c MonitoringConfig) EffectiveCurrentWindow() time.Duration {
	if c.CurrentWindow > 0 {
		return c.CurrentWindow
	}
	return c.CheckInterval
}

// Validate rejects inconsistent or negative settings.
func (c MonitoringConfig) Validate() error {
	nonNegative := map[string]float64{
		"response_warn_ms":               c.ResponseWarnMS,
		"response_critical_ms":           c.ResponseCriticalMS,
		"regression_pct_threshold":       c.RegressionPctThreshold,
		"critical_regression_pct":        c.CriticalRegressionPct,
		"error_rate_threshold_pct":       c.ErrorRateThresholdPct,
		"error_rate_critical_margin_pct": c.ErrorRateCriticalMarginPct,
		"trim_pct":                       c.TrimPct,
		"advisor.frequency_weight":       c.Advisor.FrequencyWeight,
		"advisor.selectivity_weight":     c.Advisor.SelectivityWeight,
		"advisor.unused_score_floor":     c.Advisor.UnusedScoreFloor,
		"advisor.underused_score_floor":  c.Advisor.UnderusedScoreFloor,
	}
	for field, v := range nonNegative {
		if v < 0 {
			return invalid(ErrInvalidConfig, field, "must be >= 0, got %v", v)
		}
	}
	if c.ResponseWarnMS >= c.ResponseCriticalMS {
		return invalid(ErrInvalidConfig, "response_warn_ms", "(%v) must be below response_critical_ms (%v)", c.ResponseWarnMS, c.ResponseCriticalMS)
	}
	if c.CriticalRegressionPct < c.RegressionPctThreshold {
		return invalid(ErrInvalidConfig, "critical_regression_pct", "(%v) must not be below regression_pct_threshold (%v)", c.CriticalRegressionPct, c.RegressionPctThreshold)
	}
	if c.TrimPct >= 50 {
		return invalid(ErrInvalidConfig, "trim_pct", "must be below 50, got %v", c.TrimPct)
	}

	positive := map[string]time.Duration{
		"check_interval":       c.CheckInterval,
		"retention_period":     c.RetentionPeriod,
		"baseline_window":      c.BaselineWindow,
		"correlation_lookback": c.CorrelationLookback,
		"correlation_timeout":  c.CorrelationTimeout,
		"dispatch_timeout":     c.DispatchTimeout,
	}
	for field, d := range positive {
		if d <= 0 {
			return invalid(ErrInvalidConfig, field, "must be a positive duration, got %s", d)
		}
	}
	if c.CurrentWindow < 0 || c.ClockSkewTolerance < 0 || c.DispatchInitialBackoff < 0 {
		return invalid(ErrInvalidConfig, "durations", "current_window, clock_skew_tolerance and dispatch_initial_backoff must be >= 0")
	}
	if c.BaselineWindow > c.RetentionPeriod {
		return invalid(ErrInvalidConfig, "baseline_window", "(%s) must not exceed retention_period (%s)", c.BaselineWindow, c.RetentionPeriod)
	}

	if c.MinBaselineSamples < 1 {
		return invalid(ErrInvalidConfig, "min_baseline_samples", "must be >= 1")
	}
	if c.RecoveryCycles < 1 {
		return invalid(ErrInvalidConfig, "recovery_cycles", "must be >= 1")
	}
	if c.DispatchMaxAttempts < 1 {
		return invalid(ErrInvalidConfig, "dispatch_max_attempts", "must be >= 1")
	}
	if c.DispatchQueueSize < 1 {
		return invalid(ErrInvalidConfig, "dispatch_queue_size", "must be >= 1")
	}
	if c.Workers < 1 {
		return invalid(ErrInvalidConfig, "workers", "must be >= 1")
	}
	if c.Advisor.UnusedScoreFloor > c.Advisor.UnderusedScoreFloor || c.Advisor.UnderusedScoreFloor > 100 {
		return invalid(ErrInvalidConfig, "advisor", "score floors must satisfy unused <= underused <= 100")
	}
	if c.Advisor.FrequencyWeight+c.Advisor.SelectivityWeight <= 0 {
		return invalid(ErrInvalidConfig, "advisor", "frequency_weight + selectivity_weight must be > 0")
	}
	if c.Advisor.FrequencySaturation <= 0 || c.Advisor.ConfidenceSaturation <= 0 {
		return invalid(ErrInvalidConfig, "advisor", "saturation values must be > 0")
	}

	if !c.MonitoredScope.All && len(c.MonitoredScope.Queries) == 0 {
		return invalid(ErrInvalidConfig, "monitored_scope", "must be all or list at least one query")
	}

	seen := make(map[string]bool, len(c.NotificationChannels))
	for i, ch := range c.NotificationChannels {
		if ch.Name == "" {
			return invalid(ErrInvalidConfig, "notification_channels", "[%d] has no name", i)
		}
		if seen[ch.Name] {
			return invalid(ErrInvalidConfig, "notification_channels", "duplicate channel %q", ch.Name)
		}
		seen[ch.Name] = true
		switch ch.Type {
		case ChannelLog, ChannelMCP:
		case ChannelWebhook:
			if ch.URL == "" {
				return invalid(ErrInvalidConfig, "notification_channels", "webhook channel %q requires a url", ch.Name)
			}
		default:
			return invalid(ErrInvalidConfig, "notification_channels", "channel %q has unknown type %q (allowed: log, webhook, mcp)", ch.Name, ch.Type)
		}
	}
	return nil
}
