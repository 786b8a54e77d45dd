package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// LoadMonitoring reads a MonitoringConfig YAML file on top of the defaults.
// An empty path yields the defaults.
func LoadMonitoring(path string) (domain.MonitoringConfig, error) {
	if path == "" {
		return domain.DefaultMonitoringConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.MonitoringConfig{}, fmt.Errorf("reading monitoring config: %w", err)
	}
	return ParseMonitoring(data)
}

// ParseMonitoring decodes YAML onto the default MonitoringConfig and
// validates the result. Durations use Go syntax ("5m", "168h").
func ParseMonitoring(data []byte) (domain.MonitoringConfig, error) {
	cfg := domain.DefaultMonitoringConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.MonitoringConfig{}, fmt.Errorf("parsing monitoring config: %w", err)
	}
	// The critical error margin follows the threshold unless set explicitly.
	if !hasKey(&doc, "error_rate_critical_margin_pct") {
		cfg.ErrorRateCriticalMarginPct = -1
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return domain.MonitoringConfig{}, fmt.Errorf("parsing monitoring config: %w", err)
	}
	if cfg.ErrorRateCriticalMarginPct == -1 {
		cfg.ErrorRateCriticalMarginPct = cfg.ErrorRateThresholdPct
	}

	if err := cfg.Validate(); err != nil {
		return domain.MonitoringConfig{}, err
	}
	return cfg, nil
}

// hasKey reports whether the top-level mapping of doc sets key.
func hasKey(doc *yaml.Node, key string) bool {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return false
	}
	m := doc.Content[0]
	if m.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return true
		}
	}
	return false
}
