package model

import (
	"fmt"
	"time"
)

// Comparator is the comparison applied between a sample value and a rule threshold.
type Comparator string

const (
	ComparatorGT  Comparator = ">"
	ComparatorLT  Comparator = "<"
	ComparatorGTE Comparator = ">="
	ComparatorLTE Comparator = "<="
	ComparatorEQ  Comparator = "=="
)

// Compare evaluates "value <c> threshold".
func (c Comparator) Compare(value, threshold float64) (bool, error) {
	switch c {
	case ComparatorGT:
		return value > threshold, nil
	case ComparatorLT:
		return value < threshold, nil
	case ComparatorGTE:
		return value >= threshold, nil
	case ComparatorLTE:
		return value <= threshold, nil
	case ComparatorEQ:
		return value == threshold, nil
	default:
		return false, fmt.Errorf("unsupported comparator %q", string(c))
	}
}

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelError    AlertLevel = "error"
	AlertLevelCritical AlertLevel = "critical"
)

// Valid reports whether l is a known level.
func (l AlertLevel) Valid() bool {
	switch l {
	case AlertLevelInfo, AlertLevelWarning, AlertLevelError, AlertLevelCritical:
		return true
	}
	return false
}

// AlertType classifies what an alert is about.
type AlertType string

const (
	AlertTypePerformance AlertType = "performance"
	AlertTypeErrorRate   AlertType = "error_rate"
	AlertTypeResource    AlertType = "resource"
	AlertTypeBusiness    AlertType = "business"
	AlertTypeSecurity    AlertType = "security"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertTypePerformance, AlertTypeErrorRate, AlertTypeResource, AlertTypeBusiness, AlertTypeSecurity:
		return true
	}
	return false
}

// AlertRule is an operator-configured threshold rule over one metric.
type AlertRule struct {
	Name            string     `json:"name"`
	MetricName      string     `json:"metric_name"`
	Threshold       float64    `json:"threshold"`
	Comparator      Comparator `json:"comparison"`
	DurationSeconds int64      `json:"duration"`
	Level           AlertLevel `json:"level"`
	Type            AlertType  `json:"type"`
	MessageTemplate string     `json:"message_template"`
	Enabled         bool       `json:"enabled"`
}

// Duration returns the rule window as a time.Duration.
func (r *AlertRule) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}

// Validate checks the rule for configuration errors.
func (r *AlertRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.MetricName == "" {
		return fmt.Errorf("rule %s: metric_name is required", r.Name)
	}
	if _, err := r.Comparator.Compare(0, 0); err != nil {
		return fmt.Errorf("rule %s: %w", r.Name, err)
	}
	if r.DurationSeconds < 0 {
		return fmt.Errorf("rule %s: duration must be >= 0", r.Name)
	}
	if !r.Level.Valid() {
		return fmt.Errorf("rule %s: unsupported level %q", r.Name, r.Level)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("rule %s: unsupported type %q", r.Name, r.Type)
	}
	return nil
}

// AlertEvent is one firing of a rule, open until the condition stops holding.
type AlertEvent struct {
	ID          string     `json:"id"`
	RuleName    string     `json:"rule_name"`
	Level       AlertLevel `json:"level"`
	Type        AlertType  `json:"type"`
	Message     string     `json:"message"`
	MetricValue float64    `json:"metric_value"`
	Threshold   float64    `json:"threshold"`
	TriggeredAt time.Time  `json:"triggered_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Resolved    bool       `json:"resolved"`
}

// MetricSample is a single observation of a named metric.
type MetricSample struct {
	Name      string            `json:"metric_name"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source,omitempty"`
}
