package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for rule loading and state lookup.
var (
	ErrUnknownConditionType = errors.New("unknown condition type")
	ErrUnknownActionType    = errors.New("unknown action type")
	ErrRuleNotFound         = errors.New("rule not found")
	ErrReadingNotFound      = errors.New("sensor reading not found")
	ErrDeviceNotFound       = errors.New("device not found")
)

// Rule pairs a condition tree with an ordered action list. Lower
// Priority evaluates first; ties are broken by CreatedAt then ID so
// ordering stays stable across ticks.
type Rule struct {
	ID              string     `json:"id"`
	Name            string     `json:"name" validate:"required"`
	Description     string     `json:"description"`
	Enabled         bool       `json:"enabled"`
	Priority        int        `json:"priority"`
	CooldownMinutes int        `json:"cooldown_minutes" validate:"min=0"`
	Conditions      Condition  `json:"conditions"`
	Actions         []Action   `json:"actions"`
	LastTriggered   *time.Time `json:"last_triggered,omitempty"`
	TriggerCount    int        `json:"trigger_count"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Cooldown returns the rule's cooldown as a duration.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// Reading is the latest value of one sensor field.
type Reading struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Age reports how old the reading is at the given instant.
func (r Reading) Age(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}

// DeviceState is the last-known state map of a device, keyed by field.
// The "status" key carries the status string DeviceCondition matches.
type DeviceState map[string]any

// Status returns the device's status string, if present.
func (s DeviceState) Status() (string, bool) {
	v, ok := s["status"].(string)
	return v, ok
}

// EngineStatus is the scheduler's observable state, published on the
// event bus and served by the status API.
type EngineStatus struct {
	Running         bool       `json:"running"`
	ActiveRules     int        `json:"active_rules"`
	LastTick        *time.Time `json:"last_tick,omitempty"`
	NextTick        *time.Time `json:"next_tick,omitempty"`
	TickCount       int64      `json:"tick_count"`
	SkippedTicks    int64      `json:"skipped_ticks"`
	EvaluationCount int64      `json:"evaluation_count"`
	TriggerCount    int64      `json:"trigger_count"`
	SuppressedCount int64      `json:"suppressed_count"`
	FailureCount    int64      `json:"failure_count"`
}

// RawRule is the persisted shape of a rule, with conditions and
// actions still JSON-encoded. Decode converts it to a typed Rule at
// the load boundary; this is the only place raw rule JSON is parsed.
type RawRule struct {
	ID              string
	Name            string
	Description     string
	Enabled         bool
	Priority        int
	CooldownMinutes int
	Conditions      json.RawMessage
	Actions         json.RawMessage
	LastTriggered   *time.Time
	TriggerCount    int
	CreatedAt       time.Time
}

// Decode parses the raw condition and action JSON into a typed Rule.
func (rr RawRule) Decode() (*Rule, error) {
	cond, err := ParseCondition(rr.Conditions)
	if err != nil {
		return nil, err
	}
	actions, err := ParseActions(rr.Actions)
	if err != nil {
		return nil, err
	}
	return &Rule{
		ID:              rr.ID,
		Name:            rr.Name,
		Description:     rr.Description,
		Enabled:         rr.Enabled,
		Priority:        rr.Priority,
		CooldownMinutes: rr.CooldownMinutes,
		Conditions:      cond,
		Actions:         actions,
		LastTriggered:   rr.LastTriggered,
		TriggerCount:    rr.TriggerCount,
		CreatedAt:       rr.CreatedAt,
	}, nil
}
