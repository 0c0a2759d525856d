package models

import "time"

// LeafDetail is the diagnostic record for one evaluated condition
// node. Short-circuited children produce no detail entry; absence
// from the list means the node was never visited.
type LeafDetail struct {
	Kind   string   `json:"kind"`             // group, sensor, device, time, history
	Ref    string   `json:"ref,omitempty"`    // sensor_id.field, device_id, or window
	Result bool     `json:"result"`
	Reason string   `json:"reason,omitempty"` // missing, stale, empty_window, error: ...
	Value  *float64 `json:"value,omitempty"`  // observed value or aggregate
}

// EvaluationResult is the evaluator's output for one rule: the root
// verdict plus per-node detail, stored verbatim in the audit record.
type EvaluationResult struct {
	Result bool         `json:"result"`
	Leaves []LeafDetail `json:"leaves"`
}

// ActionOutcome records one dispatched action's result. Outcomes keep
// the declared action order via ActionIndex.
type ActionOutcome struct {
	ActionIndex     int    `json:"action_index"`
	Type            string `json:"type"`
	Success         bool   `json:"success"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
}

// RuleExecution is the immutable audit record written once per tick
// in which a rule's conditions evaluated true. Suppressed marks
// "conditions met but inside the cooldown window": Success is true
// and ActionsExecuted is empty, distinguishing suppression from both
// "conditions not met" (no record at all) and "actions failed".
type RuleExecution struct {
	ID               string           `json:"id"`
	RuleID           string           `json:"rule_id"`
	TriggeredAt      time.Time        `json:"triggered_at"`
	Success          bool             `json:"success"`
	Suppressed       bool             `json:"suppressed"`
	ExecutionTimeMs  int64            `json:"execution_time_ms"`
	TriggerData      map[string]any   `json:"trigger_data,omitempty"`
	EvaluationResult EvaluationResult `json:"evaluation_result"`
	ActionsExecuted  []ActionOutcome  `json:"actions_executed"`
	Error            string           `json:"error,omitempty"`
	StackTrace       string           `json:"stack_trace,omitempty"`
}
