package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// GroupOperator combines child conditions.
type GroupOperator string

const (
	GroupAnd GroupOperator = "AND"
	GroupOr  GroupOperator = "OR"
	GroupNot GroupOperator = "NOT"
)

// CompareOp is a numeric/string comparison operator used by leaves.
type CompareOp string

const (
	OpGT  CompareOp = "GT"
	OpGTE CompareOp = "GTE"
	OpLT  CompareOp = "LT"
	OpLTE CompareOp = "LTE"
	OpEQ  CompareOp = "EQ"
	OpNEQ CompareOp = "NEQ"
)

// Aggregation over historical readings.
type Aggregation string

const (
	AggAvg   Aggregation = "AVG"
	AggMin   Aggregation = "MIN"
	AggMax   Aggregation = "MAX"
	AggCount Aggregation = "COUNT"
	AggSum   Aggregation = "SUM"
)

// Condition is the closed set of condition-tree nodes. Rules store the
// tree as JSON; ParseCondition decodes and shape-checks it once at the
// rule-load boundary so evaluators never see raw JSON.
type Condition interface {
	condNode()
}

// GroupCondition combines children with AND/OR/NOT.
// NOT takes exactly one child. An empty AND evaluates true, an empty
// OR evaluates false (vacuous-truth convention).
type GroupCondition struct {
	Operator GroupOperator `json:"operator"`
	Children []Condition   `json:"children"`
}

// SensorCondition compares the latest reading of a sensor field
// against a threshold. Readings older than MaxDataAgeMinutes count as
// stale and fail the leaf without raising an error. A zero
// MaxDataAgeMinutes disables the staleness check entirely; any
// reading qualifies no matter its age.
type SensorCondition struct {
	SensorID          string    `json:"sensor_id"`
	Field             string    `json:"field"`
	Op                CompareOp `json:"op"`
	Value             float64   `json:"value"`
	MaxDataAgeMinutes int       `json:"max_data_age_minutes"`
}

// DeviceCondition matches a device's last-known status.
type DeviceCondition struct {
	DeviceID       string `json:"device_id"`
	ExpectedStatus string `json:"expected_status"`
}

// TimeCondition matches wall-clock time-of-day within [Start, End).
// End <= Start means the window wraps past midnight. DaysOfWeek, when
// non-empty, additionally restricts by weekday (0 = Sunday).
type TimeCondition struct {
	Start      string         `json:"time_start"` // "HH:MM"
	End        string         `json:"time_end"`   // "HH:MM"
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
}

// HistoryCondition aggregates readings over a trailing window and
// compares the aggregate against a threshold. An empty window fails
// the leaf regardless of operator.
type HistoryCondition struct {
	SensorID      string      `json:"sensor_id"`
	Field         string      `json:"field"`
	Aggregation   Aggregation `json:"aggregation"`
	WindowMinutes int         `json:"window_minutes"`
	Op            CompareOp   `json:"op"`
	Threshold     float64     `json:"threshold"`
}

func (GroupCondition) condNode()   {}
func (SensorCondition) condNode()  {}
func (DeviceCondition) condNode()  {}
func (TimeCondition) condNode()    {}
func (HistoryCondition) condNode() {}

const (
	condTypeGroup   = "group"
	condTypeSensor  = "sensor"
	condTypeDevice  = "device"
	condTypeTime    = "time"
	condTypeHistory = "history"
)

// ParseCondition decodes a JSON condition tree into its typed form.
// Unknown "type" values are rejected here, not at evaluation time.
func ParseCondition(raw json.RawMessage) (Condition, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decoding condition: %w", err)
	}

	switch head.Type {
	case condTypeGroup:
		var node struct {
			Operator GroupOperator     `json:"operator"`
			Children []json.RawMessage `json:"children"`
		}
		if err := json.Unmarshal(raw, &node); err != nil {
			return nil, fmt.Errorf("decoding group condition: %w", err)
		}
		group := GroupCondition{Operator: node.Operator, Children: make([]Condition, 0, len(node.Children))}
		for i, childRaw := range node.Children {
			child, err := ParseCondition(childRaw)
			if err != nil {
				return nil, fmt.Errorf("group child %d: %w", i, err)
			}
			group.Children = append(group.Children, child)
		}
		return group, nil
	case condTypeSensor:
		var node SensorCondition
		if err := json.Unmarshal(raw, &node); err != nil {
			return nil, fmt.Errorf("decoding sensor condition: %w", err)
		}
		return node, nil
	case condTypeDevice:
		var node DeviceCondition
		if err := json.Unmarshal(raw, &node); err != nil {
			return nil, fmt.Errorf("decoding device condition: %w", err)
		}
		return node, nil
	case condTypeTime:
		var node TimeCondition
		if err := json.Unmarshal(raw, &node); err != nil {
			return nil, fmt.Errorf("decoding time condition: %w", err)
		}
		return node, nil
	case condTypeHistory:
		var node HistoryCondition
		if err := json.Unmarshal(raw, &node); err != nil {
			return nil, fmt.Errorf("decoding history condition: %w", err)
		}
		return node, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownConditionType, head.Type)
	}
}

// MarshalJSON emits the tagged form ParseCondition accepts.
func (c GroupCondition) MarshalJSON() ([]byte, error) {
	children := make([]json.RawMessage, 0, len(c.Children))
	for _, child := range c.Children {
		raw, err := json.Marshal(child)
		if err != nil {
			return nil, err
		}
		children = append(children, raw)
	}
	return json.Marshal(struct {
		Type     string            `json:"type"`
		Operator GroupOperator     `json:"operator"`
		Children []json.RawMessage `json:"children"`
	}{condTypeGroup, c.Operator, children})
}

func (c SensorCondition) MarshalJSON() ([]byte, error) {
	type alias SensorCondition
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{condTypeSensor, alias(c)})
}

func (c DeviceCondition) MarshalJSON() ([]byte, error) {
	type alias DeviceCondition
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{condTypeDevice, alias(c)})
}

func (c TimeCondition) MarshalJSON() ([]byte, error) {
	type alias TimeCondition
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{condTypeTime, alias(c)})
}

func (c HistoryCondition) MarshalJSON() ([]byte, error) {
	type alias HistoryCondition
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{condTypeHistory, alias(c)})
}

// ParseClock parses an "HH:MM" string into minutes since midnight.
func ParseClock(s string) (int, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, fmt.Errorf("parsing clock time %q: %w", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return hour*60 + minute, nil
}

// Compare applies op to two floats.
func Compare(actual float64, op CompareOp, expected float64) bool {
	switch op {
	case OpGT:
		return actual > expected
	case OpGTE:
		return actual >= expected
	case OpLT:
		return actual < expected
	case OpLTE:
		return actual <= expected
	case OpEQ:
		return actual == expected
	case OpNEQ:
		return actual != expected
	}
	return false
}
