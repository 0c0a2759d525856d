package models

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateRule checks a decoded rule: flat fields via struct tags,
// condition/action trees by shape. Called at the rule-load boundary so
// the evaluator and dispatcher only ever see well-formed rules.
func ValidateRule(r *Rule) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.Conditions == nil {
		return fmt.Errorf("rule %s: missing conditions", r.ID)
	}
	if err := ValidateCondition(r.Conditions); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	for i, action := range r.Actions {
		if err := validateAction(action); err != nil {
			return fmt.Errorf("rule %s: action %d: %w", r.ID, i, err)
		}
	}
	return nil
}

// ValidateCondition shape-checks a condition tree.
func ValidateCondition(c Condition) error {
	switch node := c.(type) {
	case GroupCondition:
		switch node.Operator {
		case GroupAnd, GroupOr:
		case GroupNot:
			if len(node.Children) != 1 {
				return fmt.Errorf("NOT group wants exactly 1 child, got %d", len(node.Children))
			}
		default:
			return fmt.Errorf("unknown group operator %q", node.Operator)
		}
		for i, child := range node.Children {
			if err := ValidateCondition(child); err != nil {
				return fmt.Errorf("child %d: %w", i, err)
			}
		}
		return nil
	case SensorCondition:
		if node.SensorID == "" || node.Field == "" {
			return fmt.Errorf("sensor condition wants sensor_id and field")
		}
		if node.MaxDataAgeMinutes < 0 {
			return fmt.Errorf("sensor condition max_data_age_minutes must be >= 0")
		}
		return validateCompareOp(node.Op)
	case DeviceCondition:
		if node.DeviceID == "" {
			return fmt.Errorf("device condition wants device_id")
		}
		return nil
	case TimeCondition:
		if _, err := ParseClock(node.Start); err != nil {
			return err
		}
		if _, err := ParseClock(node.End); err != nil {
			return err
		}
		for _, day := range node.DaysOfWeek {
			if day < 0 || day > 6 {
				return fmt.Errorf("day of week %d out of range", day)
			}
		}
		return nil
	case HistoryCondition:
		if node.SensorID == "" || node.Field == "" {
			return fmt.Errorf("history condition wants sensor_id and field")
		}
		if node.WindowMinutes <= 0 {
			return fmt.Errorf("history condition window_minutes must be > 0")
		}
		switch node.Aggregation {
		case AggAvg, AggMin, AggMax, AggCount, AggSum:
		default:
			return fmt.Errorf("unknown aggregation %q", node.Aggregation)
		}
		return validateCompareOp(node.Op)
	default:
		return fmt.Errorf("unknown condition node %T", c)
	}
}

func validateAction(a Action) error {
	switch action := a.(type) {
	case NotifyAction:
		if len(action.Channels) == 0 {
			return fmt.Errorf("notification wants at least one channel")
		}
		if action.Template == "" {
			return fmt.Errorf("notification wants a template")
		}
		return nil
	case DeviceAction:
		if action.DeviceID == "" {
			return fmt.Errorf("device control wants device_id")
		}
		switch action.Command {
		case CmdTurnOn, CmdTurnOff, CmdToggle, CmdReset:
		case CmdSetValue:
			if action.Value == nil {
				return fmt.Errorf("SET_VALUE wants a value")
			}
		default:
			return fmt.Errorf("unknown device command %q", action.Command)
		}
		if action.DurationMinutes != nil && *action.DurationMinutes <= 0 {
			return fmt.Errorf("duration_minutes must be > 0")
		}
		return nil
	case WebhookAction:
		u, err := url.Parse(action.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook wants an absolute url, got %q", action.URL)
		}
		switch strings.ToUpper(action.Method) {
		case "", "GET", "POST", "PUT", "PATCH", "DELETE":
		default:
			return fmt.Errorf("unsupported webhook method %q", action.Method)
		}
		return nil
	case QueueAction:
		if action.QueueName == "" {
			return fmt.Errorf("queue action wants queue_name")
		}
		return nil
	default:
		return fmt.Errorf("unknown action node %T", a)
	}
}

func validateCompareOp(op CompareOp) error {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ:
		return nil
	default:
		return fmt.Errorf("unknown comparison operator %q", op)
	}
}
