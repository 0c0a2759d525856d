package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"greenhouse/internal/models"
)

const ruleColumns = "id, name, description, enabled, priority, cooldown_minutes, conditions, actions, last_triggered, trigger_count, created_at"

// ListEnabledRules fetches all enabled rules in evaluation order:
// ascending priority, ties broken by created_at then id so the order
// is stable across ticks. Rules whose condition or action JSON fails
// to decode are skipped and reported, not fatal to the tick.
func (d *DB) ListEnabledRules(ctx context.Context) ([]*models.Rule, []error) {
	rows, err := d.pool.Query(ctx,
		"SELECT "+ruleColumns+" FROM rules WHERE enabled = true ORDER BY priority ASC, created_at ASC, id ASC")
	if err != nil {
		return nil, []error{fmt.Errorf("querying enabled rules: %w", err)}
	}
	defer rows.Close()

	// Non-nil even when every row fails decode: per-row problems are
	// data faults, only a nil slice signals the load itself failed.
	rules := []*models.Rule{}
	var problems []error
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, []error{fmt.Errorf("reading enabled rules: %w", err)}
	}
	return rules, problems
}

// GetRuleByID fetches one rule.
func (d *DB) GetRuleByID(ctx context.Context, id string) (*models.Rule, error) {
	row := d.pool.QueryRow(ctx, "SELECT "+ruleColumns+" FROM rules WHERE id = $1", id)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrRuleNotFound
	}
	return rule, err
}

func scanRule(row pgx.Row) (*models.Rule, error) {
	var raw models.RawRule
	if err := row.Scan(&raw.ID, &raw.Name, &raw.Description, &raw.Enabled, &raw.Priority,
		&raw.CooldownMinutes, &raw.Conditions, &raw.Actions, &raw.LastTriggered,
		&raw.TriggerCount, &raw.CreatedAt); err != nil {
		return nil, err
	}
	rule, err := raw.Decode()
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", raw.ID, err)
	}
	if err := models.ValidateRule(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// RecordExecution persists one immutable audit record.
func (d *DB) RecordExecution(ctx context.Context, exec *models.RuleExecution) error {
	triggerData, err := json.Marshal(exec.TriggerData)
	if err != nil {
		return fmt.Errorf("marshaling trigger data: %w", err)
	}
	evalResult, err := json.Marshal(exec.EvaluationResult)
	if err != nil {
		return fmt.Errorf("marshaling evaluation result: %w", err)
	}
	actions, err := json.Marshal(exec.ActionsExecuted)
	if err != nil {
		return fmt.Errorf("marshaling action outcomes: %w", err)
	}

	_, err = d.pool.Exec(ctx,
		`INSERT INTO rule_executions
		 (id, rule_id, triggered_at, success, suppressed, execution_time_ms,
		  trigger_data, evaluation_result, actions_executed, error, stack_trace)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		exec.ID, exec.RuleID, exec.TriggeredAt, exec.Success, exec.Suppressed,
		exec.ExecutionTimeMs, triggerData, evalResult, actions, exec.Error, exec.StackTrace)
	if err != nil {
		return fmt.Errorf("inserting execution for rule %s: %w", exec.RuleID, err)
	}
	return nil
}

// UpdateRuleCooldown advances a rule's trigger bookkeeping after a
// successful dispatch. trigger_count only increases and last_triggered
// only moves forward; the WHERE guard enforces that against
// out-of-order writers.
func (d *DB) UpdateRuleCooldown(ctx context.Context, ruleID string, triggeredAt time.Time, triggerCount int) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE rules SET last_triggered = $2, trigger_count = $3
		 WHERE id = $1 AND (last_triggered IS NULL OR last_triggered <= $2) AND trigger_count < $3`,
		ruleID, triggeredAt, triggerCount)
	if err != nil {
		return fmt.Errorf("updating cooldown for rule %s: %w", ruleID, err)
	}
	return nil
}

// Aggregate computes fn over readings of (sensorID, field) within the
// trailing window ending at now. The returned count lets callers treat
// an empty window as a defined non-match instead of dividing by zero.
func (d *DB) Aggregate(ctx context.Context, sensorID, field string, window time.Duration, fn models.Aggregation, now time.Time) (float64, int, error) {
	var expr string
	switch fn {
	case models.AggAvg:
		expr = "COALESCE(AVG(value), 0)"
	case models.AggMin:
		expr = "COALESCE(MIN(value), 0)"
	case models.AggMax:
		expr = "COALESCE(MAX(value), 0)"
	case models.AggSum:
		expr = "COALESCE(SUM(value), 0)"
	case models.AggCount:
		expr = "COUNT(*)"
	default:
		return 0, 0, fmt.Errorf("unknown aggregation %q", fn)
	}

	var value float64
	var count int
	err := d.pool.QueryRow(ctx,
		"SELECT "+expr+", COUNT(*) FROM sensor_readings WHERE sensor_id = $1 AND field = $2 AND recorded_at >= $3 AND recorded_at <= $4",
		sensorID, field, now.Add(-window), now).Scan(&value, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregating %s(%s.%s): %w", fn, sensorID, field, err)
	}
	return value, count, nil
}

// ListRecentExecutions returns the newest audit records for the
// status API.
func (d *DB) ListRecentExecutions(ctx context.Context, limit int) ([]*models.RuleExecution, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, rule_id, triggered_at, success, suppressed, execution_time_ms,
		        trigger_data, evaluation_result, actions_executed, error, stack_trace
		 FROM rule_executions ORDER BY triggered_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.RuleExecution
	for rows.Next() {
		var exec models.RuleExecution
		var triggerData, evalResult, actions []byte
		if err := rows.Scan(&exec.ID, &exec.RuleID, &exec.TriggeredAt, &exec.Success,
			&exec.Suppressed, &exec.ExecutionTimeMs, &triggerData, &evalResult,
			&actions, &exec.Error, &exec.StackTrace); err != nil {
			return nil, err
		}
		if len(triggerData) > 0 {
			if err := json.Unmarshal(triggerData, &exec.TriggerData); err != nil {
				return nil, fmt.Errorf("execution %s: %w", exec.ID, err)
			}
		}
		if len(evalResult) > 0 {
			if err := json.Unmarshal(evalResult, &exec.EvaluationResult); err != nil {
				return nil, fmt.Errorf("execution %s: %w", exec.ID, err)
			}
		}
		if len(actions) > 0 {
			if err := json.Unmarshal(actions, &exec.ActionsExecuted); err != nil {
				return nil, fmt.Errorf("execution %s: %w", exec.ID, err)
			}
		}
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}
