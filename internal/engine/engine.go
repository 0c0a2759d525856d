package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"greenhouse/internal/events"
	"greenhouse/internal/logging"
	"greenhouse/internal/models"
)

// ErrRuleDisabled is returned by TriggerRule for disabled rules.
var ErrRuleDisabled = errors.New("rule is disabled")

// RuleSource loads rules from persistence. ListEnabledRules returns
// rules in evaluation order plus per-rule decode problems; a nil rule
// slice with problems means the load itself failed.
type RuleSource interface {
	ListEnabledRules(ctx context.Context) ([]*models.Rule, []error)
	GetRuleByID(ctx context.Context, id string) (*models.Rule, error)
}

// ExecutionSink persists audit records and trigger bookkeeping.
type ExecutionSink interface {
	RecordExecution(ctx context.Context, exec *models.RuleExecution) error
	UpdateRuleCooldown(ctx context.Context, ruleID string, triggeredAt time.Time, triggerCount int) error
}

// Config wires an Engine.
type Config struct {
	Rules      RuleSource
	Executions ExecutionSink
	Evaluator  *Evaluator
	Dispatcher *Dispatcher
	Bus        *events.Bus
	Logger     *logrus.Entry

	TickInterval time.Duration // default 30s
	StopTimeout  time.Duration // hard deadline for an in-flight tick on Stop
	Now          func() time.Time
}

// Engine drives rule evaluation on a fixed cadence. One tick loads
// all enabled rules in priority order and walks them sequentially, so
// two rules acting on the same device within a tick apply in priority
// order and the final device state is deterministic. A tick still
// running when the next deadline arrives is not overlapped; the
// overrun is logged and the next tick fires at the following boundary.
//
// Nothing here is fatal: collaborator faults surface in the audit
// trail and the loop keeps ticking.
type Engine struct {
	rules      RuleSource
	executions ExecutionSink
	evaluator  *Evaluator
	dispatcher *Dispatcher
	cooldowns  *CooldownTracker
	bus        *events.Bus
	log        *logrus.Entry

	interval    time.Duration
	stopTimeout time.Duration
	now         func() time.Time

	tickMu sync.Mutex // held for the duration of one tick

	mu      sync.Mutex // guards everything below
	cron    *cron.Cron
	entryID cron.EntryID
	running bool
	status  models.EngineStatus
}

// New creates a stopped engine.
func New(cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		rules:       cfg.Rules,
		executions:  cfg.Executions,
		evaluator:   cfg.Evaluator,
		dispatcher:  cfg.Dispatcher,
		cooldowns:   NewCooldownTracker(),
		bus:         cfg.Bus,
		log:         cfg.Logger,
		interval:    cfg.TickInterval,
		stopTimeout: cfg.StopTimeout,
		now:         cfg.Now,
	}
}

// Start begins ticking. Idempotent.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	e.cron = cron.New()
	e.entryID = e.cron.Schedule(cron.Every(e.interval), cron.FuncJob(e.tick))
	e.cron.Start()
	e.running = true
	e.status.Running = true

	e.log.WithField("interval", e.interval).Info("rule engine started")
	return nil
}

// Stop cancels future ticks and waits for an in-flight tick to finish,
// bounded by the hard stop timeout. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.status.Running = false
	stopCtx := e.cron.Stop()
	e.mu.Unlock()

	select {
	case <-stopCtx.Done():
	case <-time.After(e.stopTimeout):
		e.log.Warn("in-flight tick exceeded stop timeout")
	}
	e.log.Info("rule engine stopped")
}

// tick is the cron callback. TryLock keeps ticks from overlapping:
// a tick that finds the previous one still running is skipped and the
// schedule resumes at the next interval boundary.
func (e *Engine) tick() {
	if !e.tickMu.TryLock() {
		e.mu.Lock()
		e.status.SkippedTicks++
		e.mu.Unlock()
		e.log.Warn("previous tick still running, skipping")
		return
	}
	defer e.tickMu.Unlock()

	e.runTick(context.Background())
}

// runTick performs one full evaluation pass.
func (e *Engine) runTick(ctx context.Context) {
	now := e.now()

	rules, problems := e.rules.ListEnabledRules(ctx)
	for _, problem := range problems {
		e.log.WithError(problem).Error("skipping undecodable rule")
	}
	if rules == nil && len(problems) > 0 {
		// Persistence fault: skip this tick, retry on the next one.
		e.log.Error("could not load rules, skipping tick")
		return
	}

	e.mu.Lock()
	e.status.TickCount++
	e.status.ActiveRules = len(rules)
	tickStart := now
	e.status.LastTick = &tickStart
	if e.running && e.cron != nil {
		next := e.cron.Entry(e.entryID).Next
		e.status.NextTick = &next
	}
	e.mu.Unlock()

	for _, rule := range rules {
		e.evaluateRule(ctx, rule, now)
	}

	status := e.Status()
	e.bus.Publish(events.Event{Kind: events.EngineStatus, At: e.now(), Status: &status})
}

// evaluateRule runs one rule through evaluate, cooldown check, and
// dispatch. Panics are contained here so a faulty rule or collaborator
// cannot take down the tick; the fault is persisted with its stack.
func (e *Engine) evaluateRule(ctx context.Context, rule *models.Rule, now time.Time) (exec *models.RuleExecution) {
	ruleLog := logging.WithRule(e.log, rule.ID, rule.Name)
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			exec = &models.RuleExecution{
				ID:              uuid.NewString(),
				RuleID:          rule.ID,
				TriggeredAt:     now,
				Success:         false,
				ExecutionTimeMs: time.Since(started).Milliseconds(),
				ActionsExecuted: []models.ActionOutcome{},
				Error:           fmt.Sprintf("panic: %v", r),
				StackTrace:      string(debug.Stack()),
			}
			ruleLog.WithField("panic", r).Error("rule evaluation panicked")
			e.record(ctx, exec)
			e.count(func(s *models.EngineStatus) { s.FailureCount++ })
		}
	}()

	result, triggerData := e.evaluator.Evaluate(ctx, rule.Conditions)
	e.count(func(s *models.EngineStatus) { s.EvaluationCount++ })
	if !result.Result {
		return nil
	}

	exec = &models.RuleExecution{
		ID:               uuid.NewString(),
		RuleID:           rule.ID,
		TriggeredAt:      now,
		TriggerData:      triggerData,
		EvaluationResult: result,
		ActionsExecuted:  []models.ActionOutcome{},
	}

	// Conditions hold but the rule is cooling down: record the
	// suppressed evaluation without dispatching or touching
	// last_triggered, so "met but suppressed" stays distinguishable
	// from "not met" and from "actions failed".
	if !e.cooldowns.Eligible(rule, now) {
		exec.Success = true
		exec.Suppressed = true
		exec.ExecutionTimeMs = time.Since(started).Milliseconds()
		e.record(ctx, exec)
		e.count(func(s *models.EngineStatus) { s.SuppressedCount++ })
		ruleLog.Debug("conditions met but rule is cooling down")
		return exec
	}

	outcomes := e.dispatcher.Dispatch(ctx, rule)
	exec.ActionsExecuted = outcomes
	exec.Success = true
	for _, outcome := range outcomes {
		if !outcome.Success {
			exec.Success = false
			break
		}
	}
	exec.ExecutionTimeMs = time.Since(started).Milliseconds()

	if exec.Success {
		e.cooldowns.MarkTriggered(rule.ID, now)
		if err := e.executions.UpdateRuleCooldown(ctx, rule.ID, now, rule.TriggerCount+1); err != nil {
			ruleLog.WithError(err).Error("failed to persist trigger bookkeeping")
		}
		e.count(func(s *models.EngineStatus) { s.TriggerCount++ })
		ruleLog.WithField("actions", len(outcomes)).Info("rule triggered")
	} else {
		e.count(func(s *models.EngineStatus) { s.FailureCount++ })
	}

	e.record(ctx, exec)
	e.bus.Publish(events.Event{Kind: events.RuleTriggered, At: e.now(), Execution: exec})
	return exec
}

// TriggerRule evaluates one rule out of band through the same
// per-rule path the scheduler uses. Returns nil when conditions do
// not hold. Manual triggers take the tick lock, so a trigger arriving
// mid-tick waits for the tick to finish rather than interleaving
// dispatches on a shared device.
func (e *Engine) TriggerRule(ctx context.Context, ruleID string) (*models.RuleExecution, error) {
	rule, err := e.rules.GetRuleByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !rule.Enabled {
		return nil, ErrRuleDisabled
	}

	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.evaluateRule(ctx, rule, e.now()), nil
}

func (e *Engine) record(ctx context.Context, exec *models.RuleExecution) {
	if err := e.executions.RecordExecution(ctx, exec); err != nil {
		logging.WithExecution(e.log, exec.ID).WithError(err).
			WithField("rule_id", exec.RuleID).Error("failed to record execution")
	}
}

func (e *Engine) count(update func(*models.EngineStatus)) {
	e.mu.Lock()
	update(&e.status)
	e.mu.Unlock()
}

// Status returns a snapshot of the engine's observable state.
func (e *Engine) Status() models.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}
