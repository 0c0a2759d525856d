package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenhouse/internal/events"
	"greenhouse/internal/models"
)

type fakeRuleSource struct {
	mu       sync.Mutex
	rules    []*models.Rule
	problems []error
	loadErr  bool
}

func (f *fakeRuleSource) ListEnabledRules(context.Context) ([]*models.Rule, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr {
		return nil, []error{errors.New("connection refused")}
	}
	return f.rules, f.problems
}

func (f *fakeRuleSource) GetRuleByID(_ context.Context, id string) (*models.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rule := range f.rules {
		if rule.ID == id {
			return rule, nil
		}
	}
	return nil, models.ErrRuleNotFound
}

type cooldownUpdate struct {
	ruleID       string
	triggeredAt  time.Time
	triggerCount int
}

type fakeSink struct {
	mu         sync.Mutex
	executions []*models.RuleExecution
	cooldowns  []cooldownUpdate
}

func (f *fakeSink) RecordExecution(_ context.Context, exec *models.RuleExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = append(f.executions, exec)
	return nil
}

func (f *fakeSink) UpdateRuleCooldown(_ context.Context, ruleID string, triggeredAt time.Time, triggerCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldowns = append(f.cooldowns, cooldownUpdate{ruleID, triggeredAt, triggerCount})
	return nil
}

func (f *fakeSink) recorded() []*models.RuleExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.RuleExecution, len(f.executions))
	copy(out, f.executions)
	return out
}

// alwaysTrue is an empty AND group, vacuously true.
var alwaysTrue = models.GroupCondition{Operator: models.GroupAnd}

type engineFixture struct {
	engine   *Engine
	source   *fakeRuleSource
	sink     *fakeSink
	devices  *fakeDevices
	webhooks *fakeWebhooks
	bus      *events.Bus
}

func newEngineFixture(t *testing.T, rules ...*models.Rule) *engineFixture {
	t.Helper()
	source := &fakeRuleSource{rules: rules}
	sink := &fakeSink{}
	devices := &fakeDevices{statuses: map[string]string{}}
	webhooks := &fakeWebhooks{}
	bus := events.NewBus(32, testLogEntry())

	eng := New(Config{
		Rules:        source,
		Executions:   sink,
		Evaluator:    NewEvaluator(&fakeSensors{}, devices, func() time.Time { return evalNow }),
		Dispatcher:   NewDispatcher(devices, &fakeNotifier{}, webhooks, &fakeQueue{}, time.Second, testLogEntry()),
		Bus:          bus,
		Logger:       testLogEntry(),
		TickInterval: time.Second,
		StopTimeout:  2 * time.Second,
		Now:          func() time.Time { return evalNow },
	})
	return &engineFixture{engine: eng, source: source, sink: sink, devices: devices, webhooks: webhooks, bus: bus}
}

func TestTickAppliesRulesInPriorityOrder(t *testing.T) {
	fix := newEngineFixture(t,
		&models.Rule{ID: "r1", Name: "open vent", Enabled: true, Priority: 1, Conditions: alwaysTrue,
			Actions: []models.Action{models.DeviceAction{DeviceID: "vent-1", Command: models.CmdTurnOn}}},
		&models.Rule{ID: "r2", Name: "close vent", Enabled: true, Priority: 2, Conditions: alwaysTrue,
			Actions: []models.Action{models.DeviceAction{DeviceID: "vent-1", Command: models.CmdTurnOff}}},
	)

	fix.engine.runTick(context.Background())

	// Sequential evaluation in priority order: the lower-priority rule
	// acted last, so its action determines the final device state.
	assert.Equal(t, []string{"vent-1:TURN_ON", "vent-1:TURN_OFF"}, fix.devices.applied)
	assert.Equal(t, "off", fix.devices.statuses["vent-1"])
	assert.Len(t, fix.sink.recorded(), 2)
}

func TestConditionsNotMetProducesNoRecord(t *testing.T) {
	fix := newEngineFixture(t,
		&models.Rule{ID: "r1", Name: "never", Enabled: true, Conditions: models.GroupCondition{Operator: models.GroupOr},
			Actions: []models.Action{models.DeviceAction{DeviceID: "pump-1", Command: models.CmdTurnOn}}},
	)

	fix.engine.runTick(context.Background())

	assert.Empty(t, fix.sink.recorded())
	assert.Empty(t, fix.devices.applied)
}

func TestCooldownSuppressionRecordShape(t *testing.T) {
	last := evalNow.Add(-5 * time.Minute)
	fix := newEngineFixture(t,
		&models.Rule{ID: "r1", Name: "cooling", Enabled: true, CooldownMinutes: 15,
			LastTriggered: &last, TriggerCount: 3, Conditions: alwaysTrue,
			Actions: []models.Action{models.DeviceAction{DeviceID: "pump-1", Command: models.CmdTurnOn}}},
	)

	fix.engine.runTick(context.Background())

	execs := fix.sink.recorded()
	require.Len(t, execs, 1)
	exec := execs[0]
	assert.True(t, exec.Success)
	assert.True(t, exec.Suppressed)
	assert.Empty(t, exec.ActionsExecuted)

	// Suppressed evaluations never advance trigger bookkeeping.
	assert.Empty(t, fix.sink.cooldowns)
	assert.Empty(t, fix.devices.applied)
}

func TestSuccessfulTriggerUpdatesBookkeeping(t *testing.T) {
	fix := newEngineFixture(t,
		&models.Rule{ID: "r1", Name: "water", Enabled: true, CooldownMinutes: 15, TriggerCount: 7,
			Conditions: alwaysTrue,
			Actions:    []models.Action{models.DeviceAction{DeviceID: "pump-1", Command: models.CmdTurnOn}}},
	)

	fix.engine.runTick(context.Background())

	execs := fix.sink.recorded()
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Success)
	assert.False(t, execs[0].Suppressed)

	require.Len(t, fix.sink.cooldowns, 1)
	assert.Equal(t, cooldownUpdate{"r1", evalNow, 8}, fix.sink.cooldowns[0])

	// A RULE_TRIGGERED event went out for the dispatch.
	var kinds []events.Kind
	for len(fix.bus.Events()) > 0 {
		kinds = append(kinds, (<-fix.bus.Events()).Kind)
	}
	assert.Contains(t, kinds, events.RuleTriggered)
	assert.Contains(t, kinds, events.EngineStatus)
}

func TestSecondTickSuppressedByInMemoryCooldown(t *testing.T) {
	// The persisted rule row never refreshes in this test, so the
	// second tick relies on the in-memory tracker alone.
	fix := newEngineFixture(t,
		&models.Rule{ID: "r1", Name: "water", Enabled: true, CooldownMinutes: 15,
			Conditions: alwaysTrue,
			Actions:    []models.Action{models.DeviceAction{DeviceID: "pump-1", Command: models.CmdTurnOn}}},
	)

	fix.engine.runTick(context.Background())
	fix.engine.runTick(context.Background())

	execs := fix.sink.recorded()
	require.Len(t, execs, 2)
	assert.False(t, execs[0].Suppressed)
	assert.True(t, execs[1].Suppressed)
	assert.Len(t, fix.sink.cooldowns, 1)
	assert.Len(t, fix.devices.applied, 1)
}

func TestActionFailureMarksExecutionFailed(t *testing.T) {
	fix := newEngineFixture(t,
		&models.Rule{ID: "r1", Name: "mixed", Enabled: true, CooldownMinutes: 15,
			Conditions: alwaysTrue,
			Actions: []models.Action{
				models.DeviceAction{DeviceID: "vent-1", Command: models.CmdTurnOn},
				models.WebhookAction{URL: "https://hooks.example.com/x"},
				models.NotifyAction{Channels: []string{"email"}, Template: "alert"},
			}},
	)
	fix.webhooks.err = errors.New("upstream 503")

	fix.engine.runTick(context.Background())

	execs := fix.sink.recorded()
	require.Len(t, execs, 1)
	exec := execs[0]
	assert.False(t, exec.Success)
	require.Len(t, exec.ActionsExecuted, 3)
	assert.True(t, exec.ActionsExecuted[0].Success)
	assert.False(t, exec.ActionsExecuted[1].Success)
	assert.True(t, exec.ActionsExecuted[2].Success)

	// A failed dispatch does not consume the cooldown.
	assert.Empty(t, fix.sink.cooldowns)
	assert.True(t, fix.engine.cooldowns.Eligible(fix.source.rules[0], evalNow))
}

type panickyDevices struct{ *fakeDevices }

func (panickyDevices) Status(context.Context, string) (string, error) {
	panic("device registry corrupted")
}

func TestPanicContainedPerRule(t *testing.T) {
	fix := newEngineFixture(t,
		&models.Rule{ID: "r1", Name: "faulty", Enabled: true, Priority: 1,
			Conditions: models.DeviceCondition{DeviceID: "vent-1", ExpectedStatus: "on"},
			Actions:    []models.Action{models.DeviceAction{DeviceID: "vent-1", Command: models.CmdTurnOff}}},
		&models.Rule{ID: "r2", Name: "healthy", Enabled: true, Priority: 2,
			Conditions: alwaysTrue,
			Actions:    []models.Action{models.DeviceAction{DeviceID: "pump-1", Command: models.CmdTurnOn}}},
	)
	// Swap in an evaluator whose device provider panics.
	fix.engine.evaluator = NewEvaluator(&fakeSensors{}, panickyDevices{fix.devices}, func() time.Time { return evalNow })

	fix.engine.runTick(context.Background())

	execs := fix.sink.recorded()
	require.Len(t, execs, 2)

	var faulty, healthy *models.RuleExecution
	for _, exec := range execs {
		switch exec.RuleID {
		case "r1":
			faulty = exec
		case "r2":
			healthy = exec
		}
	}
	require.NotNil(t, faulty)
	require.NotNil(t, healthy)

	assert.False(t, faulty.Success)
	assert.Contains(t, faulty.Error, "panic: device registry corrupted")
	assert.NotEmpty(t, faulty.StackTrace)

	// The tick carried on to the next rule.
	assert.True(t, healthy.Success)
	assert.Equal(t, []string{"pump-1:TURN_ON"}, fix.devices.applied)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	fix := newEngineFixture(t,
		&models.Rule{ID: "r1", Name: "slow", Enabled: true, CooldownMinutes: 15,
			Conditions: alwaysTrue,
			Actions:    []models.Action{models.WebhookAction{URL: "https://hooks.example.com/slow"}}},
	)
	gate := make(chan struct{})
	fix.webhooks.gate = gate

	done := make(chan struct{})
	go func() {
		fix.engine.tick()
		close(done)
	}()

	// Wait until the first tick is blocked inside the webhook call.
	require.Eventually(t, func() bool {
		fix.webhooks.mu.Lock()
		defer fix.webhooks.mu.Unlock()
		return fix.webhooks.waiting
	}, time.Second, 5*time.Millisecond)

	// The second tick must not run concurrently with the first.
	fix.engine.tick()
	assert.Equal(t, int64(1), fix.engine.Status().SkippedTicks)

	close(gate)
	<-done

	// No duplicate execution or trigger increment from the overlap.
	assert.Len(t, fix.sink.recorded(), 1)
	assert.Len(t, fix.sink.cooldowns, 1)
}

func TestManualTriggerWaitsForInFlightTick(t *testing.T) {
	fix := newEngineFixture(t,
		&models.Rule{ID: "r1", Name: "slow open", Enabled: true, Priority: 1, Conditions: alwaysTrue,
			Actions: []models.Action{
				models.WebhookAction{URL: "https://hooks.example.com/slow"},
				models.DeviceAction{DeviceID: "vent-1", Command: models.CmdTurnOn},
			}},
		&models.Rule{ID: "r2", Name: "close", Enabled: true, Priority: 2, Conditions: alwaysTrue,
			Actions: []models.Action{models.DeviceAction{DeviceID: "vent-1", Command: models.CmdTurnOff}}},
	)
	gate := make(chan struct{})
	fix.webhooks.gate = gate

	tickDone := make(chan struct{})
	go func() {
		fix.engine.tick()
		close(tickDone)
	}()

	require.Eventually(t, func() bool {
		fix.webhooks.mu.Lock()
		defer fix.webhooks.mu.Unlock()
		return fix.webhooks.waiting
	}, time.Second, 5*time.Millisecond)

	manualDone := make(chan struct{})
	go func() {
		_, err := fix.engine.TriggerRule(context.Background(), "r2")
		assert.NoError(t, err)
		close(manualDone)
	}()

	// The manual trigger must block until the tick releases the lock.
	select {
	case <-manualDone:
		t.Fatal("manual trigger dispatched during an in-flight tick")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	<-tickDone
	<-manualDone

	// All of the tick's dispatches land before the manual one.
	assert.Equal(t,
		[]string{"vent-1:TURN_ON", "vent-1:TURN_OFF", "vent-1:TURN_OFF"},
		fix.devices.applied)
	assert.Equal(t, "off", fix.devices.statuses["vent-1"])
}

func TestTickRunsWhenAllRulesFailDecode(t *testing.T) {
	fix := newEngineFixture(t)
	// Every enabled rule failed decode: an empty, non-nil slice with
	// per-row problems. Distinct from a load failure, so the tick still
	// counts and status stays live.
	fix.source.rules = []*models.Rule{}
	fix.source.problems = []error{errors.New("rule r9: unknown condition type")}

	fix.engine.runTick(context.Background())

	status := fix.engine.Status()
	assert.Equal(t, int64(1), status.TickCount)
	assert.Equal(t, 0, status.ActiveRules)
	assert.Empty(t, fix.sink.recorded())
}

func TestPersistenceFaultSkipsTick(t *testing.T) {
	fix := newEngineFixture(t,
		&models.Rule{ID: "r1", Name: "water", Enabled: true, Conditions: alwaysTrue,
			Actions: []models.Action{models.DeviceAction{DeviceID: "pump-1", Command: models.CmdTurnOn}}},
	)
	fix.source.loadErr = true

	fix.engine.runTick(context.Background())
	assert.Empty(t, fix.sink.recorded())
	assert.Equal(t, int64(0), fix.engine.Status().TickCount)

	// The engine keeps running; the next tick works once the store is back.
	fix.source.loadErr = false
	fix.engine.runTick(context.Background())
	assert.Len(t, fix.sink.recorded(), 1)
}

func TestTriggerRule(t *testing.T) {
	fix := newEngineFixture(t,
		&models.Rule{ID: "r1", Name: "manual", Enabled: true, Conditions: alwaysTrue,
			Actions: []models.Action{models.DeviceAction{DeviceID: "pump-1", Command: models.CmdTurnOn}}},
		&models.Rule{ID: "r2", Name: "off", Enabled: false, Conditions: alwaysTrue},
	)

	exec, err := fix.engine.TriggerRule(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.True(t, exec.Success)

	_, err = fix.engine.TriggerRule(context.Background(), "r2")
	assert.ErrorIs(t, err, ErrRuleDisabled)

	_, err = fix.engine.TriggerRule(context.Background(), "ghost")
	assert.ErrorIs(t, err, models.ErrRuleNotFound)
}

func TestStartStopIdempotent(t *testing.T) {
	fix := newEngineFixture(t)

	require.NoError(t, fix.engine.Start())
	require.NoError(t, fix.engine.Start())
	assert.True(t, fix.engine.Status().Running)

	fix.engine.Stop()
	fix.engine.Stop()
	assert.False(t, fix.engine.Status().Running)
}
