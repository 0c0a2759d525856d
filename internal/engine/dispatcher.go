package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"greenhouse/internal/models"
)

// Notifier hands notification delivery to a channel collaborator.
type Notifier interface {
	Send(ctx context.Context, channels []string, template string, variables map[string]string) error
}

// WebhookCaller performs rule-configured HTTP calls.
type WebhookCaller interface {
	Call(ctx context.Context, url, method string, headers map[string]string, payload map[string]any) error
}

// WorkQueue enqueues fire-and-forget work on the reliable queue.
type WorkQueue interface {
	Enqueue(ctx context.Context, queueName string, priority int, payload map[string]any) error
}

// Dispatcher executes a rule's actions strictly in list order,
// isolating failures per action: every action is attempted once per
// trigger and each outcome is recorded independently. One failed
// action never aborts the ones after it.
type Dispatcher struct {
	devices  DeviceProvider
	notifier Notifier
	webhooks WebhookCaller
	queue    WorkQueue
	timeout  time.Duration
	log      *logrus.Entry
}

// NewDispatcher creates a dispatcher with a per-action timeout.
func NewDispatcher(devices DeviceProvider, notifier Notifier, webhooks WebhookCaller, queue WorkQueue, timeout time.Duration, log *logrus.Entry) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		devices:  devices,
		notifier: notifier,
		webhooks: webhooks,
		queue:    queue,
		timeout:  timeout,
		log:      log,
	}
}

// Dispatch runs all actions and returns one outcome per action, in
// declared order.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *models.Rule) []models.ActionOutcome {
	outcomes := make([]models.ActionOutcome, 0, len(rule.Actions))
	for i, action := range rule.Actions {
		outcome := d.dispatchOne(ctx, i, action)
		if !outcome.Success {
			d.log.WithFields(logrus.Fields{
				"rule_id":      rule.ID,
				"action_index": i,
				"action_type":  action.Kind(),
				"error":        outcome.Error,
			}).Warn("action failed")
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// dispatchOne runs a single action under its own deadline, converting
// panics from collaborators into failed outcomes so the rest of the
// list still runs.
func (d *Dispatcher) dispatchOne(parent context.Context, index int, action models.Action) (outcome models.ActionOutcome) {
	outcome = models.ActionOutcome{ActionIndex: index, Type: action.Kind()}
	started := time.Now()

	defer func() {
		outcome.ExecutionTimeMs = time.Since(started).Milliseconds()
		if r := recover(); r != nil {
			outcome.Success = false
			outcome.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	if err := d.run(ctx, action); err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Success = true
	outcome.Result = "ok"
	return outcome
}

func (d *Dispatcher) run(ctx context.Context, action models.Action) error {
	switch a := action.(type) {
	case models.DeviceAction:
		return d.devices.Apply(ctx, a.DeviceID, a)
	case models.NotifyAction:
		return d.notifier.Send(ctx, a.Channels, a.Template, a.Variables)
	case models.WebhookAction:
		return d.webhooks.Call(ctx, a.URL, a.Method, a.Headers, a.Payload)
	case models.QueueAction:
		// Enqueue acknowledgment is success; downstream processing is
		// the queue's concern.
		return d.queue.Enqueue(ctx, a.QueueName, a.Priority, a.Payload)
	default:
		return fmt.Errorf("%w: %T", models.ErrUnknownActionType, action)
	}
}
