package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	// TypeQueuedWork carries a rule's QueueAction payload. The engine
	// treats enqueue acknowledgment as success; retries and dead-letter
	// handling are asynq's business.
	TypeQueuedWork = "rule:queued_work"
	// TypeNotification carries a rendered-notification request so
	// SendNotification is ack-on-enqueue for the dispatcher.
	TypeNotification = "rule:notification"

	defaultQueue = "default"
	maxRetry     = 3
	taskTimeout  = 30 * time.Second
)

// Client enqueues engine work onto the reliable queue.
type Client struct {
	inner *asynq.Client
	log   *logrus.Entry
}

// NewClient creates a queue client against the given Redis address.
func NewClient(redisAddr string, log *logrus.Entry) *Client {
	return &Client{
		inner: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		log:   log,
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.inner.Close()
}

// QueuedWorkPayload is the envelope for TypeQueuedWork tasks.
type QueuedWorkPayload struct {
	QueueName string         `json:"queue_name"`
	Priority  int            `json:"priority"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Enqueue places a QueueAction payload on the named queue. The rule's
// priority rides along in the payload for downstream consumers; queue
// selection is what asynq weighs.
func (c *Client) Enqueue(ctx context.Context, queueName string, priority int, payload map[string]any) error {
	if queueName == "" {
		queueName = defaultQueue
	}
	data, err := json.Marshal(QueuedWorkPayload{QueueName: queueName, Priority: priority, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshaling queued work: %w", err)
	}

	task := asynq.NewTask(TypeQueuedWork, data)
	info, err := c.inner.EnqueueContext(ctx, task,
		asynq.Queue(queueName), asynq.MaxRetry(maxRetry), asynq.Timeout(taskTimeout))
	if err != nil {
		return fmt.Errorf("enqueuing on %s: %w", queueName, err)
	}
	c.log.WithFields(logrus.Fields{"task_id": info.ID, "queue": queueName}).Debug("queued work enqueued")
	return nil
}

// NotificationPayload is the envelope for TypeNotification tasks.
type NotificationPayload struct {
	Channels  []string          `json:"channels"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Send satisfies the engine's Notifier contract by handing delivery to
// the queue. Success means the queue accepted the task, not that any
// channel transport delivered it.
func (c *Client) Send(ctx context.Context, channels []string, template string, variables map[string]string) error {
	data, err := json.Marshal(NotificationPayload{Channels: channels, Template: template, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	task := asynq.NewTask(TypeNotification, data)
	info, err := c.inner.EnqueueContext(ctx, task,
		asynq.Queue(defaultQueue), asynq.MaxRetry(maxRetry), asynq.Timeout(taskTimeout))
	if err != nil {
		return fmt.Errorf("enqueuing notification: %w", err)
	}
	c.log.WithFields(logrus.Fields{"task_id": info.ID, "channels": channels}).Debug("notification enqueued")
	return nil
}

// RenderTemplate substitutes {{name}} placeholders with variable
// values. Unknown placeholders are left in place so broken templates
// stay visible in delivered messages.
func RenderTemplate(template string, variables map[string]string) string {
	if len(variables) == 0 {
		return template
	}
	pairs := make([]string, 0, len(variables)*2)
	for k, v := range variables {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
