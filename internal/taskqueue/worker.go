package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Worker runs the asynq server that drains the engine's queues.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
	log *logrus.Entry
}

// NewWorker builds the worker. Queue weights give rule work priority
// over notification fan-out.
func NewWorker(redisAddr string, log *logrus.Entry) *Worker {
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical":   6,
			defaultQueue: 3,
			"low":        1,
		},
	})

	w := &Worker{srv: srv, mux: asynq.NewServeMux(), log: log}
	w.mux.HandleFunc(TypeQueuedWork, w.handleQueuedWork)
	w.mux.HandleFunc(TypeNotification, w.handleNotification)
	return w
}

// Run blocks serving tasks until Shutdown.
func (w *Worker) Run() error {
	w.log.Info("task queue worker starting")
	return w.srv.Run(w.mux)
}

// Shutdown stops the worker, letting in-flight tasks finish.
func (w *Worker) Shutdown() {
	w.srv.Shutdown()
	w.log.Info("task queue worker stopped")
}

// handleQueuedWork acknowledges rule-queued work. The payload is
// opaque to the engine; downstream consumers subscribe to the named
// queue for the actual processing.
func (w *Worker) handleQueuedWork(ctx context.Context, t *asynq.Task) error {
	var payload QueuedWorkPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding queued work: %w", err)
	}
	w.log.WithFields(logrus.Fields{
		"queue":    payload.QueueName,
		"priority": payload.Priority,
	}).Info("queued work received")
	return nil
}

// handleNotification renders the template and hands the message to the
// channel transports. Transport integrations live outside this
// service; delivery here is the rendered log line they consume.
func (w *Worker) handleNotification(ctx context.Context, t *asynq.Task) error {
	var payload NotificationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding notification: %w", err)
	}
	message := RenderTemplate(payload.Template, payload.Variables)
	for _, channel := range payload.Channels {
		w.log.WithFields(logrus.Fields{
			"channel": channel,
			"message": message,
		}).Info("notification dispatched")
	}
	return nil
}
