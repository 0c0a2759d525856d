// Command engine runs the rules engine and queue worker without the
// HTTP observability surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"greenhouse/internal/config"
	"greenhouse/internal/db"
	"greenhouse/internal/engine"
	"greenhouse/internal/events"
	"greenhouse/internal/logging"
	"greenhouse/internal/mqtt"
	"greenhouse/internal/notify"
	"greenhouse/internal/redis"
	"greenhouse/internal/state"
	"greenhouse/internal/taskqueue"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	dbConn, err := db.NewDB(context.Background(), cfg.DBURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer dbConn.Close()

	redisClient := redis.NewClient(cfg.RedisAddr)

	mqttClient, err := mqtt.NewClient(cfg.MQTTBroker, cfg.MQTTClientID)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to MQTT broker")
	}
	defer mqttClient.Disconnect(250)

	queueClient := taskqueue.NewClient(cfg.RedisAddr, logging.WithComponent(logger, "taskqueue"))
	defer queueClient.Close()

	worker := taskqueue.NewWorker(cfg.RedisAddr, logging.WithComponent(logger, "taskqueue"))
	go func() {
		if err := worker.Run(); err != nil {
			logger.WithError(err).Fatal("task queue worker failed")
		}
	}()

	sensors := state.NewSensorStore(redisClient, dbConn)
	devices := state.NewDeviceStore(redisClient, mqttClient, logging.WithComponent(logger, "devices"))
	webhooks := notify.NewWebhookClient(cfg.ActionTimeout(), logging.WithComponent(logger, "webhooks"))

	bus := events.NewBus(cfg.EventBufferSize, logging.WithComponent(logger, "events"))
	defer bus.Close()

	eng := engine.New(engine.Config{
		Rules:        dbConn,
		Executions:   dbConn,
		Evaluator:    engine.NewEvaluator(sensors, devices, nil),
		Dispatcher:   engine.NewDispatcher(devices, queueClient, webhooks, queueClient, cfg.ActionTimeout(), logging.WithComponent(logger, "dispatcher")),
		Bus:          bus,
		Logger:       logging.WithComponent(logger, "engine"),
		TickInterval: cfg.TickInterval(),
	})
	if err := eng.Start(); err != nil {
		logger.WithError(err).Fatal("failed to start engine")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	eng.Stop()
	worker.Shutdown()
	logger.Info("shutdown complete")
}
