package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"greenhouse/internal/models"
)

const (
	commandTopicFmt   = "devices/%s/commands"
	publishWait       = 5 * time.Second
	deviceStateExpiry = time.Hour
)

// DeviceStore serves device status from the Redis cache and applies
// control actions by publishing MQTT commands to the device's command
// topic. The cache entry is updated optimistically; the authoritative
// state comes back through the ingestion pipeline.
type DeviceStore struct {
	rdb  *redis.Client
	mqtt MQTT.Client
	log  *logrus.Entry
}

// NewDeviceStore creates a device state provider.
func NewDeviceStore(rdb *redis.Client, mqttClient MQTT.Client, log *logrus.Entry) *DeviceStore {
	return &DeviceStore{rdb: rdb, mqtt: mqttClient, log: log}
}

func deviceKey(deviceID string) string {
	return fmt.Sprintf("device:%s", deviceID)
}

// Status returns the device's last-known status string. Missing device
// or missing status field maps to models.ErrDeviceNotFound.
func (s *DeviceStore) Status(ctx context.Context, deviceID string) (string, error) {
	st, err := s.state(ctx, deviceID)
	if err != nil {
		return "", err
	}
	status, ok := st.Status()
	if !ok {
		return "", models.ErrDeviceNotFound
	}
	return status, nil
}

func (s *DeviceStore) state(ctx context.Context, deviceID string) (models.DeviceState, error) {
	raw, err := s.rdb.Get(ctx, deviceKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", deviceKey(deviceID), err)
	}
	var st models.DeviceState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", deviceKey(deviceID), err)
	}
	return st, nil
}

// Apply publishes a control command and optimistically refreshes the
// cached status so later rules in the same tick see the new state.
func (s *DeviceStore) Apply(ctx context.Context, deviceID string, action models.DeviceAction) error {
	command := map[string]any{"action": string(action.Command)}
	if action.Value != nil {
		command["value"] = *action.Value
	}
	if action.DurationMinutes != nil {
		command["duration_minutes"] = *action.DurationMinutes
	}

	status, err := s.nextStatus(ctx, deviceID, action)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("marshaling command for device %s: %w", deviceID, err)
	}

	token := s.mqtt.Publish(fmt.Sprintf(commandTopicFmt, deviceID), 1, false, payload)
	if !token.WaitTimeout(publishTimeout(ctx)) {
		return fmt.Errorf("publishing command to device %s: timed out", deviceID)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing command to device %s: %w", deviceID, err)
	}

	if status != "" {
		s.cacheStatus(ctx, deviceID, status)
	}

	s.log.WithFields(logrus.Fields{
		"device_id": deviceID,
		"action":    action.Command,
	}).Debug("device command published")
	return nil
}

// nextStatus resolves the status the command will leave the device in.
// TOGGLE needs the current state; a missing device makes TOGGLE fail
// since there is nothing to flip.
func (s *DeviceStore) nextStatus(ctx context.Context, deviceID string, action models.DeviceAction) (string, error) {
	switch action.Command {
	case models.CmdTurnOn:
		return "on", nil
	case models.CmdTurnOff, models.CmdReset:
		return "off", nil
	case models.CmdToggle:
		current, err := s.Status(ctx, deviceID)
		if err != nil {
			return "", fmt.Errorf("toggle on device %s: %w", deviceID, err)
		}
		if current == "on" {
			return "off", nil
		}
		return "on", nil
	case models.CmdSetValue:
		return "on", nil
	}
	return "", nil
}

// publishTimeout bounds the MQTT ack wait by the caller's deadline so
// a per-action timeout shorter than the default is still honored.
func publishTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < publishWait {
			return remaining
		}
	}
	return publishWait
}

func (s *DeviceStore) cacheStatus(ctx context.Context, deviceID, status string) {
	st, err := s.state(ctx, deviceID)
	if err != nil {
		st = models.DeviceState{}
	}
	st["status"] = status
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, deviceKey(deviceID), raw, deviceStateExpiry).Err(); err != nil {
		s.log.WithError(err).WithField("device_id", deviceID).Warn("failed to refresh device state cache")
	}
}
