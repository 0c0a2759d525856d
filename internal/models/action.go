package models

import (
	"encoding/json"
	"fmt"
)

// DeviceCommand is the closed set of device control verbs.
type DeviceCommand string

const (
	CmdTurnOn   DeviceCommand = "TURN_ON"
	CmdTurnOff  DeviceCommand = "TURN_OFF"
	CmdToggle   DeviceCommand = "TOGGLE"
	CmdSetValue DeviceCommand = "SET_VALUE"
	CmdReset    DeviceCommand = "RESET"
)

// Action is the closed set of rule actions. Actions execute strictly
// in list order; one action's failure does not stop the rest.
type Action interface {
	actionNode()
	// Kind names the action variant for audit records and logs.
	Kind() string
}

// NotifyAction sends a templated notification over one or more
// channels. Delivery is handed to the reliable queue; enqueue
// acknowledgment counts as success.
type NotifyAction struct {
	Channels  []string          `json:"channels"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
}

// DeviceAction drives a device.
type DeviceAction struct {
	DeviceID        string        `json:"device_id"`
	Command         DeviceCommand `json:"action"`
	Value           *float64      `json:"value,omitempty"`
	DurationMinutes *int          `json:"duration_minutes,omitempty"`
}

// WebhookAction calls an external HTTP endpoint.
type WebhookAction struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload map[string]any    `json:"payload,omitempty"`
}

// QueueAction enqueues work on the reliable queue. Fire-and-forget:
// the engine treats enqueue acknowledgment as success and never waits
// for downstream processing.
type QueueAction struct {
	QueueName string         `json:"queue_name"`
	Priority  int            `json:"priority"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (NotifyAction) actionNode()  {}
func (DeviceAction) actionNode()  {}
func (WebhookAction) actionNode() {}
func (QueueAction) actionNode()   {}

func (NotifyAction) Kind() string  { return actionTypeNotification }
func (DeviceAction) Kind() string  { return actionTypeDevice }
func (WebhookAction) Kind() string { return actionTypeWebhook }
func (QueueAction) Kind() string   { return actionTypeQueue }

const (
	actionTypeNotification = "notification"
	actionTypeDevice       = "device_control"
	actionTypeWebhook      = "webhook"
	actionTypeQueue        = "queue"
)

// ParseActions decodes a JSON action list into typed actions,
// rejecting unknown "type" values.
func ParseActions(raw json.RawMessage) ([]Action, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decoding action list: %w", err)
	}

	actions := make([]Action, 0, len(items))
	for i, item := range items {
		action, err := parseAction(item)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func parseAction(raw json.RawMessage) (Action, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decoding action: %w", err)
	}

	switch head.Type {
	case actionTypeNotification:
		var a NotifyAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return a, nil
	case actionTypeDevice:
		var a DeviceAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return a, nil
	case actionTypeWebhook:
		var a WebhookAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return a, nil
	case actionTypeQueue:
		var a QueueAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, head.Type)
	}
}

func (a NotifyAction) MarshalJSON() ([]byte, error) {
	type alias NotifyAction
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{a.Kind(), alias(a)})
}

func (a DeviceAction) MarshalJSON() ([]byte, error) {
	type alias DeviceAction
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{a.Kind(), alias(a)})
}

func (a WebhookAction) MarshalJSON() ([]byte, error) {
	type alias WebhookAction
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{a.Kind(), alias(a)})
}

func (a QueueAction) MarshalJSON() ([]byte, error) {
	type alias QueueAction
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{a.Kind(), alias(a)})
}
