package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "group",
		"operator": "AND",
		"children": [
			{"type": "sensor", "sensor_id": "gh1-temp", "field": "temperature", "op": "GT", "value": 30, "max_data_age_minutes": 10},
			{"type": "time", "time_start": "08:00", "time_end": "20:00"},
			{"type": "group", "operator": "NOT", "children": [
				{"type": "device", "device_id": "vent-1", "expected_status": "on"}
			]}
		]
	}`)

	cond, err := ParseCondition(raw)
	require.NoError(t, err)

	group, ok := cond.(GroupCondition)
	require.True(t, ok)
	assert.Equal(t, GroupAnd, group.Operator)
	require.Len(t, group.Children, 3)

	sensor, ok := group.Children[0].(SensorCondition)
	require.True(t, ok)
	assert.Equal(t, "gh1-temp", sensor.SensorID)
	assert.Equal(t, OpGT, sensor.Op)
	assert.Equal(t, 30.0, sensor.Value)

	not, ok := group.Children[2].(GroupCondition)
	require.True(t, ok)
	assert.Equal(t, GroupNot, not.Operator)
	require.Len(t, not.Children, 1)
}

func TestParseConditionUnknownType(t *testing.T) {
	_, err := ParseCondition(json.RawMessage(`{"type": "lunar_phase"}`))
	require.ErrorIs(t, err, ErrUnknownConditionType)
}

func TestParseConditionRejectsUnknownNestedType(t *testing.T) {
	raw := json.RawMessage(`{"type": "group", "operator": "OR", "children": [
		{"type": "sensor", "sensor_id": "s", "field": "f", "op": "EQ", "value": 1},
		{"type": "bogus"}
	]}`)
	_, err := ParseCondition(raw)
	require.ErrorIs(t, err, ErrUnknownConditionType)
}

func TestConditionRoundTrip(t *testing.T) {
	original := GroupCondition{
		Operator: GroupOr,
		Children: []Condition{
			HistoryCondition{SensorID: "gh1-soil", Field: "moisture", Aggregation: AggAvg, WindowMinutes: 60, Op: OpLT, Threshold: 20},
			TimeCondition{Start: "23:00", End: "01:00"},
		},
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	parsed, err := ParseCondition(raw)
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestParseActions(t *testing.T) {
	raw := json.RawMessage(`[
		{"type": "device_control", "device_id": "pump-1", "action": "TURN_ON", "duration_minutes": 5},
		{"type": "notification", "channels": ["email"], "template": "Soil dry in {{zone}}", "variables": {"zone": "bed-3"}},
		{"type": "webhook", "url": "https://hooks.example.com/greenhouse", "method": "POST"},
		{"type": "queue", "queue_name": "irrigation", "priority": 2}
	]`)

	actions, err := ParseActions(raw)
	require.NoError(t, err)
	require.Len(t, actions, 4)

	device, ok := actions[0].(DeviceAction)
	require.True(t, ok)
	assert.Equal(t, CmdTurnOn, device.Command)
	require.NotNil(t, device.DurationMinutes)
	assert.Equal(t, 5, *device.DurationMinutes)

	_, ok = actions[1].(NotifyAction)
	assert.True(t, ok)
	_, ok = actions[2].(WebhookAction)
	assert.True(t, ok)

	queue, ok := actions[3].(QueueAction)
	require.True(t, ok)
	assert.Equal(t, "irrigation", queue.QueueName)
}

func TestParseActionsUnknownType(t *testing.T) {
	_, err := ParseActions(json.RawMessage(`[{"type": "launch_rocket"}]`))
	require.ErrorIs(t, err, ErrUnknownActionType)
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "00:00", want: 0},
		{in: "08:30", want: 510},
		{in: "23:59", want: 1439},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
