package engine

import (
	"context"
	"fmt"
	"time"

	"greenhouse/internal/models"
)

// SensorProvider is the sensor-state collaborator the evaluator reads.
type SensorProvider interface {
	LatestReading(ctx context.Context, sensorID, field string) (models.Reading, error)
	Aggregate(ctx context.Context, sensorID, field string, window time.Duration, fn models.Aggregation, now time.Time) (float64, int, error)
}

// DeviceProvider serves device status and applies control actions.
type DeviceProvider interface {
	Status(ctx context.Context, deviceID string) (string, error)
	Apply(ctx context.Context, deviceID string, action models.DeviceAction) error
}

// Evaluator resolves condition trees against a snapshot of sensor and
// device state. Lookups are memoized per evaluation so two leaves
// reading the same sensor always see one value, even if the cache
// changes mid-evaluation.
//
// Groups short-circuit: AND stops at the first false child, OR at the
// first true one. Diagnostic detail covers only the visited nodes;
// a node absent from the leaf list was never evaluated.
type Evaluator struct {
	sensors SensorProvider
	devices DeviceProvider
	now     func() time.Time
}

// NewEvaluator creates an evaluator. now defaults to time.Now.
func NewEvaluator(sensors SensorProvider, devices DeviceProvider, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{sensors: sensors, devices: devices, now: now}
}

// Evaluate resolves one condition tree. The returned trigger data is
// the state snapshot the verdict was computed from, keyed by
// "sensor:id.field" and "device:id".
func (e *Evaluator) Evaluate(ctx context.Context, cond models.Condition) (models.EvaluationResult, map[string]any) {
	run := &evalRun{
		eval:        e,
		ctx:         ctx,
		now:         e.now(),
		sensorMemo:  make(map[string]sensorLookup),
		deviceMemo:  make(map[string]deviceLookup),
		triggerData: make(map[string]any),
	}
	result := run.visit(cond)
	return models.EvaluationResult{Result: result, Leaves: run.leaves}, run.triggerData
}

type sensorLookup struct {
	reading models.Reading
	err     error
}

type deviceLookup struct {
	status string
	err    error
}

type evalRun struct {
	eval        *Evaluator
	ctx         context.Context
	now         time.Time
	leaves      []models.LeafDetail
	sensorMemo  map[string]sensorLookup
	deviceMemo  map[string]deviceLookup
	triggerData map[string]any
}

func (r *evalRun) visit(cond models.Condition) bool {
	switch node := cond.(type) {
	case models.GroupCondition:
		return r.visitGroup(node)
	case models.SensorCondition:
		return r.visitSensor(node)
	case models.DeviceCondition:
		return r.visitDevice(node)
	case models.TimeCondition:
		return r.visitTime(node)
	case models.HistoryCondition:
		return r.visitHistory(node)
	}
	// Unreachable after load-time validation.
	r.record(models.LeafDetail{Kind: "unknown", Result: false, Reason: fmt.Sprintf("unhandled node %T", cond)})
	return false
}

// visitGroup applies AND/OR/NOT. An AND over zero children is
// vacuously true, an OR vacuously false.
func (r *evalRun) visitGroup(group models.GroupCondition) bool {
	switch group.Operator {
	case models.GroupAnd:
		for _, child := range group.Children {
			if !r.visit(child) {
				return false
			}
		}
		return true
	case models.GroupOr:
		for _, child := range group.Children {
			if r.visit(child) {
				return true
			}
		}
		return false
	case models.GroupNot:
		if len(group.Children) != 1 {
			return false
		}
		return !r.visit(group.Children[0])
	}
	return false
}

func (r *evalRun) visitSensor(leaf models.SensorCondition) bool {
	ref := leaf.SensorID + "." + leaf.Field
	detail := models.LeafDetail{Kind: "sensor", Ref: ref}

	lookup, ok := r.sensorMemo[ref]
	if !ok {
		lookup.reading, lookup.err = r.eval.sensors.LatestReading(r.ctx, leaf.SensorID, leaf.Field)
		r.sensorMemo[ref] = lookup
	}

	// Missing or unreadable state is a normal non-finding, not a fault.
	if lookup.err != nil {
		detail.Reason = reasonFor(lookup.err)
		r.record(detail)
		return false
	}

	maxAge := time.Duration(leaf.MaxDataAgeMinutes) * time.Minute
	if maxAge > 0 && lookup.reading.Age(r.now) > maxAge {
		detail.Reason = "stale"
		value := lookup.reading.Value
		detail.Value = &value
		r.record(detail)
		return false
	}

	value := lookup.reading.Value
	detail.Value = &value
	detail.Result = models.Compare(value, leaf.Op, leaf.Value)
	r.triggerData["sensor:"+ref] = value
	r.record(detail)
	return detail.Result
}

func (r *evalRun) visitDevice(leaf models.DeviceCondition) bool {
	detail := models.LeafDetail{Kind: "device", Ref: leaf.DeviceID}

	lookup, ok := r.deviceMemo[leaf.DeviceID]
	if !ok {
		lookup.status, lookup.err = r.eval.devices.Status(r.ctx, leaf.DeviceID)
		r.deviceMemo[leaf.DeviceID] = lookup
	}

	if lookup.err != nil {
		detail.Reason = reasonFor(lookup.err)
		r.record(detail)
		return false
	}

	detail.Result = lookup.status == leaf.ExpectedStatus
	if !detail.Result {
		detail.Reason = fmt.Sprintf("status %q", lookup.status)
	}
	r.triggerData["device:"+leaf.DeviceID] = lookup.status
	r.record(detail)
	return detail.Result
}

// visitTime matches wall-clock time against [start, end). When
// end <= start the window wraps midnight: match when now >= start OR
// now < end.
func (r *evalRun) visitTime(leaf models.TimeCondition) bool {
	detail := models.LeafDetail{Kind: "time", Ref: leaf.Start + "-" + leaf.End}

	start, err := models.ParseClock(leaf.Start)
	if err != nil {
		detail.Reason = reasonFor(err)
		r.record(detail)
		return false
	}
	end, err := models.ParseClock(leaf.End)
	if err != nil {
		detail.Reason = reasonFor(err)
		r.record(detail)
		return false
	}

	if len(leaf.DaysOfWeek) > 0 && !containsWeekday(leaf.DaysOfWeek, r.now.Weekday()) {
		detail.Reason = "weekday"
		r.record(detail)
		return false
	}

	nowMinutes := r.now.Hour()*60 + r.now.Minute()
	if end <= start {
		detail.Result = nowMinutes >= start || nowMinutes < end
	} else {
		detail.Result = nowMinutes >= start && nowMinutes < end
	}
	if !detail.Result {
		detail.Reason = "outside_window"
	}
	r.record(detail)
	return detail.Result
}

func (r *evalRun) visitHistory(leaf models.HistoryCondition) bool {
	ref := fmt.Sprintf("%s(%s.%s,%dm)", leaf.Aggregation, leaf.SensorID, leaf.Field, leaf.WindowMinutes)
	detail := models.LeafDetail{Kind: "history", Ref: ref}

	window := time.Duration(leaf.WindowMinutes) * time.Minute
	value, count, err := r.eval.sensors.Aggregate(r.ctx, leaf.SensorID, leaf.Field, window, leaf.Aggregation, r.now)
	if err != nil {
		detail.Reason = reasonFor(err)
		r.record(detail)
		return false
	}
	if count == 0 {
		detail.Reason = "empty_window"
		r.record(detail)
		return false
	}

	detail.Value = &value
	detail.Result = models.Compare(value, leaf.Op, leaf.Threshold)
	r.triggerData["history:"+ref] = value
	r.record(detail)
	return detail.Result
}

func (r *evalRun) record(detail models.LeafDetail) {
	r.leaves = append(r.leaves, detail)
}

func reasonFor(err error) string {
	switch {
	case err == models.ErrReadingNotFound, err == models.ErrDeviceNotFound:
		return "missing"
	default:
		return "error: " + err.Error()
	}
}

func containsWeekday(days []time.Weekday, day time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
