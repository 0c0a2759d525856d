package engine

import (
	"sync"
	"time"

	"greenhouse/internal/models"
)

// CooldownTracker gates how often a rule may fire. The in-memory map
// covers the write lag between a successful dispatch and the
// persisted last_triggered refresh on the next tick; the persisted
// value from the rule row is the fallback.
type CooldownTracker struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldownTracker creates an empty tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{last: make(map[string]time.Time)}
}

// Eligible reports whether the rule may fire at now. Rules that never
// triggered are always eligible.
func (t *CooldownTracker) Eligible(rule *models.Rule, now time.Time) bool {
	last := rule.LastTriggered

	t.mu.Lock()
	if mem, ok := t.last[rule.ID]; ok && (last == nil || mem.After(*last)) {
		last = &mem
	}
	t.mu.Unlock()

	if last == nil {
		return true
	}
	return now.Sub(*last) >= rule.Cooldown()
}

// MarkTriggered records a successful dispatch. Only called after all
// actions dispatched; suppressed and failed evaluations never touch
// the tracker.
func (t *CooldownTracker) MarkTriggered(ruleID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[ruleID]; !ok || at.After(prev) {
		t.last[ruleID] = at
	}
}

// Forget drops a rule's entry, e.g. after deletion.
func (t *CooldownTracker) Forget(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, ruleID)
}
