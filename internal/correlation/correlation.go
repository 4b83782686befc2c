// Package correlation implements the correlation engine from spec §4.4:
// sliding-window, multi-condition rules evaluated over a bounded rolling
// buffer of recent events, each rule tracked as its own active candidate
// state machine. Grounded on the teacher's internal/ai/correlation package
// (candidate-window bookkeeping and rule tie-break ordering) generalized
// from its fixed alert-correlation rule set to the spec's
// CorrelationRule/CorrelationCondition shape.
package correlation

import (
	"sort"
	"sync"
	"time"

	"github.com/sentineld/sentineld/internal/model"
)

// taggedEvent is a RawEvent annotated with the fields a CorrelationRule
// matches on: its category/event-type, source, and target.
type taggedEvent struct {
	ev         model.RawEvent
	eventType  string
	source     string
	target     string
	receivedAt time.Time
}

// Clock abstracts time for deterministic window-eviction tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ruleState tracks one rule's candidate window and cooldown.
type ruleState struct {
	rule       model.CorrelationRule
	candidates []taggedEvent
	status     model.ActiveCorrelationStatus
	lastFired  time.Time
}

// Engine evaluates registered CorrelationRules against a bounded rolling
// buffer of recent events.
type Engine struct {
	clock Clock

	mu      sync.Mutex
	rules   map[string]*ruleState
	buffer  []taggedEvent
	bufCap  int
}

// Config tunes the engine's global event buffer size (spec §6
// correlation.buffer_size, default K=10,000).
type Config struct {
	BufferSize int
}

// New builds an empty Engine.
func New(cfg Config, clock Clock) *Engine {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10_000
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Engine{
		clock:  clock,
		rules:  make(map[string]*ruleState),
		bufCap: cfg.BufferSize,
	}
}

// AddRule registers rule for evaluation.
func (e *Engine) AddRule(rule model.CorrelationRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = &ruleState{rule: rule, status: model.CorrelationActive}
}

// RemoveRule unregisters a rule.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
}

// Cleanup evicts stale candidates from every rule's window even for rules
// that haven't observed a new event recently. Observe already evicts
// lazily on the hot path (spec §4.4); this is the periodic sweep
// (correlation.cleanup_interval_ms, driven by a cron schedule at the call
// site) that bounds memory for rules whose traffic has gone quiet
// mid-window.
func (e *Engine) Cleanup(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	gc := e.globalCutoff()
	for _, rs := range e.rules {
		rs.evict(now, gc)
	}
}

// globalCutoff returns the receivedAt of the oldest event still held in the
// shared rolling buffer, or the zero time while the buffer hasn't filled to
// bufCap yet. A rule's own TimeWindow can be configured arbitrarily long (or
// simply misconfigured), which would otherwise let its candidate slice grow
// without bound; the buffer's fixed capacity gives every rule a second,
// rule-independent cutoff, so total correlation memory stays bounded by
// bufCap regardless of how rules are configured or how many are registered.
func (e *Engine) globalCutoff() time.Time {
	if len(e.buffer) < e.bufCap {
		return time.Time{}
	}
	return e.buffer[0].receivedAt
}

// classify maps a RawEvent onto the (event_type, source, target) fields a
// CorrelationCondition matches against. event_type defaults to the
// event's Action (the closest analogue to spec §4.4's "event_type or
// category" when no detector-assigned category exists yet at ingestion
// time); source/target default to source_ip/destination_ip.
func classify(ev model.RawEvent) taggedEvent {
	return taggedEvent{
		ev:        ev,
		eventType: ev.Action,
		source:    ev.SourceIP,
		target:    ev.DestinationIP,
	}
}

// Observe feeds ev into the global rolling buffer and evaluates every
// registered rule against it, returning findings for rules that fire.
// Rules are evaluated in (priority desc, rule_id asc) order; all eligible
// rules fire independently, per spec §4.4.
func (e *Engine) Observe(ev model.RawEvent) []model.ThreatFinding {
	te := classify(ev)
	te.receivedAt = e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.buffer = append(e.buffer, te)
	if len(e.buffer) > e.bufCap {
		e.buffer = e.buffer[len(e.buffer)-e.bufCap:]
	}

	states := make([]*ruleState, 0, len(e.rules))
	for _, rs := range e.rules {
		if rs.rule.Enabled {
			states = append(states, rs)
		}
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].rule.Priority != states[j].rule.Priority {
			return states[i].rule.Priority > states[j].rule.Priority
		}
		return states[i].rule.ID < states[j].rule.ID
	})

	gc := e.globalCutoff()

	var findings []model.ThreatFinding
	for _, rs := range states {
		if rs.appliesTo(te) {
			rs.candidates = append(rs.candidates, te)
		}
		rs.evict(te.receivedAt, gc)

		if e.inCooldown(rs, te.receivedAt) {
			continue
		}
		if finding, ok := rs.tryFire(te.receivedAt); ok {
			rs.lastFired = te.receivedAt
			rs.status = model.CorrelationTriggered
			findings = append(findings, finding)
		}
	}
	return findings
}

func (e *Engine) inCooldown(rs *ruleState, now time.Time) bool {
	if rs.rule.Cooldown <= 0 || rs.lastFired.IsZero() {
		return false
	}
	return now.Sub(rs.lastFired) < rs.rule.Cooldown
}

// appliesTo reports whether te could satisfy any condition of the rule;
// a coarse prefilter so unrelated event types are never buffered as
// candidates for rules they can't contribute to.
func (rs *ruleState) appliesTo(te taggedEvent) bool {
	for _, c := range rs.rule.Conditions {
		if conditionMatches(c, te) {
			return true
		}
	}
	return false
}

func conditionMatches(c model.CorrelationCondition, te taggedEvent) bool {
	if c.EventType != "" && c.EventType != te.eventType {
		return false
	}
	if c.SourcePattern != "" && c.SourcePattern != te.source {
		return false
	}
	if c.TargetPattern != "" && c.TargetPattern != te.target {
		return false
	}
	return true
}

// evict drops candidates older than the rule's time window, measured from
// the latest event's timestamp (lazy eviction per spec §4.4), and also
// drops any candidate older than globalCutoff: the shared rolling buffer's
// retention floor, whichever cutoff is more recent wins. This is what keeps
// a rule with an overlong TimeWindow from growing its candidate slice past
// what the fixed-size buffer remembers.
func (rs *ruleState) evict(now, globalCutoff time.Time) {
	cutoff := now.Add(-rs.rule.TimeWindow)
	if globalCutoff.After(cutoff) {
		cutoff = globalCutoff
	}
	idx := 0
	for idx < len(rs.candidates) && rs.candidates[idx].receivedAt.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		rs.candidates = rs.candidates[idx:]
	}
}

// tryFire checks whether every condition's min/max count is satisfied
// within the current candidate window, and (if Ordered) that each
// condition's first match occurs no earlier than the previous
// condition's first match. On success it returns a finding whose
// source_event_ids is the union of matching events.
func (rs *ruleState) tryFire(now time.Time) (model.ThreatFinding, bool) {
	matchesPerCondition := make([][]taggedEvent, len(rs.rule.Conditions))
	for i, c := range rs.rule.Conditions {
		for _, te := range rs.candidates {
			if conditionMatches(c, te) {
				matchesPerCondition[i] = append(matchesPerCondition[i], te)
			}
		}
		if len(matchesPerCondition[i]) < c.MinCount {
			return model.ThreatFinding{}, false
		}
		if c.MaxCount > 0 && len(matchesPerCondition[i]) > c.MaxCount {
			return model.ThreatFinding{}, false
		}
	}

	if rs.rule.Ordered {
		var prevFirst time.Time
		for i, matches := range matchesPerCondition {
			first := earliest(matches)
			if i > 0 && first.Before(prevFirst) {
				return model.ThreatFinding{}, false
			}
			prevFirst = first
		}
	}

	ids := map[string]struct{}{}
	var ordered []string
	for _, matches := range matchesPerCondition {
		for _, te := range matches {
			if _, ok := ids[te.ev.ID]; !ok {
				ids[te.ev.ID] = struct{}{}
				ordered = append(ordered, te.ev.ID)
			}
		}
	}

	category := rs.rule.Category
	if category == "" {
		category = model.CategoryAPT
	}

	return model.ThreatFinding{
		DetectorKind:   model.DetectorCorrelation,
		Severity:       rs.rule.Severity,
		Category:       category,
		Confidence:     1.0,
		SourceEventIDs: ordered,
		MatchedRuleIDs: []string{rs.rule.ID},
		Description:    "correlation rule " + rs.rule.Name + " fired",
	}, true
}

func earliest(events []taggedEvent) time.Time {
	var t time.Time
	for i, te := range events {
		if i == 0 || te.receivedAt.Before(t) {
			t = te.receivedAt
		}
	}
	return t
}
