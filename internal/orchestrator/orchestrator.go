// Package orchestrator implements the incident orchestrator from spec
// §4.5: merges findings into incidents within a merge window, evaluates
// response rules against incidents, and requests action execution.
// Grounded on the teacher's internal/alerts package (incident lifecycle,
// rule/cooldown bookkeeping) and internal/ai/remediation (the action
// taxonomy and per-action request/result shape), generalized onto the
// spec's ResponseRule/ResponseCondition model.
package orchestrator

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentineld/sentineld/internal/model"
)

// Clock abstracts time for deterministic merge-window/cooldown tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SLAConfig maps severities to SLA deadlines (spec §4.5; Emergency is a
// supplemental severity tier layered on top of the closed Severity enum,
// see DESIGN.md Open Questions).
type SLAConfig struct {
	Low, Medium, High, Critical, Emergency time.Duration
}

// Config tunes orchestrator behavior (spec §6).
type Config struct {
	MergeWindow              time.Duration
	SLA                       SLAConfig
	ResponseCooldownDefault   time.Duration
	EscalationInterval        time.Duration
	MaxEscalationLevel        int
	FalsePositiveQuarantine   time.Duration
	QuietHours                QuietHours
}

// QuietHours suppresses Notify and Webhook actions during a configured
// window of whole hours (SPEC_FULL.md §12). The window applies to incidents
// of every severity: SuppressSeverities is not consulted.
type QuietHours struct {
	Enabled            bool
	StartHour, EndHour int // 0-23, local to Location
	Location           *time.Location
	SuppressSeverities map[model.Severity]bool
}

func (q QuietHours) active(now time.Time) bool {
	if !q.Enabled {
		return false
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	h := now.In(loc).Hour()
	if q.StartHour <= q.EndHour {
		return h >= q.StartHour && h < q.EndHour
	}
	// wraps past midnight
	return h >= q.StartHour || h < q.EndHour
}

// Orchestrator owns the incident store and response rule set.
type Orchestrator struct {
	cfg   Config
	clock Clock

	mu        sync.Mutex
	incidents map[string]*model.Incident
	openByKey map[string]string // merge key -> incident id, only while mergeable

	rulesMu sync.RWMutex
	rules   []*model.ResponseRule

	fpMu          sync.Mutex
	falsePositive map[string]time.Time // fingerprint -> suppress-until
}

// New builds an Orchestrator.
func New(cfg Config, clock Clock) *Orchestrator {
	if cfg.MergeWindow <= 0 {
		cfg.MergeWindow = 30 * time.Second
	}
	if cfg.MaxEscalationLevel <= 0 {
		cfg.MaxEscalationLevel = 5
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Orchestrator{
		cfg:           cfg,
		clock:         clock,
		incidents:     make(map[string]*model.Incident),
		openByKey:     make(map[string]string),
		falsePositive: make(map[string]time.Time),
	}
}

// AddRule registers a response rule.
func (o *Orchestrator) AddRule(rule *model.ResponseRule) {
	o.rulesMu.Lock()
	defer o.rulesMu.Unlock()
	o.rules = append(o.rules, rule)
}

// mergeKey identifies incidents eligible to absorb a new finding: same
// source_ip, user_id, and top-level category, per spec §4.5.
func mergeKey(sourceIP, userID string, category model.Category) string {
	return sourceIP + "|" + userID + "|" + string(category)
}

// Fingerprint computes the false-positive-suppression fingerprint for a
// finding, reusing the merge key fields since that is the same notion of
// "the same underlying activity" the merge window already uses.
func Fingerprint(sourceIP, userID string, category model.Category) string {
	return mergeKey(sourceIP, userID, category)
}

// IsSuppressed reports whether fp is currently within its false-positive
// quarantine period.
func (o *Orchestrator) IsSuppressed(fp string, now time.Time) bool {
	o.fpMu.Lock()
	defer o.fpMu.Unlock()
	until, ok := o.falsePositive[fp]
	return ok && now.Before(until)
}

// MarkFalsePositive records fp as suppressed until the configured
// quarantine period elapses, per spec §4.5 / SPEC_FULL.md §12. Grounded
// on the teacher's internal/alerts/history.go suppression-window idiom.
func (o *Orchestrator) MarkFalsePositive(fp string, now time.Time) {
	o.fpMu.Lock()
	defer o.fpMu.Unlock()
	o.falsePositive[fp] = now.Add(o.cfg.FalsePositiveQuarantine)
}

// Ingest merges finding into an existing open incident within the merge
// window sharing (source_ip, user_id, category), or creates a new one.
// It returns the incident and whether a new incident was created.
func (o *Orchestrator) Ingest(finding model.ThreatFinding, sourceIP, userID string) (*model.Incident, bool) {
	now := o.clock.Now()
	fp := Fingerprint(sourceIP, userID, finding.Category)
	if o.IsSuppressed(fp, now) {
		return nil, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	key := mergeKey(sourceIP, userID, finding.Category)
	if id, ok := o.openByKey[key]; ok {
		inc := o.incidents[id]
		if inc != nil && !inc.Status.Terminal() && now.Sub(inc.UpdatedAt) <= o.cfg.MergeWindow {
			inc.AppendFinding(finding, now)
			return inc, false
		}
		delete(o.openByKey, key)
	}

	inc := &model.Incident{
		IncidentID:    uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        model.StatusOpen,
		Title:         "incident: " + string(finding.Category),
		SourceIP:      sourceIP,
		UserID:        userID,
		Category:      finding.Category,
		Findings:      []model.ThreatFinding{finding},
		Severity:      finding.Severity,
		SLADeadline:   now.Add(o.slaFor(finding.Severity)),
	}
	o.incidents[inc.IncidentID] = inc
	o.openByKey[key] = inc.IncidentID
	return inc, true
}

func (o *Orchestrator) slaFor(sev model.Severity) time.Duration {
	switch sev {
	case model.SeverityCritical:
		return o.cfg.SLA.Critical
	case model.SeverityHigh:
		return o.cfg.SLA.High
	case model.SeverityMedium:
		return o.cfg.SLA.Medium
	default:
		return o.cfg.SLA.Low
	}
}

// Get returns an incident by ID.
func (o *Orchestrator) Get(id string) (*model.Incident, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inc, ok := o.incidents[id]
	return inc, ok
}

// OpenIncidents returns every non-terminal incident, sorted by ID for
// deterministic iteration, for use by a periodic escalation sweep.
func (o *Orchestrator) OpenIncidents() []*model.Incident {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*model.Incident, 0, len(o.incidents))
	for _, inc := range o.incidents {
		if !inc.Status.Terminal() {
			out = append(out, inc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IncidentID < out[j].IncidentID })
	return out
}

// PendingAction is a response action awaiting delegation to an executor.
type PendingAction struct {
	ActionID   string
	IncidentID string
	Action     model.ResponseAction
}

// EvaluateRules runs every registered response rule against inc, firing
// (in priority desc, rule_id asc order) every rule whose conditions all
// match and which is not in cooldown. Quiet-hours suppress Notify and
// Webhook actions but never destructive ones, per SPEC_FULL.md §12.
func (o *Orchestrator) EvaluateRules(inc *model.Incident) []PendingAction {
	now := o.clock.Now()

	o.rulesMu.Lock()
	rules := make([]*model.ResponseRule, len(o.rules))
	copy(rules, o.rules)
	o.rulesMu.Unlock()

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	quiet := o.cfg.QuietHours.active(now)

	var pending []PendingAction
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		cooldown := rule.Cooldown
		if cooldown <= 0 {
			cooldown = o.cfg.ResponseCooldownDefault
		}
		if !rule.LastTriggered.IsZero() && now.Sub(rule.LastTriggered) < cooldown {
			continue
		}
		if !allConditionsMatch(rule.Conditions, inc) {
			continue
		}
		rule.LastTriggered = now

		for _, action := range rule.Actions {
			if quiet && (action.Kind == model.ActionNotify || action.Kind == model.ActionWebhook) {
				continue
			}
			pending = append(pending, PendingAction{
				ActionID:   uuid.NewString(),
				IncidentID: inc.IncidentID,
				Action:     action,
			})
		}
	}
	return pending
}

func allConditionsMatch(conds []model.ResponseCondition, inc *model.Incident) bool {
	for _, c := range conds {
		if !conditionMatches(c, inc) {
			return false
		}
	}
	return true
}

func conditionMatches(c model.ResponseCondition, inc *model.Incident) bool {
	var field string
	switch c.Field {
	case "severity":
		field = inc.Severity.String()
	case "source_ip":
		field = inc.SourceIP
	case "user_id":
		field = inc.UserID
	case "category":
		field = string(inc.Category)
	case "confidence":
		field = maxConfidence(inc)
	default:
		return false
	}

	value := c.Value
	compareField := field
	if !c.CaseSensitive {
		compareField = strings.ToLower(field)
		value = strings.ToLower(value)
	}

	switch c.Operator {
	case model.OpEquals:
		return compareField == value
	case model.OpContains:
		return strings.Contains(compareField, value)
	case model.OpStartsWith:
		return strings.HasPrefix(compareField, value)
	case model.OpEndsWith:
		return strings.HasSuffix(compareField, value)
	case model.OpGreaterThan:
		return numericCompare(field, c.Value) > 0
	case model.OpLessThan:
		return numericCompare(field, c.Value) < 0
	default:
		return false
	}
}

func maxConfidence(inc *model.Incident) string {
	var max float64
	for _, f := range inc.Findings {
		if f.Confidence > max {
			max = f.Confidence
		}
	}
	return strconv.FormatFloat(max, 'f', -1, 64)
}

func numericCompare(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}

// Escalate bumps an open incident's escalation level if it has been open
// longer than the configured escalation interval since its last bump,
// capped at MaxEscalationLevel, per SPEC_FULL.md §12. It returns true if
// the incident's escalation level changed (callers should re-fire Notify
// actions in that case).
func (o *Orchestrator) Escalate(inc *model.Incident) bool {
	if inc.Status.Terminal() || inc.EscalationLevel >= o.cfg.MaxEscalationLevel {
		return false
	}
	now := o.clock.Now()
	if now.Sub(inc.CreatedAt) < o.cfg.EscalationInterval*time.Duration(inc.EscalationLevel+1) {
		return false
	}
	inc.EscalationLevel++
	inc.UpdatedAt = now
	return true
}

// RecordResult appends an ActionResult to the incident it belongs to.
func (o *Orchestrator) RecordResult(incidentID string, result model.ActionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if inc, ok := o.incidents[incidentID]; ok {
		inc.ResponseActions = append(inc.ResponseActions, result)
		inc.UpdatedAt = o.clock.Now()
	}
}

// Transition applies an incident status change through the shared state
// machine, additionally marking the merge key closed so a future finding
// for the same key starts a fresh incident.
func (o *Orchestrator) Transition(incidentID string, to model.IncidentStatus) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	inc, ok := o.incidents[incidentID]
	if !ok {
		return nil
	}
	if err := inc.Transition(to, o.clock.Now()); err != nil {
		return err
	}
	if to == model.StatusFalsePositive {
		fp := Fingerprint(inc.SourceIP, inc.UserID, inc.Category)
		o.MarkFalsePositive(fp, o.clock.Now())
	}
	if inc.Status.Terminal() {
		key := mergeKey(inc.SourceIP, inc.UserID, inc.Category)
		if o.openByKey[key] == incidentID {
			delete(o.openByKey, key)
		}
	}
	return nil
}
