package model

import (
	"fmt"
	"time"
)

// IncidentStatus is the incident lifecycle state (spec §4.5).
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "Open"
	StatusInvestigating IncidentStatus = "Investigating"
	StatusContained     IncidentStatus = "Contained"
	StatusResolved      IncidentStatus = "Resolved"
	StatusClosed        IncidentStatus = "Closed"
	StatusFalsePositive IncidentStatus = "FalsePositive"
)

// terminal states admit only notes/tags updates.
func (s IncidentStatus) Terminal() bool {
	return s == StatusClosed || s == StatusFalsePositive
}

// allowedTransitions encodes the state machine in spec §4.5.
var allowedTransitions = map[IncidentStatus]map[IncidentStatus]bool{
	StatusOpen: {
		StatusInvestigating: true,
		StatusContained:      true,
		StatusResolved:       true,
		StatusFalsePositive:  true,
		StatusClosed:         true,
	},
	StatusInvestigating: {
		StatusContained:     true,
		StatusResolved:      true,
		StatusFalsePositive: true,
		StatusClosed:        true,
		StatusOpen:          true, // Open<->Investigating<->Contained is non-monotonic by design
	},
	StatusContained: {
		StatusResolved:      true,
		StatusClosed:        true,
		StatusFalsePositive: true,
		StatusOpen:          true,
		StatusInvestigating: true,
	},
	StatusResolved: {
		StatusClosed: true,
	},
	StatusClosed:        {},
	StatusFalsePositive: {},
}

// CanTransition reports whether from->to is an allowed incident transition.
func CanTransition(from, to IncidentStatus) bool {
	if from == to {
		return true
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ActionKind enumerates the response action taxonomy (spec §4.5).
type ActionKind string

const (
	ActionBlockIP            ActionKind = "BlockIP"
	ActionDisableAccount     ActionKind = "DisableAccount"
	ActionQuarantineFile     ActionKind = "QuarantineFile"
	ActionKillProcess        ActionKind = "KillProcess"
	ActionRestartService     ActionKind = "RestartService"
	ActionNotify             ActionKind = "Notify"
	ActionWebhook            ActionKind = "Webhook"
	ActionExternalPlaybook   ActionKind = "ExternalPlaybook"
	ActionRunScript          ActionKind = "RunScript"
	ActionLogOnly            ActionKind = "LogOnly"
)

// ResponseAction is one configured action within a ResponseRule, carrying
// the parameters needed to build an ActionRequest.
type ResponseAction struct {
	Kind       ActionKind        `json:"kind"`
	Parameters map[string]string `json:"parameters"`
	TimeoutMS  int               `json:"timeout_ms,omitempty"`
}

// ActionResult records the outcome of one executed ResponseAction.
type ActionResult struct {
	ActionID   string            `json:"action_id"`
	Kind       ActionKind        `json:"kind"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Duplicate  bool              `json:"duplicate,omitempty"`
}

// Note is a single append-only incident note.
type Note struct {
	At   time.Time `json:"at"`
	By   string    `json:"by,omitempty"`
	Text string    `json:"text"`
}

// Incident is the externally observable unit produced by the orchestrator.
type Incident struct {
	IncidentID      string           `json:"incident_id"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Severity        Severity         `json:"severity"`
	Status          IncidentStatus   `json:"status"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	SourceIP        string           `json:"source_ip,omitempty"`
	DestinationIP   string           `json:"destination_ip,omitempty"`
	UserID          string           `json:"user_id,omitempty"`
	Category        Category         `json:"category"`
	Findings        []ThreatFinding  `json:"findings"`
	ResponseActions []ActionResult   `json:"response_actions"`
	Notes           []Note           `json:"notes,omitempty"`
	Tags            map[string]bool  `json:"tags,omitempty"`
	EscalationLevel int              `json:"escalation_level"`
	SLADeadline     time.Time        `json:"sla_deadline"`
	FalsePositive   bool             `json:"false_positive"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
}

// MaxSeverity returns the maximum severity across findings, matching the
// invariant that Incident.severity = max(f.severity for f in findings).
func MaxSeverity(findings []ThreatFinding) Severity {
	max := SeverityLow
	for _, f := range findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}

// Transition applies a status change, enforcing the incident state machine
// and terminal-state note/tag-only restriction.
func (i *Incident) Transition(to IncidentStatus, now time.Time) error {
	if i.Status.Terminal() {
		return fmt.Errorf("model: incident %s is in terminal state %s, only notes/tags may change", i.IncidentID, i.Status)
	}
	if !CanTransition(i.Status, to) {
		return fmt.Errorf("model: illegal incident transition %s -> %s", i.Status, to)
	}
	i.Status = to
	i.UpdatedAt = now
	if (to == StatusResolved || to == StatusClosed) && i.ResolvedAt == nil {
		t := now
		i.ResolvedAt = &t
	}
	if to == StatusFalsePositive {
		i.FalsePositive = true
	}
	return nil
}

// AddNote appends a note; allowed regardless of incident state.
func (i *Incident) AddNote(text, by string, now time.Time) {
	i.Notes = append(i.Notes, Note{At: now, By: by, Text: text})
	i.UpdatedAt = now
}

// AddTag adds a tag; allowed regardless of incident state.
func (i *Incident) AddTag(tag string, now time.Time) {
	if i.Tags == nil {
		i.Tags = make(map[string]bool)
	}
	i.Tags[tag] = true
	i.UpdatedAt = now
}

// AppendFinding appends a finding in arrival order and recomputes severity.
func (i *Incident) AppendFinding(f ThreatFinding, now time.Time) {
	i.Findings = append(i.Findings, f)
	i.Severity = MaxSeverity(i.Findings)
	i.UpdatedAt = now
}
