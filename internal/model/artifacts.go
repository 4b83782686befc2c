package model

import "time"

// SignaturePattern is a compiled-once pattern matched against event messages
// and attributes (spec §4.2).
type SignaturePattern struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Matcher       string        `json:"matcher"` // literal, glob, or regex source depending on Kind
	Kind          MatcherKind   `json:"kind"`
	CaseSensitive bool          `json:"case_sensitive"`
	Category      Category      `json:"category"`
	Severity      Severity      `json:"severity"`
	Confidence    float64       `json:"confidence"`
	Enabled       bool          `json:"enabled"`
	Cooldown      time.Duration `json:"cooldown"`
}

// MatcherKind selects how SignaturePattern.Matcher is interpreted.
type MatcherKind string

const (
	MatcherLiteral MatcherKind = "literal"
	MatcherGlob    MatcherKind = "glob"
	MatcherRegex   MatcherKind = "regex"
)

// IOCKind enumerates the recognized indicator-of-compromise value types.
type IOCKind string

const (
	IOCHash   IOCKind = "hash"
	IOCIP     IOCKind = "ip"
	IOCDomain IOCKind = "domain"
	IOCURL    IOCKind = "url"
	IOCRegex  IOCKind = "regex"
)

// IOC is a known-bad value that warrants suspicion when present.
type IOC struct {
	ID         string    `json:"id"`
	Value      string    `json:"value"`
	Kind       IOCKind   `json:"kind"`
	Confidence float64   `json:"confidence"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Tags       []string  `json:"tags,omitempty"`
}

// SubjectKind enumerates the behavioral engine's tracked subject types.
type SubjectKind string

const (
	SubjectUser     SubjectKind = "user"
	SubjectSourceIP SubjectKind = "source_ip"
	SubjectSession  SubjectKind = "session"
)

// CorrelationCondition is one clause of a CorrelationRule.
type CorrelationCondition struct {
	EventType    string `json:"event_type"`
	SourcePattern string `json:"source_pattern,omitempty"`
	TargetPattern string `json:"target_pattern,omitempty"`
	MinCount     int    `json:"min_count"`
	MaxCount     int    `json:"max_count,omitempty"` // 0 = unbounded
}

// CorrelationRule describes a multi-event attack pattern (spec §4.4).
type CorrelationRule struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Conditions     []CorrelationCondition  `json:"conditions"`
	Ordered        bool                    `json:"ordered"`
	TimeWindow     time.Duration           `json:"time_window"`
	Severity       Severity                `json:"severity"`
	Category       Category                `json:"category"`
	Priority       int                     `json:"priority"`
	Enabled        bool                    `json:"enabled"`
	Cooldown       time.Duration           `json:"cooldown"`
}

// ActiveCorrelationStatus is the lifecycle of a candidate correlation window.
type ActiveCorrelationStatus string

const (
	CorrelationActive    ActiveCorrelationStatus = "Active"
	CorrelationTriggered ActiveCorrelationStatus = "Triggered"
	CorrelationExpired   ActiveCorrelationStatus = "Expired"
)

// ConditionOperator enumerates response-rule comparison operators (spec §4.5).
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpContains    ConditionOperator = "contains"
	OpStartsWith  ConditionOperator = "starts_with"
	OpEndsWith    ConditionOperator = "ends_with"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
)

// ResponseCondition is one boolean clause over incident fields.
type ResponseCondition struct {
	Field         string            `json:"field"` // severity, source_ip, user_id, category, confidence
	Operator      ConditionOperator `json:"operator"`
	Value         string            `json:"value"`
	CaseSensitive bool              `json:"case_sensitive"`
}

// ResponseRule maps matching incidents to an ordered set of actions.
type ResponseRule struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Conditions    []ResponseCondition `json:"conditions"`
	Actions       []ResponseAction  `json:"actions"`
	Priority      int               `json:"priority"`
	Cooldown      time.Duration     `json:"cooldown"`
	LastTriggered time.Time         `json:"last_triggered"`
	Enabled       bool              `json:"enabled"`
}
