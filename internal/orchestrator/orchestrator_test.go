package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/sentineld/internal/model"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func testConfig() Config {
	return Config{
		MergeWindow: 30 * time.Second,
		SLA: SLAConfig{
			Low: 24 * time.Hour, Medium: 8 * time.Hour,
			High: 2 * time.Hour, Critical: 30 * time.Minute, Emergency: 15 * time.Minute,
		},
		ResponseCooldownDefault: 5 * time.Minute,
		EscalationInterval:      15 * time.Minute,
		MaxEscalationLevel:      5,
		FalsePositiveQuarantine: 24 * time.Hour,
	}
}

func sqliFinding() model.ThreatFinding {
	return model.ThreatFinding{
		FindingID:      "f1",
		DetectorKind:   model.DetectorSignature,
		Severity:       model.SeverityHigh,
		Category:       model.CategorySQLInjection,
		Confidence:     0.9,
		SourceEventIDs: []string{"e1"},
	}
}

func TestIngestCreatesNewIncident(t *testing.T) {
	o := New(testConfig(), &fakeClock{now: time.Now()})
	inc, created := o.Ingest(sqliFinding(), "10.0.0.1", "u1")
	require.True(t, created)
	assert.Equal(t, model.StatusOpen, inc.Status)
	assert.Equal(t, model.SeverityHigh, inc.Severity)
	assert.Equal(t, 2*time.Hour, inc.SLADeadline.Sub(inc.CreatedAt))
}

func TestIngestMergesWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	o := New(testConfig(), clock)
	inc1, _ := o.Ingest(sqliFinding(), "10.0.0.1", "u1")

	clock.now = clock.now.Add(10 * time.Second)
	inc2, created := o.Ingest(sqliFinding(), "10.0.0.1", "u1")

	assert.False(t, created)
	assert.Equal(t, inc1.IncidentID, inc2.IncidentID)
	assert.Len(t, inc2.Findings, 2)
}

func TestIngestStartsNewIncidentAfterMergeWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	o := New(testConfig(), clock)
	inc1, _ := o.Ingest(sqliFinding(), "10.0.0.1", "u1")

	clock.now = clock.now.Add(time.Minute)
	inc2, created := o.Ingest(sqliFinding(), "10.0.0.1", "u1")

	assert.True(t, created)
	assert.NotEqual(t, inc1.IncidentID, inc2.IncidentID)
}

func TestEvaluateRulesFiresOnMatchingConditions(t *testing.T) {
	o := New(testConfig(), &fakeClock{now: time.Now()})
	inc, _ := o.Ingest(sqliFinding(), "10.0.0.1", "u1")

	rule := &model.ResponseRule{
		ID:       "rule-high-sqli",
		Priority: 10,
		Enabled:  true,
		Conditions: []model.ResponseCondition{
			{Field: "severity", Operator: model.OpEquals, Value: "High"},
			{Field: "category", Operator: model.OpEquals, Value: "sql_injection"},
		},
		Actions: []model.ResponseAction{
			{Kind: model.ActionBlockIP, Parameters: map[string]string{"ip": "10.0.0.1", "duration_s": "3600"}},
		},
	}
	o.AddRule(rule)

	pending := o.EvaluateRules(inc)
	require.Len(t, pending, 1)
	assert.Equal(t, model.ActionBlockIP, pending[0].Action.Kind)
}

func TestEvaluateRulesRespectsCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	o := New(testConfig(), clock)
	inc, _ := o.Ingest(sqliFinding(), "10.0.0.1", "u1")

	rule := &model.ResponseRule{
		ID: "rule-1", Priority: 1, Enabled: true, Cooldown: time.Hour,
		Conditions: []model.ResponseCondition{{Field: "severity", Operator: model.OpEquals, Value: "High"}},
		Actions:    []model.ResponseAction{{Kind: model.ActionLogOnly}},
	}
	o.AddRule(rule)

	require.Len(t, o.EvaluateRules(inc), 1)
	assert.Empty(t, o.EvaluateRules(inc), "second evaluation should be suppressed by cooldown")
}

func TestQuietHoursSuppressesNotifyButNotBlockIP(t *testing.T) {
	cfg := testConfig()
	cfg.QuietHours = QuietHours{Enabled: true, StartHour: 0, EndHour: 23, Location: time.UTC}
	o := New(cfg, &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)})
	inc, _ := o.Ingest(sqliFinding(), "10.0.0.1", "u1")

	rule := &model.ResponseRule{
		ID: "rule-1", Priority: 1, Enabled: true,
		Conditions: []model.ResponseCondition{{Field: "severity", Operator: model.OpEquals, Value: "High"}},
		Actions: []model.ResponseAction{
			{Kind: model.ActionNotify},
			{Kind: model.ActionBlockIP},
		},
	}
	o.AddRule(rule)

	pending := o.EvaluateRules(inc)
	require.Len(t, pending, 1)
	assert.Equal(t, model.ActionBlockIP, pending[0].Action.Kind)
}

func TestMarkFalsePositiveSuppressesFutureFindings(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	o := New(testConfig(), clock)
	inc, _ := o.Ingest(sqliFinding(), "10.0.0.1", "u1")
	require.NoError(t, o.Transition(inc.IncidentID, model.StatusFalsePositive))

	clock.now = clock.now.Add(time.Hour)
	_, created := o.Ingest(sqliFinding(), "10.0.0.1", "u1")
	assert.False(t, created)
	_, ok := o.Get(inc.IncidentID)
	assert.True(t, ok)
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	o := New(testConfig(), &fakeClock{now: time.Now()})
	inc, _ := o.Ingest(sqliFinding(), "10.0.0.1", "u1")
	require.NoError(t, o.Transition(inc.IncidentID, model.StatusResolved))
	assert.Error(t, o.Transition(inc.IncidentID, model.StatusInvestigating))
}

func TestEscalateBumpsLevelAfterInterval(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	o := New(testConfig(), clock)
	inc, _ := o.Ingest(sqliFinding(), "10.0.0.1", "u1")

	assert.False(t, o.Escalate(inc))
	clock.now = clock.now.Add(16 * time.Minute)
	assert.True(t, o.Escalate(inc))
	assert.Equal(t, 1, inc.EscalationLevel)
}
