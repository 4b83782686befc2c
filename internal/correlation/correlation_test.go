package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/sentineld/internal/model"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func bruteForceRule() model.CorrelationRule {
	return model.CorrelationRule{
		ID:   "corr-bruteforce",
		Name: "repeated failed logins",
		Conditions: []model.CorrelationCondition{
			{EventType: "login_failed", MinCount: 3},
		},
		TimeWindow: time.Minute,
		Severity:   model.SeverityHigh,
		Category:   model.CategoryBruteForce,
		Priority:   10,
		Enabled:    true,
	}
}

func failedLoginEvent(id string) model.RawEvent {
	return model.RawEvent{ID: id, Timestamp: time.Now(), SourceKind: model.SourceAuth, Action: "login_failed", SourceIP: "10.0.0.1"}
}

func TestRuleFiresOnceMinCountReached(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e := New(Config{BufferSize: 100}, clock)
	e.AddRule(bruteForceRule())

	assert.Empty(t, e.Observe(failedLoginEvent("e1")))
	assert.Empty(t, e.Observe(failedLoginEvent("e2")))
	findings := e.Observe(failedLoginEvent("e3"))

	require.Len(t, findings, 1)
	assert.Equal(t, model.DetectorCorrelation, findings[0].DetectorKind)
	assert.ElementsMatch(t, []string{"e1", "e2", "e3"}, findings[0].SourceEventIDs)
}

func TestRuleRespectsCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e := New(Config{BufferSize: 100}, clock)
	rule := bruteForceRule()
	rule.Cooldown = time.Hour
	e.AddRule(rule)

	e.Observe(failedLoginEvent("e1"))
	e.Observe(failedLoginEvent("e2"))
	findings := e.Observe(failedLoginEvent("e3"))
	require.Len(t, findings, 1)

	clock.now = clock.now.Add(time.Second)
	findings = e.Observe(failedLoginEvent("e4"))
	assert.Empty(t, findings, "should stay in cooldown")
}

func TestEventsOutsideWindowAreEvicted(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e := New(Config{BufferSize: 100}, clock)
	e.AddRule(bruteForceRule())

	e.Observe(failedLoginEvent("e1"))
	clock.now = clock.now.Add(2 * time.Minute) // past the 1-minute window
	e.Observe(failedLoginEvent("e2"))
	findings := e.Observe(failedLoginEvent("e3"))

	assert.Empty(t, findings, "e1 should have aged out of the window")
}

func TestOrderedRuleRequiresConditionOrder(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e := New(Config{BufferSize: 100}, clock)
	rule := model.CorrelationRule{
		ID:   "corr-ordered",
		Name: "recon then exploit",
		Conditions: []model.CorrelationCondition{
			{EventType: "scan", MinCount: 1},
			{EventType: "exploit_attempt", MinCount: 1},
		},
		Ordered:    true,
		TimeWindow: time.Minute,
		Severity:   model.SeverityCritical,
		Priority:   5,
		Enabled:    true,
	}
	e.AddRule(rule)

	// Wrong order: exploit before scan should not fire.
	e.Observe(model.RawEvent{ID: "e1", Action: "exploit_attempt", SourceIP: "10.0.0.1"})
	clock.now = clock.now.Add(time.Second)
	findings := e.Observe(model.RawEvent{ID: "e2", Action: "scan", SourceIP: "10.0.0.1"})
	assert.Empty(t, findings)
}

func TestMultiplePriorityOrderedRulesAllFire(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e := New(Config{BufferSize: 100}, clock)

	low := bruteForceRule()
	low.ID = "corr-low"
	low.Priority = 1
	low.Conditions[0].MinCount = 1

	high := bruteForceRule()
	high.ID = "corr-high"
	high.Priority = 100
	high.Conditions[0].MinCount = 1

	e.AddRule(low)
	e.AddRule(high)

	findings := e.Observe(failedLoginEvent("e1"))
	require.Len(t, findings, 2)
	assert.Equal(t, "corr-high", findings[0].MatchedRuleIDs[0], "higher priority rule should be evaluated (and appear) first")
}

func TestGlobalBufferBoundsCandidatesForAnOverlongTimeWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e := New(Config{BufferSize: 5}, clock)
	rule := bruteForceRule()
	rule.TimeWindow = 365 * 24 * time.Hour // effectively unbounded on its own
	rule.Conditions[0].MinCount = 1000     // never actually fires in this test
	e.AddRule(rule)

	for i := 0; i < 50; i++ {
		clock.now = clock.now.Add(time.Second)
		e.Observe(failedLoginEvent("e" + string(rune('a'+i))))
	}

	rs := e.rules["corr-bruteforce"]
	assert.LessOrEqual(t, len(rs.candidates), 5, "the shared rolling buffer must cap candidate growth even when the rule's own TimeWindow never ages anything out")
}

func TestCleanupEvictsStaleCandidatesWithoutNewEvents(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	e := New(Config{BufferSize: 100}, clock)
	e.AddRule(bruteForceRule())

	e.Observe(failedLoginEvent("e1"))
	e.Observe(failedLoginEvent("e2"))

	rs := e.rules["corr-bruteforce"]
	require.Len(t, rs.candidates, 2)

	e.Cleanup(clock.now.Add(2 * time.Minute))
	assert.Empty(t, rs.candidates, "a periodic cleanup sweep should evict candidates outside the window even with no new events")
}
