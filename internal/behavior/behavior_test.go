package behavior

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sentineld/sentineld/internal/model"
)

func TestScoreNotAnomalousBeforeMinSamples(t *testing.T) {
	e := New(Config{MinSamples: 5, ZThreshold: 2.0, EWMAAlpha: 0.1})
	for i := 0; i < 4; i++ {
		obs := e.Score(model.SubjectUser, "u1", "login_count", 1.0)
		assert.False(t, obs.Anomalous)
	}
}

func TestScoreDetectsOutlierAfterBaseline(t *testing.T) {
	e := New(Config{MinSamples: 5, ZThreshold: 2.0, EWMAAlpha: 0.1})
	for i := 0; i < 20; i++ {
		e.Score(model.SubjectUser, "u1", "login_count", 1.0)
	}
	obs := e.Score(model.SubjectUser, "u1", "login_count", 50.0)
	assert.True(t, obs.Anomalous)
	assert.Greater(t, obs.Confidence, 0.0)
}

func TestScoreDoesNotBiasOwnBaseline(t *testing.T) {
	e := New(Config{MinSamples: 3, ZThreshold: 2.0, EWMAAlpha: 0.1})
	for i := 0; i < 10; i++ {
		e.Score(model.SubjectUser, "u1", "f", 1.0)
	}
	s := e.statsFor(key{model.SubjectUser, "u1", "f"})
	s.mu.Lock()
	meanBefore := s.mean
	s.mu.Unlock()

	obs := e.Score(model.SubjectUser, "u1", "f", 1000.0)
	assert.Equal(t, 10, obs.SampleCount, "the observation is scored against the 10-sample baseline that excludes it")
	assert.InDelta(t, 99900.0, obs.Z, 0.001, "z uses the pre-update mean 1 and the 0.01 sigma floor")

	s.mu.Lock()
	meanAfterScoreOnly := s.mean // update() happens inside Score, so this reflects post-update
	s.mu.Unlock()

	assert.NotEqual(t, meanBefore, meanAfterScoreOnly, "the update should still occur after scoring")
}

func TestDifferentSubjectsAreIndependent(t *testing.T) {
	e := New(Config{MinSamples: 3, ZThreshold: 2.0, EWMAAlpha: 0.1})
	for i := 0; i < 10; i++ {
		e.Score(model.SubjectUser, "u1", "f", 1.0)
	}
	obs := e.Score(model.SubjectUser, "u2", "f", 1.0)
	assert.False(t, obs.Anomalous, "a fresh subject has no baseline yet")
}

func TestRiskTrackerComposesMeanOfThreeAxes(t *testing.T) {
	r := NewRiskTracker()
	r.Update("u1", 0, 0.9)
	r.Update("u1", 1, 0.3)
	r.Update("u1", 2, 0.3)
	assert.InDelta(t, 0.5, r.RiskScore("u1"), 0.001)
}

func TestSeverityFromRiskThresholds(t *testing.T) {
	assert.Equal(t, model.SeverityCritical, severityFromRisk(0.9))
	assert.Equal(t, model.SeverityHigh, severityFromRisk(0.7))
	assert.Equal(t, model.SeverityMedium, severityFromRisk(0.5))
	assert.Equal(t, model.SeverityLow, severityFromRisk(0.1))
}

func TestDecayShrinksStaleBaselineSampleCount(t *testing.T) {
	e := New(Config{MinSamples: 3, ZThreshold: 2.0, EWMAAlpha: 0.1})
	for i := 0; i < 10; i++ {
		e.Score(model.SubjectUser, "u1", "f", 1.0)
	}
	s := e.statsFor(key{model.SubjectUser, "u1", "f"})
	s.mu.Lock()
	nBefore := s.n
	s.mu.Unlock()

	e.Decay(time.Now().Add(2*time.Hour), time.Hour, 0.5)

	s.mu.Lock()
	nAfter := s.n
	s.mu.Unlock()
	assert.Less(t, nAfter, nBefore)
}

func TestDecayLeavesFreshBaselineUntouched(t *testing.T) {
	e := New(Config{MinSamples: 3, ZThreshold: 2.0, EWMAAlpha: 0.1})
	e.Score(model.SubjectUser, "u1", "f", 1.0)
	s := e.statsFor(key{model.SubjectUser, "u1", "f"})

	e.Decay(time.Now(), time.Hour, 0.5)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.n, "a baseline touched moments ago should not decay")
}
