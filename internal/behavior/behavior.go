// Package behavior implements the behavioral & anomaly engine from spec
// §4.3: per-subject online statistics (Welford mean/stddev plus an EWMA),
// z-score/EWMA-deviation scoring, and risk composition. Grounded on the
// teacher's internal/ai/patterns.Detector running-average bookkeeping,
// generalized from a single per-VM metric to the spec's
// (subject_kind, subject_id, feature_name) key space, and its
// per-resource sharded-lock idiom (internal/ai/circuit) for the "no
// global lock" requirement.
package behavior

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sentineld/sentineld/internal/model"
)

const epsilon = 0.01

// AnomalyScorer is the pluggable scoring interface named in SPEC_FULL.md
// §12 (Design Notes §9's Open Question resolved in favor of supporting
// alternate scoring strategies without changing the engine's call sites).
// The built-in Engine implements this interface via Score.
type AnomalyScorer interface {
	Score(subjectKind model.SubjectKind, subjectID, feature string, x float64) Observation
}

// Observation is the result of scoring a single data point against its
// subject/feature baseline, before that point is folded into the running
// statistics.
type Observation struct {
	Z             float64
	EWMADeviation float64
	Anomalous     bool
	Confidence    float64
	SampleCount   int
}

// key identifies one tracked (subject_kind, subject_id, feature_name)
// baseline.
type key struct {
	kind    model.SubjectKind
	id      string
	feature string
}

// stats holds the Welford running mean/variance plus an EWMA for one key.
type stats struct {
	mu         sync.Mutex
	n          int
	mean       float64
	m2         float64
	ewma       float64
	ewmaSet    bool
	lastTouch  time.Time
}

func (s *stats) stddev() float64 {
	if s.n < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.n-1))
}

// update folds x into the running statistics (Welford's online algorithm),
// and updates the EWMA with the configured smoothing factor.
func (s *stats) update(x, alpha float64, now time.Time) {
	s.n++
	delta := x - s.mean
	s.mean += delta / float64(s.n)
	delta2 := x - s.mean
	s.m2 += delta * delta2

	if !s.ewmaSet {
		s.ewma = x
		s.ewmaSet = true
	} else {
		s.ewma = alpha*x + (1-alpha)*s.ewma
	}
	s.lastTouch = now
}

// decay down-weights a baseline that hasn't observed a new sample in
// maxAge, by shrinking its effective sample count by factor (in (0,1)).
// This lets a profile "forget" stale behavior faster than new, frequent
// observations would on their own, per SPEC_FULL.md §11's profile-decay
// ticker.
func (s *stats) decay(now time.Time, maxAge time.Duration, factor float64) {
	if s.n == 0 || s.lastTouch.IsZero() || now.Sub(s.lastTouch) < maxAge {
		return
	}
	s.n = int(float64(s.n) * factor)
	s.m2 *= factor
}

// Config tunes the engine's scoring thresholds (spec §6).
type Config struct {
	MinSamples int
	ZThreshold float64
	EWMAAlpha  float64
}

// Engine tracks per-(subject, feature) baselines and scores observations
// against them. It shards its lock per key (via a per-key mutex embedded
// in stats) rather than holding one global lock, per spec §4.3.
type Engine struct {
	cfg Config

	mu   sync.RWMutex
	data map[key]*stats
}

// New builds an Engine with the given scoring configuration.
func New(cfg Config) *Engine {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = 2.0
	}
	if cfg.EWMAAlpha <= 0 || cfg.EWMAAlpha >= 1 {
		cfg.EWMAAlpha = 0.1
	}
	return &Engine{cfg: cfg, data: make(map[key]*stats)}
}

func (e *Engine) statsFor(k key) *stats {
	e.mu.RLock()
	s, ok := e.data[k]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.data[k]; ok {
		return s
	}
	s = &stats{}
	e.data[k] = s
	return s
}

// Score evaluates x against the (subjectKind, subjectID, feature)
// baseline, then updates that baseline. Scoring happens before the
// update so the observation does not bias its own baseline, per spec
// §4.3's required update order.
func (e *Engine) Score(subjectKind model.SubjectKind, subjectID, feature string, x float64) Observation {
	s := e.statsFor(key{subjectKind, subjectID, feature})

	s.mu.Lock()
	defer s.mu.Unlock()

	sigma := math.Max(s.stddev(), epsilon)
	var z, ewmaDev float64
	if s.n > 0 {
		z = (x - s.mean) / sigma
		if s.ewmaSet {
			ewmaDev = math.Abs(x - s.ewma)
		}
	}

	anomalous := s.n >= e.cfg.MinSamples &&
		(math.Abs(z) > e.cfg.ZThreshold || ewmaDev > e.cfg.ZThreshold*sigma)

	confidence := math.Min(1, math.Max(math.Abs(z), ewmaDev)/e.cfg.ZThreshold)

	obs := Observation{
		Z:             z,
		EWMADeviation: ewmaDev,
		Anomalous:     anomalous,
		Confidence:    confidence,
		SampleCount:   s.n,
	}

	s.update(x, e.cfg.EWMAAlpha, time.Now())
	return obs
}

// Decay sweeps every tracked baseline, shrinking the effective sample
// count of any key untouched for maxAge by factor. Intended to be called
// periodically (SPEC_FULL.md §11: a cron schedule, default hourly) so a
// subject's profile adapts to a genuinely changed baseline faster than
// waiting for enough fresh samples to dilute a long history.
func (e *Engine) Decay(now time.Time, maxAge time.Duration, factor float64) {
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	e.mu.RLock()
	snapshot := make([]*stats, 0, len(e.data))
	for _, s := range e.data {
		snapshot = append(snapshot, s)
	}
	e.mu.RUnlock()

	for _, s := range snapshot {
		s.mu.Lock()
		s.decay(now, maxAge, factor)
		s.mu.Unlock()
	}
}

// Finding builds a ThreatFinding from an anomalous Observation, with
// severity drawn from the subject's composed risk score per spec §4.3.
func Finding(obs Observation, riskScore float64, subjectKind model.SubjectKind, subjectID string, eventID, feature string) model.ThreatFinding {
	return model.ThreatFinding{
		DetectorKind:   model.DetectorAnomaly,
		Severity:       severityFromRisk(riskScore),
		Category:       model.CategoryOther,
		Confidence:     obs.Confidence,
		SourceEventIDs: []string{eventID},
		Description:    fmt.Sprintf("anomalous %s for %s %s (z=%.2f)", feature, subjectKind, subjectID, obs.Z),
	}
}

func severityFromRisk(risk float64) model.Severity {
	switch {
	case risk > 0.8:
		return model.SeverityCritical
	case risk > 0.6:
		return model.SeverityHigh
	case risk > 0.4:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// RiskTracker composes a per-subject risk_score from bounded sub-risks
// (user activity, source IP, session), per spec §4.3.
type RiskTracker struct {
	mu    sync.Mutex
	risks map[string][3]float64 // subjectID -> [user, sourceIP, session]
}

// NewRiskTracker builds an empty RiskTracker.
func NewRiskTracker() *RiskTracker {
	return &RiskTracker{risks: make(map[string][3]float64)}
}

// Update records the latest sub-risk for one of the three axes (index 0
// user, 1 source IP, 2 session), each clamped to [0,1].
func (r *RiskTracker) Update(subjectID string, axis int, value float64) {
	if axis < 0 || axis > 2 {
		return
	}
	value = math.Max(0, math.Min(1, value))

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.risks[subjectID]
	cur[axis] = value
	r.risks[subjectID] = cur
}

// RiskScore returns the mean of the three sub-risks tracked for subjectID.
func (r *RiskTracker) RiskScore(subjectID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.risks[subjectID]
	return (cur[0] + cur[1] + cur[2]) / 3
}
