// Package signature implements the signature & IOC engine from spec §4.2:
// a registry of textual/structural patterns and indicators of compromise,
// matched against each event's message and selected attributes. Grounded
// on the teacher's internal/ai/patterns.Detector (compiled-once pattern
// state, registration-order evaluation) and internal/alerts rule registry
// for the cooldown idiom.
package signature

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"golang.org/x/time/rate"

	siemerrors "github.com/sentineld/sentineld/internal/errors"
	"github.com/sentineld/sentineld/internal/model"
)

// Clock abstracts time for deterministic cooldown tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// compiledPattern holds a SignaturePattern plus whatever compiled matcher
// state it needs, built once at registration time per spec §4.2.
type compiledPattern struct {
	model.SignaturePattern
	re      *regexp.Regexp // set only for MatcherRegex; nil for literal and glob
	limiter map[string]*rate.Limiter
	limMu   sync.Mutex
}

// Engine matches events against registered signature patterns and IOCs.
type Engine struct {
	clock Clock

	mu       sync.RWMutex
	patterns []*compiledPattern // kept in registration order
	order    map[string]int     // pattern id -> registration index, for tie-break

	iocMu sync.RWMutex
	iocs  map[string][]model.IOC // keyed by IOCKind
}

// New builds an empty Engine.
func New(clock Clock) *Engine {
	if clock == nil {
		clock = realClock{}
	}
	return &Engine{
		clock: clock,
		order: make(map[string]int),
		iocs:  make(map[string][]model.IOC),
	}
}

// AddPattern registers p, compiling its matcher immediately. Compilation
// failures are returned here and never surface mid-scan, per spec §4.2.
func (e *Engine) AddPattern(p model.SignaturePattern) error {
	cp := &compiledPattern{SignaturePattern: p, limiter: make(map[string]*rate.Limiter)}

	if p.Kind == model.MatcherRegex {
		flags := ""
		if !p.CaseSensitive {
			flags = "(?i)"
		}
		re, err := regexp.Compile(flags + p.Matcher)
		if err != nil {
			return siemerrors.New(siemerrors.KindInput, "signature.add_pattern", fmt.Errorf("compiling pattern %q: %w", p.ID, err))
		}
		cp.re = re
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.order[p.ID]; exists {
		return siemerrors.Newf(siemerrors.KindInput, "signature.add_pattern", "pattern id %q already registered", p.ID)
	}
	e.order[p.ID] = len(e.patterns)
	e.patterns = append(e.patterns, cp)
	return nil
}

// RemovePattern removes a previously registered pattern. In-flight scans
// that already captured a snapshot are unaffected, per spec §4.2's edge
// case about disabling mid-scan.
func (e *Engine) RemovePattern(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.order[id]
	if !ok {
		return
	}
	e.patterns = append(e.patterns[:idx], e.patterns[idx+1:]...)
	delete(e.order, id)
	for i, p := range e.patterns {
		e.order[p.ID] = i
	}
}

// AddIOC registers an indicator of compromise.
func (e *Engine) AddIOC(ioc model.IOC) {
	e.iocMu.Lock()
	defer e.iocMu.Unlock()
	e.iocs[string(ioc.Kind)] = append(e.iocs[string(ioc.Kind)], ioc)
}

// snapshot returns the current pattern list without holding the lock for
// the duration of a scan, matching spec §4.2's "pure function of the
// current pattern set and the event" contract.
func (e *Engine) snapshot() []*compiledPattern {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*compiledPattern, len(e.patterns))
	copy(out, e.patterns)
	return out
}

// Scan evaluates event against every enabled pattern and IOC, returning
// findings in pattern-registration order (ties broken by id, though
// registration order already yields unique indices so the tie-break only
// matters if callers merge multiple scans).
func (e *Engine) Scan(ev model.RawEvent) []model.ThreatFinding {
	var findings []model.ThreatFinding

	for _, cp := range e.snapshot() {
		if !cp.Enabled {
			continue
		}
		if !cp.matches(ev) {
			continue
		}
		if cp.inCooldown(ev, e.clock.Now()) {
			continue
		}
		findings = append(findings, cp.finding(ev))
	}

	findings = append(findings, e.scanIOCs(ev)...)
	return findings
}

func (cp *compiledPattern) matches(ev model.RawEvent) bool {
	haystacks := []string{ev.Message}
	for _, k := range ev.Attributes.Keys() {
		if v, ok := ev.Attributes.Get(k); ok {
			haystacks = append(haystacks, v)
		}
	}

	for _, h := range haystacks {
		if h == "" {
			continue
		}
		switch cp.Kind {
		case model.MatcherLiteral:
			if cp.CaseSensitive {
				if strings.Contains(h, cp.Matcher) {
					return true
				}
			} else if strings.Contains(strings.ToLower(h), strings.ToLower(cp.Matcher)) {
				return true
			}
		case model.MatcherGlob:
			subject, pattern := h, cp.Matcher
			if !cp.CaseSensitive {
				subject, pattern = strings.ToLower(h), strings.ToLower(cp.Matcher)
			}
			if wildcard.Match(pattern, subject) {
				return true
			}
		case model.MatcherRegex:
			if cp.re != nil && cp.re.MatchString(h) {
				return true
			}
		}
	}
	return false
}

// inCooldown reports whether this pattern fired for the same
// (source_ip, user_id) within its cooldown window, using a token-bucket
// limiter per subject key as a cheap cooldown gate.
func (cp *compiledPattern) inCooldown(ev model.RawEvent, now time.Time) bool {
	if cp.Cooldown <= 0 {
		return false
	}
	key := ev.SourceIP + "|" + ev.UserID

	cp.limMu.Lock()
	defer cp.limMu.Unlock()
	lim, ok := cp.limiter[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(cp.Cooldown), 1)
		cp.limiter[key] = lim
	}
	return !lim.AllowN(now, 1)
}

func (cp *compiledPattern) finding(ev model.RawEvent) model.ThreatFinding {
	return model.ThreatFinding{
		DetectorKind:   model.DetectorSignature,
		Severity:       cp.Severity,
		Category:       cp.Category,
		Confidence:     cp.Confidence,
		SourceEventIDs: []string{ev.ID},
		MatchedRuleIDs: []string{cp.ID},
		Description:    fmt.Sprintf("signature %q (%s) matched", cp.Name, cp.ID),
	}
}

// scanIOCs matches registered IOCs against the event's relevant fields per
// spec §4.2: IP IOCs against source_ip/destination_ip, hash IOCs against
// the hash/sha256/md5 attributes, domain/url/regex IOCs against message.
func (e *Engine) scanIOCs(ev model.RawEvent) []model.ThreatFinding {
	var findings []model.ThreatFinding

	e.iocMu.RLock()
	defer e.iocMu.RUnlock()

	for _, ioc := range e.iocs[string(model.IOCHash)] {
		for _, attr := range []string{"hash", "sha256", "md5"} {
			if v, ok := ev.Attributes.Get(attr); ok && v == ioc.Value {
				findings = append(findings, iocFinding(ev, ioc))
			}
		}
	}
	for _, ioc := range e.iocs[string(model.IOCIP)] {
		if ev.SourceIP == ioc.Value || ev.DestinationIP == ioc.Value {
			findings = append(findings, iocFinding(ev, ioc))
		}
	}
	for _, ioc := range e.iocs[string(model.IOCDomain)] {
		if ev.Message != "" && strings.Contains(ev.Message, ioc.Value) {
			findings = append(findings, iocFinding(ev, ioc))
		}
	}
	for _, ioc := range e.iocs[string(model.IOCURL)] {
		if ev.Message != "" && strings.Contains(ev.Message, ioc.Value) {
			findings = append(findings, iocFinding(ev, ioc))
		}
	}
	for _, ioc := range e.iocs[string(model.IOCRegex)] {
		re, err := regexp.Compile(ioc.Value)
		if err != nil {
			continue
		}
		if ev.Message != "" && re.MatchString(ev.Message) {
			findings = append(findings, iocFinding(ev, ioc))
		}
	}
	return findings
}

func iocFinding(ev model.RawEvent, ioc model.IOC) model.ThreatFinding {
	return model.ThreatFinding{
		DetectorKind:   model.DetectorIOC,
		Severity:       model.SeverityHigh,
		Category:       model.CategoryOther,
		Confidence:     ioc.Confidence,
		SourceEventIDs: []string{ev.ID},
		MatchedRuleIDs: []string{ioc.ID},
		Description:    fmt.Sprintf("IOC %q (%s) matched", ioc.Value, ioc.Kind),
	}
}
