// Package supervisor implements spec §4.6: it owns long-running worker
// tasks, starts them in dependency-topological order, restarts failed
// workers with exponential backoff, and tracks health via periodic
// probes. Grounded directly on the teacher's internal/ai/circuit breaker
// (state machine, exponential backoff with cap, State/Config shape)
// generalized from "trip on request failure" to "restart on worker
// failure or sustained unhealthy probes".
package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	siemerrors "github.com/sentineld/sentineld/internal/errors"
)

// Health is a supervised service's lifecycle state (spec §4.6).
type Health string

const (
	HealthStarting   Health = "Starting"
	HealthRunning    Health = "Running"
	HealthStopping   Health = "Stopping"
	HealthStopped    Health = "Stopped"
	HealthFailed     Health = "Failed"
	HealthRestarting Health = "Restarting"
	HealthUnrecoverable Health = "Unrecoverable"
)

// Probe is the result of a single health check (spec §4.6).
type Probe string

const (
	ProbeHealthy   Probe = "Healthy"
	ProbeDegraded  Probe = "Degraded"
	ProbeUnhealthy Probe = "Unhealthy"
	ProbeUnknown   Probe = "Unknown"
)

// RestartPolicy configures a service's restart backoff schedule,
// directly mirroring the teacher's circuit.Config fields.
type RestartPolicy struct {
	MaxRestarts       int
	RestartWindow     time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func (p *RestartPolicy) applyDefaults() {
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = 10
	}
	if p.RestartWindow <= 0 {
		p.RestartWindow = 10 * time.Minute
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Minute
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 2.0
	}
}

// HealthProbe is the callback a service supplies to report its current
// condition. Workers with no meaningful probe of their own can return
// ProbeHealthy unconditionally.
type HealthProbe func(ctx context.Context) Probe

// Run is the body of a supervised service: it should block until ctx is
// cancelled or an unrecoverable error occurs, and must honor ctx's
// deadline on shutdown (spec §5: complete the current bounded operation,
// default 250ms, before exiting).
type Run func(ctx context.Context) error

// Service describes one supervised long-running task: its entrypoint
// (Run), dependencies, health probe, restart policy, and priority. It has
// no environment or resource-limit fields, so this in-process supervisor
// neither sets an environment nor enforces resource limits.
type Service struct {
	Name         string
	Dependencies []string
	Run          Run
	Probe        HealthProbe
	ProbeInterval time.Duration
	UnhealthyThreshold int // consecutive Unhealthy probes before restart, default 3
	RestartPolicy RestartPolicy
	Priority     int
}

// state tracks one service's live supervision bookkeeping.
type state struct {
	svc Service

	mu                sync.Mutex
	health            Health
	restarts          []time.Time
	currentBackoff    time.Duration
	consecutiveUnhealthy int
	lastError         error
	startedAt         time.Time
	cancel            context.CancelFunc
}

// Status is one service's externally observable health snapshot.
type Status struct {
	Name      string
	Health    Health
	Restarts  int
	Uptime    time.Duration
	LastError string
}

// SupervisorStatus is the aggregate record periodically published on the
// bus (spec §4.6).
type SupervisorStatus struct {
	Totals   int
	Running  int
	Failed   int
	Restarts int
	Services []Status
}

// Clock abstracts time for deterministic backoff/uptime tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time     { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Supervisor owns a set of Services and manages their lifecycle.
type Supervisor struct {
	clock Clock

	mu       sync.Mutex
	services map[string]*state
	order    []string // registration order, for deterministic iteration
}

// New builds an empty Supervisor.
func New(clock Clock) *Supervisor {
	if clock == nil {
		clock = realClock{}
	}
	return &Supervisor{clock: clock, services: make(map[string]*state)}
}

// Register adds a service. It must be called before Run.
func (s *Supervisor) Register(svc Service) error {
	svc.RestartPolicy.applyDefaults()
	if svc.ProbeInterval <= 0 {
		svc.ProbeInterval = 5 * time.Second
	}
	if svc.UnhealthyThreshold <= 0 {
		svc.UnhealthyThreshold = 3
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.services[svc.Name]; exists {
		return siemerrors.Newf(siemerrors.KindConfiguration, "supervisor.register", "service %q already registered", svc.Name)
	}
	s.services[svc.Name] = &state{svc: svc, health: HealthStopped, currentBackoff: svc.RestartPolicy.InitialBackoff}
	s.order = append(s.order, svc.Name)
	return nil
}

// startOrder topologically sorts registered services so dependencies
// start before dependents, per spec §4.6. It errors on an unknown
// dependency or a cycle.
func (s *Supervisor) startOrder() ([]string, error) {
	visited := map[string]int{} // 0=unvisited, 1=visiting, 2=done
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return siemerrors.Newf(siemerrors.KindConfiguration, "supervisor.start_order", "dependency cycle detected at %q", name)
		}
		visited[name] = 1
		st, ok := s.services[name]
		if !ok {
			return siemerrors.Newf(siemerrors.KindConfiguration, "supervisor.start_order", "unknown service %q", name)
		}
		deps := append([]string(nil), st.svc.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, name)
		return nil
	}

	names := append([]string(nil), s.order...)
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Run starts every registered service in dependency order and blocks
// until ctx is cancelled, supervising restarts for the lifetime of the
// call.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	order, err := s.startOrder()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, name := range order {
		s.mu.Lock()
		st := s.services[name]
		s.mu.Unlock()

		wg.Add(1)
		go func(st *state) {
			defer wg.Done()
			s.superviseOne(ctx, st)
		}(st)

		// Start is sequenced (not pipelined) so a dependency reaches
		// Running before its dependents' goroutines begin their first
		// attempt; a 5ms poll loop below waits for that.
		s.waitUntilRunningOrGone(ctx, st)
	}

	wg.Wait()
	return nil
}

func (s *Supervisor) waitUntilRunningOrGone(ctx context.Context, st *state) {
	for {
		st.mu.Lock()
		h := st.health
		st.mu.Unlock()
		if h == HealthRunning || h == HealthUnrecoverable {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *Supervisor) superviseOne(ctx context.Context, st *state) {
	for {
		select {
		case <-ctx.Done():
			st.mu.Lock()
			st.health = HealthStopping
			st.mu.Unlock()
			return
		default:
		}

		st.mu.Lock()
		st.health = HealthStarting
		st.startedAt = s.clock.Now()
		runCtx, cancel := context.WithCancel(ctx)
		st.cancel = cancel
		st.mu.Unlock()

		go s.probeLoop(runCtx, st)

		st.mu.Lock()
		st.health = HealthRunning
		st.mu.Unlock()

		err := st.svc.Run(runCtx)
		cancel()

		if ctx.Err() != nil {
			st.mu.Lock()
			st.health = HealthStopped
			st.mu.Unlock()
			return
		}

		st.mu.Lock()
		st.lastError = err
		st.health = HealthFailed
		st.restarts = append(st.restarts, s.clock.Now())
		st.pruneRestarts(s.clock.Now())
		if len(st.restarts) > st.svc.RestartPolicy.MaxRestarts {
			st.health = HealthUnrecoverable
			st.mu.Unlock()
			return
		}
		backoff := st.currentBackoff
		st.currentBackoff = time.Duration(float64(st.currentBackoff) * st.svc.RestartPolicy.BackoffMultiplier)
		if st.currentBackoff > st.svc.RestartPolicy.MaxBackoff {
			st.currentBackoff = st.svc.RestartPolicy.MaxBackoff
		}
		st.health = HealthRestarting
		st.mu.Unlock()

		s.clock.Sleep(backoff)
	}
}

func (st *state) pruneRestarts(now time.Time) {
	cutoff := now.Add(-st.svc.RestartPolicy.RestartWindow)
	idx := 0
	for idx < len(st.restarts) && st.restarts[idx].Before(cutoff) {
		idx++
	}
	st.restarts = st.restarts[idx:]
}

// probeLoop periodically calls the service's HealthProbe and triggers a
// restart (by cancelling runCtx) after UnhealthyThreshold consecutive
// Unhealthy results, per spec §4.6.
func (s *Supervisor) probeLoop(ctx context.Context, st *state) {
	if st.svc.Probe == nil {
		return
	}
	ticker := time.NewTicker(st.svc.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := st.svc.Probe(ctx)
			st.mu.Lock()
			if result == ProbeUnhealthy {
				st.consecutiveUnhealthy++
			} else {
				st.consecutiveUnhealthy = 0
			}
			shouldRestart := st.consecutiveUnhealthy >= st.svc.UnhealthyThreshold
			cancel := st.cancel
			st.mu.Unlock()

			if shouldRestart && cancel != nil {
				cancel()
				return
			}
		}
	}
}

// Status returns a snapshot of every service's health, for periodic
// SupervisorStatus publication.
func (s *Supervisor) Status() SupervisorStatus {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	agg := SupervisorStatus{}
	now := s.clock.Now()
	for _, name := range names {
		s.mu.Lock()
		st := s.services[name]
		s.mu.Unlock()

		st.mu.Lock()
		uptime := time.Duration(0)
		if st.health == HealthRunning {
			uptime = now.Sub(st.startedAt)
		}
		lastErr := ""
		if st.lastError != nil {
			lastErr = st.lastError.Error()
		}
		status := Status{
			Name:      name,
			Health:    st.health,
			Restarts:  len(st.restarts),
			Uptime:    uptime,
			LastError: lastErr,
		}
		if st.health == HealthRunning {
			agg.Running++
		}
		if st.health == HealthFailed || st.health == HealthUnrecoverable {
			agg.Failed++
		}
		agg.Restarts += status.Restarts
		st.mu.Unlock()

		agg.Services = append(agg.Services, status)
		agg.Totals++
	}
	return agg
}
