// Package monitor runs the polling loop: on every tick it fetches the
// critical source and then the optional sources through their breakers,
// builds the sites and graph views and broadcasts the views whose content
// changed since the last broadcast.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/fleetwatch/internal/breaker"
	"github.com/loykin/fleetwatch/internal/fingerprint"
	"github.com/loykin/fleetwatch/internal/history"
	"github.com/loykin/fleetwatch/internal/message"
	"github.com/loykin/fleetwatch/internal/metrics"
	"github.com/loykin/fleetwatch/internal/source"
	"github.com/loykin/fleetwatch/internal/view"
)

var (
	// ErrNotRunning is returned once the monitor has been stopped.
	ErrNotRunning = errors.New("monitor: stopped")
	// ErrCriticalSource wraps a failed fetch of the critical source.
	ErrCriticalSource = errors.New("monitor: critical source failed")
	// ErrCriticalDenied reports that the critical breaker refused the fetch.
	ErrCriticalDenied = errors.New("monitor: critical source breaker open")
	// ErrUnknownSource is returned by Invalidate for an unknown name.
	ErrUnknownSource = errors.New("monitor: unknown source")
)

// Broadcaster is the subscriber side the monitor pushes to.
type Broadcaster interface {
	Count() int
	Broadcast(ctx context.Context, msg message.Outbound)
}

const (
	DefaultInterval = 10 * time.Second
	DefaultWorkers  = 4
	DefaultTimeout  = 30 * time.Second
)

// Breaker defaults for sources whose options are left at zero.
var (
	CriticalBreakerDefaults = breaker.Options{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, HalfOpenMaxCalls: 1}
	OptionalBreakerDefaults = breaker.Options{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 1}
)

// SourceConfig holds the per-source fetch timeout and breaker settings.
type SourceConfig struct {
	Timeout time.Duration
	Breaker breaker.Options
}

type Config struct {
	Interval time.Duration
	Workers  int
	Sources  map[string]SourceConfig
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the clock used for results and breakers.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithHistory exports breaker transitions and stale edges to sink.
func WithHistory(sink history.Sink) Option {
	return func(m *Monitor) { m.history = sink }
}

type scheduled struct {
	src     source.Named
	timeout time.Duration
	cb      *breaker.Breaker
}

// Monitor is the orchestrator. Ticks are serialised, so breakers and the
// fingerprint store have a single writer.
type Monitor struct {
	cfg      Config
	critical scheduled
	optional []scheduled
	byName   map[string]*scheduled
	builder  view.Builder
	bus      Broadcaster
	hashes   *fingerprint.Store
	logger   *slog.Logger
	now      func() time.Time
	history  history.Sink

	tickMu sync.Mutex
	stale  atomic.Bool

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
	last    Result

	recordWG sync.WaitGroup
}

// New wires the monitor. Sources without an entry in cfg.Sources get the
// default timeout and the critical or optional breaker defaults.
func New(cfg Config, critical source.Named, optional []source.Named, builder view.Builder, bus Broadcaster, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if builder == nil {
		builder = view.NewGraphBuilder()
	}
	m := &Monitor{
		cfg:     cfg,
		builder: builder,
		bus:     bus,
		hashes:  fingerprint.NewStore(),
		logger:  slog.Default(),
		now:     time.Now,
		byName:  make(map[string]*scheduled),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With(slog.String("component", "monitor"))

	m.critical = m.schedule(critical, CriticalBreakerDefaults)
	m.byName[critical.Name()] = &m.critical
	m.optional = make([]scheduled, 0, len(optional))
	for _, src := range optional {
		m.optional = append(m.optional, m.schedule(src, OptionalBreakerDefaults))
	}
	for i := range m.optional {
		m.byName[m.optional[i].src.Name()] = &m.optional[i]
	}
	return m
}

func (m *Monitor) schedule(src source.Named, defaults breaker.Options) scheduled {
	sc := m.cfg.Sources[src.Name()]
	if sc.Timeout <= 0 {
		sc.Timeout = DefaultTimeout
	}
	bo := sc.Breaker
	if bo.FailureThreshold == 0 {
		bo.FailureThreshold = defaults.FailureThreshold
	}
	if bo.RecoveryTimeout <= 0 {
		bo.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if bo.HalfOpenMaxCalls == 0 {
		bo.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
	if bo.Now == nil {
		bo.Now = m.now
	}
	bo.OnTransition = m.onTransition
	cb := breaker.New(src.Name(), bo)
	metrics.SetBreakerState(src.Name(), cb.State().String())
	return scheduled{src: src, timeout: sc.Timeout, cb: cb}
}

func (m *Monitor) onTransition(name string, from, to breaker.State, err error) {
	attrs := []any{"source", name, "from", from.String(), "to", to.String()}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	m.logger.Info("circuit breaker transition", attrs...)
	metrics.RecordBreakerTransition(name, from.String(), to.String())
	evt := history.Event{Type: history.EventBreaker, Subject: name, From: from.String(), To: to.String()}
	if err != nil {
		evt.Error = err.Error()
	}
	m.record(evt)
}

func (m *Monitor) record(evt history.Event) {
	if m.history == nil {
		return
	}
	evt.OccurredAt = m.now().UTC()
	m.recordWG.Add(1)
	go func() {
		defer m.recordWG.Done()
		_ = m.history.Send(context.Background(), evt)
	}()
}

// Start launches the ticker loop. The first tick runs immediately.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.stopCh != nil || m.stopped {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stopCh, m.doneCh = stop, done
	m.mu.Unlock()

	m.logger.Info("monitor started", "interval", m.cfg.Interval, "workers", m.cfg.Workers,
		"critical", m.critical.src.Name(), "optional", len(m.optional))
	go m.loop(stop, done)
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	// ticks are not cancelled by Stop; Stop waits for them instead
	ctx := context.Background()
	m.Tick(ctx)
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			select {
			case <-stop:
				return
			default:
			}
			m.Tick(ctx)
		}
	}
}

// Stop prevents new ticks and waits for an in-flight tick to finish. It is
// safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.stopped = true
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	// a ForceBroadcast may still hold the tick lock
	m.tickMu.Lock()
	m.tickMu.Unlock() //nolint:staticcheck // wait for in-flight tick
	m.recordWG.Wait()
	m.logger.Info("monitor stopped")
}

// Running reports whether the ticker loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCh != nil
}

func (m *Monitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Interval returns the configured tick interval.
func (m *Monitor) Interval() time.Duration { return m.cfg.Interval }

// Tick runs one tick now.
func (m *Monitor) Tick(ctx context.Context) Result {
	if m.isStopped() {
		return Result{Outcome: OutcomeStopped, At: m.now(), Err: ErrNotRunning}
	}
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	return m.tick(ctx, false)
}

// ForceBroadcast resets the stored fingerprints and runs a tick that
// broadcasts every view it builds, even with unchanged content and no
// subscribers counted. The tick runs to completion even if ctx is
// cancelled, so an abandoned request cannot count against a breaker.
func (m *Monitor) ForceBroadcast(ctx context.Context) error {
	if m.isStopped() {
		return ErrNotRunning
	}
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	m.hashes.Reset()
	res := m.tick(ctx, true)
	return res.Err
}

// Stale reports whether subscribers were last told the data is stale.
func (m *Monitor) Stale() bool { return m.stale.Load() }

// LastResult returns the outcome of the most recent tick.
func (m *Monitor) LastResult() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Breakers returns the status of every breaker, critical first.
func (m *Monitor) Breakers() []breaker.Status {
	out := make([]breaker.Status, 0, 1+len(m.optional))
	out = append(out, m.critical.cb.Status())
	for _, s := range m.optional {
		out = append(out, s.cb.Status())
	}
	return out
}

// Sources returns the source names, critical first.
func (m *Monitor) Sources() []string {
	out := []string{m.critical.src.Name()}
	for _, s := range m.optional {
		out = append(out, s.src.Name())
	}
	return out
}

// Invalidate clears the cache slot of the named source.
func (m *Monitor) Invalidate(name string) error {
	s, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	s.src.Invalidate()
	return nil
}

// InvalidateAll clears every source's cache slot.
func (m *Monitor) InvalidateAll() {
	for _, s := range m.byName {
		s.src.Invalidate()
	}
}
