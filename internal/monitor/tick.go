package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/fleetwatch/internal/breaker"
	"github.com/loykin/fleetwatch/internal/fingerprint"
	"github.com/loykin/fleetwatch/internal/history"
	"github.com/loykin/fleetwatch/internal/message"
	"github.com/loykin/fleetwatch/internal/metrics"
	"github.com/loykin/fleetwatch/internal/source"
	"github.com/loykin/fleetwatch/internal/view"
)

// Outcome classifies how a tick ended.
type Outcome string

const (
	OutcomeIdle                Outcome = "idle"
	OutcomeCriticalDenied      Outcome = "critical_denied"
	OutcomeCriticalFailed      Outcome = "critical_failed"
	OutcomeBuilt               Outcome = "built"
	OutcomeSerializationFailed Outcome = "serialization_failed"
	OutcomePanic               Outcome = "panic"
	OutcomeStopped             Outcome = "stopped"
)

// Result describes one tick.
type Result struct {
	Outcome    Outcome   `json:"outcome"`
	At         time.Time `json:"at"`
	DurationMS float64   `json:"duration_ms"`
	// Broadcast lists the views pushed to subscribers.
	Broadcast []string `json:"broadcast,omitempty"`
	// Degraded lists optional sources left out of the build.
	Degraded []string `json:"degraded,omitempty"`
	Err      error    `json:"-"`
	Error    string   `json:"error,omitempty"`
}

// tick runs with tickMu held. force skips the idle check.
//
// The caller's cancellation does not reach the fetches or the broadcast:
// only the source timeout may fail a fetch, and a committed fingerprint
// always matches a message handed to the bus.
func (m *Monitor) tick(ctx context.Context, force bool) (res Result) {
	ctx = context.WithoutCancel(ctx)
	start := m.now()
	res.At = start
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor tick panicked", "panic", r)
			res.Outcome = OutcomePanic
			res.Err = fmt.Errorf("monitor: tick panicked: %v", r)
			res.Broadcast = nil
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		if res.Outcome != OutcomeIdle {
			elapsed := m.now().Sub(start)
			res.DurationMS = float64(elapsed) / float64(time.Millisecond)
			metrics.ObserveTickDuration(elapsed.Seconds())
		}
		metrics.IncTick(string(res.Outcome))
		m.mu.Lock()
		m.last = res
		m.mu.Unlock()
	}()

	if !force && m.bus.Count() == 0 {
		m.logger.Debug("no subscribers, skipping tick")
		res.Outcome = OutcomeIdle
		return res
	}

	crit := m.critical
	if !crit.cb.AllowRequest() {
		metrics.IncFetch(crit.src.Name(), "denied")
		m.setStale(ctx, true)
		m.logger.Debug("critical source breaker open, skipping tick", "source", crit.src.Name())
		res.Outcome = OutcomeCriticalDenied
		res.Err = ErrCriticalDenied
		return res
	}
	inv, err := m.fetchCritical(ctx)
	if err != nil {
		crit.cb.RecordFailure(err)
		m.logger.Warn("critical source fetch failed", "source", crit.src.Name(), "error", err)
		if crit.cb.State() == breaker.Open {
			m.setStale(ctx, true)
		}
		res.Outcome = OutcomeCriticalFailed
		res.Err = fmt.Errorf("%w: %w", ErrCriticalSource, err)
		return res
	}
	crit.cb.RecordSuccess()
	m.setStale(ctx, false)

	snaps, degraded := m.fetchOptional(ctx, inv)
	res.Degraded = degraded

	sites, graph := m.builder.Build(inv, snaps)
	views := []struct {
		name string
		data any
	}{
		{view.ViewSites, sites},
		{view.ViewGraph, graph},
	}
	fps := make([]fingerprint.Fingerprint, len(views))
	for i, v := range views {
		fp, err := fingerprint.Of(v.data)
		if err != nil {
			m.logger.Error("view serialization failed", "view", v.name, "error", err)
			res.Outcome = OutcomeSerializationFailed
			res.Err = err
			return res
		}
		fps[i] = fp
	}
	for i, v := range views {
		if !m.hashes.Changed(v.name, fps[i]) {
			continue
		}
		m.bus.Broadcast(ctx, message.Update{View: v.name, Data: v.data})
		m.hashes.Commit(v.name, fps[i])
		res.Broadcast = append(res.Broadcast, v.name)
	}
	res.Outcome = OutcomeBuilt
	if len(res.Broadcast) > 0 {
		m.logger.Debug("views broadcast", "views", res.Broadcast, "degraded", degraded)
	}
	return res
}

func (m *Monitor) fetchCritical(ctx context.Context) (view.Inventory, error) {
	var (
		out view.Inventory
		err error
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		var v any
		v, err = m.fetch(ctx, m.critical, source.Request{})
		if err != nil {
			return nil
		}
		inv, ok := v.(view.Inventory)
		if !ok {
			err = fmt.Errorf("%s: unexpected snapshot type %T", m.critical.src.Name(), v)
			return nil
		}
		out = inv
		return nil
	})
	_ = g.Wait()
	return out, err
}

// fetchOptional runs the optional sources on a bounded worker pool. Denied
// or failed sources are absent from the result and reported as degraded.
func (m *Monitor) fetchOptional(ctx context.Context, inv view.Inventory) (view.Snapshots, []string) {
	if len(m.optional) == 0 {
		return view.Snapshots{}, nil
	}
	req := source.Request{Sites: inv.SiteNames(), Containers: inv.ContainerNames()}
	type outcome struct {
		val any
		ok  bool
	}
	results := make([]outcome, len(m.optional))

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Workers)
	for i, s := range m.optional {
		if !s.cb.AllowRequest() {
			metrics.IncFetch(s.src.Name(), "denied")
			continue
		}
		g.Go(func() error {
			v, err := m.fetch(ctx, s, req)
			if err != nil {
				s.cb.RecordFailure(err)
				m.logger.Warn("optional source fetch failed", "source", s.src.Name(), "error", err)
				return nil
			}
			s.cb.RecordSuccess()
			results[i] = outcome{val: v, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	snaps := make(view.Snapshots, len(m.optional))
	var degraded []string
	for i, s := range m.optional {
		if results[i].ok {
			snaps[s.src.Name()] = results[i].val
		} else {
			degraded = append(degraded, s.src.Name())
		}
	}
	return snaps, degraded
}

// fetch calls one source under its timeout, converting panics to errors.
func (m *Monitor) fetch(ctx context.Context, s scheduled, req source.Request) (v any, err error) {
	name := s.src.Name()
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("%s: panic: %v", name, r)
		}
		metrics.ObserveFetchDuration(name, time.Since(start).Seconds())
		if err != nil {
			metrics.IncFetch(name, "error")
		} else {
			metrics.IncFetch(name, "ok")
		}
	}()
	v, err = s.src.Fetch(cctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s", err, s.timeout)
	}
	return v, err
}

// setStale broadcasts a data_stale message on each edge of the flag.
func (m *Monitor) setStale(ctx context.Context, stale bool) {
	if m.stale.Swap(stale) == stale {
		return
	}
	metrics.SetStale(stale)
	msg := message.DataStale{Stale: stale}
	evt := history.Event{Type: history.EventFresh, Subject: m.critical.src.Name()}
	if stale {
		msg.Breakers = m.Breakers()
		evt.Type = history.EventStale
		m.logger.Warn("data marked stale", "source", m.critical.src.Name())
	} else {
		m.logger.Info("data fresh again", "source", m.critical.src.Name())
	}
	m.bus.Broadcast(ctx, msg)
	m.record(evt)
}
