// Package eventbus tracks live subscriber connections and fans messages out
// to them. A failed send to one connection is logged and never affects
// delivery to the others.
package eventbus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/fleetwatch/internal/message"
	"github.com/loykin/fleetwatch/internal/metrics"
)

// Conn is one subscriber channel.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg message.Outbound) error
}

const (
	DefaultMaxConcurrentSends = 8
	DefaultSendTimeout        = 5 * time.Second
)

type Options struct {
	MaxConcurrentSends int
	SendTimeout        time.Duration
	Logger             *slog.Logger
}

// Manager owns the membership set and the topic subscriptions.
type Manager struct {
	maxSends    int
	sendTimeout time.Duration
	logger      *slog.Logger

	mu     sync.RWMutex
	conns  map[string]Conn
	topics map[string]map[string]struct{} // topic -> conn ids
}

func New(opts Options) *Manager {
	if opts.MaxConcurrentSends <= 0 {
		opts.MaxConcurrentSends = DefaultMaxConcurrentSends
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		maxSends:    opts.MaxConcurrentSends,
		sendTimeout: opts.SendTimeout,
		logger:      opts.Logger.With(slog.String("component", "eventbus")),
		conns:       make(map[string]Conn),
		topics:      make(map[string]map[string]struct{}),
	}
}

// Connect registers conn. Reconnecting the same id replaces the old entry.
func (m *Manager) Connect(conn Conn) {
	m.mu.Lock()
	m.conns[conn.ID()] = conn
	n := len(m.conns)
	m.mu.Unlock()
	metrics.SetSubscribers(n)
	m.logger.Debug("subscriber connected", "conn", conn.ID(), "total", n)
}

// Disconnect removes conn and all of its topic subscriptions. Removing an
// absent connection is a no-op.
func (m *Manager) Disconnect(conn Conn) {
	id := conn.ID()
	m.mu.Lock()
	_, ok := m.conns[id]
	delete(m.conns, id)
	for topic, ids := range m.topics {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.topics, topic)
		}
	}
	n := len(m.conns)
	m.mu.Unlock()
	if ok {
		metrics.SetSubscribers(n)
		m.logger.Debug("subscriber disconnected", "conn", id, "total", n)
	}
}

// Count returns the number of connected subscribers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// SendPersonal sends msg to one connection. Failures are logged only.
func (m *Manager) SendPersonal(ctx context.Context, conn Conn, msg message.Outbound) {
	m.send(ctx, conn, msg)
}

// Broadcast sends msg to every connection connected when it is called.
// The membership lock is not held while sending.
func (m *Manager) Broadcast(ctx context.Context, msg message.Outbound) {
	m.mu.RLock()
	targets := make([]Conn, 0, len(m.conns))
	for _, c := range m.conns {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	metrics.IncBroadcast(msg.Type())
	m.fanOut(ctx, targets, msg)
}

// Subscribe registers conn for topic. Only connected subscribers may
// subscribe; it reports whether the subscription was recorded.
func (m *Manager) Subscribe(topic string, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[conn.ID()]; !ok {
		return false
	}
	ids, ok := m.topics[topic]
	if !ok {
		ids = make(map[string]struct{})
		m.topics[topic] = ids
	}
	ids[conn.ID()] = struct{}{}
	return true
}

// Unsubscribe removes conn from topic. It is idempotent.
func (m *Manager) Unsubscribe(topic string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ids, ok := m.topics[topic]; ok {
		delete(ids, conn.ID())
		if len(ids) == 0 {
			delete(m.topics, topic)
		}
	}
}

// Publish sends msg to the connections subscribed to topic.
func (m *Manager) Publish(ctx context.Context, topic string, msg message.Outbound) {
	m.mu.RLock()
	ids := m.topics[topic]
	targets := make([]Conn, 0, len(ids))
	for id := range ids {
		if c, ok := m.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	metrics.IncBroadcast(msg.Type())
	m.fanOut(ctx, targets, msg)
}

// Topics lists the topics conn is subscribed to, sorted.
func (m *Manager) Topics(conn Conn) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for topic, ids := range m.topics {
		if _, ok := ids[conn.ID()]; ok {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) fanOut(ctx context.Context, targets []Conn, msg message.Outbound) {
	if len(targets) == 1 {
		m.send(ctx, targets[0], msg)
		return
	}
	sem := make(chan struct{}, m.maxSends)
	var wg sync.WaitGroup
	for _, c := range targets {
		sem <- struct{}{}
		wg.Add(1)
		go func(c Conn) {
			defer func() {
				<-sem
				wg.Done()
			}()
			m.send(ctx, c, msg)
		}(c)
	}
	wg.Wait()
}

func (m *Manager) send(ctx context.Context, conn Conn, msg message.Outbound) {
	sctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()
	if err := conn.Send(sctx, msg); err != nil {
		metrics.IncSendFailure()
		m.logger.Warn("send to subscriber failed", "conn", conn.ID(), "type", msg.Type(), "error", err)
	}
}
