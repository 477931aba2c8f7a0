package breaker

import (
	"encoding/json"
	"sync"
	"time"
)

// State enumerates the breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *State) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v {
	case "open":
		*s = Open
	case "half_open":
		*s = HalfOpen
	default:
		*s = Closed
	}
	return nil
}

// Default values applied by New when an option is left at zero.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultHalfOpenMaxCalls = 1
)

// Options configures a Breaker. Zero values fall back to the defaults above.
type Options struct {
	FailureThreshold uint
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls uint
	// Now overrides the clock (tests).
	Now func() time.Time
	// OnTransition is invoked after every state change, outside the lock.
	OnTransition func(name string, from, to State, err error)
}

// Status is a read-only diagnostic snapshot of a breaker.
type Status struct {
	Name            string     `json:"name"`
	State           State      `json:"state"`
	FailureCount    uint       `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time"`
	Threshold       uint       `json:"threshold"`
	RecoveryTimeout float64    `json:"recovery_timeout"` // seconds
	LastError       string     `json:"last_error,omitempty"`
}

// Breaker tracks consecutive failures of one upstream source and decides
// whether the next fetch attempt may go through.
//
// Mutations are expected from a single owner (the monitor tick); the mutex
// only makes concurrent Status reads from request handlers safe.
type Breaker struct {
	name string
	opts Options

	mu                sync.Mutex
	state             State
	failureCount      uint
	lastFailureTime   time.Time
	lastErr           error
	halfOpenCallsUsed uint
}

// New creates a closed breaker.
func New(name string, opts Options) *Breaker {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if opts.HalfOpenMaxCalls == 0 {
		opts.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{name: name, opts: opts}
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsClosed reports whether the breaker currently lets every call through.
func (b *Breaker) IsClosed() bool { return b.State() == Closed }

// AllowRequest reports whether a call may be attempted now.
// In Open it flips to HalfOpen once the recovery timeout has elapsed; that
// first trial does not count against HalfOpenMaxCalls.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	var allowed, moved bool
	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if !b.lastFailureTime.IsZero() && b.opts.Now().Sub(b.lastFailureTime) >= b.opts.RecoveryTimeout {
			b.state = HalfOpen
			b.halfOpenCallsUsed = 0
			allowed, moved = true, true
		}
	case HalfOpen:
		if b.halfOpenCallsUsed < b.opts.HalfOpenMaxCalls {
			b.halfOpenCallsUsed++
			allowed = true
		}
	}
	b.mu.Unlock()
	if moved {
		b.notify(Open, HalfOpen, nil)
	}
	return allowed
}

// RecordSuccess closes a half-open breaker and clears the failure history.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	if b.state == HalfOpen {
		b.state = Closed
	}
	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.lastErr = nil
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to, nil)
	}
}

// RecordFailure counts a failed call. A failure while HalfOpen re-opens the
// breaker immediately regardless of the threshold. err may be nil.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	from := b.state
	b.failureCount++
	b.lastFailureTime = b.opts.Now()
	b.lastErr = err
	switch b.state {
	case HalfOpen:
		b.state = Open
	case Closed:
		if b.failureCount >= b.opts.FailureThreshold {
			b.state = Open
		}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to, err)
	}
}

// Status returns a snapshot for diagnostics.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		Threshold:       b.opts.FailureThreshold,
		RecoveryTimeout: b.opts.RecoveryTimeout.Seconds(),
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		st.LastFailureTime = &t
	}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	return st
}

func (b *Breaker) notify(from, to State, err error) {
	if b.opts.OnTransition != nil {
		b.opts.OnTransition(b.name, from, to, err)
	}
}
