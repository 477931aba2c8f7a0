// Package cache provides a single-slot, single-flight TTL cache used to
// memoise the last successful fetch of an upstream source.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNoValue is returned by Get when the builder is nil and the slot holds
// nothing fresh.
var ErrNoValue = errors.New("cache: no value")

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithNow overrides the clock used for freshness checks.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// TTL memoises one value of type T for a bounded time. Concurrent callers of
// Get during a refresh wait for the in-flight build, so at most one build runs
// at a time.
type TTL[T any] struct {
	ttl time.Duration
	now func() time.Time

	// sem is a one-slot semaphore guarding the fields below. A channel is used
	// instead of a mutex so waiters can abandon the wait on ctx.Done().
	sem        chan struct{}
	value      T
	capturedAt time.Time
	has        bool
}

// New creates an empty cache. ttl <= 0 disables memoisation.
func New[T any](ttl time.Duration, opts ...Option) *TTL[T] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &TTL[T]{ttl: ttl, now: o.now, sem: make(chan struct{}, 1)}
}

// TTL returns the configured freshness window.
func (c *TTL[T]) TTL() time.Duration { return c.ttl }

func (c *TTL[T]) lock(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *TTL[T]) unlock() { <-c.sem }

func (c *TTL[T]) fresh() bool {
	return c.has && c.ttl > 0 && c.now().Sub(c.capturedAt) < c.ttl
}

// Get returns the cached value if it is fresh and force is false. Otherwise
// it runs build while holding the slot and stores the result on success.
// A failed build leaves the previous value in place, still stale.
func (c *TTL[T]) Get(ctx context.Context, build func(context.Context) (T, error), force bool) (T, error) {
	var zero T
	if err := c.lock(ctx); err != nil {
		return zero, err
	}
	defer c.unlock()

	if !force && c.fresh() {
		return c.value, nil
	}
	if build == nil {
		return zero, ErrNoValue
	}
	v, err := build(ctx)
	if err != nil {
		return zero, err
	}
	c.value = v
	c.capturedAt = c.now()
	c.has = true
	return v, nil
}

// Invalidate clears the slot. It waits for an in-flight build to finish.
func (c *TTL[T]) Invalidate() {
	c.sem <- struct{}{}
	var zero T
	c.value = zero
	c.capturedAt = time.Time{}
	c.has = false
	c.unlock()
}

// Peek returns the stored value and its capture time regardless of freshness.
// It does not wait for an in-flight build; ok is false when the slot is busy
// or empty.
func (c *TTL[T]) Peek() (v T, capturedAt time.Time, ok bool) {
	select {
	case c.sem <- struct{}{}:
	default:
		return v, capturedAt, false
	}
	defer c.unlock()
	if !c.has {
		return v, capturedAt, false
	}
	return c.value, c.capturedAt, true
}
