// Package source defines the fetch contract of upstream data sources and the
// adapters the monitor uses to drive them: memoisation through a TTL slot,
// an HTTP agent client and a local host-process metrics reader.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/fleetwatch/internal/cache"
)

// ErrStatus is wrapped by errors for non-2xx agent responses.
var ErrStatus = errors.New("source: unexpected status")

// Request is passed to every fetch.
type Request struct {
	// Force bypasses the memoised value.
	Force bool
	// Sites and Containers come from the critical snapshot, for sources
	// whose answer depends on the current inventory.
	Sites      []string
	Containers []string
}

// Source fetches one snapshot. Fetch may block and may fail transiently.
type Source[T any] interface {
	Fetch(ctx context.Context, req Request) (T, error)
}

// Func adapts a function to Source.
type Func[T any] func(ctx context.Context, req Request) (T, error)

func (f Func[T]) Fetch(ctx context.Context, req Request) (T, error) { return f(ctx, req) }

// Cached memoises a source in a single TTL slot shared by every caller.
type Cached[T any] struct {
	src  Source[T]
	slot *cache.TTL[T]
}

func NewCached[T any](src Source[T], ttl time.Duration, opts ...cache.Option) *Cached[T] {
	return &Cached[T]{src: src, slot: cache.New[T](ttl, opts...)}
}

func (c *Cached[T]) Fetch(ctx context.Context, req Request) (T, error) {
	return c.slot.Get(ctx, func(ctx context.Context) (T, error) {
		return c.src.Fetch(ctx, req)
	}, req.Force)
}

// Invalidate clears the slot so the next Fetch goes upstream.
func (c *Cached[T]) Invalidate() { c.slot.Invalidate() }

// Named is the type-erased form of a source the monitor schedules.
type Named interface {
	Name() string
	Fetch(ctx context.Context, req Request) (any, error)
	Invalidate()
}

type named[T any] struct {
	name string
	src  Source[T]
}

// Erase wraps src under name. Invalidate is forwarded when src supports it.
func Erase[T any](name string, src Source[T]) Named {
	return named[T]{name: name, src: src}
}

func (n named[T]) Name() string { return n.name }

func (n named[T]) Fetch(ctx context.Context, req Request) (any, error) {
	v, err := n.src.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.name, err)
	}
	return v, nil
}

func (n named[T]) Invalidate() {
	if inv, ok := n.src.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
}

// Typed recovers the concrete source behind a Named created by Erase.
func Typed[T any](n Named) (Source[T], bool) {
	nn, ok := n.(named[T])
	if !ok {
		return nil, false
	}
	return nn.src, true
}
