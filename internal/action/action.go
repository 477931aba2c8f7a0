// Package action validates and executes container actions requested by
// subscribers.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/fleetwatch/internal/history"
)

// Supported actions.
const (
	Start   = "start"
	Stop    = "stop"
	Restart = "restart"
	Logs    = "logs"
)

var ErrInvalidAction = errors.New("action: invalid request")

// ValidationError carries the message shown to the requester.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return ErrInvalidAction }

var containerName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Validate checks container and action before anything is executed.
func Validate(container, action string) error {
	switch action {
	case Start, Stop, Restart, Logs:
	default:
		return &ValidationError{Message: "Invalid action: " + action}
	}
	if !containerName.MatchString(strings.TrimSpace(container)) {
		return &ValidationError{Message: "Invalid container name: " + container}
	}
	return nil
}

// Mutates reports whether action changes container state.
func Mutates(action string) bool { return action != Logs }

// Executor runs one validated action and returns its output.
type Executor interface {
	Run(ctx context.Context, container, action string) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, container, action string) (string, error)

func (f ExecutorFunc) Run(ctx context.Context, container, action string) (string, error) {
	return f(ctx, container, action)
}

// Audited records every run to sink as an action event.
type Audited struct {
	next   Executor
	sink   history.Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewAudited(next Executor, sink history.Sink, logger *slog.Logger) *Audited {
	if logger == nil {
		logger = slog.Default()
	}
	return &Audited{next: next, sink: sink, logger: logger.With(slog.String("component", "action")), now: time.Now}
}

func (a *Audited) Run(ctx context.Context, container, action string) (string, error) {
	start := a.now()
	out, err := a.next.Run(ctx, container, action)
	elapsed := a.now().Sub(start)

	evt := history.Event{
		Type:       history.EventAction,
		OccurredAt: start.UTC(),
		Subject:    container,
		Detail:     action,
		To:         "completed",
		DurationMS: float64(elapsed) / float64(time.Millisecond),
	}
	if err != nil {
		evt.To = "failed"
		evt.Error = err.Error()
		a.logger.Warn("container action failed", "container", container, "action", action, "error", err)
	} else {
		a.logger.Info("container action completed", "container", container, "action", action, "duration", elapsed)
	}
	if a.sink != nil {
		if serr := a.sink.Send(context.WithoutCancel(ctx), evt); serr != nil {
			a.logger.Warn("record action failed", "error", serr)
		}
	}
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", action, container, err)
	}
	return out, nil
}
