package breaker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold uint, recovery time.Duration, halfOpen uint) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("test", Options{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		HalfOpenMaxCalls: halfOpen,
		Now:              clk.Now,
	})
	return b, clk
}

func TestInitialStateIsClosed(t *testing.T) {
	b, _ := newTestBreaker(3, 10*time.Second, 1)
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.IsClosed())
	for i := 0; i < 5; i++ {
		assert.True(t, b.AllowRequest())
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 10*time.Second, 1)
	b.RecordFailure(errors.New("e1"))
	assert.Equal(t, Closed, b.State())
	b.RecordFailure(errors.New("e2"))
	assert.Equal(t, Closed, b.State())
	b.RecordFailure(errors.New("e3"))
	assert.Equal(t, Open, b.State())
	assert.False(t, b.AllowRequest())
	assert.False(t, b.AllowRequest())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 10*time.Second, 1)
	b.RecordFailure(nil)
	b.RecordFailure(nil)
	require.Equal(t, uint(2), b.Status().FailureCount)
	b.RecordSuccess()
	st := b.Status()
	assert.Equal(t, uint(0), st.FailureCount)
	assert.Nil(t, st.LastFailureTime)
	assert.Equal(t, Closed, st.State)
}

func TestStaysOpenUntilRecoveryTimeout(t *testing.T) {
	b, clk := newTestBreaker(2, 60*time.Second, 1)
	b.RecordFailure(nil)
	b.RecordFailure(nil)
	clk.Advance(59 * time.Second)
	assert.False(t, b.AllowRequest())
	assert.Equal(t, Open, b.State())

	clk.Advance(time.Second)
	assert.True(t, b.AllowRequest())
	assert.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenLimitsTrialCalls(t *testing.T) {
	b, clk := newTestBreaker(2, 100*time.Millisecond, 2)
	b.RecordFailure(nil)
	b.RecordFailure(nil)
	clk.Advance(150 * time.Millisecond)

	// the transition call does not count against the half-open budget
	require.True(t, b.AllowRequest())
	require.Equal(t, HalfOpen, b.State())
	assert.True(t, b.AllowRequest())
	assert.True(t, b.AllowRequest())
	assert.False(t, b.AllowRequest())
	assert.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second, 1)
	b.RecordFailure(nil)
	b.RecordFailure(nil)
	clk.Advance(time.Second)
	require.True(t, b.AllowRequest())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, uint(0), b.Status().FailureCount)
}

func TestHalfOpenFailureReopensRegardlessOfThreshold(t *testing.T) {
	b, clk := newTestBreaker(5, time.Second, 1)
	for i := 0; i < 5; i++ {
		b.RecordFailure(nil)
	}
	clk.Advance(time.Second)
	require.True(t, b.AllowRequest())
	b.RecordFailure(errors.New("still failing"))
	assert.Equal(t, Open, b.State())
	assert.False(t, b.AllowRequest())

	// a fresh recovery window starts from the last failure
	clk.Advance(time.Second)
	assert.True(t, b.AllowRequest())
}

func TestThresholdOfOne(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour, 1)
	b.RecordFailure(nil)
	assert.Equal(t, Open, b.State())
	assert.False(t, b.AllowRequest())
}

func TestStatusSnapshot(t *testing.T) {
	b, clk := newTestBreaker(5, 30*time.Second, 1)
	st := b.Status()
	assert.Equal(t, "test", st.Name)
	assert.Equal(t, Closed, st.State)
	assert.Nil(t, st.LastFailureTime)
	assert.Equal(t, uint(5), st.Threshold)
	assert.Equal(t, 30.0, st.RecoveryTimeout)

	b.RecordFailure(errors.New("boom"))
	st = b.Status()
	require.NotNil(t, st.LastFailureTime)
	assert.True(t, st.LastFailureTime.Equal(clk.Now()))
	assert.Equal(t, "boom", st.LastError)

	raw, err := json.Marshal(st)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "closed", decoded["state"])
	assert.Equal(t, float64(1), decoded["failure_count"])
}

func TestDefaultsApplied(t *testing.T) {
	b := New("d", Options{})
	st := b.Status()
	assert.Equal(t, uint(DefaultFailureThreshold), st.Threshold)
	assert.Equal(t, DefaultRecoveryTimeout.Seconds(), st.RecoveryTimeout)
}

func TestOnTransitionHook(t *testing.T) {
	type tr struct{ from, to State }
	var seen []tr
	clk := &fakeClock{t: time.Unix(0, 0)}
	b := New("hook", Options{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		Now:              clk.Now,
		OnTransition: func(_ string, from, to State, _ error) {
			seen = append(seen, tr{from, to})
		},
	})
	b.RecordFailure(nil)
	b.RecordFailure(nil) // already open, no transition
	clk.Advance(time.Second)
	b.AllowRequest()
	b.RecordSuccess()
	assert.Equal(t, []tr{{Closed, Open}, {Open, HalfOpen}, {HalfOpen, Closed}}, seen)
}
