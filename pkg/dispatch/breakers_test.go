package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreakers(BreakerOptions{
		ConsecutiveFailures: 3,
		CoolDown:            50 * time.Millisecond,
		HalfOpenProbes:      1,
	}, nil)

	cb := b.For("slack")
	boom := errors.New("downstream 503")

	fail := func() {
		_, err := cb.Execute(func() (interface{}, error) { return nil, boom })
		require.Error(t, err)
	}

	// Below the threshold the breaker stays closed
	fail()
	fail()
	assert.Equal(t, gobreaker.StateClosed, cb.State())

	// The third consecutive failure opens it
	fail()
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	// While open, calls fail fast without touching the downstream
	_, err := cb.Execute(func() (interface{}, error) {
		t.Fatal("must not be invoked while open")
		return nil, nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreakerHalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := NewBreakers(BreakerOptions{
		ConsecutiveFailures: 2,
		CoolDown:            30 * time.Millisecond,
		HalfOpenProbes:      1,
	}, nil)
	cb := b.For("slack")
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		cb.Execute(func() (interface{}, error) { return nil, boom })
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())

	// After the cooldown one probe is allowed; success closes the breaker
	time.Sleep(40 * time.Millisecond)
	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreakers(BreakerOptions{
		ConsecutiveFailures: 2,
		CoolDown:            30 * time.Millisecond,
		HalfOpenProbes:      1,
	}, nil)
	cb := b.For("slack")
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		cb.Execute(func() (interface{}, error) { return nil, boom })
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	cb.Execute(func() (interface{}, error) { return nil, boom })
	assert.Equal(t, gobreaker.StateOpen, cb.State())
}

func TestBreakerPerService(t *testing.T) {
	b := NewBreakers(BreakerOptions{ConsecutiveFailures: 1}, nil)
	boom := errors.New("boom")

	b.For("slack").Execute(func() (interface{}, error) { return nil, boom })
	assert.Equal(t, "open", b.State("slack"))
	assert.Equal(t, "closed", b.State("teams"))

	states := b.States()
	assert.Equal(t, "open", states["slack"])
	assert.Equal(t, "closed", states["teams"])
}
