package pings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func ptr(v float64) *float64 { return &v }

func TestRegistry_GetPings(t *testing.T) {
	r := NewRegistry()
	r.SetServers(3)

	assert.Equal(t, []*float64{nil, nil, nil}, r.GetPings("nobody"))

	r.AddPing("client", 0, 40)
	r.AddPing("client", 2, 120)
	r.AddPing("client", 2, 80)
	assert.Equal(t, []*float64{ptr(40), nil, ptr(80)}, r.GetPings("client"))

	t.Run("shrinking the server list hides samples beyond it", func(t *testing.T) {
		r.SetServers(1)
		assert.Equal(t, []*float64{ptr(40)}, r.GetPings("client"))

		r.SetServers(3)
		assert.Equal(t, []*float64{ptr(40), nil, ptr(80)}, r.GetPings("client"))
	})

	t.Run("clear", func(t *testing.T) {
		r.ClearPings("client")
		assert.Equal(t, []*float64{nil, nil, nil}, r.GetPings("client"))
	})
}

func TestRegistry_ClearPing(t *testing.T) {
	r := NewRegistry()
	r.SetServers(2)
	r.AddPing("client", 0, 40)
	r.AddPing("client", 1, 60)

	r.ClearPing("client", 0)
	assert.Equal(t, []*float64{nil, ptr(60)}, r.GetPings("client"))

	r.ClearPing("nobody", 1)
	assert.Equal(t, []*float64{nil, nil}, r.GetPings("nobody"))
}

func TestRegistry_WaitForPingResult(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.Run("already has a sample", func(t *testing.T) {
		r := NewRegistry()
		r.SetServers(1)
		r.AddPing("client", 0, 10)
		assert.NoError(t, r.WaitForPingResult(ctx, "client"))
	})

	t.Run("released by the first sample", func(t *testing.T) {
		r := NewRegistry()
		r.SetServers(1)

		errs := make(chan error, 2)
		for range 2 {
			go func() { errs <- r.WaitForPingResult(ctx, "client") }()
		}

		// Both waiters share a single signal.
		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.ready["client"] != nil
		}, time.Second, time.Millisecond)

		r.AddPing("client", 0, 10)
		assert.NoError(t, <-errs)
		assert.NoError(t, <-errs)
	})

	t.Run("rejected when cleared", func(t *testing.T) {
		r := NewRegistry()
		r.SetServers(1)

		errs := make(chan error, 1)
		ready := make(chan struct{})
		go func() {
			r.mu.Lock()
			w := r.readyLocked("client")
			r.mu.Unlock()
			close(ready)
			errs <- w.Wait(ctx)
		}()
		<-ready

		r.ClearPings("client")
		assert.ErrorIs(t, <-errs, ErrClientRemoved)

		// A later sample starts a fresh lifecycle.
		r.AddPing("client", 0, 10)
		assert.NoError(t, r.WaitForPingResult(ctx, "client"))
	})

	t.Run("gives up with the context", func(t *testing.T) {
		r := NewRegistry()
		short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, r.WaitForPingResult(short, "client"), context.DeadlineExceeded)
	})
}
