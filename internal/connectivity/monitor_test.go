package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_CachesProbeResult(t *testing.T) {
	var fail atomic.Bool
	probe := ProbeFunc(func(context.Context) error {
		if fail.Load() {
			return errors.New("network unreachable")
		}
		return nil
	})
	m := New(probe, Config{}, nil)
	assert.False(t, m.IsOnline())
	assert.True(t, m.LastCheck().IsZero())

	var mu sync.Mutex
	var changes []bool
	m.OnChange(func(online bool) {
		mu.Lock()
		changes = append(changes, online)
		mu.Unlock()
	})

	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.IsOnline())
	assert.False(t, m.LastCheck().IsZero())

	assert.True(t, m.Check(context.Background()))

	fail.Store(true)
	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.IsOnline())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	probe := ProbeFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := New(probe, Config{Timeout: 20 * time.Millisecond, Initial: true}, nil)
	assert.True(t, m.IsOnline())
	assert.False(t, m.Check(context.Background()))
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	m := New(ProbeFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}), Config{Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, m.IsOnline())
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewHTTPProbe(srv.URL, 0)
	assert.NoError(t, p.Probe(context.Background()))

	status.Store(http.StatusNotFound)
	assert.NoError(t, p.Probe(context.Background()), "reachable even when the path is wrong")

	status.Store(http.StatusBadGateway)
	assert.Error(t, p.Probe(context.Background()))

	srv.Close()
	assert.Error(t, p.Probe(context.Background()))
}

func TestStatic(t *testing.T) {
	assert.True(t, Static(true).IsOnline())
	assert.False(t, Static(false).IsOnline())
}
