package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockService struct {
	started atomic.Bool
	stopped atomic.Bool
	startFn func(ctx context.Context) error
	order   *[]string
	mu      *sync.Mutex
	name    string
}

func (m *mockService) Start(ctx context.Context) error {
	m.started.Store(true)
	if m.startFn != nil {
		return m.startFn(ctx)
	}
	// Block until stopped or cancelled
	for !m.stopped.Load() && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (m *mockService) Stop() {
	if m.order != nil {
		m.mu.Lock()
		*m.order = append(*m.order, m.name)
		m.mu.Unlock()
	}
	m.stopped.Store(true)
}

func waitStarted(t *testing.T, svcs ...*mockService) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		all := true
		for _, s := range svcs {
			all = all && s.started.Load()
		}
		if all {
			return
		}
		select {
		case <-deadline:
			t.Fatal("services did not start in time")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestLifecycleStartsAndStopsServicesInReverseOrder(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lc := NewLifecycle(logger)

	var order []string
	var mu sync.Mutex
	svc1 := &mockService{name: "svc1", order: &order, mu: &mu}
	svc2 := &mockService{name: "svc2", order: &order, mu: &mu}

	lc.Add("svc1", svc1)
	lc.Add("svc2", svc2)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- lc.Run(ctx)
	}()

	waitStarted(t, svc1, svc2)

	// Trigger shutdown
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}

	assert.True(t, svc1.stopped.Load())
	assert.True(t, svc2.stopped.Load())
	mu.Lock()
	assert.Equal(t, []string{"svc2", "svc1"}, order)
	mu.Unlock()
}

func TestLifecycleReturnsServiceError(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))

	boom := errors.New("bind failed")
	failing := &mockService{startFn: func(context.Context) error { return boom }}
	healthy := &mockService{}
	lc.Add("healthy", healthy)
	lc.Add("failing", failing)

	err := lc.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "service failing")
	assert.True(t, healthy.stopped.Load())
}

func TestLifecycleCancelsServiceContext(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))

	var sawCancel atomic.Bool
	svc := &mockService{startFn: func(ctx context.Context) error {
		<-ctx.Done()
		sawCancel.Store(true)
		return nil
	}}
	lc.Add("ctx-only", svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()

	waitStarted(t, svc)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.True(t, sawCancel.Load(), "Run waits for Start to return")
}

func TestFuncService(t *testing.T) {
	started := false
	stopped := false

	svc := &FuncService{
		StartFn: func(context.Context) error {
			started = true
			return nil
		},
		StopFn: func() {
			stopped = true
		},
	}

	err := svc.Start(context.Background())
	assert.NoError(t, err)
	assert.True(t, started)

	svc.Stop()
	assert.True(t, stopped)
}

func TestFuncServiceNilStop(t *testing.T) {
	svc := &FuncService{StartFn: func(context.Context) error { return nil }}
	assert.NotPanics(t, svc.Stop)
}
