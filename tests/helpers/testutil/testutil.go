// Package testutil provides testing utilities and helpers for webhost tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/runloop"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

// MockAdapter is a mock implementation of platform.Adapter for testing.
type MockAdapter struct {
	mock.Mock
}

// Capabilities mocks the Capabilities method.
func (m *MockAdapter) Capabilities() platform.Capabilities {
	args := m.Called()
	return args.Get(0).(platform.Capabilities)
}

// DeliverResponse mocks the DeliverResponse method.
func (m *MockAdapter) DeliverResponse(surface id.SurfaceID, token types.RequestToken, resp *types.Response) error {
	args := m.Called(surface, token, resp)
	return args.Error(0)
}

// InjectScript mocks the InjectScript method.
func (m *MockAdapter) InjectScript(surface id.SurfaceID, script string) error {
	args := m.Called(surface, script)
	return args.Error(0)
}

// NewMockAdapter creates a new mock adapter with default behaviors.
func NewMockAdapter(t *testing.T, caps platform.Capabilities) *MockAdapter {
	t.Helper()
	m := new(MockAdapter)

	m.On("Capabilities").Return(caps).Maybe()
	m.On("DeliverResponse", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("InjectScript", mock.Anything, mock.Anything).Return(nil).Maybe()

	return m
}

// Delivery is one response handed to a RecordingAdapter.
type Delivery struct {
	Surface  id.SurfaceID
	Token    types.RequestToken
	Response *types.Response
}

// RecordingAdapter records every call it receives.
type RecordingAdapter struct {
	Caps platform.Capabilities

	mu         sync.Mutex
	deliveries []Delivery
	scripts    map[id.SurfaceID][]string
	notify     chan Delivery
}

// NewRecordingAdapter creates a recording adapter reporting caps.
func NewRecordingAdapter(caps platform.Capabilities) *RecordingAdapter {
	return &RecordingAdapter{
		Caps:    caps,
		scripts: make(map[id.SurfaceID][]string),
		notify:  make(chan Delivery, 256),
	}
}

// Capabilities returns the configured capabilities.
func (a *RecordingAdapter) Capabilities() platform.Capabilities { return a.Caps }

// DeliverResponse records the delivery.
func (a *RecordingAdapter) DeliverResponse(surface id.SurfaceID, token types.RequestToken, resp *types.Response) error {
	d := Delivery{Surface: surface, Token: token, Response: resp}
	a.mu.Lock()
	a.deliveries = append(a.deliveries, d)
	a.mu.Unlock()
	select {
	case a.notify <- d:
	default:
	}
	return nil
}

// InjectScript records the script.
func (a *RecordingAdapter) InjectScript(surface id.SurfaceID, script string) error {
	a.mu.Lock()
	a.scripts[surface] = append(a.scripts[surface], script)
	a.mu.Unlock()
	return nil
}

// Deliveries returns a copy of the recorded deliveries.
func (a *RecordingAdapter) Deliveries() []Delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Delivery(nil), a.deliveries...)
}

// Scripts returns the scripts injected into surface.
func (a *RecordingAdapter) Scripts(surface id.SurfaceID) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.scripts[surface]...)
}

// WaitDelivery blocks until the next delivery or fails the test.
func (a *RecordingAdapter) WaitDelivery(t *testing.T) Delivery {
	t.Helper()
	select {
	case d := <-a.notify:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

// StartLoop runs a loop for the duration of the test.
func StartLoop(t *testing.T, opts ...runloop.Option) *runloop.Loop {
	t.Helper()
	loop := runloop.New(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	require.Eventually(t, loop.Running, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

// Sync waits until every task posted before it has run.
func Sync(t *testing.T, loop *runloop.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, loop.Do(ctx, func() {}))
}
