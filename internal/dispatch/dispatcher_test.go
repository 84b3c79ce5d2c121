package dispatch

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/protocol"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/resolve"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/surface"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
	"github.com/GriffinCanCode/AgentOS/webhost/tests/helpers/testutil"
)

type harness struct {
	dispatcher *Dispatcher
	registry   *protocol.Registry
	resolver   *resolve.Resolver
	adapter    *testutil.RecordingAdapter
	surfaces   *surface.Map
	metrics    *monitoring.Metrics
	ctxID      id.ContextID
	surface    id.SurfaceID
}

func newHarness(t *testing.T, caps platform.Capabilities, opts ...Option) *harness {
	t.Helper()
	loop := testutil.StartLoop(t)
	h := &harness{
		registry: protocol.NewRegistry(nil),
		adapter:  testutil.NewRecordingAdapter(caps),
		surfaces: surface.NewMap(),
		metrics:  monitoring.NewMetrics(),
	}
	h.resolver = resolve.New(h.adapter, loop, h.surfaces)
	h.ctxID = h.registry.NewContext(caps.Context()).ID()
	h.surface = h.surfaces.AllocateIn(h.ctxID)
	opts = append([]Option{WithMetrics(h.metrics)}, opts...)
	h.dispatcher = New(h.registry, h.resolver, h.adapter, h.surfaces, opts...)
	return h
}

func (h *harness) dispatch(t *testing.T, rawURL string) (*types.Response, bool) {
	t.Helper()
	req, err := types.NewRequest(http.MethodGet, rawURL, nil, nil)
	require.NoError(t, err)
	req.Token = "tok"
	return h.dispatcher.Dispatch(context.Background(), h.surface, h.ctxID, req)
}

func (h *harness) register(t *testing.T, scheme string, handler protocol.Handler) {
	t.Helper()
	require.NoError(t, h.registry.Register(h.ctxID, scheme, handler))
}

func errorKind(resp *types.Response) string {
	return resp.Header.Get(types.ErrorHeader)
}

func TestImmediateHandler(t *testing.T) {
	h := newHarness(t, platform.Capabilities{DocumentStartScripts: true})
	h.register(t, "app", protocol.Immediate(func(_ context.Context, req *types.Request) (*types.Response, error) {
		return types.NewResponse(http.StatusOK, "text/plain", []byte("path="+req.URL.Path)), nil
	}))

	resp, immediate := h.dispatch(t, "app://localhost/index")
	require.True(t, immediate)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "path=/index", string(resp.Body.Bytes()))
	assert.Equal(t, uint64(1), h.dispatcher.Stats().Immediate)
}

func TestSynthesizedFailures(t *testing.T) {
	h := newHarness(t, platform.Capabilities{})
	h.register(t, "err", protocol.Immediate(func(context.Context, *types.Request) (*types.Response, error) {
		return nil, errors.New("disk on fire")
	}))
	h.register(t, "panic", protocol.Immediate(func(context.Context, *types.Request) (*types.Response, error) {
		panic("boom")
	}))
	h.register(t, "empty", protocol.Immediate(func(context.Context, *types.Request) (*types.Response, error) {
		return nil, nil
	}))

	tests := []struct {
		url    string
		status int
		kind   string
	}{
		{"missing://localhost/", http.StatusNotFound, "no_handler_for_scheme"},
		{"err://localhost/", http.StatusInternalServerError, "handler_failure"},
		{"panic://localhost/", http.StatusInternalServerError, "handler_failure"},
		{"empty://localhost/", http.StatusInternalServerError, "handler_failure"},
		{"/relative", http.StatusBadRequest, "invalid_request_uri"},
		{"app:///no-host", http.StatusBadRequest, "invalid_request_uri"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			resp, immediate := h.dispatch(t, tt.url)
			require.True(t, immediate)
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.kind, errorKind(resp))
		})
	}

	resp, immediate := h.dispatcher.Dispatch(context.Background(), h.surface, h.ctxID, nil)
	assert.True(t, immediate)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	stats := h.dispatcher.Stats()
	assert.Equal(t, uint64(1), stats.NoHandler)
	assert.Equal(t, uint64(3), stats.Failures)
	assert.Equal(t, uint64(3), stats.Invalid)
}

func TestDeadSurfaceIsUnavailable(t *testing.T) {
	h := newHarness(t, platform.Capabilities{})
	called := false
	h.register(t, "app", protocol.Immediate(func(context.Context, *types.Request) (*types.Response, error) {
		called = true
		return types.NewResponse(http.StatusOK, "", nil), nil
	}))
	h.surfaces.Retire(h.surface)

	resp, immediate := h.dispatch(t, "app://localhost/")
	assert.True(t, immediate)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "unknown_surface", errorKind(resp))
	assert.False(t, called)
}

func TestDeferredRespondsLater(t *testing.T) {
	h := newHarness(t, platform.Capabilities{})
	h.register(t, "slow", protocol.Deferred(func(_ context.Context, req *types.Request, r protocol.Responder) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			r.Respond(types.NewResponse(http.StatusOK, "application/json", []byte(`{"ok":true}`)))
		}()
	}))

	resp, immediate := h.dispatch(t, "slow://localhost/data")
	assert.False(t, immediate)
	assert.Nil(t, resp)

	d := h.adapter.WaitDelivery(t)
	assert.Equal(t, h.surface, d.Surface)
	assert.Equal(t, types.RequestToken("tok"), d.Token)
	assert.Equal(t, `{"ok":true}`, string(d.Response.Body.Bytes()))
	assert.Equal(t, uint64(1), h.dispatcher.Stats().Deferred)
}

func TestDeferredTimeout(t *testing.T) {
	h := newHarness(t, platform.Capabilities{}, WithDeferredTimeout(20*time.Millisecond))
	h.register(t, "never", protocol.Deferred(func(context.Context, *types.Request, protocol.Responder) {}))

	_, immediate := h.dispatch(t, "never://localhost/")
	require.False(t, immediate)

	d := h.adapter.WaitDelivery(t)
	assert.Equal(t, http.StatusGatewayTimeout, d.Response.Status)
	assert.Equal(t, "handler_timeout", errorKind(d.Response))
	assert.Eventually(t, func() bool { return h.dispatcher.Stats().Timeouts == 1 }, time.Second, time.Millisecond)
}

func TestDeferredPanicResponds500(t *testing.T) {
	h := newHarness(t, platform.Capabilities{})
	h.register(t, "bad", protocol.Deferred(func(context.Context, *types.Request, protocol.Responder) {
		panic("deferred boom")
	}))

	_, immediate := h.dispatch(t, "bad://localhost/")
	require.False(t, immediate)

	d := h.adapter.WaitDelivery(t)
	assert.Equal(t, http.StatusInternalServerError, d.Response.Status)
	assert.Equal(t, "handler_failure", errorKind(d.Response))
}

func TestDeferredContextCancelledOnTeardown(t *testing.T) {
	h := newHarness(t, platform.Capabilities{})
	started := make(chan context.Context, 1)
	h.register(t, "wait", protocol.Deferred(func(ctx context.Context, _ *types.Request, _ protocol.Responder) {
		started <- ctx
	}))

	_, immediate := h.dispatch(t, "wait://localhost/")
	require.False(t, immediate)
	ctx := <-started
	assert.NoError(t, ctx.Err())

	h.surfaces.Retire(h.surface)
	assert.Equal(t, 1, h.resolver.CancelSurface(h.surface))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Empty(t, h.adapter.Deliveries())
}

// retireOnLookup reports a surface live and then retires it, as a teardown
// landing right after the liveness check would.
type retireOnLookup struct {
	*surface.Map
}

func (m retireOnLookup) ContextOf(sid id.SurfaceID) (id.ContextID, bool) {
	ctxID, live := m.Map.ContextOf(sid)
	m.Map.Retire(sid)
	return ctxID, live
}

func TestRetireDuringDispatchCancelsDeferred(t *testing.T) {
	h := newHarness(t, platform.Capabilities{})
	h.surfaces.OnRetire(func(sid id.SurfaceID) { h.resolver.CancelSurface(sid) })
	h.dispatcher = New(h.registry, h.resolver, h.adapter, retireOnLookup{h.surfaces},
		WithMetrics(h.metrics))

	called := false
	h.register(t, "wait", protocol.Deferred(func(context.Context, *types.Request, protocol.Responder) {
		called = true
	}))

	resp, immediate := h.dispatch(t, "wait://localhost/")
	assert.False(t, immediate)
	assert.Nil(t, resp)
	assert.False(t, called)
	assert.False(t, h.surfaces.IsLive(h.surface))
	assert.Zero(t, h.resolver.PendingFor(h.surface))
	assert.Equal(t, uint64(1), h.resolver.Stats().Cancelled)
	assert.Empty(t, h.adapter.Deliveries())
}

func TestContextMismatchRejected(t *testing.T) {
	h := newHarness(t, platform.Capabilities{})
	h.register(t, "app", protocol.Immediate(func(context.Context, *types.Request) (*types.Response, error) {
		return types.NewResponse(http.StatusOK, "text/plain", []byte("mine")), nil
	}))
	other := h.registry.NewContext(protocol.Capabilities{}).ID()
	foreign := false
	require.NoError(t, h.registry.Register(other, "app", protocol.Immediate(func(context.Context, *types.Request) (*types.Response, error) {
		foreign = true
		return types.NewResponse(http.StatusOK, "", nil), nil
	})))

	req, err := types.NewRequest(http.MethodGet, "app://localhost/", nil, nil)
	require.NoError(t, err)

	resp, immediate := h.dispatcher.Dispatch(context.Background(), h.surface, other, req)
	assert.True(t, immediate)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Equal(t, "context_mismatch", errorKind(resp))
	assert.False(t, foreign)
	assert.Equal(t, uint64(1), h.dispatcher.Stats().Mismatched)

	resp, _ = h.dispatcher.Dispatch(context.Background(), h.surface, "", req)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "mine", string(resp.Body.Bytes()))
}

func TestDeferredOutlivesCallerContext(t *testing.T) {
	h := newHarness(t, platform.Capabilities{})
	release := make(chan struct{})
	handlerCtx := make(chan context.Context, 1)
	h.register(t, "slow", protocol.Deferred(func(ctx context.Context, _ *types.Request, r protocol.Responder) {
		handlerCtx <- ctx
		go func() {
			<-release
			r.Respond(types.NewResponse(http.StatusOK, "text/plain", []byte("late")))
		}()
	}))

	req, err := types.NewRequest(http.MethodGet, "slow://localhost/", http.Header{tracing.TraceHeader: {"trace-9"}}, nil)
	require.NoError(t, err)
	req.Token = "tok"
	callCtx, cancel := context.WithCancel(context.Background())
	_, immediate := h.dispatcher.Dispatch(callCtx, h.surface, h.ctxID, req)
	require.False(t, immediate)
	cancel()

	ctx := <-handlerCtx
	assert.NoError(t, ctx.Err())
	assert.Equal(t, tracing.TraceID("trace-9"), tracing.GetTraceID(ctx))

	close(release)
	d := h.adapter.WaitDelivery(t)
	assert.Equal(t, "late", string(d.Response.Body.Bytes()))
	assert.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, time.Millisecond)
}

func TestAliasRewrite(t *testing.T) {
	h := newHarness(t, platform.Capabilities{Alias: protocol.Alias{Base: "https"}})
	var seen string
	h.register(t, "app", protocol.Immediate(func(_ context.Context, req *types.Request) (*types.Response, error) {
		seen = req.URL.String()
		return types.NewResponse(http.StatusOK, "", nil), nil
	}))

	resp, _ := h.dispatch(t, "https://app.localhost/page?q=1")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "app://localhost/page?q=1", seen)

	resp, _ = h.dispatch(t, "https://example.com/")
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestBreakerOpensPerScheme(t *testing.T) {
	breakers := resilience.NewGroup(resilience.Settings{
		ReadyToTrip: resilience.ConsecutiveFailures(2),
		Cooldown:    time.Minute,
	})
	h := newHarness(t, platform.Capabilities{}, WithBreakers(breakers))
	h.register(t, "flaky", protocol.Immediate(func(context.Context, *types.Request) (*types.Response, error) {
		return nil, errors.New("down")
	}))
	h.register(t, "fine", protocol.Immediate(func(context.Context, *types.Request) (*types.Response, error) {
		return types.NewResponse(http.StatusOK, "", nil), nil
	}))

	for i := 0; i < 2; i++ {
		resp, _ := h.dispatch(t, "flaky://localhost/")
		assert.Equal(t, http.StatusInternalServerError, resp.Status)
	}
	resp, _ := h.dispatch(t, "flaky://localhost/")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "scheme_unavailable", errorKind(resp))

	resp, _ = h.dispatch(t, "fine://localhost/")
	assert.Equal(t, http.StatusOK, resp.Status)

	states := h.dispatcher.Breakers()
	assert.Equal(t, "open", states["flaky"])
	assert.Equal(t, "closed", states["fine"])
}

func TestTracingAndMetrics(t *testing.T) {
	tracer := tracing.New("webhost-test", nil)
	t.Cleanup(tracer.Close)

	h := newHarness(t, platform.Capabilities{}, WithTracer(tracer))
	h.register(t, "app", protocol.Immediate(func(ctx context.Context, _ *types.Request) (*types.Response, error) {
		assert.Equal(t, tracing.TraceID("trace-1"), tracing.GetTraceID(ctx))
		return types.NewResponse(http.StatusOK, "", nil), nil
	}))

	req, err := types.NewRequest(http.MethodGet, "app://localhost/", http.Header{tracing.TraceHeader: {"trace-1"}}, nil)
	require.NoError(t, err)
	resp, _ := h.dispatcher.Dispatch(context.Background(), h.surface, h.ctxID, req)
	assert.Equal(t, http.StatusOK, resp.Status)

	h.dispatch(t, "nope://localhost/")
	snap := h.metrics.Snapshot()
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.FailedRequests)
}
