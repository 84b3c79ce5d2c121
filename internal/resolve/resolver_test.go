package resolve

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/surface"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
	"github.com/GriffinCanCode/AgentOS/webhost/tests/helpers/testutil"
)

type fixture struct {
	resolver *Resolver
	adapter  *testutil.RecordingAdapter
	surfaces *surface.Map
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	loop := testutil.StartLoop(t)
	f := &fixture{
		adapter:  testutil.NewRecordingAdapter(platform.Capabilities{DocumentStartScripts: true}),
		surfaces: surface.NewMap(),
	}
	f.resolver = New(f.adapter, loop, f.surfaces, opts...)
	return f
}

func request(t *testing.T, rawURL string) *types.Request {
	t.Helper()
	req, err := types.NewRequest(http.MethodGet, rawURL, nil, nil)
	require.NoError(t, err)
	req.Token = "tok-1"
	return req
}

func TestRespondDeliversOnce(t *testing.T) {
	f := newFixture(t)
	sid := f.surfaces.Allocate()

	p, responder := f.resolver.Begin(sid, request(t, "app://localhost/data"))
	assert.Equal(t, StatePending, p.State())
	assert.Equal(t, 1, f.resolver.PendingFor(sid))

	assert.True(t, responder.Respond(types.NewResponse(http.StatusOK, "text/plain", []byte("ok"))))
	assert.False(t, responder.Respond(types.NewResponse(http.StatusTeapot, "", nil)))

	d := f.adapter.WaitDelivery(t)
	assert.Equal(t, sid, d.Surface)
	assert.Equal(t, types.RequestToken("tok-1"), d.Token)
	assert.Equal(t, http.StatusOK, d.Response.Status)
	assert.Equal(t, "2", d.Response.Header.Get("Content-Length"))

	<-p.Done()
	assert.Equal(t, StateDelivered, p.State())
	assert.Len(t, f.adapter.Deliveries(), 1)

	stats := f.resolver.Stats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Rejected)
}

func TestCancelSurfaceDiscardsLateResponse(t *testing.T) {
	f := newFixture(t)
	sid := f.surfaces.Allocate()

	p, responder := f.resolver.Begin(sid, request(t, "app://localhost/slow"))
	f.surfaces.Retire(sid)
	assert.Equal(t, 1, f.resolver.CancelSurface(sid))
	assert.Equal(t, StateCancelled, p.State())
	assert.Error(t, p.Context().Err())

	assert.False(t, responder.Respond(types.NewResponse(http.StatusOK, "", nil)))
	assert.Empty(t, f.adapter.Deliveries())

	stats := f.resolver.Stats()
	assert.Equal(t, uint64(1), stats.Cancelled)
	assert.Equal(t, uint64(1), stats.Stale)
	assert.Zero(t, f.resolver.CancelSurface(sid))
}

func TestBeginOnRetiredSurfaceIsCancelled(t *testing.T) {
	f := newFixture(t)
	sid := f.surfaces.Allocate()
	f.surfaces.OnRetire(func(sid id.SurfaceID) { f.resolver.CancelSurface(sid) })
	f.surfaces.Retire(sid)

	var outcome Outcome
	p, responder := f.resolver.Begin(sid, request(t, "app://localhost/late"),
		OnTerminal(func(_ *Pending, o Outcome) { outcome = o }))

	assert.Equal(t, StateCancelled, p.State())
	assert.Equal(t, StateCancelled, outcome.State)
	assert.ErrorIs(t, p.Context().Err(), context.Canceled)
	assert.Zero(t, f.resolver.PendingFor(sid))
	assert.Empty(t, f.resolver.Pending())

	assert.False(t, responder.Respond(types.NewResponse(http.StatusOK, "", nil)))
	assert.Empty(t, f.adapter.Deliveries())
	assert.Equal(t, uint64(1), f.resolver.Stats().Cancelled)
}

func TestRetiredSurfaceIsNotDelivered(t *testing.T) {
	f := newFixture(t)
	sid := f.surfaces.Allocate()

	p, responder := f.resolver.Begin(sid, request(t, "app://localhost/x"))
	f.surfaces.Retire(sid)

	assert.True(t, responder.Respond(types.NewResponse(http.StatusOK, "", nil)))
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("entry never reached a terminal state")
	}
	assert.Equal(t, StateCancelled, p.State())
	assert.Empty(t, f.adapter.Deliveries())
}

func TestOnTerminalCalledOnce(t *testing.T) {
	f := newFixture(t)
	sid := f.surfaces.Allocate()

	var (
		calls atomic.Int32
		got   Outcome
	)
	p, responder := f.resolver.Begin(sid, request(t, "app://localhost/"),
		OnTerminal(func(_ *Pending, o Outcome) {
			calls.Add(1)
			got = o
		}))

	responder.Respond(types.NewResponse(http.StatusAccepted, "", nil))
	<-p.Done()
	f.resolver.CancelSurface(sid)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateDelivered, got.State)
	assert.Equal(t, http.StatusAccepted, got.Response.Status)
}

func TestConcurrentRespondExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	sid := f.surfaces.Allocate()
	p, responder := f.resolver.Begin(sid, request(t, "app://localhost/race"))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if responder.Respond(types.NewResponse(http.StatusOK, "", nil)) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	<-p.Done()

	assert.Equal(t, int32(1), wins.Load())
	assert.Len(t, f.adapter.Deliveries(), 1)
}

func TestRespondRacingTeardown(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 50; i++ {
		sid := f.surfaces.Allocate()
		p, responder := f.resolver.Begin(sid, request(t, "app://localhost/"))

		go responder.Respond(types.NewResponse(http.StatusOK, "", nil))
		f.surfaces.Retire(sid)
		f.resolver.CancelSurface(sid)

		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("entry never reached a terminal state")
		}
	}

	for _, d := range f.adapter.Deliveries() {
		assert.False(t, f.surfaces.IsLive(d.Surface))
	}
	stats := f.resolver.Stats()
	assert.Equal(t, uint64(50), stats.Delivered+stats.Cancelled)
	assert.Zero(t, stats.Pending)
}

func TestPendingListing(t *testing.T) {
	f := newFixture(t)
	sid := f.surfaces.Allocate()

	first, _ := f.resolver.Begin(sid, request(t, "app://localhost/a"))
	time.Sleep(time.Millisecond)
	f.resolver.Begin(sid, request(t, "app://localhost/b"))

	list := f.resolver.Pending()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, "pending", list[0].State)
	assert.Equal(t, "app", list[0].Scheme)

	got, ok := f.resolver.Lookup(first.ID)
	assert.True(t, ok)
	assert.Same(t, first, got)
}
