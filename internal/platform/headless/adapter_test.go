package headless

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shim"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
	"github.com/GriffinCanCode/AgentOS/webhost/tests/helpers/testutil"
)

// fakeHost answers from a route table; routes missing from it are held
// as deferred and completed by the test.
type fakeHost struct {
	mu        sync.Mutex
	routes    map[string]*types.Response
	held      []*types.Request
	requests  []*types.Request
	messages  []string
	destroyed []id.SurfaceID
	scripts   []string
	next      uint32

	deny        map[string]bool
	navigations []string
	loads       []string
}

func (h *fakeHost) SurfaceCreated(id.ContextID) (id.SurfaceID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	return id.MakeSurfaceID(h.next, 1), nil
}

func (h *fakeHost) SurfaceDestroyed(sid id.SurfaceID) {
	h.mu.Lock()
	h.destroyed = append(h.destroyed, sid)
	h.mu.Unlock()
}

func (h *fakeHost) OnRequest(_ context.Context, _ id.SurfaceID, _ id.ContextID, req *types.Request) (*types.Response, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	if req.URL == nil {
		return types.ErrorResponse(http.StatusBadRequest, types.ErrInvalidRequestURI), true
	}
	if resp, ok := h.routes[req.URL.String()]; ok {
		return resp, true
	}
	h.held = append(h.held, req)
	return nil, false
}

func (h *fakeHost) OnScriptMessage(_ id.SurfaceID, _ string, text string) {
	h.mu.Lock()
	h.messages = append(h.messages, text)
	h.mu.Unlock()
}

func (h *fakeHost) InitScripts() []string { return h.scripts }

func (h *fakeHost) OnNavigation(_ id.SurfaceID, url string, newWindow bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	kind := "page"
	if newWindow {
		kind = "window"
	}
	h.navigations = append(h.navigations, kind+" "+url)
	return !h.deny[url]
}

func (h *fakeHost) OnPageLoad(_ id.SurfaceID, url string, event platform.PageLoadEvent) {
	h.mu.Lock()
	h.loads = append(h.loads, event.String()+" "+url)
	h.mu.Unlock()
}

func (h *fakeHost) Loads() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.loads...)
}

func (h *fakeHost) Navigations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.navigations...)
}

func (h *fakeHost) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func (h *fakeHost) Held() []*types.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*types.Request(nil), h.held...)
}

func setup(t *testing.T, opts ...Option) (*Adapter, *fakeHost) {
	t.Helper()
	loop := testutil.StartLoop(t)
	a := New(loop, opts...)
	host := &fakeHost{routes: map[string]*types.Response{
		"app://localhost/index.html": types.NewResponse(200, "text/html; charset=utf-8",
			[]byte(`<html><head></head><body><script>window.loaded = 1;</script><script type="text/plain">broken(</script><script>console.log("ready", window.loaded)</script></body></html>`)),
		"app://localhost/data.json": types.NewResponse(200, "application/json", []byte(`{"n":7}`)),
		"app://localhost/popup.html": types.NewResponse(200, "text/html", []byte(`<script>window.popup = location.href;</script>`)),
	}, deny: map[string]bool{"app://localhost/blocked.html": true}}
	host.scripts = shim.Scripts(shim.Options{Messenger: a.Capabilities().Messenger, BridgeScheme: "ipc"})
	a.Attach(host)
	return a, host
}

func TestOpenRequiresHost(t *testing.T) {
	a := New(testutil.StartLoop(t))
	_, err := a.Open(context.Background(), "ctx")
	assert.ErrorIs(t, err, ErrDetached)
}

func TestNavigateRunsInlineScripts(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()
	page, err := a.Open(ctx, "ctx")
	require.NoError(t, err)

	resp, err := page.Navigate(ctx, "app://localhost/index.html")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	v, err := page.Eval(ctx, "window.loaded")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	console := page.Console()
	require.Len(t, console, 1)
	assert.Equal(t, "ready 1", console[0].Message)
}

func TestFetchImmediateAndDeferred(t *testing.T) {
	a, host := setup(t)
	ctx := context.Background()
	page, err := a.Open(ctx, "ctx")
	require.NoError(t, err)
	_, err = page.Navigate(ctx, "app://localhost/index.html")
	require.NoError(t, err)

	_, err = page.Eval(ctx, `fetch("data.json").then(function (r) { return r.json(); }).then(function (j) { window.n = j.n; });`)
	require.NoError(t, err)
	require.NoError(t, page.WaitFor(ctx, "window.n === 7"))

	_, err = page.Eval(ctx, `fetch("/slow").then(function (r) { window.slow = r.status; });`)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(host.Held()) == 1 }, time.Second, time.Millisecond)
	held := host.Held()[0]
	assert.Equal(t, "app://localhost/slow", held.URL.String())

	require.NoError(t, a.loop.Do(ctx, func() {
		assert.NoError(t, a.DeliverResponse(page.ID(), held.Token, types.NewResponse(202, "text/plain", nil)))
		assert.ErrorIs(t, a.DeliverResponse(page.ID(), held.Token, types.NewResponse(200, "", nil)), ErrUnknownToken)
	}))
	require.NoError(t, page.WaitFor(ctx, "window.slow === 202"))
}

func TestUnparsableURLStillRequests(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()
	page, err := a.Open(ctx, "ctx")
	require.NoError(t, err)

	_, err = page.Eval(ctx, `fetch("://missing-host").then(function (r) { window.status = r.status; });`)
	require.NoError(t, err)
	require.NoError(t, page.WaitFor(ctx, "window.status === 400"))
}

func TestMessengerReachesHost(t *testing.T) {
	a, host := setup(t)
	ctx := context.Background()
	page, err := a.Open(ctx, "ctx")
	require.NoError(t, err)

	_, err = page.Eval(ctx, `window.ipc.postMessage("hello"); fetch("ipc://localhost/x", {method: "POST", body: "payload"});`)
	require.NoError(t, err)

	msgs := host.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0])
	env, ok := shim.ParseEnvelope(msgs[1])
	require.True(t, ok)
	assert.Equal(t, "payload", env.Body)
}

func TestInitScriptsNotRunWithoutDocumentStart(t *testing.T) {
	a, _ := setup(t, WithCapabilities(platform.Capabilities{RequestBodies: true}))
	ctx := context.Background()
	page, err := a.Open(ctx, "ctx")
	require.NoError(t, err)

	v, err := page.Eval(ctx, "typeof window.ipc")
	require.NoError(t, err)
	assert.Equal(t, "undefined", v)
}

func TestCloseDestroysSurface(t *testing.T) {
	a, host := setup(t)
	ctx := context.Background()
	page, err := a.Open(ctx, "ctx")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Pages())

	require.NoError(t, page.Close(ctx))
	require.NoError(t, page.Close(ctx))
	assert.Equal(t, 0, a.Pages())
	assert.Equal(t, []id.SurfaceID{page.ID()}, host.destroyed)

	_, err = page.Eval(ctx, "1")
	assert.ErrorIs(t, err, ErrPageClosed)
	require.NoError(t, a.loop.Do(ctx, func() {
		assert.ErrorIs(t, a.InjectScript(page.ID(), "1"), types.ErrUnknownSurface)
	}))
}

func TestNavigationDenied(t *testing.T) {
	a, host := setup(t)
	ctx := context.Background()
	page, err := a.Open(ctx, "ctx")
	require.NoError(t, err)

	_, err = page.Navigate(ctx, "app://localhost/blocked.html")
	assert.ErrorIs(t, err, ErrNavigationDenied)
	assert.Empty(t, host.requests)
	assert.Empty(t, host.Loads())
	assert.Equal(t, []string{"page app://localhost/blocked.html"}, host.Navigations())
}

func TestPageLoadEvents(t *testing.T) {
	a, host := setup(t)
	ctx := context.Background()
	page, err := a.Open(ctx, "ctx")
	require.NoError(t, err)

	_, err = page.Navigate(ctx, "app://localhost/index.html")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"started app://localhost/index.html",
		"finished app://localhost/index.html",
	}, host.Loads())

	// A deferred document finishes only once it is delivered.
	loaded := make(chan error, 1)
	go func() {
		_, err := page.Navigate(ctx, "/later.html")
		loaded <- err
	}()
	require.Eventually(t, func() bool { return len(host.Held()) == 1 }, time.Second, time.Millisecond)
	assert.Len(t, host.Loads(), 3)

	held := host.Held()[0]
	require.NoError(t, a.loop.Do(ctx, func() {
		assert.NoError(t, a.DeliverResponse(page.ID(), held.Token, types.NewResponse(200, "text/plain", []byte("ok"))))
	}))
	require.NoError(t, <-loaded)
	assert.Equal(t, "finished app://localhost/later.html", host.Loads()[3])
}

func TestWindowOpen(t *testing.T) {
	opened := make(chan *Page, 1)
	a, host := setup(t, WithWindowOpened(func(p *Page) { opened <- p }))
	ctx := context.Background()
	page, err := a.Open(ctx, "ctx")
	require.NoError(t, err)
	_, err = page.Navigate(ctx, "app://localhost/index.html")
	require.NoError(t, err)

	v, err := page.Eval(ctx, `window.open("blocked.html") === null`)
	require.NoError(t, err)
	assert.Equal(t, true, v)
	assert.Equal(t, 1, a.Pages())

	v, err = page.Eval(ctx, `window.open("popup.html").location.href`)
	require.NoError(t, err)
	assert.Equal(t, "app://localhost/popup.html", v)

	var child *Page
	select {
	case child = <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("no window opened")
	}
	assert.Equal(t, page.ID(), child.Opener())
	assert.Equal(t, page.Context(), child.Context())
	assert.Equal(t, 2, a.Pages())
	require.NoError(t, child.WaitFor(ctx, `window.popup === "app://localhost/popup.html"`))

	assert.Contains(t, host.Navigations(), "window app://localhost/blocked.html")
	assert.Contains(t, host.Navigations(), "window app://localhost/popup.html")
}
