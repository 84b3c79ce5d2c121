package headless

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

//go:embed js/runtime.js
var runtimeJS string

var (
	// ErrPageClosed is returned by operations on a closed page
	ErrPageClosed = errors.New("page closed")
	// ErrNavigationDenied is returned when the host refuses a navigation
	ErrNavigationDenied = errors.New("navigation denied")
)

// ConsoleEntry is one console call made by page script
type ConsoleEntry struct {
	Level   string
	Message string
	Time    time.Time
}

// Page is one surface: a JavaScript runtime plus the page URL. All fields
// are owned by the run loop.
type Page struct {
	adapter *Adapter
	id      id.SurfaceID
	ctxID   id.ContextID
	vm      *goja.Runtime
	url     string
	closed  bool
	opener  id.SurfaceID

	fetches map[types.RequestToken]func(*types.Response)

	consoleMu sync.Mutex
	console   []ConsoleEntry

	logger *zap.Logger
}

// ID returns the page's surface id
func (p *Page) ID() id.SurfaceID { return p.id }

// Context returns the page's shared context
func (p *Page) Context() id.ContextID { return p.ctxID }

// Opener returns the surface whose window.open created this page, or
// id.NilSurface
func (p *Page) Opener() id.SurfaceID { return p.opener }

func newPage(a *Adapter, sid id.SurfaceID, ctxID id.ContextID) (*Page, error) {
	p := &Page{
		adapter: a,
		id:      sid,
		ctxID:   ctxID,
		vm:      goja.New(),
		fetches: make(map[types.RequestToken]func(*types.Response)),
		logger:  a.logger.With(logging.Surface(sid)),
	}

	globals := map[string]any{
		"window":          p.vm.GlobalObject(),
		"location":        map[string]any{"href": ""},
		a.binding:         p.post,
		"__webhost_fetch": p.nativeFetch,
		"__webhost_log":   p.nativeLog,
		"__webhost_open":  p.nativeOpen,
	}
	for name, v := range globals {
		if err := p.vm.Set(name, v); err != nil {
			return nil, fmt.Errorf("install %s: %w", name, err)
		}
	}
	if _, err := p.vm.RunString(runtimeJS); err != nil {
		return nil, fmt.Errorf("install runtime: %w", err)
	}
	return p, nil
}

// post is the messenger behind window.ipc.postMessage
func (p *Page) post(text string) {
	p.adapter.host.OnScriptMessage(p.id, p.url, text)
}

func (p *Page) nativeLog(level string, args []any) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	msg := strings.Join(parts, " ")

	p.consoleMu.Lock()
	p.console = append(p.console, ConsoleEntry{Level: level, Message: msg, Time: time.Now()})
	p.consoleMu.Unlock()

	p.logger.Debug("console", zap.String("level", level), zap.String("message", msg))
}

// nativeOpen backs window.open. The new page loads on a later loop turn.
func (p *Page) nativeOpen(rawURL string) goja.Value {
	target := p.resolveURL(rawURL)
	if !p.adapter.host.OnNavigation(p.id, target, true) {
		return goja.Null()
	}
	child, err := p.adapter.open(p.ctxID)
	if err != nil {
		p.logger.Warn("new window not opened", logging.URL(target), zap.Error(err))
		return goja.Null()
	}
	child.opener = p.id
	p.adapter.windowOpened(child)

	if err := p.adapter.loop.Post(func() {
		child.load(target, func(_ *types.Response, err error) {
			if err != nil {
				child.logger.Warn("new window load failed", logging.URL(target), zap.Error(err))
			}
		})
	}); err != nil {
		child.logger.Debug("new window load not scheduled", zap.Error(err))
	}
	return p.vm.ToValue(map[string]any{
		"closed":   false,
		"location": map[string]any{"href": target},
	})
}

// nativeFetch(url, method, headers, body, resolve, reject)
func (p *Page) nativeFetch(call goja.FunctionCall) goja.Value {
	resolve, okResolve := goja.AssertFunction(call.Argument(4))
	reject, okReject := goja.AssertFunction(call.Argument(5))
	if !okResolve || !okReject {
		panic(p.vm.NewTypeError("fetch: missing callbacks"))
	}

	var body []byte
	if b := call.Argument(3); !goja.IsNull(b) && !goja.IsUndefined(b) {
		body = []byte(b.String())
	}
	header := make(http.Header)
	if h, ok := call.Argument(2).Export().(map[string]any); ok {
		for k, v := range h {
			header.Set(k, fmt.Sprint(v))
		}
	}
	req := p.newRequest(call.Argument(1).String(), call.Argument(0).String(), header, body)

	p.send(req, func(resp *types.Response) {
		if p.closed {
			return
		}
		headers := make(map[string]any, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		target := ""
		if req.URL != nil {
			target = req.URL.String()
		}
		if _, err := resolve(goja.Undefined(),
			p.vm.ToValue(resp.Status),
			p.vm.ToValue(headers),
			p.vm.ToValue(string(resp.Body.Bytes())),
			p.vm.ToValue(target),
		); err != nil {
			_, _ = reject(goja.Undefined(), p.vm.ToValue(err.Error()))
		}
	})
	return goja.Undefined()
}

// newRequest resolves rawURL against the page URL. An unparsable URL still
// yields a request so the dispatcher can answer it with 400.
func (p *Page) newRequest(method, rawURL string, header http.Header, body []byte) *types.Request {
	req, err := types.NewRequest(method, p.resolveURL(rawURL), header, body)
	if err != nil {
		p.logger.Debug("unparsable request url", logging.URL(rawURL), zap.Error(err))
		return &types.Request{Method: strings.ToUpper(method), Header: header, Body: body}
	}
	if !p.adapter.caps.RequestBodies {
		req.Body = nil
	}
	return req
}

// resolveURL resolves rawURL against the page URL when both parse
func (p *Page) resolveURL(rawURL string) string {
	if p.url == "" {
		return rawURL
	}
	base, err := url.Parse(p.url)
	if err != nil {
		return rawURL
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return base.ResolveReference(ref).String()
}

// send hands req to the host. onResponse runs on the loop, synchronously
// for immediate responses and from DeliverResponse otherwise.
func (p *Page) send(req *types.Request, onResponse func(*types.Response)) {
	token := p.adapter.nextToken()
	req.Token = token
	p.fetches[token] = onResponse

	resp, immediate := p.adapter.host.OnRequest(context.Background(), p.id, p.ctxID, req)
	if immediate {
		delete(p.fetches, token)
		onResponse(resp)
	}
}

// deliver completes a deferred fetch
func (p *Page) deliver(token types.RequestToken, resp *types.Response) error {
	cb, ok := p.fetches[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	delete(p.fetches, token)
	cb(resp)
	p.flush()
	return nil
}

// flush runs promise reactions queued outside a script run
func (p *Page) flush() {
	if _, err := p.vm.RunString(""); err != nil {
		p.logger.Warn("promise job failed", zap.Error(err))
	}
}

func (p *Page) run(script string) (goja.Value, error) {
	if p.closed {
		return nil, ErrPageClosed
	}
	return p.vm.RunString(script)
}

func (p *Page) setURL(rawURL string) {
	p.url = rawURL
	_ = p.vm.Set("location", map[string]any{"href": rawURL})
}

// runDocumentScripts executes the inline scripts of an HTML document in
// order. External scripts are not loaded.
func (p *Page) runDocumentScripts(resp *types.Response) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body.Bytes()))
	if err != nil {
		return err
	}
	var errs []error
	doc.Find("script").Each(func(i int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			p.logger.Debug("external script skipped", logging.URL(src))
			return
		}
		if typ, ok := s.Attr("type"); ok && !isJavaScript(typ) {
			return
		}
		if _, err := p.run(s.Text()); err != nil {
			p.logger.Warn("page script failed", zap.Int("index", i), zap.Error(err))
			errs = append(errs, fmt.Errorf("script %d: %w", i, err))
		}
	})
	return errors.Join(errs...)
}

func isJavaScript(typ string) bool {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "text/javascript", "application/javascript", "module":
		return true
	}
	return false
}

func isHTML(resp *types.Response) bool {
	mt, _, err := mime.ParseMediaType(resp.ContentType())
	return err == nil && mt == "text/html"
}

// Console returns the console calls made so far
func (p *Page) Console() []ConsoleEntry {
	p.consoleMu.Lock()
	defer p.consoleMu.Unlock()
	return append([]ConsoleEntry(nil), p.console...)
}

// Eval runs script in the page and returns its exported result
func (p *Page) Eval(ctx context.Context, script string) (any, error) {
	var (
		out any
		err error
	)
	if doErr := p.adapter.loop.Do(ctx, func() {
		var v goja.Value
		v, err = p.run(script)
		if err == nil && v != nil {
			out = v.Export()
		}
	}); doErr != nil {
		return nil, doErr
	}
	return out, err
}

// WaitFor polls expr until it is truthy or ctx ends
func (p *Page) WaitFor(ctx context.Context, expr string) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		var (
			ok  bool
			err error
		)
		if doErr := p.adapter.loop.Do(ctx, func() {
			var v goja.Value
			v, err = p.run(expr)
			ok = err == nil && v != nil && v.ToBoolean()
		}); doErr != nil {
			return doErr
		}
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Navigate loads rawURL as the page document and, for HTML, runs its
// inline scripts. It returns the document response. The host may refuse
// the navigation with ErrNavigationDenied.
func (p *Page) Navigate(ctx context.Context, rawURL string) (*types.Response, error) {
	type result struct {
		resp *types.Response
		err  error
	}
	done := make(chan result, 1)
	var startErr error
	if err := p.adapter.loop.Do(ctx, func() {
		if p.closed {
			startErr = ErrPageClosed
			return
		}
		target := p.resolveURL(rawURL)
		if !p.adapter.host.OnNavigation(p.id, target, false) {
			startErr = fmt.Errorf("%w: %s", ErrNavigationDenied, target)
			return
		}
		p.load(target, func(resp *types.Response, err error) { done <- result{resp, err} })
	}); err != nil {
		return nil, err
	}
	if startErr != nil {
		return nil, startErr
	}

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load requests target as the page document and runs the inline scripts
// of an HTML response. It reports load events to the host. Runs on the
// loop, and so does done.
func (p *Page) load(target string, done func(*types.Response, error)) {
	p.setURL(target)
	p.adapter.host.OnPageLoad(p.id, target, platform.PageLoadStarted)

	req := p.newRequest(http.MethodGet, target, http.Header{"Accept": {"text/html"}}, nil)
	p.send(req, func(resp *types.Response) {
		if p.closed {
			done(resp, ErrPageClosed)
			return
		}
		var err error
		if isHTML(resp) {
			err = p.runDocumentScripts(resp)
		}
		p.adapter.host.OnPageLoad(p.id, target, platform.PageLoadFinished)
		done(resp, err)
	})
}

// Close destroys the surface. Outstanding fetches never settle.
func (p *Page) Close(ctx context.Context) error {
	return p.adapter.loop.Do(ctx, func() {
		if p.closed {
			return
		}
		p.closed = true
		p.fetches = make(map[types.RequestToken]func(*types.Response))
		p.adapter.remove(p.id)
		p.adapter.host.SurfaceDestroyed(p.id)
	})
}
