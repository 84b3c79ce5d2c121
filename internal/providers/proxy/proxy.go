package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/protocol"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

// hopHeaders are connection-level and never forwarded
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Settings configures the upstream client
type Settings struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	UserAgent    string
}

// DefaultSettings suit a local development server
func DefaultSettings() Settings {
	return Settings{
		Timeout:      30 * time.Second,
		RetryMax:     2,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		UserAgent:    "webhost-proxy/1.0",
	}
}

// Provider forwards scheme requests to an upstream HTTP origin
type Provider struct {
	upstream *url.URL
	client   *resty.Client
	logger   *zap.Logger
}

// Option configures a Provider
type Option func(*Provider)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) { p.logger = logging.OrNop(l) }
}

// New creates a provider forwarding to upstream, an absolute http(s) URL
// whose path prefixes every forwarded path.
func New(upstream string, settings Settings, opts ...Option) (*Provider, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("upstream must be an absolute http(s) url: %q", upstream)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = settings.RetryMax
	retryClient.RetryWaitMin = settings.RetryWaitMin
	retryClient.RetryWaitMax = settings.RetryWaitMax
	retryClient.Logger = nil

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(settings.Timeout).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			// Redirects go back to the page, which follows them itself.
			return http.ErrUseLastResponse
		}))
	if settings.UserAgent != "" {
		client.SetHeader("User-Agent", settings.UserAgent)
	}

	p := &Provider{
		upstream: u,
		client:   client,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Upstream returns the origin requests are forwarded to
func (p *Provider) Upstream() string { return p.upstream.String() }

// Handler returns the provider as a Deferred handler
func (p *Provider) Handler() protocol.Deferred {
	return p.Serve
}

// Serve forwards req on its own goroutine and responds with the upstream
// answer, or 502 when the upstream cannot be reached.
func (p *Provider) Serve(ctx context.Context, req *types.Request, r protocol.Responder) {
	go func() {
		resp := p.forward(ctx, req)
		if resp == nil {
			return
		}
		r.Respond(resp)
	}()
}

// Target maps a scheme URL onto the upstream
func (p *Provider) Target(u *url.URL) string {
	t := *p.upstream
	t.Path = strings.TrimSuffix(p.upstream.Path, "/") + "/" + strings.TrimPrefix(u.Path, "/")
	t.RawPath = ""
	t.RawQuery = u.RawQuery
	return t.String()
}

func (p *Provider) forward(ctx context.Context, req *types.Request) *types.Response {
	target := p.Target(req.URL)

	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	tracing.InjectTraceContext(ctx, header)

	start := time.Now()
	rr := p.client.R().
		SetContext(ctx).
		SetHeaderMultiValues(header)
	if len(req.Body) > 0 {
		rr.SetBody(req.Body)
	}
	res, err := rr.Execute(req.Method, target)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by teardown or timeout; nobody waits for an answer.
			p.logger.Debug("proxy request abandoned", logging.URL(target), zap.Error(ctx.Err()))
			return nil
		}
		p.logger.Warn("upstream request failed", logging.URL(target), zap.Error(err))
		return types.ErrorResponse(http.StatusBadGateway, fmt.Errorf("%w: upstream: %v", types.ErrHandlerFailure, err))
	}

	resp := types.NewResponse(res.StatusCode(), "", res.Body())
	for k, vs := range res.Header() {
		if len(vs) > 0 {
			resp.Header.Set(k, vs[len(vs)-1])
		}
	}
	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	resp.Header.Del("Content-Length")

	p.logger.Debug("proxied",
		zap.String("method", req.Method),
		logging.URL(target),
		zap.Int("status", res.StatusCode()),
		zap.Duration("elapsed", time.Since(start)))
	return resp
}
