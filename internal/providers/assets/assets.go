package assets

import (
	"context"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/protocol"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

const textPlain = "text/plain; charset=utf-8"

// Provider serves files from an fs.FS
type Provider struct {
	fsys     fs.FS
	index    string
	static   bool
	maxRange int64
	deny     []string
	logger   *zap.Logger
}

// Option configures a Provider
type Option func(*Provider)

// WithIndex sets the file served for directory paths. Default index.html.
func WithIndex(name string) Option {
	return func(p *Provider) { p.index = name }
}

// WithStatic marks file bytes as immutable so bodies reference them
// without copying, as with embed.FS.
func WithStatic() Option {
	return func(p *Provider) { p.static = true }
}

// WithMaxRange caps the bytes returned for one range request. Zero returns
// the whole requested range.
func WithMaxRange(n int64) Option {
	return func(p *Provider) { p.maxRange = n }
}

// WithDeny hides files matching any of the doublestar patterns, such as
// "**/*.map". Hidden files answer 404.
func WithDeny(patterns ...string) Option {
	return func(p *Provider) { p.deny = append(p.deny, patterns...) }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) { p.logger = logging.OrNop(l) }
}

// New creates a provider over fsys
func New(fsys fs.FS, opts ...Option) *Provider {
	p := &Provider{
		fsys:   fsys,
		index:  "index.html",
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handler returns the provider as an Immediate handler
func (p *Provider) Handler() protocol.Immediate {
	return p.Serve
}

// Serve answers req from the file system. Missing files are 404
// responses, not errors.
func (p *Provider) Serve(_ context.Context, req *types.Request) (*types.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		resp := types.NewResponse(http.StatusMethodNotAllowed, textPlain, []byte("method not allowed"))
		resp.Header.Set("Allow", "GET, HEAD")
		return resp, nil
	}

	name, data, err := p.read(req.URL.Path)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
		p.logger.Debug("asset not found", logging.URL(req.URL.String()))
		return types.NewResponse(http.StatusNotFound, textPlain, []byte("not found")), nil
	}
	if err != nil {
		return nil, err
	}

	status := http.StatusOK
	resp := types.NewResponse(status, contentType(name, data), nil)
	resp.Header.Set("Accept-Ranges", "bytes")

	size := int64(len(data))
	if spec := req.Header.Get("Range"); spec != "" {
		start, end, ok := parseRange(spec, size)
		if !ok {
			resp.Status = http.StatusRequestedRangeNotSatisfiable
			resp.Header.Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
			return resp, nil
		}
		if p.maxRange > 0 && end-start+1 > p.maxRange {
			end = start + p.maxRange - 1
		}
		resp.Status = http.StatusPartialContent
		resp.Header.Set("Content-Range",
			"bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(size, 10))
		data = data[start : end+1]
	}

	if req.Method == http.MethodHead {
		data = nil
	}
	if p.static {
		resp.Body = types.StaticBody(data)
	} else {
		resp.Body = types.OwnedBody(data)
	}
	return resp, nil
}

// read resolves urlPath inside the file system. The path is cleaned as
// an absolute path first, so ".." never escapes the root.
func (p *Provider) read(urlPath string) (string, []byte, error) {
	name := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if name == "" {
		name = p.index
	} else if info, err := fs.Stat(p.fsys, name); err == nil && info.IsDir() {
		name = path.Join(name, p.index)
	}
	if !fs.ValidPath(name) {
		return name, nil, fs.ErrInvalid
	}
	if p.denied(name) {
		return name, nil, fs.ErrNotExist
	}
	data, err := fs.ReadFile(p.fsys, name)
	return name, data, err
}

func (p *Provider) denied(name string) bool {
	for _, pattern := range p.deny {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return mimetype.Detect(data).String()
}

// parseRange resolves a single byte range against size. Multiple ranges
// are not supported and fail like an unsatisfiable range.
func parseRange(spec string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(strings.TrimSpace(spec), "bytes=")
	if !found || strings.Contains(spec, ",") || size == 0 {
		return 0, 0, false
	}
	first, last, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// suffix range: the last n bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	end = size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, true
}
