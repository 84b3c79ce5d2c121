package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/bridge"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/runloop"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shim"
)

// Poster schedules work on the engine thread
type Poster interface {
	Post(fn runloop.Task) error
}

// Call is one decoded request from window.rpc
type Call struct {
	Surface id.SurfaceID
	URL     string
	Method  string
	// Params is the raw JSON params, an array for window.rpc calls.
	Params json.RawMessage
	// Notify is set when the page expects no reply.
	Notify bool
}

// Bind decodes the params into v
func (c *Call) Bind(v any) error {
	params := c.Params
	if len(params) == 0 {
		params = json.RawMessage("[]")
	}
	if err := sonic.Unmarshal(params, v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

// Arg decodes positional param i into v
func (c *Call) Arg(i int, v any) error {
	var args []json.RawMessage
	if err := c.Bind(&args); err != nil {
		return err
	}
	if i < 0 || i >= len(args) {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("missing argument %d", i)}
	}
	if err := sonic.Unmarshal(args[i], v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("argument %d: %v", i, err)}
	}
	return nil
}

// Method handles one RPC method. The result is encoded as JSON.
type Method func(ctx context.Context, call *Call) (any, error)

// envelope is the wire form posted by the rpc client
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Stats counts rpc activity
type Stats struct {
	Methods  int    `json:"methods"`
	Calls    uint64 `json:"calls"`
	Notifies uint64 `json:"notifies"`
	Errors   uint64 `json:"errors"`
	Passed   uint64 `json:"passed"`
}

// Server answers window.rpc calls. It is a bridge.Handler: messages that
// are not JSON-RPC requests go to the fallback handler.
type Server struct {
	adapter platform.Adapter
	loop    Poster

	mu       sync.RWMutex
	methods  map[string]Method
	fallback bridge.Handler

	calls    atomic.Uint64
	notifies atomic.Uint64
	errors   atomic.Uint64
	passed   atomic.Uint64

	logger *zap.Logger
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

// WithFallback receives every message that is not an RPC request
func WithFallback(h bridge.Handler) Option {
	return func(s *Server) { s.fallback = h }
}

// New creates a server replying through adapter on loop
func New(adapter platform.Adapter, loop Poster, opts ...Option) *Server {
	s := &Server{
		adapter: adapter,
		loop:    loop,
		methods: make(map[string]Method),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds name to m
func (s *Server) Register(name string, m Method) error {
	if name == "" || m == nil {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.methods[name]; exists {
		return fmt.Errorf("%w: %s", ErrMethodExists, name)
	}
	s.methods[name] = m
	return nil
}

// SetFallback replaces the fallback handler
func (s *Server) SetFallback(h bridge.Handler) {
	s.mu.Lock()
	s.fallback = h
	s.mu.Unlock()
}

// Methods returns registered method names, sorted
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleMessage implements bridge.Handler
func (s *Server) HandleMessage(ctx context.Context, msg bridge.Message) {
	env, ok := parse(msg.Body)
	if !ok {
		s.passed.Add(1)
		s.mu.RLock()
		fallback := s.fallback
		s.mu.RUnlock()
		if fallback != nil {
			fallback.HandleMessage(ctx, msg)
			return
		}
		s.logger.Debug("non-rpc message ignored", logging.Surface(msg.Surface))
		return
	}

	call := &Call{
		Surface: msg.Surface,
		URL:     msg.URL,
		Method:  env.Method,
		Params:  env.Params,
		Notify:  isNull(env.ID),
	}
	if call.Notify {
		s.notifies.Add(1)
	} else {
		s.calls.Add(1)
	}

	result, err := s.invoke(ctx, call)
	if err != nil {
		s.errors.Add(1)
		s.logger.Debug("rpc method failed",
			logging.Surface(msg.Surface),
			zap.String("method", call.Method),
			zap.Error(err))
	}
	if call.Notify {
		return
	}
	s.reply(msg.Surface, env.ID, result, err)
}

func (s *Server) invoke(ctx context.Context, call *Call) (result any, err error) {
	s.mu.RLock()
	m, ok := s.methods[call.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: "method not found: " + call.Method}
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("rpc method panicked",
				logging.Surface(call.Surface),
				zap.String("method", call.Method),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			result, err = nil, &Error{Code: CodeInternalError, Message: fmt.Sprint(rec)}
		}
	}()
	return m(ctx, call)
}

func (s *Server) reply(surface id.SurfaceID, callID []byte, result any, callErr error) {
	var script string
	if callErr != nil {
		body, err := sonic.Marshal(toError(callErr))
		if err != nil {
			body = []byte(`{"code":-32603,"message":"unencodable error"}`)
		}
		script = shim.ErrorScript(callID, body)
	} else {
		body, err := sonic.Marshal(result)
		if err != nil {
			s.errors.Add(1)
			body, _ = sonic.Marshal(&Error{Code: CodeInternalError, Message: "unencodable result: " + err.Error()})
			script = shim.ErrorScript(callID, body)
		} else {
			script = shim.ResultScript(callID, body)
		}
	}

	post := s.loop.Post(func() {
		if err := s.adapter.InjectScript(surface, script); err != nil {
			s.logger.Debug("rpc reply not injected", logging.Surface(surface), zap.Error(err))
		}
	})
	if post != nil {
		s.logger.Debug("rpc reply dropped", logging.Surface(surface), zap.Error(post))
	}
}

// Stats returns rpc counters
func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.methods)
	s.mu.RUnlock()
	return Stats{
		Methods:  n,
		Calls:    s.calls.Load(),
		Notifies: s.notifies.Load(),
		Errors:   s.errors.Load(),
		Passed:   s.passed.Load(),
	}
}

// parse accepts only JSON-RPC 2.0 request objects
func parse(body string) (envelope, bool) {
	if !strings.HasPrefix(strings.TrimSpace(body), "{") || !strings.Contains(body, `"jsonrpc"`) {
		return envelope{}, false
	}
	var env envelope
	if err := sonic.UnmarshalString(body, &env); err != nil {
		return envelope{}, false
	}
	if env.JSONRPC != "2.0" || env.Method == "" {
		return envelope{}, false
	}
	return env, true
}

func isNull(raw []byte) bool {
	return len(raw) == 0 || string(raw) == "null"
}
