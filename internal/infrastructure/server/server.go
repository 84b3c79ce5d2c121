package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/host"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/resolve"
)

const (
	streamBuffer = 64
	writeWait    = 5 * time.Second
)

// Server is the debug HTTP server of a host
type Server struct {
	host     *host.Host
	router   *gin.Engine
	tracer   *tracing.Tracer
	upgrader websocket.Upgrader
	srv      *http.Server
	origins  []string
	debug    bool
	logger   *zap.Logger
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

// WithOrigins restricts CORS and websocket origins. The default allows all.
func WithOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithDebugMode runs gin in debug mode
func WithDebugMode(on bool) Option {
	return func(s *Server) { s.debug = on }
}

// Stats is the body of GET /stats
type Stats struct {
	host.Stats
	Pending []resolve.PendingInfo `json:"pending"`
}

// New builds the router for h
func New(h *host.Host, opts ...Option) *Server {
	s := &Server{
		host:   h,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tracer = tracing.New("webhost-debug", s.logger)
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	if !s.debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(h.Metrics()))
	router.Use(cors.New(s.corsConfig()))

	router.GET("/health", s.health)
	router.GET("/stats", s.stats)
	router.GET("/bridge/stream", s.stream)
	if m := h.Metrics(); m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	s.router = router
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("debug server listening", zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops the server and flushes the tracer
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.tracer.Close()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Accept", tracing.TraceHeader},
		ExposeHeaders: []string{
			tracing.TraceHeader,
			tracing.SpanHeader,
		},
		MaxAge: 12 * time.Hour,
	}
	if len(s.origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.origins
	}
	return cfg
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.origins {
		if o == origin {
			return true
		}
	}
	return false
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"surfaces": s.host.Stats().Surfaces,
	})
}

func (s *Server) stats(c *gin.Context) {
	body, err := sonic.Marshal(Stats{
		Stats:   s.host.Stats(),
		Pending: s.host.Pending(),
	})
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// stream taps bridge messages onto a websocket until either side goes away
func (s *Server) stream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	msgs, unsubscribe := s.host.Subscribe(streamBuffer)
	defer unsubscribe()

	// The reader only watches for the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("bridge stream opened", zap.String("remote", c.Request.RemoteAddr))
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "host shutdown"),
					time.Now().Add(writeWait))
				return
			}
			body, err := sonic.Marshal(msg)
			if err != nil {
				s.logger.Warn("encode bridge message", zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				s.logger.Debug("bridge stream write failed", zap.Error(err))
				return
			}
		case <-gone:
			s.logger.Debug("bridge stream closed", zap.String("remote", c.Request.RemoteAddr))
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
