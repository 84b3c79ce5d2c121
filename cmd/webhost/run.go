package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/bridge"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/config"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/host"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/server"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/manifest"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform/headless"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/runloop"
)

const shutdownTimeout = 5 * time.Second

type runFlags struct {
	manifest  string
	url       string
	script    string
	debugAddr string
	exit      bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load a page in the headless engine with the manifest's schemes mounted",
		Example: `  webhost run --manifest webhost.yaml --url app://localhost/
  webhost run -m webhost.toml -u app://localhost/ --script smoke.js --exit`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), g, f)
		},
	}
	cmd.Flags().StringVarP(&f.manifest, "manifest", "m", "webhost.yaml", "manifest file (.yaml, .toml or .json)")
	cmd.Flags().StringVarP(&f.url, "url", "u", "", "page URL to load")
	cmd.Flags().StringVar(&f.script, "script", "", "script file evaluated after the page loads")
	cmd.Flags().StringVar(&f.debugAddr, "debug-addr", "", "debug server address, overrides WEBHOST_DEBUG_ADDR")
	cmd.Flags().BoolVar(&f.exit, "exit", false, "exit after the page and script have run")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func run(parent context.Context, g *globalFlags, f *runFlags) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if f.debugAddr != "" {
		cfg.Debug.Addr = f.debugAddr
	}
	log, err := g.logger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	m, err := manifest.Load(f.manifest)
	if err != nil {
		return err
	}

	metrics := monitoring.NewMetrics()
	loop := runloop.New(
		runloop.WithQueueSize(cfg.Loop.QueueSize),
		runloop.WithLogger(log.Component("runloop")),
		runloop.WithMetrics(metrics),
	)
	adapter := headless.New(loop,
		headless.WithLogger(log.Component("headless")),
		headless.WithCapabilities(m.Capabilities()),
	)
	h := host.New(loop, adapter,
		host.WithLogger(log.Logger),
		host.WithMetrics(metrics),
		host.WithConfig(cfg),
		host.WithBridgeScheme(m.Bridge()),
		host.WithMessageHandler(logMessages(log.Component("page"))),
	)
	adapter.Attach(h)

	ctxID := m.ContextID()
	if ctxID == "" {
		ctxID = h.NewContext()
	} else if err := h.AddContext(ctxID); err != nil {
		return err
	}
	if err := m.Apply(h, ctxID, log.Component("manifest")); err != nil {
		return err
	}

	var debug *server.Server
	if cfg.Debug.Addr != "" {
		debug = server.New(h,
			server.WithLogger(log.Component("debug")),
			server.WithDebugMode(g.dev),
		)
		go func() {
			if err := debug.ListenAndServe(cfg.Debug.Addr); err != nil {
				log.Error("debug server failed", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The loop owns the main goroutine; the session drives it from here.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		defer stopLoop()
		page, err := adapter.Open(ctx, ctxID)
		if err != nil {
			errc <- fmt.Errorf("open page: %w", err)
			return
		}
		err = session(ctx, page, f, log.Logger)
		if err == nil && !f.exit {
			<-ctx.Done()
		}

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := page.Close(sctx); cerr != nil {
			log.Debug("close page", zap.Error(cerr))
		}
		if serr := h.Shutdown(sctx); serr != nil {
			log.Warn("host shutdown", zap.Error(serr))
		}
		if debug != nil {
			if serr := debug.Shutdown(sctx); serr != nil {
				log.Warn("debug server shutdown", zap.Error(serr))
			}
		}
		errc <- err
	}()

	if err := loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errc
}

// session loads url into page and runs the optional script
func session(ctx context.Context, page *headless.Page, f *runFlags, log *zap.Logger) error {
	resp, err := page.Navigate(ctx, f.url)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", f.url, err)
	}
	log.Info("page loaded",
		logging.Surface(page.ID()),
		logging.URL(f.url),
		zap.Int("status", resp.Status),
		zap.String("content_type", resp.ContentType()))

	if f.script != "" {
		src, err := os.ReadFile(f.script)
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		v, err := page.Eval(ctx, string(src))
		if err != nil {
			return fmt.Errorf("script %s: %w", f.script, err)
		}
		log.Info("script evaluated", zap.String("script", f.script), zap.Any("result", v))
	}

	for _, e := range page.Console() {
		log.Debug("console", zap.String("level", e.Level), zap.String("message", e.Message))
	}
	return nil
}

func logMessages(log *zap.Logger) bridge.Handler {
	return bridge.HandlerFunc(func(_ context.Context, msg bridge.Message) {
		log.Info("bridge message",
			logging.Surface(msg.Surface),
			logging.URL(msg.URL),
			zap.Uint64("seq", msg.Seq),
			zap.String("body", msg.Body))
	})
}
