package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/mlindgren/condorbridge/bridgecfg"
	"github.com/mlindgren/condorbridge/monitoring"
	"github.com/mlindgren/condorbridge/orchestrator"
)

// Run is the main CLI action. It builds a bridgecfg.Config from flags,
// constructs the Orchestrator, mounts the status/metrics/WebSocket HTTP
// surface, and blocks until ctx is canceled.
func Run(ctx context.Context, c *cli.Command) error {
	listen := c.String("server.listen")
	enableMetrics := c.Bool("metrics.enabled")
	tracingEndpoint := c.String("tracing.endpoint")

	if c.Bool("debug") {
		monitoring.SetLogLevel("debug")
	}

	shutdownTracer := monitoring.InitTracer(tracingEndpoint, "condorbridge")
	defer shutdownTracer()

	cfg := bridgecfg.Config{
		Serial: bridgecfg.SerialConfig{
			Enabled:   c.Bool("serial.enabled"),
			Port:      c.String("serial.port"),
			BaudRate:  uint(c.Uint("serial.baud_rate")),
			Timeout:   c.Duration("serial.timeout"),
			Freshness: c.Duration("serial.freshness"),
		},
		UDP: bridgecfg.UDPConfig{
			Enabled:     c.Bool("udp.enabled"),
			Host:        c.String("udp.host"),
			Port:        int(c.Int("udp.port")),
			BufferBytes: int(c.Int("udp.buffer_bytes")),
			Freshness:   c.Duration("udp.freshness"),
		},
		Websocket: bridgecfg.WebsocketConfig{
			Enabled:           c.Bool("websocket.enabled"),
			Path:              c.String("websocket.path"),
			BroadcastInterval: c.Duration("websocket.broadcast_interval"),
			CompatibilityMode: c.Bool("websocket.compatibility_mode"),
		},
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		for section, msgs := range problems {
			for _, msg := range msgs {
				log.Printf("config: [%s] %s", section, msg)
			}
		}
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}

	orchCtx, cancelOrch := context.WithCancel(context.Background())
	orch.Start(orchCtx)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	if cfg.Websocket.Enabled {
		// Mounted directly, without the metrics/logging middleware stack,
		// so http.Hijacker works during the WebSocket upgrade.
		r.Handle(cfg.Websocket.Path, orch.Hub())
	}

	api := chi.NewRouter()
	api.Use(middleware.Timeout(15 * time.Second))
	api.Use(monitoring.TracingMiddleware)
	api.Use(monitoring.MetricsMiddleware)
	api.Use(monitoring.LoggingMiddleware)

	if enableMetrics {
		api.Handle("/metrics", monitoring.PrometheusHandler())
	}
	api.Get("/api/v1/status", statusHandler(orch))

	r.Mount("/", api)

	log.Printf("Server listening on %s\n", listen)
	srv := &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Printf("Shutdown signal received, shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		orch.Stop()
		cancelOrch()
		<-errCh
		return nil
	case err := <-errCh:
		orch.Stop()
		cancelOrch()
		return err
	}
}

// statusHandler serves the orchestrator's Status aggregate as JSON
// (§6.5's external GUI/CLI consumption surface).
func statusHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orch.Status())
	}
}
