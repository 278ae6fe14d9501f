package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bot"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/delivery"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/presence"
	"github.com/loqalabs/loqa-narrator/internal/session"
	"github.com/loqalabs/loqa-narrator/internal/transcode"
	"github.com/loqalabs/loqa-narrator/internal/transport"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/worker"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	telemetryClose func(context.Context) error
	embedded       *natsserver.EmbeddedServer
	bus            *bus.Client
	events         *eventstore.Store
	pool           *worker.Pool
	bot            *bot.Service
	beacon         *presence.Beacon
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	if err := r.startPipeline(ctx); err != nil {
		r.stopPipeline()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopPipeline()
	r.closeTelemetry()
	return nil
}

// startPipeline brings up the bus, the audit trail and the production
// pipeline, then opens the bot for traffic.
func (r *Runtime) startPipeline(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	synth, err := tts.New(r.cfg.Synth)
	if err != nil {
		return fmt.Errorf("init synthesizer: %w", err)
	}
	transcoder, err := transcode.New(r.cfg.Transcode)
	if err != nil {
		return fmt.Errorf("init transcoder: %w", err)
	}
	r.pool, err = worker.New(worker.OptionsFrom(r.cfg), synth, transcoder, r.logger)
	if err != nil {
		return err
	}

	out := transport.NewNATS(r.bus, r.logger)
	coordinator, err := delivery.New(delivery.OptionsFrom(r.cfg.Delivery), r.pool, out, r.events, r.logger)
	if err != nil {
		return err
	}

	sessions := session.NewStore()
	r.bot = bot.NewService(ctx, r.cfg, r.bus, sessions, coordinator, out, r.events, r.logger)
	if err := r.bot.Start(); err != nil {
		return fmt.Errorf("start bot: %w", err)
	}

	r.beacon, err = presence.NewBeacon(ctx, r.cfg.Presence, r.bus, sessions, r.pool.Workers(), r.logger)
	if err != nil {
		return fmt.Errorf("start presence beacon: %w", err)
	}

	r.logger.Info("pipeline ready",
		slog.Int("workers", r.pool.Workers()),
		slog.String("synth_mode", r.cfg.Synth.Mode),
		slog.String("transcode_mode", r.cfg.Transcode.Mode),
		slog.Int("max_chars", r.cfg.Segmenter.MaxChars))
	return nil
}

// stopPipeline tears down in reverse start order. Safe on a partial start.
func (r *Runtime) stopPipeline() {
	if r.beacon != nil {
		r.beacon.Close()
	}
	if r.bot != nil {
		r.bot.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.telemetryClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetryClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.bot.Healthy() && r.beacon.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
