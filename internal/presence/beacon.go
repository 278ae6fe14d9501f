// Package presence lets the chat gateway see that a narrator is alive and
// how loaded it is.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Counter reports how many sessions are known.
type Counter interface {
	Len() int
}

type Beacon struct {
	id       string
	interval time.Duration
	workers  int
	sessions Counter
	log      *slog.Logger
	bus      *bus.Client
	started  time.Time

	mu       sync.RWMutex
	lastBeat time.Time

	heartbeat *time.Ticker
	cancel    context.CancelFunc
	sub       *nats.Subscription
	meter     metric.Meter
}

func NewBeacon(ctx context.Context, cfg config.PresenceConfig, busClient *bus.Client, sessions Counter, workers int, log *slog.Logger) (*Beacon, error) {
	ctx, cancel := context.WithCancel(ctx)
	id := cfg.InstanceID
	if id == "" {
		id = uuid.NewString()
	}
	b := &Beacon{
		id:       id,
		interval: time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
		workers:  workers,
		sessions: sessions,
		log:      log.With(slog.String("component", "presence"), slog.String("instance_id", id)),
		bus:      busClient,
		started:  time.Now().UTC(),
		cancel:   cancel,
		meter:    otel.Meter("github.com/loqalabs/loqa-narrator/presence"),
	}
	if b.interval <= 0 {
		b.interval = 5 * time.Second
	}

	if err := b.initMetrics(); err != nil {
		b.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	sub, err := busClient.Conn().Subscribe(protocol.SubjectPresenceStatus, b.handleStatus)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe status: %w", err)
	}
	b.sub = sub

	if err := b.publishHeartbeat(); err != nil {
		b.log.Warn("failed to publish first heartbeat", slog.String("error", err.Error()))
	}
	b.heartbeat = time.NewTicker(b.interval)
	go b.run(ctx)
	return b, nil
}

func (b *Beacon) ID() string { return b.id }

func (b *Beacon) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.heartbeat != nil {
		b.heartbeat.Stop()
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
}

// Healthy reports whether a heartbeat went out within the last three intervals.
func (b *Beacon) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.lastBeat.IsZero() && time.Since(b.lastBeat) < 3*b.interval
}

// Snapshot is the presence message as it would be published now.
func (b *Beacon) Snapshot() protocol.Presence {
	return protocol.Presence{
		InstanceID: b.id,
		Workers:    b.workers,
		Sessions:   b.sessions.Len(),
		StartedAt:  b.started,
		Timestamp:  time.Now().UTC(),
	}
}

func (b *Beacon) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.heartbeat.C:
			if err := b.publishHeartbeat(); err != nil {
				b.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (b *Beacon) publishHeartbeat() error {
	payload, err := json.Marshal(b.Snapshot())
	if err != nil {
		return err
	}
	if err := b.bus.Conn().Publish(protocol.SubjectPresenceHeartbeat, payload); err != nil {
		return err
	}
	b.mu.Lock()
	b.lastBeat = time.Now()
	b.mu.Unlock()
	return nil
}

func (b *Beacon) handleStatus(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(b.Snapshot())
	if err != nil {
		b.log.Warn("failed to encode status", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		b.log.Warn("failed to answer status request", slog.String("error", err.Error()))
	}
}

func (b *Beacon) initMetrics() error {
	sessions, err := b.meter.Int64ObservableGauge("narrator.sessions", metric.WithDescription("Number of known sessions"))
	if err != nil {
		return err
	}
	workers, err := b.meter.Int64ObservableGauge("narrator.pool.workers", metric.WithDescription("Configured production slots"))
	if err != nil {
		return err
	}
	_, err = b.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(sessions, int64(b.sessions.Len()))
		obs.ObserveInt64(workers, int64(b.workers))
		return nil
	}, sessions, workers)
	return err
}
