package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/session"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, MaxPayload: 1 << 20, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBeaconHeartbeatsAndAnswersStatus(t *testing.T) {
	client := connect(t)
	beats := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectPresenceHeartbeat, beats)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	store := session.NewStore()
	store.GetOrCreate(1)
	store.GetOrCreate(2)

	b, err := NewBeacon(context.Background(), config.PresenceConfig{InstanceID: "narrator-a", HeartbeatIntervalMS: 20}, client, store, 3, newLogger())
	if err != nil {
		t.Fatalf("new beacon: %v", err)
	}
	t.Cleanup(b.Close)

	select {
	case msg := <-beats:
		var p protocol.Presence
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			t.Fatalf("decode heartbeat: %v", err)
		}
		if p.InstanceID != "narrator-a" || p.Workers != 3 || p.Sessions != 2 {
			t.Fatalf("unexpected heartbeat %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}

	store.GetOrCreate(3)
	reply, err := client.Conn().Request(protocol.SubjectPresenceStatus, nil, time.Second)
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	var status protocol.Presence
	if err := json.Unmarshal(reply.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Sessions != 3 {
		t.Fatalf("expected 3 sessions, got %d", status.Sessions)
	}
	if !b.Healthy() {
		t.Fatal("expected beacon healthy")
	}
}

func TestBeaconGeneratesInstanceID(t *testing.T) {
	client := connect(t)
	b, err := NewBeacon(context.Background(), config.PresenceConfig{HeartbeatIntervalMS: 1000}, client, session.NewStore(), 1, newLogger())
	if err != nil {
		t.Fatalf("new beacon: %v", err)
	}
	t.Cleanup(b.Close)
	if b.ID() == "" {
		t.Fatal("expected generated instance id")
	}
}
