package bot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/delivery"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/session"
	"github.com/loqalabs/loqa-narrator/internal/transport"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type notice struct {
	user int64
	text string
}

type recordingTransport struct {
	notices chan notice
}

func (t *recordingTransport) Notify(_ context.Context, user int64, text string) error {
	t.notices <- notice{user: user, text: text}
	return nil
}

func (t *recordingTransport) SendFile(context.Context, int64, transport.File) error { return nil }

func (t *recordingTransport) IndicateActivity(context.Context, int64, transport.Activity) error {
	return nil
}

// instantAdvancer delivers the part at the cursor without producing audio.
type instantAdvancer struct {
	mu    sync.Mutex
	calls int
}

func (a *instantAdvancer) Advance(_ context.Context, s *session.Session) delivery.Report {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	ticket, err := s.TryBeginNext()
	switch {
	case errors.Is(err, session.ErrNoContent):
		return delivery.Report{Status: delivery.NoContent}
	case errors.Is(err, session.ErrBusy):
		return delivery.Report{Status: delivery.Busy}
	case errors.Is(err, session.ErrExhausted):
		return delivery.Report{Status: delivery.AllDelivered}
	}
	s.Complete(ticket.Generation, true)
	return delivery.Report{Status: delivery.Delivered, Number: ticket.Number, Total: ticket.Total, Label: ticket.Label}
}

func (a *instantAdvancer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type memUploads struct {
	mu      sync.Mutex
	uploads []eventstore.Upload
}

func (m *memUploads) RecordUpload(_ context.Context, up eventstore.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, up)
	return nil
}

type harness struct {
	client   *bus.Client
	store    *session.Store
	advancer *instantAdvancer
	uploads  *memUploads
	out      *recordingTransport
}

func newHarness(t *testing.T, maxChars int) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Bus = config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, MaxPayload: 8 << 20, ConnectTimeout: 2000}
	cfg.Segmenter.MaxChars = maxChars

	srv, err := natsserver.Start(cfg.Bus, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Bus.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg.Bus, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	h := &harness{
		client:   client,
		store:    session.NewStore(),
		advancer: &instantAdvancer{},
		uploads:  &memUploads{},
		out:      &recordingTransport{notices: make(chan notice, 16)},
	}
	svc := NewService(context.Background(), cfg, client, h.store, h.advancer, h.out, h.uploads, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start bot: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy dispatcher after start")
	}
	return h
}

func (h *harness) publish(t *testing.T, subject string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := h.client.Conn().Publish(subject, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func (h *harness) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case n := <-h.out.notices:
		if n.text != want {
			t.Fatalf("expected notice %q, got %q", want, n.text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestStartGreets(t *testing.T) {
	h := newHarness(t, 100)
	h.publish(t, protocol.SubjectInboundCommand, protocol.Command{UserID: 1, Name: "/start"})
	h.expect(t, msgGreeting)
}

func TestTextLoadsContentAndDeliversFirstPart(t *testing.T) {
	h := newHarness(t, 15)
	h.publish(t, protocol.SubjectInboundText, protocol.TextMessage{UserID: 7, Text: "Hello world. Goodbye now."})
	h.expect(t, msgTextReceived)
	h.expect(t, "✅ Part 1/2 sent\nUse /next for next part")

	sess, ok := h.store.Lookup(7)
	if !ok {
		t.Fatal("expected session for user 7")
	}
	if got := sess.Segments(); len(got) != 2 || got[0] != "Hello world." || got[1] != "Goodbye now." {
		t.Fatalf("unexpected segments %q", got)
	}
	if label := sess.Label(); !strings.HasPrefix(label, "text_") || len(label) != len("text_")+8 {
		t.Fatalf("unexpected label %q", label)
	}

	h.publish(t, protocol.SubjectInboundCommand, protocol.Command{UserID: 7, Name: "next"})
	h.expect(t, msgFinished)
	h.publish(t, protocol.SubjectInboundCommand, protocol.Command{UserID: 7, Name: "next"})
	h.expect(t, msgExhausted)

	if len(h.uploads.uploads) != 1 || h.uploads.uploads[0].Segments != 2 {
		t.Fatalf("unexpected uploads %+v", h.uploads.uploads)
	}
}

func TestBlankTextLeavesSessionAlone(t *testing.T) {
	h := newHarness(t, 100)
	h.publish(t, protocol.SubjectInboundText, protocol.TextMessage{UserID: 3, Text: "First."})
	h.expect(t, msgTextReceived)
	h.expect(t, msgFinished)

	h.publish(t, protocol.SubjectInboundText, protocol.TextMessage{UserID: 3, Text: "   "})
	h.expect(t, msgEmptyText)

	sess, _ := h.store.Lookup(3)
	if got := sess.Segments(); len(got) != 1 || got[0] != "First." {
		t.Fatalf("blank text mutated session: %q", got)
	}
	if h.advancer.count() != 1 {
		t.Fatalf("expected a single advance, got %d", h.advancer.count())
	}
}

func TestNextWithoutContent(t *testing.T) {
	h := newHarness(t, 100)
	h.publish(t, protocol.SubjectInboundCommand, protocol.Command{UserID: 9, Name: "/next"})
	h.expect(t, msgNoContent)
}

func TestNewResetsSession(t *testing.T) {
	h := newHarness(t, 100)
	h.publish(t, protocol.SubjectInboundText, protocol.TextMessage{UserID: 4, Text: "Some text."})
	h.expect(t, msgTextReceived)
	h.expect(t, msgFinished)

	h.publish(t, protocol.SubjectInboundCommand, protocol.Command{UserID: 4, Name: "/new"})
	h.expect(t, msgReset)
	sess, _ := h.store.Lookup(4)
	if sess.HasContent() {
		t.Fatal("expected content cleared")
	}
}

func TestDocumentHandling(t *testing.T) {
	h := newHarness(t, 100)

	h.publish(t, protocol.SubjectInboundDocument, protocol.Document{UserID: 5, FileName: "scan.pdf", MimeType: "application/pdf", Data: []byte("%PDF")})
	h.expect(t, msgWrongFileType)

	h.publish(t, protocol.SubjectInboundDocument, protocol.Document{UserID: 5, FileName: "empty.txt", Data: []byte(" \n")})
	h.expect(t, msgEmptyFile)

	if _, ok := h.store.Lookup(5); ok {
		t.Fatal("rejected documents must not create content")
	}

	// "Привет." in windows-1251
	raw := []byte{0xCF, 0xF0, 0xE8, 0xE2, 0xE5, 0xF2, '.'}
	h.publish(t, protocol.SubjectInboundDocument, protocol.Document{UserID: 5, FileName: "greeting.txt", MimeType: "text/plain", Data: raw})
	h.expect(t, msgFileReceived)
	h.expect(t, msgFinished)

	sess, ok := h.store.Lookup(5)
	if !ok {
		t.Fatal("expected session for user 5")
	}
	if got := sess.Segments(); len(got) != 1 || got[0] != "Привет." {
		t.Fatalf("unexpected segments %q", got)
	}
	if sess.Label() != "greeting" {
		t.Fatalf("unexpected label %q", sess.Label())
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, 100)
	h.publish(t, protocol.SubjectInboundCommand, protocol.Command{UserID: 1, Name: "/help"})
	h.expect(t, msgUnknown)
}

func TestReplyFor(t *testing.T) {
	cases := []struct {
		rep  delivery.Report
		want string
	}{
		{delivery.Report{Status: delivery.Busy}, msgBusy},
		{delivery.Report{Status: delivery.Delivered, Number: 2, Total: 3}, "✅ Part 2/3 sent\nUse /next for next part"},
		{delivery.Report{Status: delivery.Delivered, Number: 3, Total: 3}, msgFinished},
		{delivery.Report{Status: delivery.ProductionFailed, Number: 1, Total: 2}, "Audio error: part 1/2 could not be generated. Use /next to try again."},
		{delivery.Report{Status: delivery.DeliveryFailed, Number: 1, Total: 2}, "Audio error: part 1/2 could not be sent. Use /next to try again."},
		{delivery.Report{Status: delivery.Discarded}, ""},
	}
	for _, tc := range cases {
		if got := replyFor(tc.rep); got != tc.want {
			t.Fatalf("replyFor(%v) = %q, want %q", tc.rep.Status, got, tc.want)
		}
	}
}
