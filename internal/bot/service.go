// Package bot dispatches chat traffic arriving over the bus to sessions.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/delivery"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/extract"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/session"
	"github.com/loqalabs/loqa-narrator/internal/transport"
	"github.com/nats-io/nats.go"
)

// Advancer moves a session forward by one part.
type Advancer interface {
	Advance(ctx context.Context, s *session.Session) delivery.Report
}

// UploadRecorder notes replaced content on the audit trail.
type UploadRecorder interface {
	RecordUpload(ctx context.Context, up eventstore.Upload) error
}

type Service struct {
	cfg      config.BotConfig
	maxChars int
	bus      *bus.Client
	store    *session.Store
	advancer Advancer
	out      transport.Transport
	uploads  UploadRecorder
	subs     []*nats.Subscription
	mu       sync.Mutex
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewService wires the dispatcher. uploads may be nil.
func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, store *session.Store, advancer Advancer, out transport.Transport, uploads UploadRecorder, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg.Bot,
		maxChars: cfg.Segmenter.MaxChars,
		bus:      busClient,
		store:    store,
		advancer: advancer,
		out:      out,
		uploads:  uploads,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "bot")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectInboundCommand, s.handleCommand},
		{protocol.SubjectInboundText, s.handleText},
		{protocol.SubjectInboundDocument, s.handleDocument},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.unsubscribe()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return s.bus.Conn().Flush()
}

// Close stops intake and waits for advances already running.
func (s *Service) Close() {
	s.unsubscribe()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	s.cancel()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) == 3 }

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
}

func (s *Service) handleCommand(msg *nats.Msg) {
	var cmd protocol.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode command", slogError(err))
		return
	}
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cmd.Name), "/"))
	log := s.logger.With(slog.Int64("user_id", cmd.UserID), slog.String("command", name))
	log.Info("command received", slog.String("user_name", cmd.UserName))

	switch name {
	case "start":
		s.notify(cmd.UserID, msgGreeting)
	case "new":
		s.store.GetOrCreate(session.UserID(cmd.UserID)).Reset()
		s.notify(cmd.UserID, msgReset)
	case "next":
		s.advance(s.store.GetOrCreate(session.UserID(cmd.UserID)))
	default:
		log.Warn("unknown command")
		s.notify(cmd.UserID, msgUnknown)
	}
}

func (s *Service) handleText(msg *nats.Msg) {
	var in protocol.TextMessage
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.logger.Warn("failed to decode text message", slogError(err))
		return
	}
	if strings.TrimSpace(in.Text) == "" {
		s.logger.Warn("empty text received", slog.Int64("user_id", in.UserID))
		s.notify(in.UserID, msgEmptyText)
		return
	}
	label := "text_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	s.load(in.UserID, in.Text, label, msgTextReceived)
}

func (s *Service) handleDocument(msg *nats.Msg) {
	var doc protocol.Document
	if err := json.Unmarshal(msg.Data, &doc); err != nil {
		s.logger.Warn("failed to decode document", slogError(err))
		return
	}
	log := s.logger.With(
		slog.Int64("user_id", doc.UserID),
		slog.String("file_name", doc.FileName),
		slog.String("mime_type", doc.MimeType),
		slog.Int("size", len(doc.Data)),
	)
	log.Info("document received")

	text, err := extract.Document(doc.FileName, doc.MimeType, doc.Data)
	switch {
	case errors.Is(err, extract.ErrUnsupported):
		log.Warn("rejected document type")
		s.notify(doc.UserID, msgWrongFileType)
		return
	case errors.Is(err, extract.ErrEmpty):
		log.Warn("empty document")
		s.notify(doc.UserID, msgEmptyFile)
		return
	case err != nil:
		log.Error("failed to detect document encoding", slogError(err))
		s.notify(doc.UserID, msgUndecodable)
		return
	}

	label := extract.Label(doc.FileName)
	if label == "" || label == "." {
		label = "document"
	}
	s.load(doc.UserID, text, label, msgFileReceived)
}

// load replaces the user's content and starts on the first part.
func (s *Service) load(userID int64, text, label, ack string) {
	parts := segment.Split(text, s.maxChars)
	sess := s.store.GetOrCreate(session.UserID(userID))
	sess.SetContent(parts, label)

	s.logger.Info("content loaded",
		slog.Int64("user_id", userID),
		slog.String("label", label),
		slog.Int("chars", utf8.RuneCountInString(text)),
		slog.Int("parts", len(parts)))

	if s.uploads != nil {
		up := eventstore.Upload{UserID: userID, Label: label, Segments: len(parts), Runes: utf8.RuneCountInString(text)}
		if err := s.uploads.RecordUpload(s.ctx, up); err != nil {
			s.logger.Warn("failed to record upload", slogError(err))
		}
	}

	s.notify(userID, ack)
	s.advance(sess)
}

// advance runs off the subscription goroutine so other users keep flowing.
func (s *Service) advance(sess *session.Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		rep := s.advancer.Advance(s.ctx, sess)
		if text := replyFor(rep); text != "" {
			s.notify(int64(sess.Owner()), text)
		}
	}()
}

func (s *Service) notify(userID int64, text string) {
	if err := s.out.Notify(s.ctx, userID, text); err != nil {
		s.logger.Warn("failed to notify user", slog.Int64("user_id", userID), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
