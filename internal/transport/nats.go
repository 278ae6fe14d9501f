package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATS relays outbound traffic to the chat gateway over the bus. Files go
// through request/reply so that the gateway's verdict comes back.
type NATS struct {
	bus *bus.Client
	log *slog.Logger
}

func NewNATS(busClient *bus.Client, logger *slog.Logger) *NATS {
	return &NATS{
		bus: busClient,
		log: logger.With(slog.String("component", "nats-transport")),
	}
}

func (n *NATS) Notify(ctx context.Context, userID int64, text string) error {
	return n.publish("notify", protocol.SubjectOutboundNotice, protocol.Notice{UserID: userID, Text: text})
}

func (n *NATS) IndicateActivity(ctx context.Context, userID int64, kind Activity) error {
	return n.publish("activity", protocol.SubjectOutboundActivity, protocol.ChatAction{UserID: userID, Action: string(kind)})
}

func (n *NATS) SendFile(ctx context.Context, userID int64, file File) error {
	data, err := json.Marshal(protocol.AudioUpload{
		UserID:   userID,
		FileName: file.Name,
		Title:    file.Title,
		Caption:  file.Caption,
		Data:     file.Data,
	})
	if err != nil {
		return &Error{Kind: KindRejected, Op: "send_file", Err: err}
	}
	if limit := n.bus.Conn().MaxPayload(); limit > 0 && int64(len(data)) > limit {
		return &Error{Kind: KindTooLarge, Op: "send_file", Err: fmt.Errorf("%w: %d > %d bytes", nats.ErrMaxPayload, len(data), limit)}
	}

	msg, err := n.bus.Conn().RequestWithContext(ctx, protocol.SubjectOutboundFile, data)
	if err != nil {
		return classify("send_file", err)
	}

	var ack protocol.FileAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return &Error{Kind: KindNetwork, Op: "send_file", Err: fmt.Errorf("decode ack: %w", err)}
	}
	if !ack.OK {
		kind := KindRejected
		if ack.Retryable {
			kind = KindNetwork
		}
		return &Error{Kind: kind, Op: "send_file", Err: errors.New(ack.Error)}
	}
	return nil
}

func (n *NATS) publish(op, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: KindRejected, Op: op, Err: err}
	}
	if err := n.bus.Conn().Publish(subject, data); err != nil {
		return classify(op, err)
	}
	return nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	case errors.Is(err, nats.ErrMaxPayload):
		return &Error{Kind: KindTooLarge, Op: op, Err: err}
	case errors.Is(err, nats.ErrBadSubject):
		return &Error{Kind: KindRejected, Op: op, Err: err}
	default:
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
}
