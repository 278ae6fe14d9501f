// Package delivery drives one part of a session from production to upload.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/session"
	"github.com/loqalabs/loqa-narrator/internal/transport"
	"github.com/loqalabs/loqa-narrator/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// shrink leaves headroom below the ceiling when picking a smaller limit,
// since audio length does not scale exactly with character count.
const shrink = 0.9

// Producer turns a job into an artifact on disk.
type Producer interface {
	Submit(ctx context.Context, job worker.Job) <-chan worker.Result
}

// Recorder keeps the audit trail of outcomes.
type Recorder interface {
	RecordOutcome(ctx context.Context, out eventstore.Outcome) error
}

type Options struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	AttemptTimeout   time.Duration
	MaxArtifactBytes int64
}

func OptionsFrom(cfg config.DeliveryConfig) Options {
	return Options{
		MaxAttempts:      cfg.MaxAttempts,
		BaseDelay:        time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		MaxDelay:         time.Duration(cfg.MaxDelayMS) * time.Millisecond,
		AttemptTimeout:   time.Duration(cfg.AttemptTimeoutMS) * time.Millisecond,
		MaxArtifactBytes: cfg.MaxArtifactBytes,
	}
}

type Coordinator struct {
	opts      Options
	producer  Producer
	transport transport.Transport
	recorder  Recorder
	log       *slog.Logger
	tracer    trace.Tracer

	outcomes metric.Int64Counter
	attempts metric.Int64Histogram

	// onRetry observes every backoff delay before it is slept.
	onRetry func(err error, delay time.Duration)
}

// New builds a coordinator. recorder may be nil.
func New(opts Options, producer Producer, tr transport.Transport, recorder Recorder, logger *slog.Logger) (*Coordinator, error) {
	if producer == nil || tr == nil {
		return nil, errors.New("delivery coordinator requires a producer and a transport")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Millisecond
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay << uint(opts.MaxAttempts)
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}

	c := &Coordinator{
		opts:      opts,
		producer:  producer,
		transport: tr,
		recorder:  recorder,
		log:       logger.With(slog.String("component", "delivery")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-narrator/delivery"),
	}

	meter := otel.Meter("github.com/loqalabs/loqa-narrator/delivery")
	var err error
	if c.outcomes, err = meter.Int64Counter("narrator.delivery.outcomes",
		metric.WithDescription("Advance outcomes by status")); err != nil {
		c.log.Warn("failed to create outcome counter", slogError(err))
	}
	if c.attempts, err = meter.Int64Histogram("narrator.delivery.attempts",
		metric.WithDescription("Upload attempts per delivered or failed part")); err != nil {
		c.log.Warn("failed to create attempts histogram", slogError(err))
	}
	return c, nil
}

// Advance produces and uploads the part at the session's cursor. The cursor
// moves only when the report is Delivered.
func (c *Coordinator) Advance(ctx context.Context, s *session.Session) Report {
	ctx, span := c.tracer.Start(ctx, "delivery.advance",
		trace.WithAttributes(attribute.Int64("user.id", int64(s.Owner()))))
	defer span.End()

	rep := c.advance(ctx, s, 0)

	span.SetAttributes(
		attribute.String("outcome", rep.Status.String()),
		attribute.Int("part.number", rep.Number),
		attribute.Int("part.total", rep.Total),
	)
	if rep.Err != nil {
		span.RecordError(rep.Err)
		span.SetStatus(codes.Error, rep.Status.String())
	}
	c.observe(ctx, s.Owner(), rep)
	return rep
}

func (c *Coordinator) advance(ctx context.Context, s *session.Session, depth int) Report {
	ticket, err := s.TryBeginNext()
	switch {
	case errors.Is(err, session.ErrNoContent):
		return Report{Status: NoContent}
	case errors.Is(err, session.ErrBusy):
		return Report{Status: Busy}
	case errors.Is(err, session.ErrExhausted):
		_, total := s.Progress()
		return Report{Status: AllDelivered, Number: total, Total: total, Label: s.Label()}
	case err != nil:
		return Report{Status: ProductionFailed, Err: err}
	}

	owner := int64(s.Owner())
	rep := Report{
		Number: ticket.Number,
		Total:  ticket.Total,
		Label:  ticket.Label,
		JobID:  uuid.NewString(),
	}
	log := c.log.With(
		slog.Int64("user_id", owner),
		slog.String("job_id", rep.JobID),
		slog.Int("part", ticket.Number),
		slog.Int("total", ticket.Total),
	)

	c.indicate(ctx, log, owner, transport.ActivityRecordVoice)

	res := <-c.producer.Submit(ctx, worker.Job{ID: rep.JobID, Owner: owner, Text: ticket.Text})
	if res.Err != nil {
		log.Warn("part production failed", slogError(res.Err))
		return c.release(s, ticket, rep, ProductionFailed, res.Err)
	}
	artifact := res.Artifact
	defer remove(log, artifact.Path)

	if artifact.Size > c.opts.MaxArtifactBytes {
		return c.resplit(ctx, s, ticket, rep, artifact, c.opts.MaxArtifactBytes, depth, log)
	}

	if !s.Current(ticket.Generation) {
		log.Info("session reset while producing, discarding part")
		rep.Status = Discarded
		return rep
	}

	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		log.Warn("read artifact failed", slogError(err))
		return c.release(s, ticket, rep, ProductionFailed, fmt.Errorf("read artifact: %w", err))
	}

	file := transport.File{
		Name:    fileName(ticket.Label, ticket.Number, artifact.Path),
		Caption: fmt.Sprintf("Part %d/%d", ticket.Number, ticket.Total),
		Data:    data,
	}
	file.Title = file.Name

	c.indicate(ctx, log, owner, transport.ActivityUploadVoice)

	attempts, err := c.upload(ctx, log, owner, file)
	rep.Attempts = attempts
	if transport.IsTooLarge(err) {
		// the bus carries the file base64 encoded, a third larger than on disk
		return c.resplit(ctx, s, ticket, rep, artifact, artifact.Size*3/4, depth, log)
	}
	if err != nil {
		log.Error("part delivery failed", slog.Int("attempts", attempts), slogError(err))
		return c.release(s, ticket, rep, DeliveryFailed, &DeliveryError{JobID: rep.JobID, Attempts: attempts, Err: err})
	}

	if !s.Complete(ticket.Generation, true) {
		log.Info("session reset during upload, cursor left alone")
		rep.Status = Discarded
		return rep
	}
	log.Info("part delivered", slog.Int("attempts", attempts), slog.String("file", file.Name))
	rep.Status = Delivered
	return rep
}

// release returns the session to idle without moving the cursor.
func (c *Coordinator) release(s *session.Session, ticket session.Ticket, rep Report, status Status, err error) Report {
	rep.Err = err
	if !s.Complete(ticket.Generation, false) {
		rep.Status = Discarded
		return rep
	}
	rep.Status = status
	return rep
}

// resplit replaces an oversized part with smaller pieces cut from the same
// text and, on the first pass, tries again with the first piece. ceiling is
// the size the pieces should stay under.
func (c *Coordinator) resplit(ctx context.Context, s *session.Session, ticket session.Ticket, rep Report, artifact worker.Artifact, ceiling int64, depth int, log *slog.Logger) Report {
	runes := utf8.RuneCountInString(ticket.Text)
	ceiling = max(1, min(ceiling, c.opts.MaxArtifactBytes))
	log.Warn("artifact above delivery ceiling",
		slog.Int64("size", artifact.Size),
		slog.Int64("ceiling", ceiling),
		slog.Int("chars", runes))

	tooLarge := fmt.Errorf("%w: %d > %d bytes", ErrArtifactTooLarge, artifact.Size, ceiling)
	if runes < 2 {
		return c.release(s, ticket, rep, ProductionFailed, tooLarge)
	}

	limit := int(float64(runes) * float64(ceiling) / float64(artifact.Size) * shrink)
	limit = max(1, min(limit, runes-1))
	pieces := segment.Split(ticket.Text, limit)
	if len(pieces) < 2 {
		return c.release(s, ticket, rep, ProductionFailed, tooLarge)
	}
	if !s.Resplit(ticket.Generation, ticket.Index, pieces) {
		rep.Status = Discarded
		return rep
	}
	if !s.Complete(ticket.Generation, false) {
		rep.Status = Discarded
		return rep
	}
	log.Info("part split for delivery", slog.Int("pieces", len(pieces)), slog.Int("limit", limit))

	if depth > 0 {
		rep.Status = ProductionFailed
		rep.Err = tooLarge
		return rep
	}
	// the old artifact is no longer needed by the retry
	remove(log, artifact.Path)
	return c.advance(ctx, s, depth+1)
}

// upload sends the file with exponential backoff. A rejected upload earns one
// more attempt without optional metadata.
func (c *Coordinator) upload(ctx context.Context, log *slog.Logger, owner int64, file transport.File) (int, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.opts.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.opts.MaxDelay,
	}

	attempts := 0
	degraded := false
	operation := func() (struct{}, error) {
		attempts++
		f := file
		if degraded {
			f = file.Degraded()
		}
		actx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
		err := c.transport.SendFile(actx, owner, f)
		cancel()
		switch {
		case err == nil:
			return struct{}{}, nil
		case transport.IsTooLarge(err):
			return struct{}{}, backoff.Permanent(err)
		case transport.IsRejected(err) && !degraded:
			degraded = true
			return struct{}{}, err
		case !transport.IsRetryable(err), attempts >= c.opts.MaxAttempts:
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			log.Warn("upload attempt failed, retrying",
				slog.Int("attempt", attempts),
				slog.Bool("degraded_next", degraded),
				slog.Duration("delay", delay),
				slogError(err))
			if c.onRetry != nil {
				c.onRetry(err, delay)
			}
		}),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return attempts, err
}

func (c *Coordinator) indicate(ctx context.Context, log *slog.Logger, owner int64, kind transport.Activity) {
	if err := c.transport.IndicateActivity(ctx, owner, kind); err != nil {
		log.Debug("activity indicator failed", slog.String("activity", string(kind)), slogError(err))
	}
}

func (c *Coordinator) observe(ctx context.Context, owner session.UserID, rep Report) {
	if c.outcomes != nil {
		c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", rep.Status.String())))
	}
	if c.attempts != nil && rep.Attempts > 0 {
		c.attempts.Record(ctx, int64(rep.Attempts), metric.WithAttributes(attribute.String("status", rep.Status.String())))
	}
	if c.recorder == nil {
		return
	}
	out := eventstore.Outcome{
		UserID:   int64(owner),
		JobID:    rep.JobID,
		Label:    rep.Label,
		Part:     rep.Number,
		Total:    rep.Total,
		Status:   rep.Status.String(),
		Attempts: rep.Attempts,
	}
	if rep.Err != nil {
		out.Detail = rep.Err.Error()
	}
	if err := c.recorder.RecordOutcome(context.WithoutCancel(ctx), out); err != nil {
		c.log.Warn("failed to record outcome", slogError(err))
	}
}

// fileName is "<label>_<n>.<ext>", the extension taken from the artifact.
func fileName(label string, number int, path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		ext = "mp3"
	}
	if label == "" {
		label = "part"
	}
	return fmt.Sprintf("%s_%d.%s", label, number, ext)
}

func remove(log *slog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove artifact", slog.String("path", path), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
