// Package worker runs synthesis and transcoding jobs on a fixed number of
// slots shared by every session.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/transcode"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	stageSynthesize = "synthesize"
	stageTranscode  = "transcode"
)

var errEmptyOutput = errors.New("output missing or empty")

// Job is one segment to render.
type Job struct {
	ID    string
	Owner int64
	Text  string
}

// Artifact is the finished file on disk. The caller owns and removes it.
type Artifact struct {
	Path string
	Size int64
}

type Result struct {
	Artifact Artifact
	Err      error
}

type Options struct {
	Workers          int
	TempDir          string
	Voice            string
	Extension        string
	Profile          transcode.Profile
	SynthTimeout     time.Duration
	TranscodeTimeout time.Duration
}

// OptionsFrom collects pool settings from the runtime configuration.
func OptionsFrom(cfg config.Config) Options {
	ext := cfg.Transcode.Extension
	if cfg.Transcode.Mode == "copy" {
		// the intermediate is passed through as is
		ext = "wav"
	}
	return Options{
		Workers:          cfg.Pool.Workers,
		TempDir:          cfg.Pool.TempDir,
		Voice:            cfg.Synth.Voice,
		Extension:        ext,
		Profile:          transcode.ProfileFrom(cfg.Transcode),
		SynthTimeout:     time.Duration(cfg.Synth.TimeoutMS) * time.Millisecond,
		TranscodeTimeout: time.Duration(cfg.Transcode.TimeoutMS) * time.Millisecond,
	}
}

type Pool struct {
	opts       Options
	synth      tts.Synthesizer
	transcoder transcode.Transcoder
	log        *slog.Logger
	sema       chan struct{}
	wg         sync.WaitGroup

	active   metric.Int64UpDownCounter
	duration metric.Float64Histogram
}

func New(opts Options, synth tts.Synthesizer, transcoder transcode.Transcoder, logger *slog.Logger) (*Pool, error) {
	if synth == nil || transcoder == nil {
		return nil, errors.New("worker pool requires a synthesizer and a transcoder")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Extension == "" {
		opts.Extension = "mp3"
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.TranscodeTimeout <= 0 {
		opts.TranscodeTimeout = time.Minute
	}
	if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	p := &Pool{
		opts:       opts,
		synth:      synth,
		transcoder: transcoder,
		log:        logger.With(slog.String("component", "worker-pool")),
		sema:       make(chan struct{}, opts.Workers),
	}
	p.initMetrics()
	return p, nil
}

func (p *Pool) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/worker")
	var err error
	if p.active, err = meter.Int64UpDownCounter("narrator.pool.jobs.active",
		metric.WithDescription("Jobs currently holding a worker slot")); err != nil {
		p.log.Warn("failed to create active jobs counter", slogError(err))
	}
	if p.duration, err = meter.Float64Histogram("narrator.pool.job.duration",
		metric.WithDescription("Synthesis and transcode time per job"), metric.WithUnit("s")); err != nil {
		p.log.Warn("failed to create job duration histogram", slogError(err))
	}
}

// Workers reports the slot count.
func (p *Pool) Workers() int { return cap(p.sema) }

// Submit queues job and returns a channel that yields exactly one Result.
// The job waits for a free slot; cancelling ctx while waiting abandons it.
// Temp files are named after the job ID, so a missing one is generated.
func (p *Pool) Submit(ctx context.Context, job Job) <-chan Result {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	out := make(chan Result, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case p.sema <- struct{}{}:
		case <-ctx.Done():
			out <- Result{Err: ctx.Err()}
			return
		}
		defer func() { <-p.sema }()

		if p.active != nil {
			p.active.Add(ctx, 1)
			defer p.active.Add(ctx, -1)
		}
		start := time.Now()
		artifact, err := p.produce(ctx, job)
		if p.duration != nil {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		out <- Result{Artifact: artifact, Err: err}
	}()
	return out
}

// Close waits for submitted jobs to finish.
func (p *Pool) Close() {
	p.wg.Wait()
}

func (p *Pool) produce(ctx context.Context, job Job) (Artifact, error) {
	rawPath := filepath.Join(p.opts.TempDir, job.ID+"-raw.wav")
	outPath := filepath.Join(p.opts.TempDir, job.ID+"."+p.opts.Extension)
	log := p.log.With(slog.String("job_id", job.ID), slog.Int64("user_id", job.Owner))
	defer p.remove(rawPath)

	if err := p.synthesize(ctx, job, rawPath); err != nil {
		log.Warn("synthesis failed", slogError(err))
		return Artifact{}, &ProductionError{Stage: stageSynthesize, JobID: job.ID, Err: err}
	}

	size, err := p.transcode(ctx, rawPath, outPath)
	if err != nil {
		p.remove(outPath)
		log.Warn("transcode failed", slogError(err))
		return Artifact{}, &ProductionError{Stage: stageTranscode, JobID: job.ID, Err: err}
	}
	log.Info("artifact produced", slog.Int("chars", len([]rune(job.Text))), slog.Int64("bytes", size))
	return Artifact{Path: outPath, Size: size}, nil
}

func (p *Pool) synthesize(ctx context.Context, job Job, path string) error {
	if p.opts.SynthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.SynthTimeout)
		defer cancel()
	}
	written, err := tts.Render(ctx, p.synth, tts.SynthRequest{JobID: job.ID, Text: job.Text, Voice: p.opts.Voice}, path)
	if err != nil {
		return err
	}
	if written == 0 {
		return errEmptyOutput
	}
	if _, err := nonEmpty(path); err != nil {
		return err
	}
	return nil
}

func (p *Pool) transcode(ctx context.Context, src, dst string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.TranscodeTimeout)
	defer cancel()
	if err := p.transcoder.Transcode(ctx, src, dst, p.opts.Profile); err != nil {
		return 0, err
	}
	return nonEmpty(dst)
}

func (p *Pool) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Error("failed to remove temp file", slog.String("path", path), slogError(err))
	}
}

func nonEmpty(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, errEmptyOutput
		}
		return 0, err
	}
	if info.Size() == 0 {
		return 0, errEmptyOutput
	}
	return info.Size(), nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
