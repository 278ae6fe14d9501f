package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/transcode"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type silentSynth struct{}

func (silentSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	chunks := make(chan tts.SynthChunk)
	errs := make(chan error)
	close(chunks)
	close(errs)
	return chunks, errs
}

type brokenTranscoder struct{ partial bool }

func (b brokenTranscoder) Transcode(ctx context.Context, src, dst string, _ transcode.Profile) error {
	if b.partial {
		_ = os.WriteFile(dst, []byte("half"), 0o644)
	}
	return errors.New("encoder exploded")
}

type emptyTranscoder struct{}

func (emptyTranscoder) Transcode(ctx context.Context, src, dst string, _ transcode.Profile) error {
	return os.WriteFile(dst, nil, 0o644)
}

type slowTranscoder struct{}

func (slowTranscoder) Transcode(ctx context.Context, src, dst string, _ transcode.Profile) error {
	<-ctx.Done()
	return ctx.Err()
}

// gatedTranscoder blocks until released and records peak concurrency.
type gatedTranscoder struct {
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func (g *gatedTranscoder) Transcode(ctx context.Context, src, dst string, p transcode.Profile) error {
	n := g.running.Add(1)
	defer g.running.Add(-1)
	for {
		old := g.peak.Load()
		if n <= old || g.peak.CompareAndSwap(old, n) {
			break
		}
	}
	<-g.release
	return transcode.Copy{}.Transcode(ctx, src, dst, p)
}

func newPool(t *testing.T, workers int, synth tts.Synthesizer, tc transcode.Transcoder) (*Pool, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := New(Options{
		Workers:          workers,
		TempDir:          dir,
		Extension:        "mp3",
		TranscodeTimeout: 200 * time.Millisecond,
	}, synth, tc, newLogger())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(p.Close)
	return p, dir
}

func assertNoTempFiles(t *testing.T, dir string, keep ...string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	allowed := map[string]bool{}
	for _, k := range keep {
		allowed[filepath.Base(k)] = true
	}
	for _, e := range entries {
		if !allowed[e.Name()] {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}

func TestSubmitProducesArtifact(t *testing.T) {
	p, dir := newPool(t, 2, tts.NewMockSynth(8000, 1), transcode.Copy{})
	res := <-p.Submit(context.Background(), Job{ID: "job-1", Owner: 42, Text: "hello world"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Artifact.Size <= 0 {
		t.Fatalf("expected non-empty artifact, got %d", res.Artifact.Size)
	}
	if filepath.Base(res.Artifact.Path) != "job-1.mp3" {
		t.Fatalf("unexpected artifact path %s", res.Artifact.Path)
	}
	assertNoTempFiles(t, dir, res.Artifact.Path)
}

func TestSubmitAssignsMissingJobIDs(t *testing.T) {
	p, dir := newPool(t, 2, tts.NewMockSynth(8000, 1), transcode.Copy{})
	first := p.Submit(context.Background(), Job{Owner: 1, Text: "first part"})
	second := p.Submit(context.Background(), Job{Owner: 2, Text: "second part"})
	a, b := <-first, <-second
	if a.Err != nil || b.Err != nil {
		t.Fatalf("unexpected errors: %v, %v", a.Err, b.Err)
	}
	if a.Artifact.Path == b.Artifact.Path {
		t.Fatalf("jobs without IDs share %s", a.Artifact.Path)
	}
	if filepath.Base(a.Artifact.Path) == ".mp3" {
		t.Fatalf("artifact named without a job id: %s", a.Artifact.Path)
	}
	for _, res := range []Result{a, b} {
		if _, err := os.Stat(res.Artifact.Path); err != nil {
			t.Fatalf("artifact missing: %v", err)
		}
	}
	assertNoTempFiles(t, dir, a.Artifact.Path, b.Artifact.Path)
}

func TestSubmitSynthesisFailure(t *testing.T) {
	p, dir := newPool(t, 1, silentSynth{}, transcode.Copy{})
	res := <-p.Submit(context.Background(), Job{ID: "job-2", Text: "ignored"})
	if !errors.Is(res.Err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", res.Err)
	}
	var perr *ProductionError
	if !errors.As(res.Err, &perr) || perr.Stage != "synthesize" || perr.JobID != "job-2" {
		t.Fatalf("unexpected production error %#v", res.Err)
	}
	assertNoTempFiles(t, dir)
}

func TestSubmitTranscodeFailureCleansUp(t *testing.T) {
	for name, tc := range map[string]transcode.Transcoder{
		"error":   brokenTranscoder{},
		"partial": brokenTranscoder{partial: true},
		"empty":   emptyTranscoder{},
		"timeout": slowTranscoder{},
	} {
		t.Run(name, func(t *testing.T) {
			p, dir := newPool(t, 1, tts.NewMockSynth(8000, 1), tc)
			res := <-p.Submit(context.Background(), Job{ID: "job-" + name, Text: "some text"})
			if !errors.Is(res.Err, ErrTranscodeFailed) {
				t.Fatalf("expected ErrTranscodeFailed, got %v", res.Err)
			}
			if errors.Is(res.Err, ErrSynthesisFailed) {
				t.Fatal("transcode failure must not match the synthesis sentinel")
			}
			assertNoTempFiles(t, dir)
		})
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	gate := &gatedTranscoder{release: make(chan struct{})}
	p, err := New(Options{Workers: 2, TempDir: t.TempDir(), TranscodeTimeout: 5 * time.Second},
		tts.NewMockSynth(8000, 1), gate, newLogger())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	const jobs = 6
	results := make([]<-chan Result, jobs)
	for i := range results {
		results[i] = p.Submit(context.Background(), Job{ID: "bound-" + string(rune('a'+i)), Text: "abc"})
	}

	deadline := time.After(2 * time.Second)
	for gate.running.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("workers never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := gate.running.Load(); got != 2 {
		t.Fatalf("expected 2 running jobs, got %d", got)
	}
	close(gate.release)

	var wg sync.WaitGroup
	for _, ch := range results {
		wg.Add(1)
		go func(ch <-chan Result) {
			defer wg.Done()
			res := <-ch
			if res.Err != nil {
				t.Errorf("job failed: %v", res.Err)
				return
			}
			_ = os.Remove(res.Artifact.Path)
		}(ch)
	}
	wg.Wait()
	p.Close()
	if peak := gate.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency %d exceeds pool size", peak)
	}
}

func TestSubmitCancelledWhileQueued(t *testing.T) {
	gate := &gatedTranscoder{release: make(chan struct{})}
	p, _ := newPool(t, 1, tts.NewMockSynth(8000, 1), gate)
	p.opts.TranscodeTimeout = 5 * time.Second

	first := p.Submit(context.Background(), Job{ID: "holder", Text: "abc"})
	for gate.running.Load() < 1 {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	queued := p.Submit(ctx, Job{ID: "queued", Text: "abc"})
	cancel()
	if res := <-queued; !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.Err)
	}

	close(gate.release)
	if res := <-first; res.Err != nil {
		t.Fatalf("holder failed: %v", res.Err)
	} else {
		_ = os.Remove(res.Artifact.Path)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}, nil, transcode.Copy{}, newLogger()); err == nil {
		t.Fatal("expected error without synthesizer")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	opts := OptionsFrom(cfg)
	if opts.Extension != "wav" {
		t.Fatalf("copy mode should keep the wav extension, got %q", opts.Extension)
	}
	if opts.TranscodeTimeout != time.Minute || opts.Workers != 2 {
		t.Fatalf("unexpected options %+v", opts)
	}

	cfg.Transcode.Mode = "exec"
	if opts := OptionsFrom(cfg); opts.Extension != "mp3" || opts.Profile.Bitrate != "64k" {
		t.Fatalf("unexpected exec options %+v", opts)
	}
}
