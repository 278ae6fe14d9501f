package transcode

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

var testProfile = Profile{Codec: "libmp3lame", Bitrate: "64k", SampleRate: 22050}

func writeSource(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(src, []byte("RIFF-fake-audio"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return src
}

func TestCopyTranscoder(t *testing.T) {
	src := writeSource(t)
	dst := filepath.Join(t.TempDir(), "out.mp3")
	if err := (Copy{}).Transcode(context.Background(), src, dst, testProfile); err != nil {
		t.Fatalf("copy: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "RIFF-fake-audio" {
		t.Fatalf("unexpected output %q %v", data, err)
	}
}

func TestExecTranscoderArguments(t *testing.T) {
	// $2 is the input and $9 the output once the profile arguments are appended
	tc, err := NewExec(`sh -c 'cp "$2" "$9"'`)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	src := writeSource(t)
	dst := filepath.Join(t.TempDir(), "out.mp3")
	if err := tc.Transcode(context.Background(), src, dst, testProfile); err != nil {
		t.Fatalf("transcode: %v", err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("expected output file: %v", err)
	}
}

func TestExecTranscoderNonZeroExit(t *testing.T) {
	tc, err := NewExec("false")
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if err := tc.Transcode(context.Background(), writeSource(t), filepath.Join(t.TempDir(), "o.mp3"), testProfile); err == nil {
		t.Fatal("expected error on non-zero exit")
	}
}

func TestExecTranscoderTimeout(t *testing.T) {
	tc, err := NewExec(`sh -c 'exec sleep 5'`)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := tc.Transcode(ctx, writeSource(t), filepath.Join(t.TempDir(), "o.mp3"), testProfile); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("transcode was not interrupted by the deadline")
	}
}

func TestNewSelectsMode(t *testing.T) {
	if tc, err := New(config.TranscodeConfig{Mode: "copy"}); err != nil || tc == nil {
		t.Fatalf("copy mode: %v", err)
	}
	if _, err := New(config.TranscodeConfig{Mode: "exec", Command: ""}); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	if _, err := New(config.TranscodeConfig{Mode: "lame"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestProfileFrom(t *testing.T) {
	p := ProfileFrom(config.Default().Transcode)
	if p != testProfile {
		t.Fatalf("unexpected profile %+v", p)
	}
}
