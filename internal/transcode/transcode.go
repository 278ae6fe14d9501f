// Package transcode turns the synthesized WAV intermediate into the
// compressed artifact handed to users.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/mattn/go-shellwords"
)

// Profile is the target encoding.
type Profile struct {
	Codec      string
	Bitrate    string
	SampleRate int
}

// Transcoder converts src into dst. Implementations must honour ctx.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string, profile Profile) error
}

// ProfileFrom extracts the encoding profile from cfg.
func ProfileFrom(cfg config.TranscodeConfig) Profile {
	return Profile{Codec: cfg.Codec, Bitrate: cfg.Bitrate, SampleRate: cfg.SampleRate}
}

// New builds the transcoder selected by cfg.Mode.
func New(cfg config.TranscodeConfig) (Transcoder, error) {
	switch cfg.Mode {
	case "copy", "":
		return Copy{}, nil
	case "exec":
		return NewExec(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown transcode mode %q", cfg.Mode)
	}
}

type execTranscoder struct {
	cmd []string
}

// NewExec wraps an ffmpeg-compatible command line. The input, codec, bitrate,
// sample rate and output arguments are appended per call.
func NewExec(command string) (Transcoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcode command empty")
	}
	return &execTranscoder{cmd: args}, nil
}

func (t *execTranscoder) Transcode(ctx context.Context, src, dst string, profile Profile) error {
	args := append([]string{}, t.cmd[1:]...)
	args = append(args,
		"-y",
		"-i", src,
		"-codec:a", profile.Codec,
		"-b:a", profile.Bitrate,
		"-ar", strconv.Itoa(profile.SampleRate),
		dst,
	)
	cmd := exec.CommandContext(ctx, t.cmd[0], args...)
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("transcode aborted: %w", ctxErr)
		}
		return fmt.Errorf("transcode command failed: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

// Copy passes the intermediate through unchanged. Used where no encoder is
// installed.
type Copy struct{}

func (Copy) Transcode(ctx context.Context, src, dst string, _ Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
