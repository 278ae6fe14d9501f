package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external engine per request. The engine reads one JSON
// request on stdin and writes NDJSON lines carrying base64 PCM.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		data, err := json.Marshal(execRequest{
			Text:       req.Text,
			Voice:      req.Voice,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
		})
		if err != nil {
			errs <- err
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		cmd.Stdin = bytes.NewReader(data)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start synth: %w", err)
			return
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
		sequence := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				_ = cmd.Wait()
				errs <- fmt.Errorf("decode synth output: %w", err)
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				_ = cmd.Wait()
				errs <- fmt.Errorf("decode synth pcm: %w", err)
				return
			}
			select {
			case chunks <- SynthChunk{
				JobID:      req.JobID,
				Sequence:   sequence,
				SampleRate: e.sampleRate,
				Channels:   e.channels,
				PCM:        pcm,
				Final:      resp.Final,
			}:
			case <-ctx.Done():
				_ = cmd.Wait()
				errs <- ctx.Err()
				return
			}
			sequence++
		}
		if err := cmd.Wait(); err != nil {
			errs <- fmt.Errorf("synth command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			errs <- scanErr
		}
	}()
	return chunks, errs
}
