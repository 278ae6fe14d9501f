package tts

import (
	"context"
	"encoding/binary"
	"time"
	"unicode/utf8"
)

// mockSynth emits a quiet tone whose length grows with the text, enough to
// exercise the pipeline without a real engine.
type mockSynth struct {
	sampleRate int
	channels   int
}

const (
	mockRuneDuration = 50 * time.Millisecond
	mockChunkSamples = 4096
)

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(10 * time.Millisecond):
		}

		perRune := int(int64(m.sampleRate) * int64(mockRuneDuration) / int64(time.Second))
		total := utf8.RuneCountInString(req.Text) * perRune * m.channels
		sequence := 0
		for emitted := 0; emitted < total; {
			n := min(mockChunkSamples, total-emitted)
			pcm := make([]byte, n*2)
			for i := 0; i < n; i++ {
				// sawtooth at low amplitude
				sample := int16((emitted+i)%200*40 - 4000)
				binary.LittleEndian.PutUint16(pcm[i*2:], uint16(sample))
			}
			emitted += n
			select {
			case chunks <- SynthChunk{
				JobID:      req.JobID,
				Sequence:   sequence,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        pcm,
				Final:      emitted >= total,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			sequence++
		}
	}()
	return chunks, errs
}
