package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Render drains a synthesis stream into a 16-bit PCM WAV file at path and
// returns the number of PCM bytes written. When the stream carries no audio
// the file is left empty.
func Render(ctx context.Context, synth Synthesizer, req SynthRequest, path string) (int, error) {
	// stops the synthesizer when we return before draining its stream
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	var enc *wav.Encoder
	written := 0
	chunks, errs := synth.Synthesize(ctx, req)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if len(chunk.PCM) == 0 {
				continue
			}
			if enc == nil {
				enc = wav.NewEncoder(file, chunk.SampleRate, 16, chunk.Channels, 1)
			}
			buf, err := pcmBuffer(chunk.PCM, chunk.SampleRate, chunk.Channels)
			if err != nil {
				return written, err
			}
			if err := enc.Write(buf); err != nil {
				return written, fmt.Errorf("write wav: %w", err)
			}
			written += len(chunk.PCM)
		case err, ok := <-errs:
			if ok && err != nil {
				return written, err
			}
			errs = nil
		case <-ctx.Done():
			return written, ctx.Err()
		}
	}

	if enc != nil {
		if err := enc.Close(); err != nil {
			return written, fmt.Errorf("close wav encoder: %w", err)
		}
	}
	return written, file.Close()
}

func pcmBuffer(pcm []byte, sampleRate, channels int) (*audio.IntBuffer, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}, nil
}
