package audio

import (
	"encoding/binary"
	"fmt"
)

// FrameSamples is the number of int16 PCM samples in one 40ms frame at
// 48kHz mono.
const FrameSamples = 1920

// SampleRate is the audio mix engine's fixed sample rate.
const SampleRate = 48000

// Encoder and Decoder are the codec boundary. The spec treats the actual
// codec (Opus in production) as an opaque external collaborator; nothing
// in this package depends on a concrete compression format.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

type Decoder interface {
	Decode(frame []byte) ([]int16, error)
}

// PCM16Codec is the reference Encoder/Decoder used when no real codec
// binding is wired in: it round-trips 16-bit little-endian PCM verbatim.
// A production deployment drops an Opus (or similar) implementation of
// Encoder/Decoder in its place without touching the mixer.
type PCM16Codec struct{}

func (PCM16Codec) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

func (PCM16Codec) Decode(frame []byte) ([]int16, error) {
	if len(frame)%2 != 0 {
		return nil, fmt.Errorf("audio: odd-length PCM frame (%d bytes)", len(frame))
	}
	out := make([]int16, len(frame)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
	}
	return out, nil
}
