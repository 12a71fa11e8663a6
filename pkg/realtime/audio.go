package realtime

import (
	"encoding/binary"
	"math"
	"sync"
)

const (
	// SampleRate is the only sample rate the realtime surface accepts.
	// Clients send PCM16 mono at 16 kHz, which is what whisper expects.
	SampleRate = 16000

	// bytesPerSample is the width of one PCM16 sample.
	bytesPerSample = 2

	// minTranscriptionMs pads very short buffers before transcription.
	// Whisper hallucinates on clips below roughly a second, so committed
	// audio is extended with trailing silence up to this duration.
	minTranscriptionMs = 1250
)

// AudioBuffer accumulates PCM16 mono audio between commits. Appends arrive
// from the session's read loop while the VAD inspects the tail, so access is
// mutex-guarded.
type AudioBuffer struct {
	mu  sync.Mutex
	pcm []byte
}

// NewAudioBuffer returns an empty buffer sized for about 30 seconds of audio.
func NewAudioBuffer() *AudioBuffer {
	return &AudioBuffer{pcm: make([]byte, 0, SampleRate*bytesPerSample*30)}
}

// Append adds a chunk of PCM16 bytes. A trailing odd byte is kept and
// completed by the next chunk.
func (b *AudioBuffer) Append(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pcm = append(b.pcm, chunk...)
}

// Len returns the buffered byte count.
func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pcm)
}

// DurationMs returns the buffered audio duration in milliseconds.
func (b *AudioBuffer) DurationMs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return durationMsLocked(len(b.pcm))
}

func durationMsLocked(byteCount int) int64 {
	samples := byteCount / bytesPerSample
	return int64(samples) * 1000 / SampleRate
}

// Clear empties the buffer.
func (b *AudioBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pcm = b.pcm[:0]
}

// RecentWindow returns the trailing ms milliseconds of audio as normalized
// float samples in [-1, 1] for VAD inspection. It returns fewer samples when
// the buffer is shorter than the window.
func (b *AudioBuffer) RecentWindow(ms int) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := SampleRate * ms / 1000 * bytesPerSample
	start := len(b.pcm) - want
	if start < 0 {
		start = 0
	}
	window := b.pcm[start : len(b.pcm)-len(b.pcm)%bytesPerSample]

	samples := make([]float64, 0, len(window)/bytesPerSample)
	for i := 0; i+1 < len(window); i += bytesPerSample {
		s := int16(binary.LittleEndian.Uint16(window[i:]))
		samples = append(samples, float64(s)/math.MaxInt16)
	}
	return samples
}

// WAV encodes the buffered audio as a 16-bit mono RIFF WAV file, padded with
// trailing silence to at least minTranscriptionMs.
func (b *AudioBuffer) WAV() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := b.pcm[:len(b.pcm)-len(b.pcm)%bytesPerSample]
	minBytes := SampleRate * minTranscriptionMs / 1000 * bytesPerSample
	padding := 0
	if len(data) < minBytes {
		padding = minBytes - len(data)
	}

	// 44-byte canonical RIFF header.
	dataSize := len(data) + padding
	wav := make([]byte, 0, 44+dataSize)
	wav = append(wav, "RIFF"...)
	wav = binary.LittleEndian.AppendUint32(wav, uint32(36+dataSize))
	wav = append(wav, "WAVE"...)
	wav = append(wav, "fmt "...)
	wav = binary.LittleEndian.AppendUint32(wav, 16)
	wav = binary.LittleEndian.AppendUint16(wav, 1) // PCM
	wav = binary.LittleEndian.AppendUint16(wav, 1) // mono
	wav = binary.LittleEndian.AppendUint32(wav, SampleRate)
	wav = binary.LittleEndian.AppendUint32(wav, SampleRate*bytesPerSample)
	wav = binary.LittleEndian.AppendUint16(wav, bytesPerSample)
	wav = binary.LittleEndian.AppendUint16(wav, 16)
	wav = append(wav, "data"...)
	wav = binary.LittleEndian.AppendUint32(wav, uint32(dataSize))
	wav = append(wav, data...)
	wav = append(wav, make([]byte, padding)...)
	return wav
}
