// ABOUTME: Codec plug-in contract and the process-wide codec registry
// ABOUTME: Encoders and decoders are resolved by name and share one lifecycle
package codec

import (
	"fmt"
	"sync"
)

// Format describes a stream format. Settings carries codec-specific
// configuration as an opaque blob; it travels verbatim in /format
// messages and only the owning codec interprets it.
type Format struct {
	Codec      string
	Channels   int
	SampleRate int
	BlockSize  int
	Settings   []byte
}

// Encoder turns blocks of interleaved float32 samples into encoded bytes.
type Encoder interface {
	Name() string
	Channels() int
	SampleRate() int
	BlockSize() int

	// Setup validates and stores the format, clamping out-of-range
	// fields in place with warnings.
	Setup(f *Format) error

	// Encode writes one block of samples into buf and returns the
	// number of bytes written.
	Encode(samples []float32, buf []byte) (int, error)

	// WriteFormat serialises the settings blob that will reach the
	// decoder, returning the announced geometry and the blob length.
	WriteFormat(buf []byte) (channels, sampleRate, blockSize, n int, err error)
}

// Decoder turns encoded bytes back into interleaved float32 samples.
type Decoder interface {
	Name() string
	Channels() int
	SampleRate() int
	BlockSize() int

	// Decode fills samples from one encoded block and returns the
	// number of samples written.
	Decode(data []byte, samples []float32) (int, error)

	// ReadFormat reconfigures the decoder from an announced geometry
	// and settings blob, returning the number of blob bytes consumed.
	ReadFormat(channels, sampleRate, blockSize int, settings []byte) (int, error)
}

// Codec is a named factory for encoder/decoder pairs.
type Codec interface {
	Name() string
	NewEncoder() Encoder
	NewDecoder() Decoder
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]Codec)
)

// Register makes a codec resolvable by name. Registration happens once
// at initialisation, before any source or sink exists; re-registering a
// name replaces the previous entry.
func Register(c Codec) {
	registryMu.Lock()
	registry[c.Name()] = c
	registryMu.Unlock()
}

// Find resolves a codec by name.
func Find(name string) (Codec, error) {
	registryMu.Lock()
	c, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return c, nil
}
