// ABOUTME: Uncompressed PCM codec with selectable bit depth
// ABOUTME: Saturating fixed-point conversion, big-endian wire order
package pcm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/aoo-protocol/aoo-go/pkg/alog"
	"github.com/aoo-protocol/aoo-go/pkg/codec"
)

// CodecName identifies this codec in formats and /format messages.
const CodecName = "pcm"

// BitDepth selects the wire sample representation.
type BitDepth int32

const (
	Int16 BitDepth = iota
	Int24
	Float32
	Float64
)

// SettingsSize is the length of the PCM settings blob: a single
// big-endian int32 naming the bit depth.
const SettingsSize = 4

func (bd BitDepth) bytes() int {
	switch bd {
	case Int16:
		return 2
	case Int24:
		return 3
	case Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// Settings returns the settings blob for a bit depth.
func Settings(bd BitDepth) []byte {
	buf := make([]byte, SettingsSize)
	binary.BigEndian.PutUint32(buf, uint32(bd))
	return buf
}

// NewFormat builds a PCM format.
func NewFormat(channels, sampleRate, blockSize int, bd BitDepth) *codec.Format {
	return &codec.Format{
		Codec:      CodecName,
		Channels:   channels,
		SampleRate: sampleRate,
		BlockSize:  blockSize,
		Settings:   Settings(bd),
	}
}

// Codec is the PCM codec factory.
type Codec struct{}

func (Codec) Name() string              { return CodecName }
func (Codec) NewEncoder() codec.Encoder { return &Encoder{} }
func (Codec) NewDecoder() codec.Decoder { return &Decoder{} }

// state is the shared geometry of an encoder or decoder instance.
type state struct {
	channels   int
	sampleRate int
	blockSize  int
	bitDepth   BitDepth
}

func (s *state) Name() string    { return CodecName }
func (s *state) Channels() int   { return s.channels }
func (s *state) SampleRate() int { return s.sampleRate }
func (s *state) BlockSize() int  { return s.blockSize }

func (s *state) setup(f *codec.Format) error {
	if f.Codec != CodecName {
		return fmt.Errorf("pcm: wrong codec name %q", f.Codec)
	}
	if f.BlockSize <= 0 {
		alog.Warningf("pcm: bad blocksize %d, using 64 samples", f.BlockSize)
		f.BlockSize = 64
	}
	if f.SampleRate <= 0 {
		alog.Warningf("pcm: bad samplerate %d, using 44100", f.SampleRate)
		f.SampleRate = 44100
	}
	if f.Channels <= 0 || f.Channels > 255 {
		alog.Warningf("pcm: bad channel count %d, using 1 channel", f.Channels)
		f.Channels = 1
	}

	bd := Float32
	if len(f.Settings) >= SettingsSize {
		bd = BitDepth(int32(binary.BigEndian.Uint32(f.Settings)))
	}
	if bd < Int16 || bd > Float64 {
		alog.Warningf("pcm: bad bitdepth %d, using 32bit float", bd)
		bd = Float32
	}
	f.Settings = Settings(bd)

	s.channels = f.Channels
	s.sampleRate = f.SampleRate
	s.blockSize = f.BlockSize
	s.bitDepth = bd
	return nil
}

// Encoder encodes float32 samples to wire PCM.
type Encoder struct {
	state
}

// Setup implements codec.Encoder.
func (e *Encoder) Setup(f *codec.Format) error { return e.setup(f) }

// Encode implements codec.Encoder.
func (e *Encoder) Encode(samples []float32, buf []byte) (int, error) {
	ss := e.bitDepth.bytes()
	need := len(samples) * ss
	if len(buf) < need {
		return 0, fmt.Errorf("pcm: encode buffer too small: %d < %d", len(buf), need)
	}
	b := buf
	switch e.bitDepth {
	case Int16:
		for _, s := range samples {
			binary.BigEndian.PutUint16(b, uint16(sampleToInt16(s)))
			b = b[2:]
		}
	case Int24:
		for _, s := range samples {
			v := sampleToInt32(s)
			b[0] = byte(v >> 24)
			b[1] = byte(v >> 16)
			b[2] = byte(v >> 8)
			b = b[3:]
		}
	case Float32:
		for _, s := range samples {
			binary.BigEndian.PutUint32(b, math.Float32bits(s))
			b = b[4:]
		}
	case Float64:
		for _, s := range samples {
			binary.BigEndian.PutUint64(b, math.Float64bits(float64(s)))
			b = b[8:]
		}
	}
	return need, nil
}

// WriteFormat implements codec.Encoder.
func (e *Encoder) WriteFormat(buf []byte) (int, int, int, int, error) {
	if len(buf) < SettingsSize {
		return 0, 0, 0, 0, fmt.Errorf("pcm: settings buffer too small")
	}
	binary.BigEndian.PutUint32(buf, uint32(e.bitDepth))
	return e.channels, e.sampleRate, e.blockSize, SettingsSize, nil
}

// Decoder decodes wire PCM to float32 samples.
type Decoder struct {
	state
}

// Setup implements codec.Decoder.
func (d *Decoder) Setup(f *codec.Format) error { return d.setup(f) }

// Decode implements codec.Decoder.
func (d *Decoder) Decode(data []byte, samples []float32) (int, error) {
	ss := d.bitDepth.bytes()
	n := len(data) / ss
	if n > len(samples) {
		return 0, fmt.Errorf("pcm: sample buffer too small: %d < %d", len(samples), n)
	}
	switch d.bitDepth {
	case Int16:
		for i := 0; i < n; i++ {
			v := int16(binary.BigEndian.Uint16(data[i*2:]))
			samples[i] = float32(v) / 32767.0
		}
	case Int24:
		for i := 0; i < n; i++ {
			v := int32(data[i*3])<<24 | int32(data[i*3+1])<<16 | int32(data[i*3+2])<<8
			samples[i] = float32(float64(v) / 0x7fffffff)
		}
	case Float32:
		for i := 0; i < n; i++ {
			samples[i] = math.Float32frombits(binary.BigEndian.Uint32(data[i*4:]))
		}
	case Float64:
		for i := 0; i < n; i++ {
			samples[i] = float32(math.Float64frombits(binary.BigEndian.Uint64(data[i*8:])))
		}
	}
	return n, nil
}

// ReadFormat implements codec.Decoder.
func (d *Decoder) ReadFormat(channels, sampleRate, blockSize int, settings []byte) (int, error) {
	if len(settings) < SettingsSize {
		return 0, fmt.Errorf("pcm: settings blob too short: %d", len(settings))
	}
	f := codec.Format{
		Codec:      CodecName,
		Channels:   channels,
		SampleRate: sampleRate,
		BlockSize:  blockSize,
		Settings:   settings[:SettingsSize],
	}
	if err := d.setup(&f); err != nil {
		return 0, err
	}
	return SettingsSize, nil
}

func sampleToInt16(s float32) int16 {
	v := float64(s)*0x7fff + 0.5
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Floor(v))
}

func sampleToInt32(s float32) int32 {
	v := float64(s)*0x7fffffff + 0.5
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}
