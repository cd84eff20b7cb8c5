// ABOUTME: Opus codec backed by libopus for bandwidth-efficient streaming
// ABOUTME: Settings blob carries application mode and bitrate
package opus

import (
	"encoding/binary"
	"fmt"

	"github.com/aoo-protocol/aoo-go/pkg/alog"
	"github.com/aoo-protocol/aoo-go/pkg/codec"
	opuslib "gopkg.in/hraban/opus.v2"
)

// CodecName identifies this codec in formats and /format messages.
const CodecName = "opus"

// SettingsSize is the length of the Opus settings blob: application mode
// and bitrate, each a big-endian int32.
const SettingsSize = 8

// maxPacket is the largest packet libopus will produce.
const maxPacket = 4000

// Settings returns the settings blob for an application mode and bitrate.
func Settings(application opuslib.Application, bitrate int) []byte {
	buf := make([]byte, SettingsSize)
	binary.BigEndian.PutUint32(buf, uint32(application))
	binary.BigEndian.PutUint32(buf[4:], uint32(bitrate))
	return buf
}

// NewFormat builds an Opus format. A bitrate of 0 lets Setup pick
// 64 kbit/s per channel.
func NewFormat(channels, sampleRate, blockSize int, bitrate int) *codec.Format {
	return &codec.Format{
		Codec:      CodecName,
		Channels:   channels,
		SampleRate: sampleRate,
		BlockSize:  blockSize,
		Settings:   Settings(opuslib.AppAudio, bitrate),
	}
}

// Codec is the Opus codec factory.
type Codec struct{}

func (Codec) Name() string              { return CodecName }
func (Codec) NewEncoder() codec.Encoder { return &Encoder{} }
func (Codec) NewDecoder() codec.Decoder { return &Decoder{} }

func init() {
	codec.Register(Codec{})
}

type state struct {
	channels    int
	sampleRate  int
	blockSize   int
	application opuslib.Application
	bitrate     int
}

func (s *state) Name() string    { return CodecName }
func (s *state) Channels() int   { return s.channels }
func (s *state) SampleRate() int { return s.sampleRate }
func (s *state) BlockSize() int  { return s.blockSize }

func validRate(sr int) bool {
	switch sr {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// validBlock reports whether bs is a legal Opus frame size for sr:
// 2.5, 5, 10, 20, 40 or 60 ms.
func validBlock(sr, bs int) bool {
	for _, mul := range []int{1, 2, 4, 8, 16, 24} {
		if bs*400 == sr*mul {
			return true
		}
	}
	return false
}

func (s *state) setup(f *codec.Format) error {
	if f.Codec != CodecName {
		return fmt.Errorf("opus: wrong codec name %q", f.Codec)
	}
	if f.Channels < 1 || f.Channels > 2 {
		alog.Warningf("opus: bad channel count %d, using 1 channel", f.Channels)
		f.Channels = 1
	}
	if !validRate(f.SampleRate) {
		alog.Warningf("opus: unsupported samplerate %d, using 48000", f.SampleRate)
		f.SampleRate = 48000
	}
	if !validBlock(f.SampleRate, f.BlockSize) {
		bs := f.SampleRate / 50 // 20 ms
		alog.Warningf("opus: bad blocksize %d for %d Hz, using %d",
			f.BlockSize, f.SampleRate, bs)
		f.BlockSize = bs
	}

	app := opuslib.AppAudio
	bitrate := 0
	if len(f.Settings) >= SettingsSize {
		app = opuslib.Application(int32(binary.BigEndian.Uint32(f.Settings)))
		bitrate = int(int32(binary.BigEndian.Uint32(f.Settings[4:])))
	}
	switch app {
	case opuslib.AppVoIP, opuslib.AppAudio, opuslib.AppRestrictedLowdelay:
	default:
		app = opuslib.AppAudio
	}
	if bitrate <= 0 {
		bitrate = 64000 * f.Channels
	}
	f.Settings = Settings(app, bitrate)

	s.channels = f.Channels
	s.sampleRate = f.SampleRate
	s.blockSize = f.BlockSize
	s.application = app
	s.bitrate = bitrate
	return nil
}

// Encoder wraps a libopus encoder.
type Encoder struct {
	state
	enc *opuslib.Encoder
}

// Setup implements codec.Encoder.
func (e *Encoder) Setup(f *codec.Format) error {
	if err := e.setup(f); err != nil {
		return err
	}
	enc, err := opuslib.NewEncoder(e.sampleRate, e.channels, e.application)
	if err != nil {
		return fmt.Errorf("opus: create encoder: %w", err)
	}
	if err := enc.SetBitrate(e.bitrate); err != nil {
		alog.Warningf("opus: set bitrate %d failed: %v", e.bitrate, err)
	}
	e.enc = enc
	return nil
}

// Encode implements codec.Encoder.
func (e *Encoder) Encode(samples []float32, buf []byte) (int, error) {
	if e.enc == nil {
		return 0, fmt.Errorf("opus: encoder not set up")
	}
	out := buf
	if len(out) > maxPacket {
		out = out[:maxPacket]
	}
	n, err := e.enc.EncodeFloat32(samples, out)
	if err != nil {
		return 0, fmt.Errorf("opus: encode: %w", err)
	}
	return n, nil
}

// WriteFormat implements codec.Encoder.
func (e *Encoder) WriteFormat(buf []byte) (int, int, int, int, error) {
	if len(buf) < SettingsSize {
		return 0, 0, 0, 0, fmt.Errorf("opus: settings buffer too small")
	}
	copy(buf, Settings(e.application, e.bitrate))
	return e.channels, e.sampleRate, e.blockSize, SettingsSize, nil
}

// Decoder wraps a libopus decoder.
type Decoder struct {
	state
	dec *opuslib.Decoder
}

// Setup implements codec.Decoder.
func (d *Decoder) Setup(f *codec.Format) error {
	if err := d.setup(f); err != nil {
		return err
	}
	dec, err := opuslib.NewDecoder(d.sampleRate, d.channels)
	if err != nil {
		return fmt.Errorf("opus: create decoder: %w", err)
	}
	d.dec = dec
	return nil
}

// Decode implements codec.Decoder.
func (d *Decoder) Decode(data []byte, samples []float32) (int, error) {
	if d.dec == nil {
		return 0, fmt.Errorf("opus: decoder not set up")
	}
	n, err := d.dec.DecodeFloat32(data, samples)
	if err != nil {
		return 0, fmt.Errorf("opus: decode: %w", err)
	}
	return n * d.channels, nil
}

// ReadFormat implements codec.Decoder.
func (d *Decoder) ReadFormat(channels, sampleRate, blockSize int, settings []byte) (int, error) {
	if len(settings) < SettingsSize {
		return 0, fmt.Errorf("opus: settings blob too short: %d", len(settings))
	}
	f := codec.Format{
		Codec:      CodecName,
		Channels:   channels,
		SampleRate: sampleRate,
		BlockSize:  blockSize,
		Settings:   settings[:SettingsSize],
	}
	if err := d.Setup(&f); err != nil {
		return 0, err
	}
	return SettingsSize, nil
}
