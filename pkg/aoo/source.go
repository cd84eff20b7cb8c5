// ABOUTME: Source engine: encode, timestamp, packetise and send audio blocks
// ABOUTME: Serves format requests and retransmits from the history ring
package aoo

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/aoo-protocol/aoo-go/internal/resample"
	"github.com/aoo-protocol/aoo-go/internal/ring"
	"github.com/aoo-protocol/aoo-go/internal/stream"
	"github.com/aoo-protocol/aoo-go/internal/timing"
	"github.com/aoo-protocol/aoo-go/pkg/alog"
	"github.com/aoo-protocol/aoo-go/pkg/codec"
	"github.com/chabad360/go-osc/osc"
	"github.com/samber/lo"
)

// SourceSettings configures a source for the host's DSP geometry.
type SourceSettings struct {
	BlockSize  int
	SampleRate int
	Channels   int

	// BufferMs sizes the handoff between the audio and network threads.
	BufferMs int
	// PacketSize is an MTU-ish upper bound on one OSC datagram.
	PacketSize int
	// ResendBufferMs sizes the replay cache; zero disables resending.
	ResendBufferMs int
	// TimeFilterBandwidth is the DLL loop bandwidth.
	TimeFilterBandwidth float64
}

// DefaultSourceSettings returns settings with the package defaults for
// the given geometry.
func DefaultSourceSettings(blockSize, sampleRate, channels int) SourceSettings {
	return SourceSettings{
		BlockSize:           blockSize,
		SampleRate:          sampleRate,
		Channels:            channels,
		BufferMs:            DefaultSourceBufferMs,
		PacketSize:          DefaultPacketSize,
		ResendBufferMs:      DefaultResendBufferMs,
		TimeFilterBandwidth: DefaultTimeFilterBandwidth,
	}
}

// sinkDesc is one destination of a source.
type sinkDesc struct {
	endpoint Endpoint
	reply    ReplyFunc
	id       int32
	channel  int32
}

func (sd *sinkDesc) send(data []byte) {
	if err := sd.reply(sd.endpoint, data); err != nil {
		alog.Warningf("reply to sink %d failed: %v", sd.id, err)
	}
}

// dataPacket is one outgoing fragment before OSC framing.
type dataPacket struct {
	sequence   int32
	sampleRate float64
	totalSize  int32
	nframes    int32
	frame      int32
	data       []byte
}

// Source streams audio blocks produced by the host's DSP callback to a
// set of sinks. Process runs on the audio thread; Send and HandleMessage
// run on the network thread; everything else is host-driven. The sink
// list, encoder and queues are guarded by a mutex that the audio thread
// never takes.
type Source struct {
	id int32

	mu       sync.Mutex
	sinks    []sinkDesc
	hasSinks atomic.Bool

	blockSize  int
	sampleRate int
	channels   int
	bufferMs   int
	packetSize int
	resendMs   int
	bandwidth  float64

	encoder  codec.Encoder
	salt     int32
	sequence int32

	audioq       *ring.Buffer
	srq          *ring.Queue[float64]
	resampler    resample.Resampler
	useResampler bool
	history      *stream.History

	dll     timing.DLL
	monitor timing.Monitor
	scratch []float32
	encBuf  []byte
}

// NewSource returns a source with the given identifier. Call Setup and
// SetFormat before processing audio.
func NewSource(id int32) *Source {
	Initialize()
	return &Source{id: id, salt: makeSalt()}
}

// ID returns the source identifier.
func (s *Source) ID() int32 { return s.id }

// Setup configures the source for the host's DSP geometry.
func (s *Source) Setup(settings SourceSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blockSize = settings.BlockSize
	s.sampleRate = settings.SampleRate
	s.channels = settings.Channels
	s.bufferMs = lo.Max([]int{settings.BufferMs, 0})
	s.resendMs = lo.Max([]int{settings.ResendBufferMs, 0})

	minPacket := DataHeaderSize + 64
	switch {
	case settings.PacketSize < minPacket:
		alog.Warningf("source %d: packet size %d too small, using %d",
			s.id, settings.PacketSize, minPacket)
		s.packetSize = minPacket
	case settings.PacketSize > MaxPacketSize:
		alog.Warningf("source %d: packet size %d too large, using %d",
			s.id, settings.PacketSize, MaxPacketSize)
		s.packetSize = MaxPacketSize
	default:
		s.packetSize = settings.PacketSize
	}

	s.bandwidth = settings.TimeFilterBandwidth
	s.monitor.Setup(s.sampleRate, s.blockSize, timeFilterTolerance)

	if s.encoder != nil {
		s.update()
	}
}

// SetFormat assigns a fresh stream generation: new salt, reconfigured
// encoder, sequence reset, resized queues, and a /format announce to
// every known sink.
func (s *Source) SetFormat(f *codec.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encoder == nil || s.encoder.Name() != f.Codec {
		c, err := codec.Find(f.Codec)
		if err != nil {
			alog.Errorf("source %d: %v", s.id, err)
			return err
		}
		s.encoder = c.NewEncoder()
	}
	if err := s.encoder.Setup(f); err != nil {
		alog.Errorf("source %d: encoder setup: %v", s.id, err)
		return err
	}

	s.salt = makeSalt()
	s.sequence = 0
	s.update()
	for i := range s.sinks {
		s.sendFormat(&s.sinks[i])
	}
	return nil
}

// update recomputes queue and history geometry. Caller holds the mutex
// and the audio thread is quiescent (host contract on reconfiguration).
func (s *Source) update() {
	enc := s.encoder
	if enc == nil || s.blockSize <= 0 || s.sampleRate <= 0 || s.channels <= 0 {
		return
	}

	nsamples := enc.BlockSize() * s.channels
	nbuffers := lo.Max([]int{ceilDiv(s.bufferMs*enc.SampleRate(), 1000*enc.BlockSize()), 1})
	s.audioq = ring.NewBuffer(nbuffers, nsamples)
	s.srq = ring.NewQueue[float64](nbuffers)
	alog.Debugf("source %d: %d audio buffers", s.id, nbuffers)

	if enc.BlockSize() != s.blockSize || enc.SampleRate() != s.sampleRate {
		s.resampler.Setup(s.blockSize, enc.BlockSize(), s.sampleRate, enc.SampleRate(), s.channels)
		s.resampler.Update(float64(s.sampleRate), float64(enc.SampleRate()))
		s.useResampler = true
	} else {
		s.resampler.Clear()
		s.useResampler = false
	}

	// An empty history is allowed: it disables resending.
	s.history = stream.NewHistory(ceilDiv(s.resendMs*s.sampleRate, 1000*enc.BlockSize()))

	s.scratch = make([]float32, s.blockSize*s.channels)
	s.encBuf = make([]byte, lo.Max([]int{nsamples * 8, 4096}))
}

// AddSink registers a destination and immediately announces the current
// format to it. A wildcard id first drops every descriptor on that
// endpoint. Duplicate (endpoint, id) pairs are ignored with a warning.
func (s *Source) AddSink(ep Endpoint, id int32, fn ReplyFunc) {
	if id == WildcardID {
		s.RemoveSink(ep, WildcardID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findSink(ep, id) != nil {
		alog.Warningf("source %d: sink %d already added", s.id, id)
		return
	}
	s.sinks = append(s.sinks, sinkDesc{endpoint: ep, reply: fn, id: id})
	s.hasSinks.Store(true)
	if s.encoder != nil {
		s.sendFormat(&s.sinks[len(s.sinks)-1])
	}
}

// RemoveSink drops a destination. A wildcard id drops every descriptor
// on that endpoint.
func (s *Source) RemoveSink(ep Endpoint, id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == WildcardID {
		s.sinks = lo.Reject(s.sinks, func(sd sinkDesc, _ int) bool {
			return sd.endpoint == ep
		})
	} else if sd := s.findSink(ep, id); sd != nil {
		s.sinks = lo.Reject(s.sinks, func(other sinkDesc, _ int) bool {
			return other.endpoint == ep && other.id == id
		})
	} else {
		alog.Warningf("source %d: remove: sink %d not found", s.id, id)
	}
	s.hasSinks.Store(len(s.sinks) > 0)
}

// RemoveAll drops every destination.
func (s *Source) RemoveAll() {
	s.mu.Lock()
	s.sinks = s.sinks[:0]
	s.hasSinks.Store(false)
	s.mu.Unlock()
}

// SetSinkChannel sets the destination channel offset for a sink. A
// wildcard id applies to every descriptor on that endpoint.
func (s *Source) SetSinkChannel(ep Endpoint, id int32, channel int32) {
	if channel < 0 {
		alog.Errorf("source %d: channel onset %d out of range", s.id, channel)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == WildcardID {
		for i := range s.sinks {
			if s.sinks[i].endpoint == ep {
				s.sinks[i].channel = channel
			}
		}
	} else if sd := s.findSink(ep, id); sd != nil {
		alog.Verbosef("source %d: send to sink %d on channel %d", s.id, id, channel)
		sd.channel = channel
	} else {
		alog.Errorf("source %d: set channel: sink %d not found", s.id, id)
	}
}

// findSink returns the descriptor for (ep, id), or nil. Caller holds
// the mutex.
func (s *Source) findSink(ep Endpoint, id int32) *sinkDesc {
	for i := range s.sinks {
		if s.sinks[i].endpoint == ep && s.sinks[i].id == id {
			return &s.sinks[i]
		}
	}
	return nil
}

// Process pushes one block of non-interleaved input samples from the
// host audio callback, stamped with the wall-clock time tag of the
// tick. Returns true when at least one codec block was committed, so
// the caller may wake the network thread.
func (s *Source) Process(data [][]float32, t osc.Timetag) bool {
	state, _ := s.monitor.Update(t)
	switch state {
	case timing.StateReset:
		alog.Verbosef("source %d: setup time DLL", s.id)
		s.dll.Setup(s.sampleRate, s.blockSize, s.bandwidth, 0)
	case timing.StateError:
		alog.Warningf("source %d: DSP tick(s) took too long, resetting timer", s.id)
		s.monitor.Reset()
		s.dll.Setup(s.sampleRate, s.blockSize, s.bandwidth, 0)
	default:
		s.dll.Update(s.monitor.Elapsed())
	}

	if s.encoder == nil || !s.hasSinks.Load() || s.audioq == nil {
		return false
	}

	// Non-interleaved to interleaved.
	n := s.blockSize
	buf := s.scratch
	for i := 0; i < s.channels; i++ {
		for j := 0; j < n; j++ {
			buf[j*s.channels+i] = data[i][j]
		}
	}

	outSamples := s.audioq.Blocksize()
	if s.useResampler {
		if s.resampler.WriteAvailable() < len(buf) {
			alog.Verbosef("source %d: resampler full, dropping tick", s.id)
			return false
		}
		s.resampler.Write(buf)

		committed := false
		ratio := float64(s.encoder.SampleRate()) / float64(s.sampleRate)
		for s.resampler.ReadAvailable() >= outSamples &&
			s.audioq.WriteAvailable() > 0 && s.srq.WriteAvailable() > 0 {
			s.resampler.Read(s.audioq.WriteData())
			s.audioq.WriteCommit()
			s.srq.Write(s.dll.SampleRate() * ratio)
			committed = true
		}
		return committed
	}

	if s.audioq.WriteAvailable() > 0 && s.srq.WriteAvailable() > 0 {
		copy(s.audioq.WriteData(), buf)
		s.audioq.WriteCommit()
		s.srq.Write(s.dll.SampleRate())
		return true
	}
	alog.Verbosef("source %d: audio queue full, dropping tick", s.id)
	return false
}

// Send drains committed blocks: encode, fragment, cache in the history
// and emit one /data message per fragment to every sink. Called from the
// network thread; returns true if anything was sent.
func (s *Source) Send() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encoder == nil || s.audioq == nil {
		return false
	}

	sent := false
	for s.audioq.ReadAvailable() > 0 && s.srq.ReadAvailable() > 0 {
		sr, _ := s.srq.Read()

		n, err := s.encoder.Encode(s.audioq.ReadData(), s.encBuf)
		s.audioq.ReadCommit()
		if err != nil {
			alog.Errorf("source %d: encode: %v", s.id, err)
			continue
		}
		payload := s.encBuf[:n]

		maxFrame := s.packetSize - DataHeaderSize
		d := dataPacket{
			sequence:   s.sequence,
			sampleRate: sr,
			totalSize:  int32(n),
			nframes:    int32(ceilDiv(n, maxFrame)),
		}
		s.history.Push(d.sequence, sr, payload, int32(maxFrame))

		for i := int32(0); i < d.nframes; i++ {
			start := int(i) * maxFrame
			end := start + maxFrame
			if end > n {
				end = n
			}
			d.frame = i
			d.data = payload[start:end]
			for j := range s.sinks {
				s.sendData(&s.sinks[j], &d)
			}
		}

		s.sequence++
		// With 64 samples at 44.1 kHz this happens every 36 days: force
		// a stream reset by changing the salt.
		if s.sequence == math.MaxInt32 {
			s.salt = makeSalt()
			s.sequence = 0
		}
		sent = true
	}
	return sent
}

// HandleMessage feeds one incoming datagram addressed to this source.
func (s *Source) HandleMessage(data []byte, ep Endpoint, fn ReplyFunc) error {
	if len(data) == 0 {
		return fmt.Errorf("empty message")
	}
	if data[0] == '#' {
		alog.Warningf("source %d: OSC bundles are not supported", s.id)
		return nil
	}
	msg, err := osc.NewMessageFromData(data)
	if err != nil {
		alog.Warningf("source %d: malformed OSC message: %v", s.id, err)
		return err
	}

	typ, id, leaf, err := parsePattern(msg.Address)
	if err != nil {
		alog.Warningf("source %d: %v", s.id, err)
		return err
	}
	switch typ {
	case typeClient, typeServer, typePeer, typeRelay:
		alog.Verbosef("source %d: ignoring signalling message %q", s.id, msg.Address)
		return nil
	case typeSource:
	default:
		alog.Warningf("source %d: not a source message: %q", s.id, msg.Address)
		return nil
	}
	if id != s.id && id != WildcardID {
		alog.Warningf("source %d: wrong source id %d", s.id, id)
		return nil
	}

	switch leaf {
	case leafRequest:
		return s.handleRequest(msg, ep, fn)
	case leafResend:
		return s.handleResend(msg, ep)
	default:
		alog.Warningf("source %d: unknown message %q", s.id, leaf)
		return nil
	}
}

// handleRequest re-announces the current format; an unknown sink is
// added (its own format announce follows from AddSink).
func (s *Source) handleRequest(msg *osc.Message, ep Endpoint, fn ReplyFunc) error {
	if len(msg.Arguments) != 1 {
		alog.Errorf("source %d: wrong number of arguments for /request", s.id)
		return fmt.Errorf("bad /request arity")
	}
	id, ok := asInt32(msg.Arguments[0])
	if !ok {
		return fmt.Errorf("bad /request argument")
	}

	s.mu.Lock()
	sd := s.findSink(ep, id)
	if sd != nil && s.encoder != nil {
		s.sendFormat(sd)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if sd == nil {
		s.AddSink(ep, id, fn)
	}
	return nil
}

// handleResend serves retransmit requests from the history ring.
func (s *Source) handleResend(msg *osc.Message, ep Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.history == nil || s.history.Capacity() == 0 {
		return nil
	}
	if len(msg.Arguments) < 4 || len(msg.Arguments)%2 != 0 {
		alog.Errorf("source %d: bad number of arguments for /resend", s.id)
		return fmt.Errorf("bad /resend arity")
	}

	id, ok := asInt32(msg.Arguments[0])
	if !ok {
		return fmt.Errorf("bad /resend sink id")
	}
	sd := s.findSink(ep, id)
	if sd == nil {
		alog.Verbosef("source %d: ignoring /resend: sink %d not found", s.id, id)
		return nil
	}
	salt, ok := asInt32(msg.Arguments[1])
	if !ok {
		return fmt.Errorf("bad /resend salt")
	}
	if salt != s.salt {
		alog.Verbosef("source %d: ignoring /resend: stream has changed", s.id)
		return nil
	}

	for i := 2; i+1 < len(msg.Arguments); i += 2 {
		seq, ok1 := asInt32(msg.Arguments[i])
		frame, ok2 := asInt32(msg.Arguments[i+1])
		if !ok1 || !ok2 {
			return fmt.Errorf("bad /resend pair")
		}
		block := s.history.Find(seq)
		if block == nil {
			alog.Verbosef("source %d: couldn't find block %d", s.id, seq)
			continue
		}
		d := dataPacket{
			sequence:   block.Sequence,
			sampleRate: block.SampleRate,
			totalSize:  block.Size(),
			nframes:    block.NumFrames(),
		}
		if frame < 0 {
			for f := int32(0); f < d.nframes; f++ {
				d.frame = f
				d.data = block.Frame(f)
				s.sendData(sd, &d)
			}
		} else if data := block.Frame(frame); data != nil {
			d.frame = frame
			d.data = data
			s.sendData(sd, &d)
		}
	}
	return nil
}

// sendData emits one /data fragment to a sink. Caller holds the mutex.
func (s *Source) sendData(sd *sinkDesc, d *dataPacket) {
	msg := osc.NewMessage(dataAddress(sd.id),
		s.id, s.salt, d.sequence, d.sampleRate, sd.channel,
		d.totalSize, d.nframes, d.frame, d.data)
	data, err := msg.MarshalBinary()
	if err != nil {
		alog.Errorf("source %d: invalid data message: %v", s.id, err)
		return
	}
	sd.send(data)
	alog.Debugf("source %d: send block seq=%d sr=%f chn=%d total=%d nframes=%d frame=%d",
		s.id, d.sequence, d.sampleRate, sd.channel, d.totalSize, d.nframes, d.frame)
}

// sendFormat announces the current format to a sink. Caller holds the
// mutex; the encoder is set.
func (s *Source) sendFormat(sd *sinkDesc) {
	settings := make([]byte, 256)
	nch, sr, bs, n, err := s.encoder.WriteFormat(settings)
	if err != nil {
		alog.Errorf("source %d: write format: %v", s.id, err)
		return
	}
	msg := osc.NewMessage(formatAddress(sd.id),
		s.id, s.salt, int32(nch), int32(sr), int32(bs),
		s.encoder.Name(), settings[:n])
	data, err := msg.MarshalBinary()
	if err != nil {
		alog.Errorf("source %d: invalid format message: %v", s.id, err)
		return
	}
	sd.send(data)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
