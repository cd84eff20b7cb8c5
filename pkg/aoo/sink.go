// ABOUTME: Sink engine: reassemble, jitter-buffer, resample and mix sources
// ABOUTME: Requests retransmits for holes and surfaces state events per tick
package aoo

import (
	"fmt"
	"sync"

	"github.com/aoo-protocol/aoo-go/internal/resample"
	"github.com/aoo-protocol/aoo-go/internal/ring"
	"github.com/aoo-protocol/aoo-go/internal/stream"
	"github.com/aoo-protocol/aoo-go/internal/timing"
	"github.com/aoo-protocol/aoo-go/pkg/alog"
	"github.com/aoo-protocol/aoo-go/pkg/codec"
	"github.com/chabad360/go-osc/osc"
	"github.com/samber/lo"
)

// ProcessFunc receives one block of mixed, non-interleaved output
// samples plus the events observed this tick.
type ProcessFunc func(samples [][]float32, n int, events []Event)

// SinkSettings configures a sink for the host's DSP geometry.
type SinkSettings struct {
	ProcessFunc ProcessFunc
	Channels    int
	SampleRate  int
	BlockSize   int

	// BufferMs sizes the per-source jitter buffer.
	BufferMs int
	// ResendLimit caps how often one block may be re-requested.
	ResendLimit int
	// ResendIntervalMs is the minimum spacing of re-requests per block.
	ResendIntervalMs int
	// ResendMaxFrames caps the frames requested per burst.
	ResendMaxFrames int
	// ResendPacketSize bounds one /resend message.
	ResendPacketSize int
	// TimeFilterBandwidth is the DLL loop bandwidth.
	TimeFilterBandwidth float64
}

// DefaultSinkSettings returns settings with the package defaults for the
// given geometry.
func DefaultSinkSettings(fn ProcessFunc, channels, sampleRate, blockSize int) SinkSettings {
	return SinkSettings{
		ProcessFunc:         fn,
		Channels:            channels,
		SampleRate:          sampleRate,
		BlockSize:           blockSize,
		BufferMs:            DefaultSinkBufferMs,
		ResendLimit:         DefaultResendLimit,
		ResendIntervalMs:    DefaultResendIntervalMs,
		ResendMaxFrames:     DefaultResendMaxFrames,
		ResendPacketSize:    DefaultResendPacketSize,
		TimeFilterBandwidth: DefaultTimeFilterBandwidth,
	}
}

// streamInfo travels alongside each decoded block from the network
// thread to the audio thread.
type streamInfo struct {
	sampleRate float64
	channel    int32
	state      State
}

// dataRequest is one (sequence, frame) retransmit request; frame -1
// means every fragment of the block.
type dataRequest struct {
	sequence int32
	frame    int32
}

// sourceDesc is the per-source state of a sink, created lazily on the
// first /format or /data from a new (endpoint, id) pair. The network
// thread owns the block queue and ack list and produces into the rings;
// the audio thread consumes the rings and owns the resampler.
type sourceDesc struct {
	endpoint Endpoint
	reply    ReplyFunc
	id       int32
	salt     int32

	decoder   codec.Decoder
	audioq    *ring.Buffer
	infoq     *ring.Queue[streamInfo]
	resampler resample.Resampler
	queue     *stream.Queue
	acks      stream.AckList

	next       int32 // next expected sequence, -1 until the first block
	newest     int32
	channel    int32
	sampleRate float64
	lastState  State
}

func (sd *sourceDesc) send(data []byte) {
	if err := sd.reply(sd.endpoint, data); err != nil {
		alog.Warningf("reply to source %d failed: %v", sd.id, err)
	}
}

// Sink receives streams from any number of sources, time-aligns them
// against the local clock and mixes them into the host's DSP callback.
// Process runs on the audio thread; HandleMessage runs on the network
// thread. The source list is guarded by a mutex because the network
// thread may insert a descriptor while the audio thread iterates.
type Sink struct {
	id int32

	mu      sync.Mutex
	sources []*sourceDesc

	process    ProcessFunc
	channels   int
	sampleRate int
	blockSize  int

	bufferMs         int
	resendLimit      int
	resendIntervalMs int
	resendMaxFrames  int
	resendPacketSize int
	bandwidth        float64

	dll     timing.DLL
	monitor timing.Monitor

	buffer   []float32 // channel-major mix buffer
	chans    [][]float32
	scratch  []float32
	requests []dataRequest
	events   []Event
}

// NewSink returns a sink with the given identifier. Call Setup before
// feeding messages or processing audio.
func NewSink(id int32) *Sink {
	Initialize()
	return &Sink{id: id}
}

// ID returns the sink identifier.
func (s *Sink) ID() int32 { return s.id }

// Setup configures the sink for the host's DSP geometry and retunes
// every known source.
func (s *Sink) Setup(settings SinkSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.process = settings.ProcessFunc
	s.channels = settings.Channels
	s.sampleRate = settings.SampleRate
	s.blockSize = settings.BlockSize
	s.bufferMs = lo.Max([]int{settings.BufferMs, 0})
	s.resendLimit = lo.Max([]int{settings.ResendLimit, 0})
	s.resendIntervalMs = lo.Max([]int{settings.ResendIntervalMs, 0})
	s.resendMaxFrames = lo.Max([]int{settings.ResendMaxFrames, 1})
	s.resendPacketSize = lo.Clamp(settings.ResendPacketSize, 64, MaxPacketSize)
	s.bandwidth = lo.Clamp(settings.TimeFilterBandwidth, 0, 1)

	s.monitor.Setup(s.sampleRate, s.blockSize, timeFilterTolerance)
	s.buffer = make([]float32, s.blockSize*s.channels)
	s.chans = make([][]float32, s.channels)
	s.events = make([]Event, 0, MaxEventsPerTick)

	for _, src := range s.sources {
		s.updateSource(src)
	}
}

// HandleMessage feeds one incoming datagram addressed to this sink.
func (s *Sink) HandleMessage(data []byte, ep Endpoint, fn ReplyFunc) error {
	if len(data) == 0 {
		return fmt.Errorf("empty message")
	}
	if data[0] == '#' {
		alog.Warningf("sink %d: OSC bundles are not supported", s.id)
		return nil
	}
	msg, err := osc.NewMessageFromData(data)
	if err != nil {
		alog.Warningf("sink %d: malformed OSC message: %v", s.id, err)
		return err
	}
	if s.sampleRate == 0 {
		return nil // not set up yet
	}

	typ, id, leaf, err := parsePattern(msg.Address)
	if err != nil {
		alog.Warningf("sink %d: %v", s.id, err)
		return err
	}
	switch typ {
	case typeClient, typeServer, typePeer, typeRelay:
		alog.Verbosef("sink %d: ignoring signalling message %q", s.id, msg.Address)
		return nil
	case typeSink:
	default:
		alog.Warningf("sink %d: not a sink message: %q", s.id, msg.Address)
		return nil
	}
	if id != s.id && id != WildcardID {
		alog.Warningf("sink %d: wrong sink id %d", s.id, id)
		return nil
	}

	switch leaf {
	case leafFormat:
		return s.handleFormat(msg, ep, fn)
	case leafData:
		return s.handleData(msg, ep, fn)
	default:
		alog.Warningf("sink %d: unknown message %q", s.id, leaf)
		return nil
	}
}

// handleFormat adopts a new stream generation for one source (or, with
// a wildcard source id, all sources on the endpoint).
func (s *Sink) handleFormat(msg *osc.Message, ep Endpoint, fn ReplyFunc) error {
	if len(msg.Arguments) != 7 {
		alog.Errorf("sink %d: wrong number of arguments for /format", s.id)
		return fmt.Errorf("bad /format arity")
	}
	id, ok0 := asInt32(msg.Arguments[0])
	salt, ok1 := asInt32(msg.Arguments[1])
	nch, ok2 := asInt32(msg.Arguments[2])
	sr, ok3 := asInt32(msg.Arguments[3])
	bs, ok4 := asInt32(msg.Arguments[4])
	name, ok5 := msg.Arguments[5].(string)
	settings, ok6 := msg.Arguments[6].([]byte)
	if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		alog.Errorf("sink %d: bad /format arguments", s.id)
		return fmt.Errorf("bad /format arguments")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id == WildcardID {
		for _, src := range s.sources {
			if src.endpoint == ep {
				src.salt = salt
				s.updateFormat(src, name, int(nch), int(sr), int(bs), settings)
			}
		}
		return nil
	}

	src := s.findSource(ep, id)
	if src == nil {
		src = &sourceDesc{endpoint: ep, reply: fn, id: id, salt: salt, lastState: StateStop}
		s.sources = append(s.sources, src)
	} else {
		src.salt = salt
	}
	s.updateFormat(src, name, int(nch), int(sr), int(bs), settings)
	return nil
}

// updateFormat replaces the decoder if the codec changed, reads the
// settings blob and recomputes the source's buffer geometry. Caller
// holds the mutex.
func (s *Sink) updateFormat(src *sourceDesc, name string, nch, sr, bs int, settings []byte) {
	if src.decoder == nil || src.decoder.Name() != name {
		c, err := codec.Find(name)
		if err != nil {
			alog.Errorf("sink %d: %v", s.id, err)
			return
		}
		src.decoder = c.NewDecoder()
	}
	if _, err := src.decoder.ReadFormat(nch, sr, bs, settings); err != nil {
		alog.Errorf("sink %d: read format: %v", s.id, err)
		return
	}
	s.updateSource(src)
}

// updateSource recomputes a source's rings, resampler, block queue and
// ack list from the decoder geometry, pre-filling the rings with
// silence so output starts seamlessly. Caller holds the mutex.
func (s *Sink) updateSource(src *sourceDesc) {
	d := src.decoder
	if d == nil || d.BlockSize() <= 0 || d.SampleRate() <= 0 {
		return
	}

	nbuffers := lo.Max([]int{ceilDiv(s.bufferMs*d.SampleRate(), 1000*d.BlockSize()), 1})
	nsamples := d.Channels() * d.BlockSize()
	src.audioq = ring.NewBuffer(nbuffers, nsamples)
	src.infoq = ring.NewQueue[streamInfo](nbuffers)
	for src.audioq.WriteAvailable() > 0 && src.infoq.WriteAvailable() > 0 {
		src.audioq.WriteCommit() // freshly allocated slots are silent
		src.infoq.Write(streamInfo{
			sampleRate: float64(d.SampleRate()),
			state:      StateStop,
		})
	}

	src.resampler.Setup(d.BlockSize(), s.blockSize, d.SampleRate(), s.sampleRate, d.Channels())
	src.queue = stream.NewQueue(nbuffers)
	src.newest = 0
	src.next = -1
	src.channel = 0
	src.sampleRate = float64(d.SampleRate())
	src.acks.Setup(s.resendLimit)

	alog.Verbosef("sink %d: update source %d: sr=%d bs=%d nch=%d nbuffers=%d",
		s.id, src.id, d.SampleRate(), d.BlockSize(), d.Channels(), nbuffers)
}

// handleData adds one fragment to a source's block queue, drains every
// complete in-order block into the audio ring and schedules retransmit
// requests for holes. Data with an unknown source or a stale salt is
// dropped and a fresh /format is requested instead.
func (s *Sink) handleData(msg *osc.Message, ep Endpoint, fn ReplyFunc) error {
	if len(msg.Arguments) != 9 {
		alog.Errorf("sink %d: wrong number of arguments for /data", s.id)
		return fmt.Errorf("bad /data arity")
	}
	id, ok0 := asInt32(msg.Arguments[0])
	salt, ok1 := asInt32(msg.Arguments[1])
	seq, ok2 := asInt32(msg.Arguments[2])
	sr, ok3 := asFloat64(msg.Arguments[3])
	channel, ok4 := asInt32(msg.Arguments[4])
	totalSize, ok5 := asInt32(msg.Arguments[5])
	nframes, ok6 := asInt32(msg.Arguments[6])
	frame, ok7 := asInt32(msg.Arguments[7])
	payload, ok8 := msg.Arguments[8].([]byte)
	if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 || !ok7 || !ok8 {
		alog.Errorf("sink %d: bad /data arguments", s.id)
		return fmt.Errorf("bad /data arguments")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.findSource(ep, id)
	if src == nil || src.salt != salt {
		// Stream generation changed under us (or never seen): discard
		// and ask for a fresh format.
		s.requestFormat(ep, fn, id)
		return nil
	}
	if src.decoder == nil || src.queue == nil {
		alog.Debugf("sink %d: ignore data message", s.id)
		return nil
	}

	alog.Debugf("sink %d: got block seq=%d sr=%f chn=%d total=%d nframes=%d frame=%d",
		s.id, seq, sr, channel, totalSize, nframes, frame)

	if src.next < 0 {
		src.next = seq
	}
	if seq < src.next {
		alog.Verbosef("sink %d: discarded old block %d", s.id, seq)
		return nil
	}

	if seq < src.newest {
		if src.acks.Find(seq) != nil {
			alog.Debugf("sink %d: resent block %d", s.id, seq)
		} else {
			alog.Verbosef("sink %d: block %d out of order", s.id, seq)
		}
	} else if seq > src.newest && seq-src.newest > 1 {
		alog.Verbosef("sink %d: skipped %d blocks", s.id, seq-src.newest-1)
	}

	if int(seq-src.newest) > src.queue.Capacity() {
		// Large gap: network stall or the stream paused. Start over at
		// this block and keep the output continuous with silence,
		// leaving one free slot.
		src.queue.Clear()
		src.acks.Clear()
		src.next = seq
		count := 0
		for src.audioq.WriteAvailable() > 1 && src.infoq.WriteAvailable() > 1 {
			zero(src.audioq.WriteData())
			src.audioq.WriteCommit()
			src.infoq.Write(streamInfo{
				sampleRate: float64(src.decoder.SampleRate()),
				state:      StateStop,
			})
			count++
		}
		alog.Verbosef("sink %d: wrote %d silent blocks for transmission gap", s.id, count)
	}

	block := src.queue.Find(seq)
	if block == nil {
		if src.queue.Full() {
			// Drop the oldest block and stand in a silent one so the
			// audio ring does not starve.
			old := src.queue.Front()
			if src.audioq.WriteAvailable() > 0 && src.infoq.WriteAvailable() > 0 {
				zero(src.audioq.WriteData())
				src.audioq.WriteCommit()
				src.infoq.Write(streamInfo{
					sampleRate: float64(src.decoder.SampleRate()),
					state:      StateStop,
				})
			}
			alog.Verbosef("sink %d: dropped block %d", s.id, old.Sequence)
			src.acks.Remove(old.Sequence)
			src.queue.PopFront()
			if src.next <= old.Sequence {
				src.next = old.Sequence + 1
			}
		}
		block = src.queue.Insert(seq, sr, channel, totalSize, nframes)
	} else if block.HasFrame(frame) {
		alog.Verbosef("sink %d: frame %d of block %d already received", s.id, frame, seq)
		return nil
	}

	block.AddFrame(frame, payload)
	if block.Complete() {
		src.acks.Remove(block.Sequence)
	}
	if seq > src.newest {
		src.newest = seq
	}

	s.drain(src)

	// Pop blocks that aged past the queue window.
	for !src.queue.Empty() &&
		int(src.newest-src.queue.Front().Sequence) >= src.queue.Capacity() {
		old := src.queue.Front().Sequence
		alog.Verbosef("sink %d: pop outdated block %d", s.id, old)
		src.acks.Remove(old)
		src.queue.PopFront()
		if src.next <= old {
			src.next = old + 1
		}
	}

	if !src.queue.Empty() {
		s.scanHoles(src)
		src.acks.RemoveBefore(src.next)
	} else if !src.acks.Empty() {
		src.acks.Clear()
	}
	return nil
}

// drain decodes consecutive complete blocks at the head of the queue
// into the audio ring. Caller holds the mutex.
func (s *Sink) drain(src *sourceDesc) {
	for {
		block := src.queue.Front()
		if block == nil || !block.Complete() || block.Sequence != src.next {
			return
		}
		if src.audioq.WriteAvailable() == 0 || src.infoq.WriteAvailable() == 0 {
			return
		}

		slot := src.audioq.WriteData()
		if _, err := src.decoder.Decode(block.Data(), slot); err != nil {
			alog.Verbosef("sink %d: bad block %d: %v", s.id, block.Sequence, err)
			zero(slot)
		}
		src.audioq.WriteCommit()
		src.infoq.Write(streamInfo{
			sampleRate: block.SampleRate,
			channel:    block.Channel,
			state:      StatePlay,
		})

		src.queue.PopFront()
		src.next++
	}
}

// scanHoles collects retransmit requests for missing fragments and
// whole blocks, rate-limited per block, and sends them. Caller holds
// the mutex.
func (s *Sink) scanHoles(src *sourceDesc) {
	now := s.monitor.Elapsed()
	interval := float64(s.resendIntervalMs) * 0.001
	numFrames := 0
	s.requests = s.requests[:0]

	// Incomplete blocks, except the newest one which may still be in
	// flight.
	blocks := src.queue.Blocks()
incomplete:
	for _, b := range blocks[:len(blocks)-1] {
		if b.Complete() {
			continue
		}
		if !src.acks.Get(b.Sequence).Check(now, interval) {
			continue
		}
		for i := int32(0); i < b.NumFrames(); i++ {
			if b.HasFrame(i) {
				continue
			}
			if numFrames >= s.resendMaxFrames {
				break incomplete
			}
			s.requests = append(s.requests, dataRequest{b.Sequence, i})
			numFrames++
		}
	}

	// Whole blocks missing before any (half-)completed block.
	next := src.next
missing:
	for _, b := range blocks {
		for seq := next; seq < b.Sequence; seq++ {
			if !src.acks.Get(seq).Check(now, interval) {
				continue
			}
			if numFrames+int(b.NumFrames()) > s.resendMaxFrames {
				break missing
			}
			s.requests = append(s.requests, dataRequest{seq, -1})
			numFrames += int(b.NumFrames())
		}
		next = b.Sequence + 1
	}

	if len(s.requests) > 0 {
		alog.Debugf("sink %d: requesting %d frames", s.id, numFrames)
		s.requestData(src)
	}
}

// requestData sends the collected requests as one or more /resend
// messages, splitting so each stays under the resend packet size.
// Caller holds the mutex.
func (s *Sink) requestData(src *sourceDesc) {
	addr := resendAddress(src.id)
	// Two int32s plus type tags per request pair.
	maxRequests := (s.resendPacketSize - len(addr) - 16) / 10
	if maxRequests < 1 {
		maxRequests = 1
	}

	for start := 0; start < len(s.requests); start += maxRequests {
		end := start + maxRequests
		if end > len(s.requests) {
			end = len(s.requests)
		}
		msg := osc.NewMessage(addr, s.id, src.salt)
		for _, r := range s.requests[start:end] {
			msg.Append(r.sequence, r.frame)
		}
		data, err := msg.MarshalBinary()
		if err != nil {
			alog.Errorf("sink %d: invalid resend message: %v", s.id, err)
			return
		}
		src.send(data)
	}
}

// requestFormat asks a source for a fresh /format announce. Caller
// holds the mutex.
func (s *Sink) requestFormat(ep Endpoint, fn ReplyFunc, id int32) {
	alog.Debugf("sink %d: request format from source %d", s.id, id)
	msg := osc.NewMessage(requestAddress(id), s.id)
	data, err := msg.MarshalBinary()
	if err != nil {
		alog.Errorf("sink %d: invalid request message: %v", s.id, err)
		return
	}
	if err := fn(ep, data); err != nil {
		alog.Warningf("sink %d: request format failed: %v", s.id, err)
	}
}

// findSource returns the descriptor for (ep, id), or nil. Caller holds
// the mutex.
func (s *Sink) findSource(ep Endpoint, id int32) *sourceDesc {
	for _, src := range s.sources {
		if src.endpoint == ep && src.id == id {
			return src
		}
	}
	return nil
}

// Process runs one audio tick: drain every source's rings through its
// resampler, mix into the output buffer at each source's channel onset
// and hand the block plus batched events to the host callback. Returns
// 1 if any source produced audio.
func (s *Sink) Process(t osc.Timetag) int {
	if s.process == nil {
		return 0
	}

	state, _ := s.monitor.Update(t)
	switch state {
	case timing.StateReset:
		alog.Verbosef("sink %d: setup time DLL", s.id)
		s.dll.Setup(s.sampleRate, s.blockSize, s.bandwidth, 0)
	case timing.StateError:
		alog.Warningf("sink %d: DSP tick(s) took too long, resetting timer", s.id)
		s.monitor.Reset()
		s.dll.Setup(s.sampleRate, s.blockSize, s.bandwidth, 0)
	default:
		s.dll.Update(s.monitor.Elapsed())
	}

	zero(s.buffer)
	events := s.events[:0]
	didSomething := false

	s.mu.Lock()
	for _, src := range s.sources {
		if src.decoder == nil || src.audioq == nil {
			continue
		}
		nsamples := src.audioq.Blocksize()

		// Move decoded blocks into the resampler.
		for src.audioq.ReadAvailable() > 0 && src.infoq.ReadAvailable() > 0 &&
			src.resampler.WriteAvailable() >= nsamples {
			info, _ := src.infoq.Read()
			src.channel = info.channel
			src.sampleRate = info.sampleRate
			src.resampler.Write(src.audioq.ReadData())
			src.audioq.ReadCommit()

			if info.state != src.lastState && len(events) < MaxEventsPerTick {
				events = append(events, SourceStateEvent{src.endpoint, src.id, info.state})
				src.lastState = info.state
			}
		}

		// With equal nominal geometry the ratio stays at exactly 1 from
		// Setup, so decoded blocks pass through unchanged.
		if src.decoder.SampleRate() != s.sampleRate || src.decoder.BlockSize() != s.blockSize {
			src.resampler.Update(src.sampleRate, s.dll.SampleRate())
		}

		nch := src.decoder.Channels()
		readSamples := s.blockSize * nch
		if src.resampler.ReadAvailable() >= readSamples {
			if len(s.scratch) < readSamples {
				s.scratch = make([]float32, readSamples)
			}
			buf := s.scratch[:readSamples]
			src.resampler.Read(buf)

			// Mix-add interleaved source channels into the channel-major
			// output, starting at the channel onset. Out-of-range
			// channels are silently ignored.
			for i := 0; i < nch; i++ {
				chn := i + int(src.channel)
				if chn < 0 || chn >= s.channels {
					continue
				}
				out := s.buffer[chn*s.blockSize : (chn+1)*s.blockSize]
				for j := 0; j < s.blockSize; j++ {
					out[j] += buf[j*nch+i]
				}
			}
			didSomething = true
		} else if src.lastState != StateStop && len(events) < MaxEventsPerTick {
			// Buffer ran out.
			events = append(events, SourceStateEvent{src.endpoint, src.id, StateStop})
			src.lastState = StateStop
			didSomething = true
		}
	}
	s.mu.Unlock()
	s.events = events

	if !didSomething {
		return 0
	}

	for i := range s.buffer {
		if s.buffer[i] > 1 {
			s.buffer[i] = 1
		} else if s.buffer[i] < -1 {
			s.buffer[i] = -1
		}
	}
	for i := 0; i < s.channels; i++ {
		s.chans[i] = s.buffer[i*s.blockSize : (i+1)*s.blockSize]
	}
	s.process(s.chans, s.blockSize, events)
	return 1
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
