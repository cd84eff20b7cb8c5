// ABOUTME: Tests for the sink engine
// ABOUTME: Reordering, loss past the window, salt binding and retransmit limits
package aoo

import (
	"testing"

	"github.com/aoo-protocol/aoo-go/internal/timing"
	"github.com/aoo-protocol/aoo-go/pkg/codec/pcm"
	"github.com/chabad360/go-osc/osc"
)

// sinkHarness drives a sink with crafted wire messages from one fake
// source endpoint and records everything the sink sends back and every
// output block and event it produces.
type sinkHarness struct {
	sink *Sink
	cap  *capture

	output []float32
	events []Event
	ticks  int
}

func newSinkHarness(t *testing.T, bufferMs int) *sinkHarness {
	t.Helper()
	h := &sinkHarness{sink: NewSink(2), cap: &capture{}}
	settings := DefaultSinkSettings(func(samples [][]float32, n int, events []Event) {
		h.output = append(h.output, samples[0][:n]...)
		h.events = append(h.events, events...)
	}, 1, 44100, 64)
	settings.BufferMs = bufferMs
	h.sink.Setup(settings)
	return h
}

// feedFormat delivers a pcm/float32 /format with the given salt.
func (h *sinkHarness) feedFormat(t *testing.T, salt int32) {
	t.Helper()
	msg := osc.NewMessage(formatAddress(2),
		int32(10), salt, int32(1), int32(44100), int32(64),
		pcm.CodecName, pcm.Settings(pcm.Float32))
	raw, err := msg.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.sink.HandleMessage(raw, "src-ep", h.cap.reply); err != nil {
		t.Fatal(err)
	}
}

// feedData delivers one single-fragment pcm block of 64 samples, all set
// to the given value so blocks are traceable in the output.
func (h *sinkHarness) feedData(t *testing.T, salt, seq int32, value float32) {
	t.Helper()
	samples := make([]float32, 64)
	for i := range samples {
		samples[i] = value
	}
	enc := pcm.Codec{}.NewEncoder()
	if err := enc.Setup(pcm.NewFormat(1, 44100, 64, pcm.Float32)); err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 256)
	if _, err := enc.Encode(samples, payload); err != nil {
		t.Fatal(err)
	}

	msg := osc.NewMessage(dataAddress(2),
		int32(10), salt, seq, float64(44100), int32(0),
		int32(len(payload)), int32(1), int32(0), payload)
	raw, err := msg.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.sink.HandleMessage(raw, "src-ep", h.cap.reply); err != nil {
		t.Fatal(err)
	}
}

// tick runs one audio tick at nominal spacing.
func (h *sinkHarness) tick() {
	period := 64.0 / 44100.0
	h.ticks++
	h.sink.Process(timing.FromSeconds(2000.0 + float64(h.ticks)*period))
}

func (h *sinkHarness) source(t *testing.T) *sourceDesc {
	t.Helper()
	if len(h.sink.sources) != 1 {
		t.Fatalf("expected 1 source descriptor, got %d", len(h.sink.sources))
	}
	return h.sink.sources[0]
}

// resendPairs flattens all captured /resend messages into (seq, frame)
// pairs.
func (h *sinkHarness) resendPairs(t *testing.T) []dataRequest {
	t.Helper()
	var pairs []dataRequest
	for _, m := range h.cap.byLeaf(t, leafResend) {
		for i := 2; i+1 < len(m.Arguments); i += 2 {
			seq, _ := asInt32(m.Arguments[i])
			frame, _ := asInt32(m.Arguments[i+1])
			pairs = append(pairs, dataRequest{seq, frame})
		}
	}
	return pairs
}

func TestFormatCreatesDescriptorAndPrefillsSilence(t *testing.T) {
	h := newSinkHarness(t, 20)
	h.feedFormat(t, 42)

	src := h.source(t)
	if src.queue.Capacity() != 14 {
		t.Errorf("expected queue capacity 14, got %d", src.queue.Capacity())
	}
	if src.audioq.ReadAvailable() != src.audioq.Capacity() {
		t.Error("audio ring not pre-filled with silence")
	}
	if src.next != -1 {
		t.Errorf("expected next -1, got %d", src.next)
	}
}

func TestReorderedDelivery(t *testing.T) {
	h := newSinkHarness(t, 20)
	h.feedFormat(t, 42)

	// Make room in the ring so in-order blocks drain immediately.
	for i := 0; i < 6; i++ {
		h.tick()
	}

	h.feedData(t, 42, 0, 0.1)
	h.feedData(t, 42, 1, 0.2)
	h.feedData(t, 42, 3, 0.4)

	src := h.source(t)
	if src.next != 2 {
		t.Errorf("expected next 2, got %d", src.next)
	}
	if src.queue.Len() != 1 || src.queue.Front().Sequence != 3 {
		t.Error("expected exactly block 3 pending")
	}

	pairs := h.resendPairs(t)
	if len(pairs) != 1 || pairs[0] != (dataRequest{2, -1}) {
		t.Fatalf("expected /resend for (2,-1), got %v", pairs)
	}

	// Deliver the missing block plus one more; 0..4 drain in order.
	h.feedData(t, 42, 2, 0.3)
	h.feedData(t, 42, 4, 0.5)
	if src.next != 5 {
		t.Errorf("expected next 5, got %d", src.next)
	}
	if !src.queue.Empty() || !src.acks.Empty() {
		t.Error("expected empty queue and ack list")
	}

	// Flush and confirm ordered values in the output.
	for i := 0; i < 40; i++ {
		h.tick()
	}
	var values []float32
	for _, s := range h.output {
		if s != 0 && (len(values) == 0 || values[len(values)-1] != s) {
			values = append(values, s)
		}
	}
	want := []float32{0.1, 0.2, 0.3, 0.4, 0.5}
	if len(values) != len(want) {
		t.Fatalf("expected %d distinct blocks, got %v", len(want), values)
	}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("block %d out of order: got %f", i, values[i])
		}
	}
}

func TestLossPastWindow(t *testing.T) {
	h := newSinkHarness(t, 20)
	h.feedFormat(t, 42)

	// Stream a few blocks and let the sink reach the Play state.
	for i := 0; i < 20; i++ {
		h.tick()
	}
	for seq := int32(0); seq < 5; seq++ {
		h.feedData(t, 42, seq, 0.5)
	}
	for i := 0; i < 4; i++ {
		h.tick()
	}

	var sawPlay bool
	for _, e := range h.events {
		if se, ok := e.(SourceStateEvent); ok && se.State == StatePlay {
			sawPlay = true
		}
	}
	if !sawPlay {
		t.Fatal("expected a Play event before the gap")
	}

	// Drop blocks 5..20; deliver 21. The gap exceeds the queue capacity
	// of 14, so the sink starts over at 21 with a silence backfill.
	h.feedData(t, 42, 21, 0.5)

	src := h.source(t)
	if src.next != 22 { // block 21 is complete and drains immediately
		t.Errorf("expected next 22, got %d", src.next)
	}
	// Backfill leaves one slot, which block 21 then drains into.
	if src.audioq.ReadAvailable() != src.audioq.Capacity() {
		t.Error("expected the ring kept full across the gap")
	}

	// The backfilled Stop state must surface exactly one Stop event
	// while the ring still holds data.
	h.events = h.events[:0]
	for i := 0; i < 12; i++ {
		h.tick()
	}
	stops := 0
	for _, e := range h.events {
		if se, ok := e.(SourceStateEvent); ok && se.State == StateStop {
			stops++
		}
	}
	if stops != 1 {
		t.Errorf("expected exactly 1 Stop event, got %d", stops)
	}
}

func TestSaltBinding(t *testing.T) {
	h := newSinkHarness(t, 20)
	h.feedFormat(t, 42)
	for i := 0; i < 6; i++ {
		h.tick()
	}

	h.feedData(t, 42, 0, 0.5)
	requests := len(h.cap.byLeaf(t, leafRequest))
	if requests != 0 {
		t.Fatalf("unexpected /request before mismatch: %d", requests)
	}

	// Wrong salt: dropped, /request scheduled, state untouched.
	src := h.source(t)
	next := src.next
	h.feedData(t, 43, 1, 0.5)
	if src.next != next {
		t.Error("stale-salt data advanced the stream")
	}
	if got := len(h.cap.byLeaf(t, leafRequest)); got != 1 {
		t.Fatalf("expected 1 /request after salt mismatch, got %d", got)
	}

	// New generation announced: old data is stale, new data is accepted.
	// The re-announce pre-filled the ring again, so the block queues
	// rather than draining.
	h.feedFormat(t, 43)
	h.feedData(t, 43, 0, 0.5)
	if got := h.source(t).next; got != 0 {
		t.Errorf("new-generation data not accepted, next = %d", got)
	}
	h.feedData(t, 42, 1, 0.5)
	if got := len(h.cap.byLeaf(t, leafRequest)); got != 2 {
		t.Errorf("expected a /request for the outdated salt, got %d", got)
	}
}

func TestDuplicateBlockDecodedOnce(t *testing.T) {
	h := newSinkHarness(t, 20)
	h.feedFormat(t, 42)
	for i := 0; i < 8; i++ {
		h.tick()
	}

	h.feedData(t, 42, 0, 0.25)
	h.feedData(t, 42, 0, 0.25) // duplicate
	h.feedData(t, 42, 1, 0.5)

	for i := 0; i < 40; i++ {
		h.tick()
	}

	// Count non-silent blocks in the output; the duplicate must not
	// appear twice.
	blocks := 0
	for i := 0; i+64 <= len(h.output); i += 64 {
		if h.output[i] != 0 {
			blocks++
		}
	}
	if blocks != 2 {
		t.Errorf("expected 2 audible blocks, got %d", blocks)
	}
}

func TestRetransmitRateLimitAndExhaustion(t *testing.T) {
	h := newSinkHarness(t, 20)
	h.feedFormat(t, 42)
	for i := 0; i < 6; i++ {
		h.tick()
	}

	h.feedData(t, 42, 0, 0.5)
	h.feedData(t, 42, 2, 0.5) // hole at 1
	if pairs := h.resendPairs(t); len(pairs) != 1 {
		t.Fatalf("expected first request immediately, got %v", pairs)
	}

	// Within the resend interval no second request may go out.
	h.feedData(t, 42, 3, 0.5)
	if pairs := h.resendPairs(t); len(pairs) != 1 {
		t.Fatalf("expected request suppressed inside interval, got %v", pairs)
	}

	// Advance past the interval (ticks are ~1.45 ms, interval 5 ms).
	requestsSeen := 1
	for round := 0; round < 10; round++ {
		for i := 0; i < 4; i++ {
			h.tick()
		}
		h.feedData(t, 42, int32(4+round), 0.5)
		requestsSeen = len(h.resendPairs(t))
	}

	// resend_limit is 4: block 1 may be requested at most 4 times.
	if requestsSeen > 4 {
		t.Errorf("expected at most 4 requests for the lost block, got %d", requestsSeen)
	}
	if requestsSeen < 2 {
		t.Errorf("expected the request to repeat after the interval, got %d", requestsSeen)
	}
	for _, p := range h.resendPairs(t) {
		if p.sequence != 1 || p.frame != -1 {
			t.Errorf("unexpected request %v", p)
		}
	}
}

func TestChannelOnsetPastOutputIsIgnored(t *testing.T) {
	h := newSinkHarness(t, 20)
	h.feedFormat(t, 42)
	for i := 0; i < 6; i++ {
		h.tick()
	}

	// channel onset 5 on a 1-channel sink: out of range, mixed nowhere.
	samples := make([]float32, 64)
	for i := range samples {
		samples[i] = 0.9
	}
	enc := pcm.Codec{}.NewEncoder()
	if err := enc.Setup(pcm.NewFormat(1, 44100, 64, pcm.Float32)); err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 256)
	if _, err := enc.Encode(samples, payload); err != nil {
		t.Fatal(err)
	}
	msg := osc.NewMessage(dataAddress(2),
		int32(10), int32(42), int32(0), float64(44100), int32(5),
		int32(256), int32(1), int32(0), payload)
	raw, _ := msg.MarshalBinary()
	if err := h.sink.HandleMessage(raw, "src-ep", h.cap.reply); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 40; i++ {
		h.tick()
	}
	for i, s := range h.output {
		if s != 0 {
			t.Fatalf("sample %d leaked to an out-of-range channel: %f", i, s)
		}
	}
}

func TestUnknownSourceDataRequestsFormat(t *testing.T) {
	h := newSinkHarness(t, 20)
	// No /format seen yet: /data from a stranger elicits a /request.
	h.feedData(t, 7, 0, 0.5)

	reqs := h.cap.byLeaf(t, leafRequest)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 /request, got %d", len(reqs))
	}
	if reqs[0].Address != "/AoO/src/10/request" {
		t.Errorf("wrong address %s", reqs[0].Address)
	}
	if id, _ := asInt32(reqs[0].Arguments[0]); id != 2 {
		t.Errorf("request must carry the sink id, got %d", id)
	}
}

func TestSinkRejectsBundle(t *testing.T) {
	h := newSinkHarness(t, 20)
	if err := h.sink.HandleMessage([]byte("#bundle\x00rest"), "src-ep", h.cap.reply); err != nil {
		t.Errorf("bundle should be dropped quietly, got %v", err)
	}
}
