// ABOUTME: Tests for the dynamic resampler
// ABOUTME: Covers unity passthrough, 2:1 upsampling and drift-tracking bounds
package resample

import (
	"math"
	"testing"
)

func TestUnityRatioPassesThrough(t *testing.T) {
	var r Resampler
	r.Setup(64, 64, 44100, 44100, 1)

	in := make([]float32, 64)
	for i := range in {
		in[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 44100))
	}
	r.Write(in)

	if got := r.ReadAvailable(); got != 64 {
		t.Fatalf("expected 64 samples readable, got %d", got)
	}
	out := make([]float32, 64)
	r.Read(out)

	// The first sample has no predecessor to interpolate against, but a
	// unity ratio must reproduce every input sample exactly.
	for i := range out {
		if out[i] != in[i] {
			t.Fatalf("sample %d: expected %f, got %f", i, in[i], out[i])
		}
	}
}

func TestUpsamplingDoublesFrames(t *testing.T) {
	var r Resampler
	r.Setup(64, 128, 22050, 44100, 2)

	in := make([]float32, 64*2)
	for i := range in {
		in[i] = float32(i)
	}
	r.Write(in)

	if got := r.ReadAvailable(); got != 64*2*2 {
		t.Fatalf("expected %d samples readable, got %d", 64*2*2, got)
	}

	out := make([]float32, 64*2*2)
	r.Read(out)

	// Every second output frame must coincide with an input frame.
	for f := 0; f < 60; f++ {
		for ch := 0; ch < 2; ch++ {
			want := in[f*2+ch]
			got := out[f*2*2+ch]
			if math.Abs(float64(got-want)) > 1e-4 {
				t.Fatalf("frame %d ch %d: expected %f, got %f", f, ch, want, got)
			}
		}
	}
}

func TestDriftKeepsBalanceBounded(t *testing.T) {
	// Simulate the sink side: writer pushes 64-sample blocks at the
	// stream rate, reader drains local blocks while the ratio tracks a
	// 0.1% rate offset. The buffered balance must stay bounded.
	var r Resampler
	r.Setup(64, 64, 44100, 44100, 1)
	r.Update(44100, 44100*1.001)

	block := make([]float32, 64)
	out := make([]float32, 64)
	maxBalance := 0.0
	for i := 0; i < 2000; i++ {
		if r.WriteAvailable() >= len(block) {
			r.Write(block)
		}
		for r.ReadAvailable() >= len(out) {
			r.Read(out)
		}
		if r.balance > maxBalance {
			maxBalance = r.balance
		}
		if r.balance < 0 {
			t.Fatalf("iteration %d: negative balance %f", i, r.balance)
		}
	}
	if maxBalance > float64(len(r.buf)) {
		t.Errorf("balance exceeded ring capacity: %f", maxBalance)
	}
}
