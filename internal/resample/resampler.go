// ABOUTME: Dynamic rational-rate resampler between logical and local sample rates
// ABOUTME: Linear interpolation over a ring, ratio updated every audio tick
package resample

// space is the ring capacity in units of the larger block size. The ring
// must hold the write block plus enough slack for the read side to lag by
// a block under drift.
const space = 3

// Resampler converts interleaved samples between an input and an output
// rate. The conversion ratio is updated every audio tick from the
// DLL-estimated rates, so the output position tracks clock drift. When
// input and output geometry are numerically equal, callers either bypass
// the resampler or leave its ratio at exactly 1, so samples pass through
// unchanged.
type Resampler struct {
	buf      []float32
	channels int

	ratio   float64 // output rate / input rate
	rdPos   float64 // fractional read position in frames
	wrPos   int     // write position in samples
	balance float64 // unread input samples
}

// Setup configures the resampler for the given block sizes, rates and
// channel count, and clears any buffered audio.
func (r *Resampler) Setup(inBlock, outBlock, inRate, outRate, channels int) {
	blockSize := inBlock
	if outBlock > blockSize {
		blockSize = outBlock
	}
	r.channels = channels
	r.buf = make([]float32, blockSize*channels*space)
	r.ratio = float64(outRate) / float64(inRate)
	r.Clear()
}

// Update adjusts the conversion ratio from the current rate estimates.
func (r *Resampler) Update(inRate, outRate float64) {
	r.ratio = outRate / inRate
}

// Clear drops all buffered audio.
func (r *Resampler) Clear() {
	r.rdPos = 0
	r.wrPos = 0
	r.balance = 0
}

// WriteAvailable returns how many input samples can be written.
func (r *Resampler) WriteAvailable() int {
	return len(r.buf) - int(r.balance)
}

// Write appends interleaved input samples.
func (r *Resampler) Write(samples []float32) {
	for _, s := range samples {
		r.buf[r.wrPos] = s
		r.wrPos++
		if r.wrPos == len(r.buf) {
			r.wrPos = 0
		}
	}
	r.balance += float64(len(samples))
}

// ReadAvailable returns how many output samples can be read, always a
// multiple of the channel count.
func (r *Resampler) ReadAvailable() int {
	n := int(r.balance * r.ratio)
	return n - n%r.channels
}

// Read fills out with interleaved output samples, interpolating linearly
// between input frames.
func (r *Resampler) Read(out []float32) {
	limit := len(r.buf) / r.channels
	incr := 1.0 / r.ratio
	for i := 0; i < len(out); i += r.channels {
		idx := int(r.rdPos)
		fract := r.rdPos - float64(idx)
		next := idx + 1
		if next == limit {
			next = 0
		}
		for j := 0; j < r.channels; j++ {
			a := r.buf[idx*r.channels+j]
			b := r.buf[next*r.channels+j]
			out[i+j] = a + float32(float64(b-a)*fract)
		}
		r.rdPos += incr
		if r.rdPos >= float64(limit) {
			r.rdPos -= float64(limit)
		}
		r.balance -= incr * float64(r.channels)
	}
}
