// ABOUTME: Delay-locked loop estimating the effective sample rate of a stream
// ABOUTME: Second-order filter over wall-clock tick times, tolerant of clock jumps
package timing

import "math"

// jumpPeriods is the number of nominal periods a tick may be late before
// the loop state is considered stale and re-locked at the new time.
const jumpPeriods = 8

// DLL is a second-order delay-locked loop that smooths the jittery
// wall-clock times of successive DSP ticks into a stable estimate of the
// stream's period and effective sample rate.
//
// Setup locks the loop to a nominal rate; Update advances it by one tick.
// The zero value is unusable; call Setup first.
type DLL struct {
	nominalRate float64
	blockSize   float64
	bandwidth   float64

	tper float64 // nominal seconds per block
	b, c float64 // loop filter coefficients
	t0   float64 // filtered time of the previous tick
	t1   float64 // filtered time of the next tick
	e2   float64 // period estimate accumulator
}

// Setup locks the loop at time t with the given nominal rate and block
// size. Bandwidth is the loop bandwidth as a fraction of the block rate.
func (d *DLL) Setup(sampleRate, blockSize int, bandwidth, t float64) {
	d.nominalRate = float64(sampleRate)
	d.blockSize = float64(blockSize)
	d.tper = d.blockSize / d.nominalRate
	d.SetBandwidth(bandwidth)

	d.e2 = d.tper
	d.t0 = t
	d.t1 = t + d.tper
}

// SetBandwidth updates the loop filter coefficients.
func (d *DLL) SetBandwidth(bandwidth float64) {
	d.bandwidth = bandwidth
	omega := 2 * math.Pi * bandwidth
	d.b = math.Sqrt2 * omega
	d.c = omega * omega
}

// Update advances the loop with the wall-clock time of the current tick,
// in seconds relative to the same epoch passed to Setup. A tick that is
// more than a few nominal periods away from the prediction re-locks the
// loop instead of slewing through the gap.
func (d *DLL) Update(t float64) {
	e := t - d.t1
	if math.Abs(e) > jumpPeriods*d.tper {
		d.Setup(int(d.nominalRate), int(d.blockSize), d.bandwidth, t)
		return
	}
	d.t0 = d.t1
	d.t1 += d.b*e + d.e2
	d.e2 += d.c * e
}

// Period returns the estimated seconds per block.
func (d *DLL) Period() float64 {
	return d.t1 - d.t0
}

// SampleRate returns the estimated samples per second.
func (d *DLL) SampleRate() float64 {
	return d.blockSize / (d.t1 - d.t0)
}
