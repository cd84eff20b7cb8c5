// ABOUTME: Jitter-clock monitor detecting abnormally long DSP periods
// ABOUTME: Moving average of inter-tick deltas over a power-of-two ring
package timing

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/chabad360/go-osc/osc"
)

// Monitor states returned by Update.
type State int

const (
	// StateReset is returned on the first tick after construction or Reset;
	// the caller should (re)initialize anything keyed to the tick clock.
	StateReset State = iota
	// StateOk means the tick cadence looks healthy.
	StateOk
	// StateError means the average DSP period exceeded the nominal period
	// by more than the tolerance, i.e. one or more ticks took too long.
	StateError
)

const monitorWindow = 64 // must be a power of two

// Monitor watches the cadence of DSP ticks. A callback scheduler should
// never produce a delta much larger than the nominal period. A ringbuffer
// scheduler with hardware buffer M and DSP block N produces one long delta
// followed by M/N-1 short ones, so the decision is made on the arithmetic
// mean over a power-of-two window rather than on single deltas.
type Monitor struct {
	mu      sync.Mutex
	last    atomic.Uint64 // last time tag
	elapsed atomic.Uint64 // float64 bits, seconds since first tick

	nominal   float64 // nominal seconds per block
	tolerance float64 // fraction of nominal

	deltas [monitorWindow]float64
	sum    float64
	head   int
}

// Setup sets the nominal tick period and the tolerance (as a fraction of
// the nominal period) and resets the monitor.
func (m *Monitor) Setup(sampleRate, blockSize int, tolerance float64) {
	m.mu.Lock()
	m.nominal = float64(blockSize) / float64(sampleRate)
	m.tolerance = tolerance
	m.resetLocked()
	m.mu.Unlock()
}

// Reset clears the tick history. The next Update returns StateReset.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
}

func (m *Monitor) resetLocked() {
	m.last.Store(0)
	m.elapsed.Store(0)
	for i := range m.deltas {
		m.deltas[i] = m.nominal
	}
	m.sum = m.nominal * monitorWindow
	m.head = 0
}

// Elapsed returns seconds since the first tick. Safe to call from any
// thread.
func (m *Monitor) Elapsed() float64 {
	return math.Float64frombits(m.elapsed.Load())
}

// Update advances the monitor with the wall-clock time of the current
// tick and returns the verdict plus the excess of the last period over
// the nominal one (zero unless StateError).
func (m *Monitor) Update(t osc.Timetag) (State, float64) {
	m.mu.Lock()

	last := osc.Timetag(m.last.Load())
	if last == 0 {
		m.last.Store(uint64(t))
		m.mu.Unlock()
		return StateReset, 0
	}
	m.last.Store(uint64(t))

	delta := Duration(last, t)
	m.elapsed.Store(math.Float64bits(m.Elapsed() + delta))

	m.head = (m.head + 1) & (monitorWindow - 1)
	m.sum += delta - m.deltas[m.head]
	m.deltas[m.head] = delta

	average := m.sum / monitorWindow
	m.mu.Unlock()

	if average-m.nominal > m.nominal*m.tolerance {
		return StateError, math.Max(0, delta-m.nominal)
	}
	return StateOk, 0
}
