// ABOUTME: NTP-format time tag helpers for stream scheduling
// ABOUTME: Converts OSC time tags to and from seconds since the NTP epoch
package timing

import (
	"math"
	"time"

	"github.com/chabad360/go-osc/osc"
)

// Now returns the current wall clock as an OSC/NTP time tag.
func Now() osc.Timetag {
	return osc.NewTimetagFromTime(time.Now())
}

// Seconds converts a time tag to seconds since the NTP epoch (1900).
func Seconds(t osc.Timetag) float64 {
	sec := float64(uint64(t) >> 32)
	frac := float64(uint64(t)&0xffffffff) / 4294967296.0
	return sec + frac
}

// FromSeconds converts seconds since the NTP epoch to a time tag.
func FromSeconds(s float64) osc.Timetag {
	sec, frac := math.Modf(s)
	return osc.Timetag(uint64(sec)<<32 | uint64(frac*4294967296.0))
}

// Duration returns b minus a in seconds.
func Duration(a, b osc.Timetag) float64 {
	return Seconds(b) - Seconds(a)
}
