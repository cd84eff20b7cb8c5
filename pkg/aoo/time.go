// ABOUTME: Public OSC time tag helpers for stamping audio ticks
// ABOUTME: Thin veneer over the internal timing package
package aoo

import (
	"github.com/aoo-protocol/aoo-go/internal/timing"
	"github.com/chabad360/go-osc/osc"
)

// Now returns the current wall clock as an OSC/NTP time tag, suitable
// for stamping Process calls.
func Now() osc.Timetag {
	return timing.Now()
}

// TimeToSeconds converts a time tag to seconds since the NTP epoch.
func TimeToSeconds(t osc.Timetag) float64 {
	return timing.Seconds(t)
}

// TimeFromSeconds converts seconds since the NTP epoch to a time tag.
func TimeFromSeconds(s float64) osc.Timetag {
	return timing.FromSeconds(s)
}

// TimeDuration returns b minus a in seconds.
func TimeDuration(a, b osc.Timetag) float64 {
	return timing.Duration(a, b)
}
