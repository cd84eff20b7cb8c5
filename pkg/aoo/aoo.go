// ABOUTME: Core identifiers, wire constants and process-wide initialisation
// ABOUTME: Audio-over-OSC peer-to-peer streaming engine
package aoo

import (
	"math"
	"sync"

	"github.com/aoo-protocol/aoo-go/pkg/codec"
	"github.com/aoo-protocol/aoo-go/pkg/codec/pcm"
	"github.com/google/uuid"
)

// Endpoint is an opaque handle identifying a transport-layer peer. The
// core compares endpoints with ==, so hosts must supply comparable
// values (a string address, a small struct, a pointer).
type Endpoint any

// ReplyFunc sends a datagram back to an endpoint. Transport errors are
// the host's to handle; the core never retries.
type ReplyFunc func(ep Endpoint, data []byte) error

// Reserved identifiers.
const (
	// WildcardID addresses all matching peers on an endpoint.
	WildcardID int32 = -1
	// NoneID means unset.
	NoneID int32 = math.MinInt32
)

// Wire constants.
const (
	MaxPacketSize     = 4096
	DefaultPacketSize = 512
	// DataHeaderSize is the worst-case overhead of a /data message:
	// address pattern, type tags and all non-blob arguments.
	DataHeaderSize = 80
)

// Tuning defaults.
const (
	DefaultSourceBufferMs      = 10
	DefaultSinkBufferMs        = 20
	DefaultResendBufferMs      = 1000
	DefaultResendLimit         = 4
	DefaultResendIntervalMs    = 5
	DefaultResendMaxFrames     = 64
	DefaultResendPacketSize    = 256
	DefaultTimeFilterBandwidth = 0.012

	// timeFilterTolerance is the fraction of the nominal DSP period the
	// average tick may exceed before the stream clock is reset.
	timeFilterTolerance = 0.25

	// MaxEventsPerTick bounds the events delivered per Process call.
	MaxEventsPerTick = 256
)

var initOnce sync.Once

// Initialize registers the built-in codecs. It is called implicitly by
// NewSource and NewSink; hosts that resolve codecs themselves before
// constructing any object should call it explicitly. The Opus codec
// registers itself when its package is imported.
func Initialize() {
	initOnce.Do(func() {
		codec.Register(pcm.Codec{})
	})
}

// makeSalt returns a fresh random stream-generation key.
func makeSalt() int32 {
	return int32(uuid.New().ID())
}
