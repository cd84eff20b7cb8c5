// ABOUTME: Demo sender streaming a test tone to an AOO sink over UDP
// ABOUTME: Drives the source engine with a simulated audio clock
package main

import (
	"flag"
	"log"
	"math"
	"net"
	"time"

	"github.com/aoo-protocol/aoo-go/pkg/aoo"
	"github.com/aoo-protocol/aoo-go/pkg/codec/opus"
	"github.com/aoo-protocol/aoo-go/pkg/codec/pcm"
)

func main() {
	var (
		dest      = flag.String("dest", "127.0.0.1:9999", "destination host:port")
		sourceID  = flag.Int("id", 1, "source id")
		sinkID    = flag.Int("sink", 1, "destination sink id")
		rate      = flag.Int("rate", 48000, "sample rate")
		blockSize = flag.Int("block", 480, "block size in samples")
		channels  = flag.Int("channels", 2, "channel count")
		codecName = flag.String("codec", "pcm", "codec: pcm or opus")
		freq      = flag.Float64("freq", 440, "test tone frequency")
		seconds   = flag.Float64("seconds", 0, "stop after this many seconds (0 = forever)")
	)
	flag.Parse()

	conn, err := net.Dial("udp", *dest)
	if err != nil {
		log.Fatalf("dial %s: %v", *dest, err)
	}
	defer conn.Close()

	reply := func(ep aoo.Endpoint, data []byte) error {
		_, err := conn.Write(data)
		return err
	}

	src := aoo.NewSource(int32(*sourceID))
	src.Setup(aoo.DefaultSourceSettings(*blockSize, *rate, *channels))

	switch *codecName {
	case "pcm":
		err = src.SetFormat(pcm.NewFormat(*channels, *rate, *blockSize, pcm.Float32))
	case "opus":
		err = src.SetFormat(opus.NewFormat(*channels, *rate, *blockSize, 0))
	default:
		log.Fatalf("unknown codec %q", *codecName)
	}
	if err != nil {
		log.Fatalf("set format: %v", err)
	}
	src.AddSink(conn.RemoteAddr().String(), int32(*sinkID), reply)

	// Feed requests and resends back into the source.
	go func() {
		buf := make([]byte, aoo.MaxPacketSize)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			src.HandleMessage(buf[:n], conn.RemoteAddr().String(), reply)
		}
	}()

	log.Printf("streaming %g Hz tone to %s (%s, %d Hz, %d ch, block %d)",
		*freq, *dest, *codecName, *rate, *channels, *blockSize)

	// Simulated audio clock: one DSP tick per block period.
	block := make([][]float32, *channels)
	for i := range block {
		block[i] = make([]float32, *blockSize)
	}
	period := time.Duration(float64(*blockSize) / float64(*rate) * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var phase float64
	incr := 2 * math.Pi * *freq / float64(*rate)
	deadline := time.Now().Add(time.Duration(*seconds * float64(time.Second)))

	for range ticker.C {
		for j := 0; j < *blockSize; j++ {
			s := float32(math.Sin(phase)) * 0.5
			phase += incr
			for i := range block {
				block[i][j] = s
			}
		}
		src.Process(block, aoo.Now())
		src.Send()

		if *seconds > 0 && time.Now().After(deadline) {
			return
		}
	}
}
