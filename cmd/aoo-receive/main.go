// ABOUTME: Demo receiver playing an AOO stream through the speakers
// ABOUTME: Listens on UDP, drives the sink engine and feeds oto
package main

import (
	"encoding/binary"
	"flag"
	"io"
	"log"
	"net"
	"time"

	"github.com/aoo-protocol/aoo-go/pkg/aoo"
	_ "github.com/aoo-protocol/aoo-go/pkg/codec/opus" // register opus
	"github.com/ebitengine/oto/v3"
)

func main() {
	var (
		listen    = flag.String("listen", ":9999", "UDP listen address")
		sinkID    = flag.Int("id", 1, "sink id")
		rate      = flag.Int("rate", 48000, "local sample rate")
		blockSize = flag.Int("block", 480, "local block size in samples")
		channels  = flag.Int("channels", 2, "local channel count")
	)
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp", *listen)
	if err != nil {
		log.Fatalf("resolve %s: %v", *listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", *listen, err)
	}
	defer conn.Close()

	op := &oto.NewContextOptions{
		SampleRate:   *rate,
		ChannelCount: *channels,
		Format:       oto.FormatSignedInt16LE,
	}
	otoCtx, ready, err := oto.NewContext(op)
	if err != nil {
		log.Fatalf("audio output: %v", err)
	}
	<-ready

	pr, pw := io.Pipe()
	player := otoCtx.NewPlayer(pr)
	player.Play()
	defer player.Close()

	// The process callback interleaves the mixed block and hands it to
	// the playback pipe as 16-bit little-endian PCM.
	pcmBuf := make([]byte, *blockSize**channels*2)
	snk := aoo.NewSink(int32(*sinkID))
	snk.Setup(aoo.DefaultSinkSettings(func(samples [][]float32, n int, events []aoo.Event) {
		for _, e := range events {
			if se, ok := e.(aoo.SourceStateEvent); ok {
				log.Printf("source %d on %v: %s", se.ID, se.Endpoint, se.State)
			}
		}
		for j := 0; j < n; j++ {
			for i := range samples {
				v := int16(samples[i][j] * 32767)
				binary.LittleEndian.PutUint16(pcmBuf[(j*len(samples)+i)*2:], uint16(v))
			}
		}
		pw.Write(pcmBuf[:n*len(samples)*2])
	}, *channels, *rate, *blockSize))

	// Network thread: feed every datagram into the sink, replying to
	// the peer it came from.
	go func() {
		buf := make([]byte, aoo.MaxPacketSize)
		for {
			n, peer, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			ep := peer.String()
			reply := func(_ aoo.Endpoint, data []byte) error {
				_, err := conn.WriteToUDP(data, peer)
				return err
			}
			snk.HandleMessage(buf[:n], ep, reply)
		}
	}()

	log.Printf("listening on %s (%d Hz, %d ch, block %d)",
		*listen, *rate, *channels, *blockSize)

	// Simulated audio clock.
	period := time.Duration(float64(*blockSize) / float64(*rate) * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for range ticker.C {
		snk.Process(aoo.Now())
	}
}
