// ABOUTME: Package documentation for the AOO streaming engine
// ABOUTME: Explains the threading contract between host, audio and network

// Package aoo streams audio blocks between peers over an unreliable
// datagram transport, with all control traffic embedded in OSC messages
// under the /AoO/ address space.
//
// A Source is fed by the host's audio callback (Process) and drained by
// a host network thread (Send, HandleMessage). A Sink is fed datagrams
// by the network thread (HandleMessage) and mixes its sources into the
// host's audio callback (Process). The two threads meet only at
// lock-free single-producer/single-consumer rings, so the audio side
// never blocks on I/O.
//
// The core never opens sockets: peers are opaque comparable endpoint
// values paired with a ReplyFunc that the host's transport implements.
package aoo
