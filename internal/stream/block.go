// ABOUTME: Sequenced packetised audio blocks for receiver reassembly
// ABOUTME: Fragments are immutable once added; a block completes when all arrive
package stream

// Block is one encoded audio block being reassembled from its wire
// fragments. All fragments except the last have equal size, so a
// fragment's offset follows from its index alone.
type Block struct {
	Sequence   int32
	SampleRate float64
	Channel    int32

	data     []byte
	frames   []bool
	received int32
}

// NewBlock returns an empty block expecting nframes fragments totalling
// totalSize bytes.
func NewBlock(seq int32, sr float64, channel, totalSize, nframes int32) *Block {
	return &Block{
		Sequence:   seq,
		SampleRate: sr,
		Channel:    channel,
		data:       make([]byte, totalSize),
		frames:     make([]bool, nframes),
	}
}

// NumFrames returns the expected fragment count.
func (b *Block) NumFrames() int32 { return int32(len(b.frames)) }

// Size returns the total encoded byte count.
func (b *Block) Size() int32 { return int32(len(b.data)) }

// HasFrame reports whether fragment which has been added.
func (b *Block) HasFrame(which int32) bool {
	return which >= 0 && which < b.NumFrames() && b.frames[which]
}

// Complete reports whether every fragment is present.
func (b *Block) Complete() bool {
	return b.received == b.NumFrames()
}

// Data returns the assembled payload. Only meaningful once Complete.
func (b *Block) Data() []byte { return b.data }

// AddFrame places fragment which. The last fragment lands at the end of
// the payload; every other fragment sits at which times its own length.
// Out-of-range or duplicate fragments are ignored.
func (b *Block) AddFrame(which int32, data []byte) {
	if which < 0 || which >= b.NumFrames() || b.frames[which] {
		return
	}
	var offset int32
	if which == b.NumFrames()-1 {
		offset = b.Size() - int32(len(data))
	} else {
		offset = which * int32(len(data))
	}
	if offset < 0 || int(offset)+len(data) > len(b.data) {
		return
	}
	copy(b.data[offset:], data)
	b.frames[which] = true
	b.received++
}
