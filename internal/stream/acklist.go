// ABOUTME: Per-block retransmit bookkeeping with rate-limited re-requests
// ABOUTME: An entry lives only while its block is still deemed recoverable
package stream

// Ack tracks the retransmit state of one missing or incomplete block.
type Ack struct {
	Sequence int32

	count     int32   // remaining re-request attempts
	timestamp float64 // time of the last request, seconds
}

// Check reports whether a new request may be sent at time now, given the
// minimum interval between requests in seconds. A positive verdict
// consumes one attempt and stamps the entry.
func (a *Ack) Check(now, interval float64) bool {
	if a.count <= 0 {
		return false
	}
	if now-a.timestamp < interval {
		return false
	}
	a.timestamp = now
	a.count--
	return true
}

// AckList holds the retransmit entries of one source, keyed by sequence.
type AckList struct {
	limit int32
	acks  map[int32]*Ack
}

// Setup sets the per-block request limit and clears the list.
func (l *AckList) Setup(limit int) {
	l.limit = int32(limit)
	l.acks = make(map[int32]*Ack)
}

// Get returns the entry for seq, inserting a fresh one if absent. A
// fresh entry passes its first Check immediately.
func (l *AckList) Get(seq int32) *Ack {
	if a, ok := l.acks[seq]; ok {
		return a
	}
	a := &Ack{Sequence: seq, count: l.limit, timestamp: -1e9}
	l.acks[seq] = a
	return a
}

// Find returns the entry for seq, or nil.
func (l *AckList) Find(seq int32) *Ack {
	return l.acks[seq]
}

// Remove deletes the entry for seq.
func (l *AckList) Remove(seq int32) {
	delete(l.acks, seq)
}

// RemoveBefore deletes all entries older than seq and returns how many
// were removed.
func (l *AckList) RemoveBefore(seq int32) int {
	n := 0
	for s := range l.acks {
		if s < seq {
			delete(l.acks, s)
			n++
		}
	}
	return n
}

// Clear deletes all entries.
func (l *AckList) Clear() {
	for s := range l.acks {
		delete(l.acks, s)
	}
}

// Empty reports whether no entries remain.
func (l *AckList) Empty() bool { return len(l.acks) == 0 }

// Len returns the number of entries.
func (l *AckList) Len() int { return len(l.acks) }
