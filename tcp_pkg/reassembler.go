package tcp_protocol

import (
	protocol "tcp-tcp-team-pa/pkg"

	"github.com/google/btree"
	"github.com/rs/zerolog"
)

const pendingTreeDegree = 8

// pendingInterval is a buffered fragment that starts after the next expected index.
type pendingInterval struct {
	start uint64
	data  []byte
	last  bool
}

func (iv pendingInterval) end() uint64 {
	return iv.start + uint64(len(iv.data))
}

func lessByStart(a, b pendingInterval) bool {
	return a.start < b.start
}

// Reassembler writes fragments of a byte stream into the inbound ByteStream in
// order, exactly once. Out-of-order fragments are held in an ordered index of
// non-overlapping, non-adjacent intervals until the gap before them closes.
type Reassembler struct {
	output       *protocol.ByteStream
	nextIndex    uint64
	pending      *btree.BTreeG[pendingInterval]
	bytesPending uint64
	log          zerolog.Logger
}

func NewReassembler(output *protocol.ByteStream) *Reassembler {
	return &Reassembler{
		output:  output,
		pending: btree.NewG[pendingInterval](pendingTreeDegree, lessByStart),
		log:     zerolog.Nop(),
	}
}

func (r *Reassembler) SetLogger(log zerolog.Logger) {
	r.log = log
}

// Output returns the inbound stream the reassembler writes into.
func (r *Reassembler) Output() *protocol.ByteStream {
	return r.output
}

// NextIndex is the stream index of the first byte not yet delivered.
func (r *Reassembler) NextIndex() uint64 {
	return r.nextIndex
}

// BytesPending returns the number of bytes buffered but not yet delivered.
func (r *Reassembler) BytesPending() uint64 {
	return r.bytesPending
}

// Insert accepts data that starts at stream index firstIndex. isLast marks the
// fragment whose end is the end of the stream. Anything beyond the output's
// available capacity is discarded.
func (r *Reassembler) Insert(firstIndex uint64, data []byte, isLast bool) {
	avail := r.output.AvailableCapacity()
	capacityLimit := r.nextIndex + avail

	if r.output.IsClosed() || r.output.HasError() || avail == 0 || firstIndex >= capacityLimit {
		r.log.Trace().
			Uint64("first_index", firstIndex).
			Uint64("next_index", r.nextIndex).
			Uint64("capacity_limit", capacityLimit).
			Msg("reassembler: dropped fragment")
		return
	}

	if firstIndex+uint64(len(data)) > capacityLimit {
		// A truncated fragment never carries the real end of the stream
		data = data[:capacityLimit-firstIndex]
		isLast = false
	}

	if firstIndex <= r.nextIndex {
		r.deliver(firstIndex, data, isLast)
	} else {
		r.merge(firstIndex, data, isLast)
	}
	r.flush()
}

// deliver pushes the part of data at or after nextIndex into the output.
func (r *Reassembler) deliver(firstIndex uint64, data []byte, isLast bool) {
	skip := r.nextIndex - firstIndex
	if skip < uint64(len(data)) {
		data = data[skip:]
		r.output.Push(data)
		r.nextIndex += uint64(len(data))
	}

	if isLast {
		r.output.Close()
		r.pending.Clear(false)
		r.bytesPending = 0
		r.log.Debug().Uint64("next_index", r.nextIndex).Msg("reassembler: stream closed")
	}
}

// merge stores [s, e) in the pending index, absorbing every interval it
// overlaps or touches.
func (r *Reassembler) merge(s uint64, data []byte, isLast bool) {
	if len(data) == 0 && !isLast {
		return
	}
	e := s + uint64(len(data))

	var absorbed []pendingInterval
	// The only interval starting before s that can touch [s, e) is its predecessor
	r.pending.DescendLessOrEqual(pendingInterval{start: s}, func(iv pendingInterval) bool {
		if iv.end() >= s {
			absorbed = append(absorbed, iv)
		}
		return false
	})
	r.pending.AscendGreaterOrEqual(pendingInterval{start: s}, func(iv pendingInterval) bool {
		if iv.start > e {
			return false
		}
		if len(absorbed) > 0 && absorbed[0].start == iv.start {
			return true
		}
		absorbed = append(absorbed, iv)
		return true
	})

	if len(absorbed) == 1 && absorbed[0].start <= s && e <= absorbed[0].end() {
		// Duplicate of stored data, last flag included
		return
	}

	merged := pendingInterval{start: s, last: isLast}
	newEnd := e
	if len(absorbed) > 0 {
		first, last := absorbed[0], absorbed[len(absorbed)-1]
		if first.start < merged.start {
			merged.start = first.start
		}
		if last.end() > newEnd {
			newEnd = last.end()
		}
		buf := make([]byte, 0, newEnd-merged.start)
		if first.start < s {
			buf = append(buf, first.data[:s-first.start]...)
		}
		buf = append(buf, data...)
		if last.end() > e {
			buf = append(buf, last.data[e-last.start:]...)
		}
		merged.data = buf

		for _, iv := range absorbed {
			merged.last = merged.last || iv.last
			r.pending.Delete(iv)
			r.bytesPending -= uint64(len(iv.data))
		}
	} else {
		merged.data = append([]byte(nil), data...)
	}

	r.pending.ReplaceOrInsert(merged)
	r.bytesPending += uint64(len(merged.data))
}

// flush delivers every pending interval that the next expected index has reached.
func (r *Reassembler) flush() {
	for {
		front, ok := r.pending.Min()
		if !ok || front.start > r.nextIndex {
			return
		}
		r.pending.DeleteMin()
		r.bytesPending -= uint64(len(front.data))
		r.deliver(front.start, front.data, front.last)
	}
}
