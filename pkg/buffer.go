package protocol

import (
	"io"

	"github.com/google/netstack/tcpip/buffer"
	"github.com/pkg/errors"
)

const BUFFER_SIZE = 65535

// ErrStreamReset is returned by Read once the stream has been marked errored.
var ErrStreamReset = errors.New("stream reset")

// ByteStream is a bounded, in-order byte queue. One side pushes and closes,
// the other side peeks and pops. Bytes are kept as a vectorised view so pushes
// never copy the already buffered data.
type ByteStream struct {
	capacity uint64
	buf      buffer.VectorisedView
	pushed   uint64
	popped   uint64
	closed   bool
	errored  bool
}

func NewByteStream(capacity uint64) *ByteStream {
	return &ByteStream{capacity: capacity}
}

// Push appends as much of data as fits in the remaining capacity.
// Pushing into a closed or errored stream is a no-op.
func (bs *ByteStream) Push(data []byte) {
	if bs.closed || bs.errored || len(data) == 0 {
		return
	}
	n := uint64(len(data))
	if avail := bs.AvailableCapacity(); n > avail {
		n = avail
	}
	if n == 0 {
		return
	}
	// Copy so the caller is free to reuse data
	view := buffer.NewViewFromBytes(data[:n])
	bs.buf.Append(view.ToVectorisedView())
	bs.pushed += n
}

// Peek returns the front contiguous chunk of buffered bytes without removing it.
// The returned slice is only valid until the next Pop.
func (bs *ByteStream) Peek() []byte {
	if bs.buf.Size() == 0 {
		return nil
	}
	return bs.buf.First()
}

// Pop removes n bytes from the front of the stream.
func (bs *ByteStream) Pop(n uint64) {
	if buffered := bs.BytesBuffered(); n > buffered {
		n = buffered
	}
	bs.buf.TrimFront(int(n))
	bs.popped += n
}

// Read copies buffered bytes into p and pops them.
func (bs *ByteStream) Read(p []byte) (int, error) {
	if bs.errored {
		return 0, ErrStreamReset
	}
	if bs.IsFinished() {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		view := bs.Peek()
		if len(view) == 0 {
			break
		}
		copied := copy(p[n:], view)
		bs.Pop(uint64(copied))
		n += copied
	}
	return n, nil
}

func (bs *ByteStream) Close() {
	bs.closed = true
}

func (bs *ByteStream) SetError() {
	bs.errored = true
}

func (bs *ByteStream) HasError() bool {
	return bs.errored
}

func (bs *ByteStream) IsClosed() bool {
	return bs.closed
}

// IsFinished reports whether the stream is closed and fully drained.
func (bs *ByteStream) IsFinished() bool {
	return bs.closed && bs.BytesBuffered() == 0
}

func (bs *ByteStream) Capacity() uint64 {
	return bs.capacity
}

func (bs *ByteStream) AvailableCapacity() uint64 {
	return bs.capacity - bs.BytesBuffered()
}

func (bs *ByteStream) BytesBuffered() uint64 {
	return uint64(bs.buf.Size())
}

func (bs *ByteStream) BytesPushed() uint64 {
	return bs.pushed
}

func (bs *ByteStream) BytesPopped() uint64 {
	return bs.popped
}
