package tcp_protocol

import (
	"github.com/google/netstack/tcpip/seqnum"
)

// seqSpace is the number of distinct 32-bit sequence numbers.
const seqSpace = uint64(1) << 32

// Wrap converts the absolute stream offset n into a 32-bit sequence number
// relative to zeroPoint (the ISN).
func Wrap(n uint64, zeroPoint seqnum.Value) seqnum.Value {
	return zeroPoint.Add(seqnum.Size(uint32(n)))
}

// Unwrap returns the absolute offset that wraps to v and lies closest to
// checkpoint. The result is always within 2^31 of checkpoint and never negative.
func Unwrap(v seqnum.Value, zeroPoint seqnum.Value, checkpoint uint64) uint64 {
	delta := uint64(Wrap(checkpoint, zeroPoint).Size(v))
	if delta <= seqSpace>>1 || checkpoint+delta < seqSpace {
		return checkpoint + delta
	}
	return checkpoint + delta - seqSpace
}
