package tcp_protocol

import (
	"math/rand"
	"testing"

	"github.com/google/netstack/tcpip/seqnum"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name      string
		n         uint64
		zeroPoint seqnum.Value
		want      seqnum.Value
	}{
		{"zero", 0, 0, 0},
		{"offset", 3, 100, 103},
		{"wraps at 2^32", 1 << 32, 0, 0},
		{"wraps past zero", 3*(1<<32) + 17, 15, 32},
		{"zero point near max", 5, seqnum.Value(1<<32 - 2), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Wrap(tt.n, tt.zeroPoint); got != tt.want {
				t.Errorf("Wrap(%d, %d) = %d, want %d", tt.n, tt.zeroPoint, got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	big := uint64(1) << 32
	tests := []struct {
		name       string
		v          seqnum.Value
		zeroPoint  seqnum.Value
		checkpoint uint64
		want       uint64
	}{
		{"first after SYN", 1, 0, 0, 1},
		{"just wrapped", 1, 0, big - 1, big + 1},
		{"behind checkpoint in next cycle", seqnum.Value(big - 2), 0, 3 * big, 3*big - 2},
		{"ahead of checkpoint", 10, 0, 3 * big, 3*big + 10},
		{"never negative", seqnum.Value(big - 1), 0, 0, big - 1},
		{"nonzero zero point", 16, 16, 0, 0},
		{"zero point behind value", 15, 16, 0, big - 1},
		{"half way forward", seqnum.Value(1 << 31), 0, 0, 1 << 31},
		{"half way is not behind", seqnum.Value(1 << 31), 0, big, big + 1<<31},
		{"just over half way goes back", seqnum.Value(1<<31 + 1), 0, big, 1<<31 + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Unwrap(tt.v, tt.zeroPoint, tt.checkpoint); got != tt.want {
				t.Errorf("Unwrap(%d, %d, %d) = %d, want %d", tt.v, tt.zeroPoint, tt.checkpoint, got, tt.want)
			}
		})
	}
}

func TestUnwrapRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const half = int64(1) << 31

	for i := 0; i < 100000; i++ {
		zeroPoint := seqnum.Value(rng.Uint32())
		n := uint64(rng.Int63n(1 << 62))
		// checkpoint within 2^31 of n, clamped at zero
		offset := rng.Int63n(2*half-1) - (half - 1)
		c := int64(n) + offset
		if c < 0 {
			c = 0
		}
		checkpoint := uint64(c)

		if got := Unwrap(Wrap(n, zeroPoint), zeroPoint, checkpoint); got != n {
			t.Fatalf("Unwrap(Wrap(%d, %d), %d, %d) = %d", n, zeroPoint, zeroPoint, checkpoint, got)
		}
	}
}
