package tcp_protocol

import (
	protocol "tcp-tcp-team-pa/pkg"
	"testing"

	"github.com/google/netstack/tcpip/seqnum"
)

func newTestReceiver(capacity uint64) *Receiver {
	return NewReceiver(NewReassembler(protocol.NewByteStream(capacity)))
}

func wantAckno(t *testing.T, msg ReceiverMessage, want seqnum.Value) {
	t.Helper()
	if msg.Ackno == nil {
		t.Fatalf("ackno absent, want %d", want)
	}
	if *msg.Ackno != want {
		t.Fatalf("ackno = %d, want %d", *msg.Ackno, want)
	}
}

func TestReceiverSYN(t *testing.T) {
	r := newTestReceiver(4000)
	if msg := r.Send(); msg.Ackno != nil {
		t.Fatalf("ackno = %d before SYN, want absent", *msg.Ackno)
	}

	r.Receive(SenderMessage{Seqno: 100, SYN: true})
	isn, ok := r.ISN()
	if !ok || isn != 100 {
		t.Fatalf("ISN() = %d, %v; want 100, true", isn, ok)
	}
	if got := r.Reassembler().Output().BytesPushed(); got != 0 {
		t.Errorf("SYN delivered %d bytes", got)
	}
	wantAckno(t, r.Send(), Wrap(1, 100))
}

func TestReceiverIgnoresDataBeforeSYN(t *testing.T) {
	r := newTestReceiver(4000)
	r.Receive(SenderMessage{Seqno: 5, Payload: []byte("hello")})
	if _, ok := r.ISN(); ok {
		t.Fatal("ISN set by a segment without SYN")
	}
	if got := r.Reassembler().Output().BytesPushed(); got != 0 {
		t.Errorf("delivered %d bytes before SYN", got)
	}
}

func TestReceiverData(t *testing.T) {
	const isn = seqnum.Value(1<<32 - 3)
	r := newTestReceiver(4000)
	r.Receive(SenderMessage{Seqno: isn, SYN: true, Payload: []byte("ab")})
	wantAckno(t, r.Send(), Wrap(3, isn))

	// Out of order, then the gap
	r.Receive(SenderMessage{Seqno: Wrap(5, isn), Payload: []byte("ef")})
	wantAckno(t, r.Send(), Wrap(3, isn))
	if got := r.Reassembler().BytesPending(); got != 2 {
		t.Errorf("BytesPending() = %d, want 2", got)
	}
	r.Receive(SenderMessage{Seqno: Wrap(3, isn), Payload: []byte("cd")})
	wantAckno(t, r.Send(), Wrap(7, isn))

	r.Receive(SenderMessage{Seqno: Wrap(7, isn), FIN: true})
	wantAckno(t, r.Send(), Wrap(8, isn))
	if !r.Reassembler().Output().IsClosed() {
		t.Error("FIN did not close the inbound stream")
	}
	if got := string(readAll(r.Reassembler().Output())); got != "abcdef" {
		t.Errorf("inbound = %q, want %q", got, "abcdef")
	}
}

func TestReceiverRetransmittedSYNIgnored(t *testing.T) {
	r := newTestReceiver(4000)
	r.Receive(SenderMessage{Seqno: 50, SYN: true, Payload: []byte("abc")})
	r.Receive(SenderMessage{Seqno: 50, SYN: true, Payload: []byte("abc")})
	if got := r.Reassembler().Output().BytesPushed(); got != 3 {
		t.Errorf("BytesPushed() = %d, want 3", got)
	}
	wantAckno(t, r.Send(), Wrap(4, 50))
}

func TestReceiverRST(t *testing.T) {
	r := newTestReceiver(4000)
	r.Receive(SenderMessage{Seqno: 0, SYN: true})
	r.Receive(SenderMessage{Seqno: 1, RST: true, Payload: []byte("x")})

	if !r.Reassembler().Output().HasError() {
		t.Fatal("RST did not error the inbound stream")
	}
	msg := r.Send()
	if !msg.RST {
		t.Error("Send() after RST does not carry RST")
	}
	if got := r.Reassembler().Output().BytesPushed(); got != 0 {
		t.Errorf("RST segment delivered %d bytes", got)
	}
}

func TestReceiverWindow(t *testing.T) {
	tests := []struct {
		name     string
		capacity uint64
		payload  int
		want     uint16
	}{
		{"empty", 4000, 0, 4000},
		{"partly used", 4000, 1000, 3000},
		{"full", 10, 10, 0},
		{"saturated", 100000, 0, 65535},
		{"saturated after use", 100000, 20000, 65535},
		{"just below saturation", 100000, 34466, 65534},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestReceiver(tt.capacity)
			r.Receive(SenderMessage{Seqno: 0, SYN: true, Payload: make([]byte, tt.payload)})
			if got := r.Send().WindowSize; got != tt.want {
				t.Errorf("WindowSize = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReceiverBeyondWindow(t *testing.T) {
	r := newTestReceiver(4)
	r.Receive(SenderMessage{Seqno: 0, SYN: true})
	r.Receive(SenderMessage{Seqno: 1, Payload: []byte("abcdefgh"), FIN: true})

	if got := r.Reassembler().Output().BytesPushed(); got != 4 {
		t.Errorf("BytesPushed() = %d, want 4", got)
	}
	if r.Reassembler().Output().IsClosed() {
		t.Error("truncated FIN segment closed the stream")
	}
	msg := r.Send()
	wantAckno(t, msg, 5)
	if msg.WindowSize != 0 {
		t.Errorf("WindowSize = %d, want 0", msg.WindowSize)
	}
}
