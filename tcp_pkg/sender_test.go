package tcp_protocol

import (
	"bytes"
	"math/rand"
	protocol "tcp-tcp-team-pa/pkg"
	"testing"

	"github.com/google/netstack/tcpip/seqnum"
)

// segmentLog collects everything a Sender transmits.
type segmentLog struct {
	sent []SenderMessage
}

func (l *segmentLog) transmit(msg SenderMessage) {
	l.sent = append(l.sent, msg)
}

func (l *segmentLog) take() []SenderMessage {
	sent := l.sent
	l.sent = nil
	return sent
}

func newTestSender(isn seqnum.Value) (*Sender, *segmentLog) {
	return NewSender(protocol.NewByteStream(protocol.BUFFER_SIZE), isn, DefaultInitialRTO), &segmentLog{}
}

func ackMsg(isn seqnum.Value, abs uint64, window uint16) ReceiverMessage {
	return ReceiverMessage{Ackno: ackno(Wrap(abs, isn)), WindowSize: window}
}

// establish sends the SYN and has the peer acknowledge it with window.
func establish(t *testing.T, s *Sender, log *segmentLog, window uint16) {
	t.Helper()
	s.Push(log.transmit)
	sent := log.take()
	if len(sent) != 1 || !sent[0].SYN {
		t.Fatalf("first push sent %v, want a single SYN", sent)
	}
	s.Receive(ackMsg(s.ISN(), 1, window))
	if s.SynState() != FlagAcked {
		t.Fatalf("SynState() = %s, want acked", s.SynState())
	}
}

func TestSenderSYN(t *testing.T) {
	s, log := newTestSender(1000)
	s.Input().Push([]byte("hello"))
	s.Push(log.transmit)

	sent := log.take()
	if len(sent) != 1 {
		t.Fatalf("sent %d segments, want 1", len(sent))
	}
	syn := sent[0]
	if !syn.SYN || syn.Seqno != 1000 || len(syn.Payload) != 0 || syn.FIN {
		t.Errorf("first segment = %s, want a bare SYN at 1000", syn)
	}
	if got := s.SequenceNumbersInFlight(); got != 1 {
		t.Errorf("SequenceNumbersInFlight() = %d, want 1", got)
	}
	if s.SynState() != FlagSent {
		t.Errorf("SynState() = %s, want sent", s.SynState())
	}

	// Window of 1 is used up by the SYN
	s.Push(log.transmit)
	if sent := log.take(); len(sent) != 0 {
		t.Errorf("second push sent %d segments before the SYN was acked", len(sent))
	}
}

func TestSenderSegmentsToMaxPayload(t *testing.T) {
	s, log := newTestSender(0)
	establish(t, s, log, 65535)

	data := make([]byte, 3000)
	rand.New(rand.NewSource(3)).Read(data)
	s.Input().Push(data)
	s.Input().Close()
	s.Push(log.transmit)

	sent := log.take()
	if len(sent) != 3 {
		t.Fatalf("sent %d segments, want 3", len(sent))
	}
	wantLens := []int{MaxPayloadSize, MaxPayloadSize, 3000 - 2*MaxPayloadSize}
	var got []byte
	for i, msg := range sent {
		if len(msg.Payload) != wantLens[i] {
			t.Errorf("segment %d carries %d bytes, want %d", i, len(msg.Payload), wantLens[i])
		}
		if wantFIN := i == 2; msg.FIN != wantFIN {
			t.Errorf("segment %d FIN = %v, want %v", i, msg.FIN, wantFIN)
		}
		got = append(got, msg.Payload...)
	}
	if !bytes.Equal(got, data) {
		t.Error("payloads do not reassemble to the input")
	}
	if sent[1].Seqno != Wrap(1+MaxPayloadSize, 0) {
		t.Errorf("second segment seqno = %d, want %d", sent[1].Seqno, 1+MaxPayloadSize)
	}
	if got := s.SequenceNumbersInFlight(); got != 3001 {
		t.Errorf("SequenceNumbersInFlight() = %d, want 3001", got)
	}
	if s.FinState() != FlagSent {
		t.Errorf("FinState() = %s, want sent", s.FinState())
	}
}

func TestSenderWindowLimits(t *testing.T) {
	s, log := newTestSender(0)
	establish(t, s, log, 5)

	s.Input().Push([]byte("abcdefgh"))
	s.Push(log.transmit)
	sent := log.take()
	if len(sent) != 1 || string(sent[0].Payload) != "abcde" {
		t.Fatalf("sent %v, want one segment with abcde", sent)
	}

	// A partial ack frees nothing
	s.Receive(ackMsg(0, 3, 5))
	s.Push(log.transmit)
	if sent := log.take(); len(sent) != 0 {
		t.Fatalf("sent %v with the window still full", sent)
	}

	// Peer takes the segment but shrinks the window to 2
	s.Receive(ackMsg(0, 6, 2))
	s.Push(log.transmit)
	sent = log.take()
	if len(sent) != 1 || string(sent[0].Payload) != "fg" {
		t.Fatalf("sent %v, want one segment with fg", sent)
	}
	if got := s.SequenceNumbersInFlight(); got != 2 {
		t.Errorf("SequenceNumbersInFlight() = %d, want 2", got)
	}
}

func TestSenderFINWaitsForWindow(t *testing.T) {
	s, log := newTestSender(0)
	establish(t, s, log, 3)

	s.Input().Push([]byte("abc"))
	s.Input().Close()
	s.Push(log.transmit)
	sent := log.take()
	if len(sent) != 1 || string(sent[0].Payload) != "abc" || sent[0].FIN {
		t.Fatalf("sent %v, want abc without FIN", sent)
	}

	s.Receive(ackMsg(0, 4, 3))
	s.Push(log.transmit)
	sent = log.take()
	if len(sent) != 1 || !sent[0].FIN || len(sent[0].Payload) != 0 {
		t.Fatalf("sent %v, want a bare FIN", sent)
	}
	if sent[0].Seqno != 4 {
		t.Errorf("FIN seqno = %d, want 4", sent[0].Seqno)
	}

	s.Receive(ackMsg(0, 5, 3))
	if s.FinState() != FlagAcked {
		t.Errorf("FinState() = %s, want acked", s.FinState())
	}
	s.Push(log.transmit)
	if sent := log.take(); len(sent) != 0 {
		t.Errorf("sent %v after FIN", sent)
	}
}

func TestSenderZeroWindowProbe(t *testing.T) {
	s, log := newTestSender(0)
	establish(t, s, log, 0)

	s.Input().Push([]byte("abc"))
	s.Push(log.transmit)
	sent := log.take()
	if len(sent) != 1 || string(sent[0].Payload) != "a" {
		t.Fatalf("sent %v, want a single one-byte probe", sent)
	}
	s.Push(log.transmit)
	if sent := log.take(); len(sent) != 0 {
		t.Errorf("second push sent %v while the probe is outstanding", sent)
	}
}

func TestSenderRetransmission(t *testing.T) {
	tests := []struct {
		name    string
		window  uint16
		wantRTO uint64
	}{
		{"backs off", 10, 2 * DefaultInitialRTO},
		{"zero window probe does not back off", 0, DefaultInitialRTO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, log := newTestSender(0)
			establish(t, s, log, tt.window)
			s.Input().Push([]byte("x"))
			s.Push(log.transmit)
			first := log.take()
			if len(first) != 1 {
				t.Fatalf("sent %d segments, want 1", len(first))
			}

			s.Tick(DefaultInitialRTO-1, log.transmit)
			if sent := log.take(); len(sent) != 0 {
				t.Fatalf("retransmitted before the RTO")
			}
			s.Tick(1, log.transmit)
			sent := log.take()
			if len(sent) != 1 || sent[0].Seqno != first[0].Seqno || string(sent[0].Payload) != "x" {
				t.Fatalf("retransmitted %v, want %v", sent, first)
			}
			if got := s.RTO(); got != tt.wantRTO {
				t.Errorf("RTO() = %d, want %d", got, tt.wantRTO)
			}
			if got := s.ConsecutiveRetransmissions(); got != 1 {
				t.Errorf("ConsecutiveRetransmissions() = %d, want 1", got)
			}

			// The timer restarted from zero
			s.Tick(tt.wantRTO-1, log.transmit)
			if sent := log.take(); len(sent) != 0 {
				t.Fatalf("retransmitted again too early")
			}
			s.Tick(1, log.transmit)
			if sent := log.take(); len(sent) != 1 {
				t.Fatalf("second retransmission sent %d segments, want 1", len(sent))
			}
			if got := s.ConsecutiveRetransmissions(); got != 2 {
				t.Errorf("ConsecutiveRetransmissions() = %d, want 2", got)
			}

			// An ack resets the counter and the RTO
			s.Receive(ackMsg(0, 2, 10))
			if got := s.ConsecutiveRetransmissions(); got != 0 {
				t.Errorf("ConsecutiveRetransmissions() = %d after ack, want 0", got)
			}
			if got := s.RTO(); got != DefaultInitialRTO {
				t.Errorf("RTO() = %d after ack, want %d", got, DefaultInitialRTO)
			}
			if got := s.TotalRetransmissions(); got != 2 {
				t.Errorf("TotalRetransmissions() = %d, want 2", got)
			}
		})
	}
}

func TestSenderRetransmitsOldest(t *testing.T) {
	s, log := newTestSender(0)
	establish(t, s, log, 100)
	s.Input().Push([]byte("abc"))
	s.Push(log.transmit)
	s.Input().Push([]byte("def"))
	s.Push(log.transmit)
	log.take()

	s.Tick(DefaultInitialRTO, log.transmit)
	sent := log.take()
	if len(sent) != 1 || string(sent[0].Payload) != "abc" {
		t.Fatalf("retransmitted %v, want abc", sent)
	}

	// Partial ack of the first segment only
	s.Receive(ackMsg(0, 4, 100))
	s.Tick(DefaultInitialRTO, log.transmit)
	sent = log.take()
	if len(sent) != 1 || string(sent[0].Payload) != "def" {
		t.Fatalf("retransmitted %v, want def", sent)
	}
}

func TestSenderIgnoresBogusAck(t *testing.T) {
	s, log := newTestSender(0)
	establish(t, s, log, 100)
	s.Input().Push([]byte("abc"))
	s.Push(log.transmit)

	s.Receive(ackMsg(0, 10, 100))
	if got := s.SequenceNumbersInFlight(); got != 3 {
		t.Errorf("SequenceNumbersInFlight() = %d after ack of unsent data, want 3", got)
	}

	// An ack inside a segment does not acknowledge it
	s.Receive(ackMsg(0, 2, 100))
	if got := s.SequenceNumbersInFlight(); got != 3 {
		t.Errorf("SequenceNumbersInFlight() = %d after partial ack, want 3", got)
	}
	s.Receive(ackMsg(0, 4, 100))
	if got := s.SequenceNumbersInFlight(); got != 0 {
		t.Errorf("SequenceNumbersInFlight() = %d after full ack, want 0", got)
	}
	if got := s.AckedSeqno(); got != 4 {
		t.Errorf("AckedSeqno() = %d, want 4", got)
	}
}

func TestSenderZeroWindowWithoutAckno(t *testing.T) {
	s, log := newTestSender(0)
	s.Push(log.transmit)
	s.Receive(ReceiverMessage{WindowSize: 0})
	if !s.Input().HasError() {
		t.Fatal("zero window without ackno did not error the outbound stream")
	}
	if msg := s.MakeEmptyMessage(); !msg.RST {
		t.Error("MakeEmptyMessage() after error does not carry RST")
	}

	s2, _ := newTestSender(0)
	s2.Receive(ReceiverMessage{WindowSize: 10})
	if s2.Input().HasError() {
		t.Error("nonzero window without ackno errored the outbound stream")
	}
}

func TestSenderMakeEmptyMessage(t *testing.T) {
	s, log := newTestSender(77)
	establish(t, s, log, 100)
	s.Input().Push([]byte("abc"))
	s.Push(log.transmit)

	msg := s.MakeEmptyMessage()
	if msg.Seqno != Wrap(4, 77) || msg.SequenceLength() != 0 || msg.RST {
		t.Errorf("MakeEmptyMessage() = %s, want empty segment at %d", msg, Wrap(4, 77))
	}
}

func TestSenderInFlightBound(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	s, log := newTestSender(seqnum.Value(rng.Uint32()))
	s.Push(log.transmit)

	unacked := log.take()
	var acked uint64
	window := uint16(1)
	for i := 0; i < 2000; i++ {
		s.Input().Push(make([]byte, rng.Intn(3000)))

		before := s.SegmentsSent()
		s.Push(log.transmit)
		sent := log.take()
		if s.SegmentsSent() > before {
			if limit := max(uint64(window), 1); s.SequenceNumbersInFlight() > limit {
				t.Fatalf("in flight %d exceeds window %d", s.SequenceNumbersInFlight(), limit)
			}
		}
		unacked = append(unacked, sent...)

		// Ack a random prefix of what is outstanding
		if len(unacked) > 0 && rng.Intn(2) == 0 {
			k := rng.Intn(len(unacked)) + 1
			for _, msg := range unacked[:k] {
				acked += msg.SequenceLength()
			}
			unacked = unacked[k:]
		}
		window = uint16(rng.Intn(5000))
		s.Receive(ackMsg(s.ISN(), acked, window))
	}
}
