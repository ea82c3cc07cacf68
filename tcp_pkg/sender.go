package tcp_protocol

import (
	protocol "tcp-tcp-team-pa/pkg"
	"tcp-tcp-team-pa/priorityQueue"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog"
)

const (
	MaxPayloadSize    = 1360 // 1400 bytes - IP header size - TCP header size
	DefaultInitialRTO = 1000 // ms
)

// TransmitFunc is the sink for outgoing segments. It may be called several
// times per Push or Tick and must not block.
type TransmitFunc func(SenderMessage)

// FlagState tracks a control flag (SYN or FIN) through its lifetime.
type FlagState uint8

const (
	FlagNotSent FlagState = iota
	FlagSent
	FlagAcked
)

func (f FlagState) String() string {
	switch f {
	case FlagNotSent:
		return "not-sent"
	case FlagSent:
		return "sent"
	case FlagAcked:
		return "acked"
	}
	return "unknown"
}

// Sender reads the outbound stream, cuts it into segments that fit the peer's
// window, keeps every segment until it is cumulatively acknowledged, and
// retransmits the oldest one when the retransmission timer expires.
type Sender struct {
	input      *protocol.ByteStream
	isn        seqnum.Value
	initialRTO uint64
	maxPayload uint64

	window     uint16 // last window advertised by the peer
	nextSeqno  uint64 // absolute, counts SYN and FIN
	ackedSeqno uint64

	outstanding   priorityQueue.PriorityQueue[SenderMessage]
	bytesInFlight uint64

	timer           RetransmissionTimer
	retransmissions uint64 // consecutive

	syn FlagState
	fin FlagState

	segmentsSent         uint64
	totalRetransmissions uint64

	log zerolog.Logger
}

func NewSender(input *protocol.ByteStream, isn seqnum.Value, initialRTOMs uint64) *Sender {
	return &Sender{
		input:      input,
		isn:        isn,
		initialRTO: initialRTOMs,
		maxPayload: MaxPayloadSize,
		window:     1, // lets the SYN out before the peer has spoken
		timer:      NewRetransmissionTimer(initialRTOMs),
		log:        zerolog.Nop(),
	}
}

func (s *Sender) SetLogger(log zerolog.Logger) {
	s.log = log
}

// SetMaxPayload changes the largest payload put in a single segment.
func (s *Sender) SetMaxPayload(n uint64) {
	if n > 0 {
		s.maxPayload = n
	}
}

func (s *Sender) Input() *protocol.ByteStream {
	return s.input
}

func (s *Sender) ISN() seqnum.Value {
	return s.isn
}

func (s *Sender) SequenceNumbersInFlight() uint64 {
	return s.bytesInFlight
}

func (s *Sender) ConsecutiveRetransmissions() uint64 {
	return s.retransmissions
}

func (s *Sender) TotalRetransmissions() uint64 {
	return s.totalRetransmissions
}

func (s *Sender) SegmentsSent() uint64 {
	return s.segmentsSent
}

func (s *Sender) NextSeqno() uint64 {
	return s.nextSeqno
}

func (s *Sender) AckedSeqno() uint64 {
	return s.ackedSeqno
}

func (s *Sender) Window() uint16 {
	return s.window
}

func (s *Sender) SynState() FlagState {
	return s.syn
}

func (s *Sender) FinState() FlagState {
	return s.fin
}

// RTO returns the current retransmission timeout in milliseconds.
func (s *Sender) RTO() uint64 {
	return s.timer.RTO()
}

// MakeEmptyMessage builds a segment that occupies no sequence space, for
// carrying acknowledgments or a reset.
func (s *Sender) MakeEmptyMessage() SenderMessage {
	return SenderMessage{
		Seqno: Wrap(s.nextSeqno, s.isn),
		RST:   s.input.HasError(),
	}
}

// Push sends as much of the outbound stream as the peer's window allows.
// A zero window is treated as one so a single byte probes it.
func (s *Sender) Push(transmit TransmitFunc) {
	window := uint64(s.window)
	if window == 0 {
		window = 1
	}

	for s.bytesInFlight < window && s.fin == FlagNotSent {
		if s.syn != FlagNotSent && len(s.input.Peek()) == 0 && !s.input.IsFinished() {
			return
		}

		msg := SenderMessage{
			Seqno: Wrap(s.nextSeqno, s.isn),
			SYN:   s.syn == FlagNotSent,
			RST:   s.input.HasError(),
		}
		budget := window - s.bytesInFlight
		if msg.SYN {
			budget--
		}
		limit := min(budget, s.maxPayload)

		var payload []byte
		for uint64(len(payload)) < limit {
			view := s.input.Peek()
			if len(view) == 0 {
				break
			}
			take := min(uint64(len(view)), limit-uint64(len(payload)))
			payload = append(payload, view[:take]...)
			s.input.Pop(take)
		}
		msg.Payload = payload

		// FIN waits for a later push if it would overrun the window
		if s.input.IsFinished() && s.bytesInFlight+msg.SequenceLength()+1 <= window {
			msg.FIN = true
		}

		seqLen := msg.SequenceLength()
		if seqLen == 0 {
			return
		}
		s.outstanding.PushItem(s.nextSeqno, msg)
		s.bytesInFlight += seqLen
		s.nextSeqno += seqLen
		if msg.SYN {
			s.syn = FlagSent
		}
		if msg.FIN {
			s.fin = FlagSent
		}
		s.segmentsSent++

		s.log.Trace().
			Uint32("seqno", uint32(msg.Seqno)).
			Uint64("len", seqLen).
			Uint64("in_flight", s.bytesInFlight).
			Uint64("window", window).
			Msg("sender: segment sent")
		transmit(msg)
		s.timer.Activate()
	}
}

// Receive processes the peer's acknowledgment and window.
func (s *Sender) Receive(msg ReceiverMessage) {
	s.window = msg.WindowSize
	if msg.Ackno == nil {
		if msg.WindowSize == 0 {
			s.input.SetError()
			s.log.Debug().Msg("sender: zero window without ackno, outbound stream errored")
		}
		return
	}

	ack := Unwrap(*msg.Ackno, s.isn, s.nextSeqno)
	if ack > s.nextSeqno {
		s.log.Debug().
			Uint64("ackno", ack).
			Uint64("next_seqno", s.nextSeqno).
			Msg("sender: ignored ack of unsent data")
		return
	}

	acked := false
	for {
		front, ok := s.outstanding.Peek()
		if !ok {
			break
		}
		seqLen := front.Value.SequenceLength()
		end := front.SeqNum + seqLen
		if ack < end {
			break
		}
		s.outstanding.PopMin()
		s.bytesInFlight -= seqLen
		s.ackedSeqno = end
		if front.Value.SYN {
			s.syn = FlagAcked
		}
		if front.Value.FIN {
			s.fin = FlagAcked
		}
		acked = true
	}

	if acked {
		s.retransmissions = 0
		s.timer = NewRetransmissionTimer(s.initialRTO)
		if s.outstanding.Len() > 0 {
			s.timer.Activate()
		}
	}
}

// Tick advances the retransmission timer by ms and retransmits the oldest
// outstanding segment if it expired. Against a zero window the RTO is not
// backed off, since the retransmission is a window probe rather than a loss.
func (s *Sender) Tick(ms uint64, transmit TransmitFunc) {
	if !s.timer.Tick(ms).IsExpired() {
		return
	}
	front, ok := s.outstanding.Peek()
	if !ok {
		return
	}

	transmit(front.Value)
	if s.window == 0 {
		s.timer.Reset()
	} else {
		s.timer.Timeout().Reset()
	}
	s.retransmissions++
	s.totalRetransmissions++

	s.log.Debug().
		Uint32("seqno", uint32(front.Value.Seqno)).
		Uint64("rto_ms", s.timer.RTO()).
		Uint64("consecutive", s.retransmissions).
		Msg("sender: retransmitted")
}
