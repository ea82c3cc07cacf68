package tcp_protocol

import (
	"math"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog"
)

// Receiver turns incoming SenderMessages into reassembler inserts and reports
// the acknowledgment number and window the peer should use.
type Receiver struct {
	reassembler *Reassembler
	isn         *seqnum.Value // nil until a SYN arrives
	log         zerolog.Logger
}

func NewReceiver(reassembler *Reassembler) *Receiver {
	return &Receiver{
		reassembler: reassembler,
		log:         zerolog.Nop(),
	}
}

func (r *Receiver) SetLogger(log zerolog.Logger) {
	r.log = log
}

func (r *Receiver) Reassembler() *Reassembler {
	return r.reassembler
}

// ISN returns the peer's initial sequence number once it is known.
func (r *Receiver) ISN() (seqnum.Value, bool) {
	if r.isn == nil {
		return 0, false
	}
	return *r.isn, true
}

// checkpoint is the absolute sequence number of the next byte expected: the
// bytes written so far plus one for the SYN.
func (r *Receiver) checkpoint() uint64 {
	checkpoint := r.reassembler.Output().BytesPushed()
	if r.isn != nil {
		checkpoint++
	}
	return checkpoint
}

func (r *Receiver) Receive(msg SenderMessage) {
	inbound := r.reassembler.Output()
	checkpoint := r.checkpoint()

	if msg.RST {
		inbound.SetError()
		r.log.Debug().Uint32("seqno", uint32(msg.Seqno)).Msg("receiver: peer reset")
		return
	}
	if r.isn != nil && checkpoint > 0 && msg.Seqno == Wrap(0, *r.isn) {
		// Retransmitted SYN, nothing new
		return
	}
	if r.isn == nil {
		if !msg.SYN {
			r.log.Trace().Uint32("seqno", uint32(msg.Seqno)).Msg("receiver: dropped segment before SYN")
			return
		}
		r.isn = ackno(msg.Seqno)
	}

	absSeqno := Unwrap(msg.Seqno, *r.isn, checkpoint)
	streamIndex := absSeqno
	if absSeqno > 0 {
		// Skip the sequence number taken by the SYN
		streamIndex--
	}
	r.reassembler.Insert(streamIndex, msg.Payload, msg.FIN)
}

func (r *Receiver) Send() ReceiverMessage {
	inbound := r.reassembler.Output()
	window := inbound.AvailableCapacity()
	if window > math.MaxUint16 {
		window = math.MaxUint16
	}
	msg := ReceiverMessage{
		WindowSize: uint16(window),
		RST:        inbound.HasError(),
	}
	if r.isn == nil {
		return msg
	}

	next := r.checkpoint()
	if inbound.IsClosed() {
		// The FIN occupies one sequence number
		next++
	}
	msg.Ackno = ackno(Wrap(next, *r.isn))
	return msg
}
