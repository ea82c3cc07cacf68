package tcp_protocol

import (
	"fmt"

	"github.com/google/netstack/tcpip/seqnum"
)

// SenderMessage is the sender half of a segment: everything that occupies
// sequence space plus the reset bit.
type SenderMessage struct {
	Seqno   seqnum.Value
	SYN     bool
	Payload []byte
	FIN     bool
	RST     bool
}

// SequenceLength is the number of sequence numbers the message occupies.
// RST does not consume sequence space.
func (m SenderMessage) SequenceLength() uint64 {
	n := uint64(len(m.Payload))
	if m.SYN {
		n++
	}
	if m.FIN {
		n++
	}
	return n
}

func (m SenderMessage) String() string {
	return fmt.Sprintf("<SEQ=%d><LEN=%d>%s", m.Seqno, len(m.Payload), flagString(m.SYN, m.FIN, m.RST))
}

// ReceiverMessage is the acknowledgment half of a segment. Ackno is nil until
// the receiver has seen a SYN.
type ReceiverMessage struct {
	Ackno      *seqnum.Value
	WindowSize uint16
	RST        bool
}

func (m ReceiverMessage) String() string {
	if m.Ackno == nil {
		return fmt.Sprintf("<ACK=none><WND=%d>%s", m.WindowSize, flagString(false, false, m.RST))
	}
	return fmt.Sprintf("<ACK=%d><WND=%d>%s", *m.Ackno, m.WindowSize, flagString(false, false, m.RST))
}

// TCPMessage is what travels in one TCP segment: the local sender's data and
// the local receiver's acknowledgment of the peer's data.
type TCPMessage struct {
	Sender   SenderMessage
	Receiver ReceiverMessage
}

func flagString(syn, fin, rst bool) string {
	s := "["
	add := func(name string) {
		if len(s) > 1 {
			s += ","
		}
		s += name
	}
	if syn {
		add("SYN")
	}
	if fin {
		add("FIN")
	}
	if rst {
		add("RST")
	}
	return s + "]"
}

// ackno returns a pointer to a copy of v, for building ReceiverMessages.
func ackno(v seqnum.Value) *seqnum.Value {
	return &v
}
