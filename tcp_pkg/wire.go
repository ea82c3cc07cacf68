package tcp_protocol

import (
	"net/netip"
	"tcp-tcp-team-pa/iptcp_utils"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

var (
	ErrShortSegment = errors.New("segment shorter than TCP header")
	ErrChecksum     = errors.New("TCP checksum mismatch")
)

// MarshalTCPMessage encodes msg as a TCP segment (header + payload) from
// srcAddr:srcPort to dstAddr:dstPort, with the checksum filled in.
func MarshalTCPMessage(msg TCPMessage, srcAddr netip.Addr, srcPort uint16, dstAddr netip.Addr, dstPort uint16) []byte {
	var flags uint8
	if msg.Sender.SYN {
		flags |= header.TCPFlagSyn
	}
	if msg.Sender.FIN {
		flags |= header.TCPFlagFin
	}
	if msg.Sender.RST || msg.Receiver.RST {
		flags |= header.TCPFlagRst
	}
	var ack uint32
	if msg.Receiver.Ackno != nil {
		flags |= header.TCPFlagAck
		ack = uint32(*msg.Receiver.Ackno)
	}

	tcpHdr := header.TCPFields{
		SrcPort:    srcPort,
		DstPort:    dstPort,
		SeqNum:     uint32(msg.Sender.Seqno),
		AckNum:     ack,
		DataOffset: iptcp_utils.TcpHeaderLen,
		Flags:      flags,
		WindowSize: msg.Receiver.WindowSize,
	}
	tcpHdr.Checksum = iptcp_utils.ComputeTCPChecksum(&tcpHdr, srcAddr, dstAddr, msg.Sender.Payload)

	// Combine the TCP header + payload into one byte array, which becomes the payload of the IP packet
	segment := make([]byte, 0, iptcp_utils.TcpHeaderLen+len(msg.Sender.Payload))
	segment = append(segment, iptcp_utils.EncodeTCPHeader(&tcpHdr)...)
	segment = append(segment, msg.Sender.Payload...)
	return segment
}

// UnmarshalTCPMessage decodes a TCP segment received from srcAddr for dstAddr.
// The parsed header is returned alongside so callers can demultiplex on ports.
func UnmarshalTCPMessage(b []byte, srcAddr netip.Addr, dstAddr netip.Addr) (TCPMessage, header.TCPFields, error) {
	if len(b) < iptcp_utils.TcpHeaderLen {
		return TCPMessage{}, header.TCPFields{}, errors.Wrapf(ErrShortSegment, "got %d bytes", len(b))
	}
	tcpHdr := iptcp_utils.ParseTCPHeader(b)
	if int(tcpHdr.DataOffset) < iptcp_utils.TcpHeaderLen || int(tcpHdr.DataOffset) > len(b) {
		return TCPMessage{}, tcpHdr, errors.Errorf("bad data offset %d for %d byte segment", tcpHdr.DataOffset, len(b))
	}
	// Options are not used; the checksum is only defined here for option-less headers
	if int(tcpHdr.DataOffset) != iptcp_utils.TcpHeaderLen {
		return TCPMessage{}, tcpHdr, errors.Errorf("unsupported TCP options (data offset %d)", tcpHdr.DataOffset)
	}
	payload := b[tcpHdr.DataOffset:]

	fromHeader := tcpHdr.Checksum
	tcpHdr.Checksum = 0
	if computed := iptcp_utils.ComputeTCPChecksum(&tcpHdr, srcAddr, dstAddr, payload); computed != fromHeader {
		return TCPMessage{}, tcpHdr, errors.Wrapf(ErrChecksum, "header %#04x, computed %#04x", fromHeader, computed)
	}
	tcpHdr.Checksum = fromHeader

	rst := tcpHdr.Flags&header.TCPFlagRst != 0
	msg := TCPMessage{
		Sender: SenderMessage{
			Seqno:   seqnum.Value(tcpHdr.SeqNum),
			SYN:     tcpHdr.Flags&header.TCPFlagSyn != 0,
			FIN:     tcpHdr.Flags&header.TCPFlagFin != 0,
			RST:     rst,
			Payload: append([]byte(nil), payload...),
		},
		Receiver: ReceiverMessage{
			WindowSize: tcpHdr.WindowSize,
			RST:        rst,
		},
	}
	if tcpHdr.Flags&header.TCPFlagAck != 0 {
		msg.Receiver.Ackno = ackno(seqnum.Value(tcpHdr.AckNum))
	}
	return msg, tcpHdr, nil
}
