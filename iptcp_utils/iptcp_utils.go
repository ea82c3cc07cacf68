package iptcp_utils

import (
	"encoding/binary"
	"net/netip"
	"strings"

	"github.com/google/netstack/tcpip/header"
)

const (
	TcpHeaderLen         = header.TCPMinimumSize
	TcpPseudoHeaderLen   = 12
	IpProtoTcp           = 6
	MaxVirtualPacketSize = 1400
)

// ComputeTCPChecksum computes the TCP checksum over the IPv4 pseudo-header,
// the TCP header (with its checksum field taken as given) and the payload.
// Callers zero tcpHdr.Checksum before computing.
func ComputeTCPChecksum(tcpHdr *header.TCPFields,
	sourceIP netip.Addr, destIP netip.Addr, payload []byte) uint16 {

	// Fill in the pseudo header
	pseudoHeaderBytes := make([]byte, TcpPseudoHeaderLen)
	srcBytes := sourceIP.As4()
	copy(pseudoHeaderBytes[0:4], srcBytes[:])
	dstBytes := destIP.As4()
	copy(pseudoHeaderBytes[4:8], dstBytes[:])
	pseudoHeaderBytes[8] = 0
	pseudoHeaderBytes[9] = uint8(IpProtoTcp)
	totalLength := TcpHeaderLen + len(payload)
	binary.BigEndian.PutUint16(pseudoHeaderBytes[10:12], uint16(totalLength))

	headerBytes := header.TCP(make([]byte, TcpHeaderLen))
	headerBytes.Encode(tcpHdr)

	bytesToChecksum := make([]byte, 0, len(pseudoHeaderBytes)+len(headerBytes)+len(payload))
	bytesToChecksum = append(bytesToChecksum, pseudoHeaderBytes...)
	bytesToChecksum = append(bytesToChecksum, headerBytes...)
	bytesToChecksum = append(bytesToChecksum, payload...)

	checksum := header.Checksum(bytesToChecksum, 0)
	return checksum ^ 0xffff
}

// ParseTCPHeader reads the fixed TCP header at the front of b.
// b must hold at least TcpHeaderLen bytes.
func ParseTCPHeader(b []byte) header.TCPFields {
	td := header.TCP(b)
	return header.TCPFields{
		SrcPort:    td.SourcePort(),
		DstPort:    td.DestinationPort(),
		SeqNum:     td.SequenceNumber(),
		AckNum:     td.AckNumber(),
		DataOffset: td.DataOffset(),
		Flags:      td.Flags(),
		WindowSize: td.WindowSize(),
		Checksum:   td.Checksum(),
	}
}

// EncodeTCPHeader serializes hdr into a fresh TcpHeaderLen byte slice.
func EncodeTCPHeader(hdr *header.TCPFields) []byte {
	b := make(header.TCP, TcpHeaderLen)
	b.Encode(hdr)
	return b
}

// TCPFlagsAsString renders flags like "SA" for SYN|ACK, "-" for none.
func TCPFlagsAsString(flags uint8) string {
	var sb strings.Builder
	if flags&header.TCPFlagSyn != 0 {
		sb.WriteString("S")
	}
	if flags&header.TCPFlagAck != 0 {
		sb.WriteString("A")
	}
	if flags&header.TCPFlagFin != 0 {
		sb.WriteString("F")
	}
	if flags&header.TCPFlagRst != 0 {
		sb.WriteString("R")
	}
	if flags&header.TCPFlagPsh != 0 {
		sb.WriteString("P")
	}
	if sb.Len() == 0 {
		return "-"
	}
	return sb.String()
}
