package protocol

import (
	"net/netip"

	"github.com/google/netstack/tcpip/header"
)

// ComputeChecksum returns the IPv4 header checksum for headerBytes, whose
// checksum field must be zero.
func ComputeChecksum(headerBytes []byte) uint16 {
	checksum := header.Checksum(headerBytes, 0)
	checksumInv := checksum ^ 0xffff
	return checksumInv
}

func formatAddr(addr netip.Addr) string {
	// Check if addr is equal to the zero value of netip.Addr
	if !addr.IsValid() {
		return "*"
	}
	return addr.String()
}
