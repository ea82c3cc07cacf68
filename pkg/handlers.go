package protocol

import (
	"fmt"
	"strconv"
)

// TestPacketHandler prints protocol 0 packets, which carry plain text.
func (stack *IPStack) TestPacketHandler(packet *IPPacket) {
	fmt.Fprintln(stack.Out, "Received test packet: Src: "+packet.Header.Src.String()+
		", Dst: "+packet.Header.Dst.String()+
		", TTL: "+strconv.Itoa(packet.Header.TTL)+
		", Data: "+string(packet.Payload))
}
