package protocol

import (
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"sort"
	"sync"
	"tcp-tcp-team-pa/lnxconfig"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultTTL    = 16
	MaxPacketSize = 1400
	TestProtocol  = 0
)

var ErrNoRoute = errors.New("no route to host")

type HandlerFunc = func(*IPPacket)

type IPPacket struct {
	Header  ipv4header.IPv4Header
	Payload []byte
}

type Interface struct {
	Name      string                        // the name of the interface
	IP        netip.Addr                    // the IP address of the interface on this host
	Prefix    netip.Prefix                  // the network submask/prefix
	Neighbors map[netip.Addr]netip.AddrPort // maps (virtual) IPs to their UDP addresses
	Udp       netip.AddrPort                // the UDP address of the interface on this host
	Down      bool                          // whether the interface is down or not
	Conn      *net.UDPConn                  // listen to incoming UDP packets
}

// IPStack is a host's virtual IPv4 layer. Every interface is a UDP socket and
// every link is a set of neighbors reachable at known UDP addresses.
type IPStack struct {
	Handler_table map[uint8]HandlerFunc // maps protocol numbers to handlers
	Interfaces    map[string]*Interface // maps interface names to interfaces
	Mutex         sync.RWMutex         // for concurrency

	Out io.Writer // where REPL-visible output goes
	log zerolog.Logger
}

// NewIPStack binds a UDP socket for every interface in the config.
func NewIPStack(configInfo *lnxconfig.IPConfig) (*IPStack, error) {
	stack := newIPStack()

	// Go through each interface to populate map of interfaces for IPStack struct
	for _, lnxInterface := range configInfo.Interfaces {
		conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(lnxInterface.UDPAddr))
		if err != nil {
			stack.Close()
			return nil, errors.Wrapf(err, "bind interface %s", lnxInterface.Name)
		}
		stack.Interfaces[lnxInterface.Name] = &Interface{
			Name:      lnxInterface.Name,
			IP:        lnxInterface.AssignedIP,
			Prefix:    lnxInterface.AssignedPrefix,
			Neighbors: make(map[netip.Addr]netip.AddrPort),
			Udp:       lnxInterface.UDPAddr,
			Conn:      conn,
		}
	}

	// Go through each neighbor and attach it to its interface
	for _, neighbor := range configInfo.Neighbors {
		if iface, exists := stack.Interfaces[neighbor.InterfaceName]; exists {
			iface.Neighbors[neighbor.DestAddr] = neighbor.UDPAddr
		}
	}
	return stack, nil
}

func newIPStack() *IPStack {
	stack := &IPStack{
		Handler_table: make(map[uint8]HandlerFunc),
		Interfaces:    make(map[string]*Interface),
		Out:           os.Stdout,
		log:           zerolog.Nop(),
	}
	stack.RegisterRecvHandler(TestProtocol, stack.TestPacketHandler)
	return stack
}

func (stack *IPStack) SetLogger(log zerolog.Logger) {
	stack.log = log
}

func (stack *IPStack) RegisterRecvHandler(protocolNum uint8, handler HandlerFunc) {
	stack.Mutex.Lock()
	defer stack.Mutex.Unlock()
	stack.Handler_table[protocolNum] = handler
}

// LocalAddr returns the address of the lowest-named interface, which is the
// host's address for transport protocols.
func (stack *IPStack) LocalAddr() netip.Addr {
	names := stack.interfaceNames()
	if len(names) == 0 {
		return netip.Addr{}
	}
	return stack.Interfaces[names[0]].IP
}

func (stack *IPStack) interfaceNames() []string {
	names := make([]string, 0, len(stack.Interfaces))
	for name := range stack.Interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// route picks the interface and next-hop UDP address for dest.
func (stack *IPStack) route(dest netip.Addr) (*Interface, netip.AddrPort, error) {
	stack.Mutex.RLock()
	defer stack.Mutex.RUnlock()

	var longest *Interface
	for _, iface := range stack.Interfaces {
		if iface.Down || !iface.Prefix.Contains(dest) {
			continue
		}
		if longest == nil || iface.Prefix.Bits() > longest.Prefix.Bits() {
			longest = iface
		}
	}
	if longest == nil {
		return nil, netip.AddrPort{}, errors.Wrapf(ErrNoRoute, "%s", dest)
	}
	nextHop, exists := longest.Neighbors[dest]
	if !exists {
		return nil, netip.AddrPort{}, errors.Wrapf(ErrNoRoute, "%s is not a neighbor on %s", dest, longest.Name)
	}
	return longest, nextHop, nil
}

func (stack *IPStack) isLocal(addr netip.Addr) bool {
	stack.Mutex.RLock()
	defer stack.Mutex.RUnlock()
	for _, iface := range stack.Interfaces {
		if iface.IP == addr {
			return true
		}
	}
	return false
}

// SendIP wraps data in an IPv4 header and sends it toward dest. Packets for
// one of our own addresses go to the local handler on a new goroutine, so
// SendIP never calls back into its caller.
func (stack *IPStack) SendIP(dest netip.Addr, protocolNum uint8, data []byte) error {
	if stack.isLocal(dest) {
		hdr := stack.newHeader(dest, dest, protocolNum, len(data))
		go stack.dispatch(&IPPacket{Header: hdr, Payload: append([]byte(nil), data...)})
		return nil
	}

	iface, nextHop, err := stack.route(dest)
	if err != nil {
		return err
	}
	bytesToSend, err := stack.marshalPacket(stack.newHeader(iface.IP, dest, protocolNum, len(data)), data)
	if err != nil {
		return err
	}
	if len(bytesToSend) > MaxPacketSize {
		return errors.Errorf("packet of %d bytes exceeds %d", len(bytesToSend), MaxPacketSize)
	}

	bytesWritten, err := iface.Conn.WriteToUDPAddrPort(bytesToSend, nextHop)
	if err != nil {
		return errors.Wrapf(err, "write to %s", nextHop)
	}
	stack.log.Trace().
		Str("iface", iface.Name).
		Str("dst", dest.String()).
		Uint8("proto", protocolNum).
		Int("bytes", bytesWritten).
		Msg("sent packet")
	return nil
}

func (stack *IPStack) newHeader(src, dest netip.Addr, protocolNum uint8, dataLen int) ipv4header.IPv4Header {
	return ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen, // Header length is always 20 when no IP options
		TOS:      0,
		TotalLen: ipv4header.HeaderLen + dataLen,
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      DefaultTTL,
		Protocol: int(protocolNum),
		Checksum: 0, // Should be 0 until checksum is computed
		Src:      src,
		Dst:      dest,
		Options:  []byte{},
	}
}

func (stack *IPStack) marshalPacket(hdr ipv4header.IPv4Header, data []byte) ([]byte, error) {
	headerBytes, err := hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal IP header")
	}
	// Compute header checksum
	hdr.Checksum = int(ComputeChecksum(headerBytes))
	headerBytes, err = hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal IP header")
	}

	// Construct all bytes of the IP packet
	bytesToSend := make([]byte, 0, len(headerBytes)+len(data))
	bytesToSend = append(bytesToSend, headerBytes...)
	bytesToSend = append(bytesToSend, data...)
	return bytesToSend, nil
}

// ListenOn reads packets from iface until ctx is done or the socket fails.
func (stack *IPStack) ListenOn(ctx context.Context, iface *Interface) error {
	stop := context.AfterFunc(ctx, func() {
		iface.Conn.Close()
	})
	defer stop()

	buf := make([]byte, MaxPacketSize)
	for {
		n, _, err := iface.Conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "read on %s", iface.Name)
		}

		stack.Mutex.RLock()
		down := iface.Down
		stack.Mutex.RUnlock()
		if down {
			continue
		}

		if err := stack.Receive(buf[:n]); err != nil {
			stack.log.Debug().Err(err).Str("iface", iface.Name).Msg("dropped packet")
		}
	}
}

// Receive validates a raw packet and dispatches it if it is addressed to us.
func (stack *IPStack) Receive(b []byte) error {
	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return errors.Wrap(err, "parse IP header")
	}
	if hdr.Len < ipv4header.HeaderLen || hdr.TotalLen > len(b) || hdr.TotalLen < hdr.Len {
		return errors.Errorf("bad lengths: header %d, total %d, got %d", hdr.Len, hdr.TotalLen, len(b))
	}

	// Retrieve and verify IP checksum
	checksumFromHeader := uint16(hdr.Checksum)
	zeroed := *hdr
	zeroed.Checksum = 0
	headerBytes, err := zeroed.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal IP header")
	}
	if computed := ComputeChecksum(headerBytes); computed != checksumFromHeader {
		return errors.Errorf("IP checksum mismatch: header %#04x, computed %#04x", checksumFromHeader, computed)
	}

	if !stack.isLocal(hdr.Dst) {
		return errors.Errorf("not for this host: %s", hdr.Dst)
	}

	payload := append([]byte(nil), b[hdr.Len:hdr.TotalLen]...)
	stack.dispatch(&IPPacket{Header: *hdr, Payload: payload})
	return nil
}

func (stack *IPStack) dispatch(packet *IPPacket) {
	stack.Mutex.RLock()
	handler, exists := stack.Handler_table[uint8(packet.Header.Protocol)]
	stack.Mutex.RUnlock()
	if !exists {
		stack.log.Debug().Int("proto", packet.Header.Protocol).Msg("no handler for protocol")
		return
	}
	handler(packet)
}

func (stack *IPStack) Close() error {
	var first error
	for _, iface := range stack.Interfaces {
		if iface.Conn == nil {
			continue
		}
		if err := iface.Conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
