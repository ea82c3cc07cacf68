package tcp_protocol

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"tcp-tcp-team-pa/iptcp_utils"
	protocol "tcp-tcp-team-pa/pkg"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrSocketNotFound = errors.New("socket not found")
	ErrPortInUse      = errors.New("port already in use")
	ErrListenerClosed = errors.New("listener closed")
)

const (
	ephemeralPortMin = 20000
	ephemeralPortMax = 65535
	acceptBacklog    = 16
)

// IPSender hands a transport payload to the IP layer. SendIP must not call
// back into the TCPStack before returning.
type IPSender interface {
	SendIP(dst netip.Addr, protocolNum uint8, payload []byte) error
}

// TCPListener queues connections accepted on a local port.
type TCPListener struct {
	ID        uint32
	LocalPort uint16

	stack    *TCPStack
	accepted chan *TCPConn
	done     chan struct{}
}

// VAccept blocks until a connection on the listener's port is established,
// the listener is closed, or ctx is done.
func (l *TCPListener) VAccept(ctx context.Context) (*TCPConn, error) {
	select {
	case conn := <-l.accepted:
		return conn, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *TCPListener) VClose() error {
	return l.stack.Close(l.ID)
}

// TCPStack owns every socket on a host and serializes all calls into them.
type TCPStack struct {
	IP  netip.Addr
	cfg ConnConfig

	ipSender IPSender

	mu            sync.Mutex
	nextSocketID  uint32
	listenTable   map[uint16]*TCPListener // by local port
	listenersByID map[uint32]*TCPListener
	connTable     map[FourTuple]*TCPConn
	connsByID     map[uint32]*TCPConn
	embryonic     map[*TCPConn]*TCPListener // passive opens not yet established

	log zerolog.Logger
}

func NewTCPStack(localIP netip.Addr, ipSender IPSender, cfg ConnConfig) *TCPStack {
	return &TCPStack{
		IP:            localIP,
		cfg:           cfg,
		ipSender:      ipSender,
		listenTable:   make(map[uint16]*TCPListener),
		listenersByID: make(map[uint32]*TCPListener),
		connTable:     make(map[FourTuple]*TCPConn),
		connsByID:     make(map[uint32]*TCPConn),
		embryonic:     make(map[*TCPConn]*TCPListener),
		log:           zerolog.Nop(),
	}
}

func (s *TCPStack) SetLogger(log zerolog.Logger) {
	s.log = log
}

func (s *TCPStack) VListen(port uint16) (*TCPListener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.listenTable[port]; exists {
		return nil, errors.Wrapf(ErrPortInUse, "listen on %d", port)
	}
	l := &TCPListener{
		ID:        s.nextSocketID,
		LocalPort: port,
		stack:     s,
		accepted:  make(chan *TCPConn, acceptBacklog),
		done:      make(chan struct{}),
	}
	s.nextSocketID++
	s.listenTable[port] = l
	s.listenersByID[l.ID] = l

	s.log.Info().Uint32("socket", l.ID).Uint16("port", port).Msg("listening")
	return l, nil
}

// VConnect starts an active open toward addr:port and returns right away; the
// connection reports SYN_SENT until the handshake completes.
func (s *TCPStack) VConnect(addr netip.Addr, port uint16) (*TCPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tuple := FourTuple{LocalAddr: s.IP, RemoteAddr: addr, RemotePort: port}
	for attempts := 0; ; attempts++ {
		if attempts == 100 {
			return nil, errors.Wrap(ErrPortInUse, "no free ephemeral port")
		}
		tuple.LocalPort = uint16(ephemeralPortMin + rand.IntN(ephemeralPortMax-ephemeralPortMin))
		if _, taken := s.connTable[tuple]; !taken {
			break
		}
	}

	conn := s.newConn(tuple)
	conn.Push()

	s.log.Info().
		Uint32("socket", conn.ID).
		Str("remote", netip.AddrPortFrom(addr, port).String()).
		Msg("connecting")
	return conn, nil
}

// newConn registers a connection with a random ISN. Callers hold s.mu.
func (s *TCPStack) newConn(tuple FourTuple) *TCPConn {
	id := s.nextSocketID
	s.nextSocketID++

	conn := NewTCPConn(id, tuple, seqnum.Value(rand.Uint32()), s.cfg, func(msg TCPMessage) {
		s.transmit(tuple, msg)
	})
	conn.SetLogger(s.log.With().Uint32("socket", id).Logger())
	s.connTable[tuple] = conn
	s.connsByID[id] = conn
	return conn
}

func (s *TCPStack) transmit(tuple FourTuple, msg TCPMessage) {
	segment := MarshalTCPMessage(msg, tuple.LocalAddr, tuple.LocalPort, tuple.RemoteAddr, tuple.RemotePort)
	if err := s.ipSender.SendIP(tuple.RemoteAddr, iptcp_utils.IpProtoTcp, segment); err != nil {
		s.log.Error().Err(err).Str("remote", tuple.RemoteAddr.String()).Msg("send segment")
	}
}

// TCPHandler is the IP-layer handler for protocol 6.
func (s *TCPStack) TCPHandler(packet *protocol.IPPacket) {
	if err := s.HandleSegment(packet.Header.Src, packet.Header.Dst, packet.Payload); err != nil {
		s.log.Debug().Err(err).Str("src", packet.Header.Src.String()).Msg("dropped segment")
	}
}

// HandleSegment decodes a TCP segment and hands it to the matching socket.
// A SYN to a listening port opens a new connection.
func (s *TCPStack) HandleSegment(src, dst netip.Addr, segment []byte) error {
	msg, tcpHdr, err := UnmarshalTCPMessage(segment, src, dst)
	if err != nil {
		return errors.Wrap(err, "decode segment")
	}
	tuple := FourTuple{
		LocalAddr:  dst,
		LocalPort:  tcpHdr.DstPort,
		RemoteAddr: src,
		RemotePort: tcpHdr.SrcPort,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, exists := s.connTable[tuple]; exists {
		conn.Receive(msg)
		s.afterSegment(conn)
		return nil
	}

	listener, listening := s.listenTable[tuple.LocalPort]
	if listening && msg.Sender.SYN && !msg.Sender.RST {
		conn := s.newConn(tuple)
		s.embryonic[conn] = listener
		conn.Receive(msg)
		s.log.Info().
			Uint32("socket", conn.ID).
			Uint32("listener", listener.ID).
			Str("remote", netip.AddrPortFrom(src, tuple.RemotePort).String()).
			Msg("passive open")
		return nil
	}

	if !msg.Sender.RST {
		s.refuse(tuple, msg)
	}
	return errors.Wrapf(ErrSocketNotFound, "no socket for %s:%d", dst, tuple.LocalPort)
}

// refuse answers a segment that matches no socket with a RST.
func (s *TCPStack) refuse(tuple FourTuple, msg TCPMessage) {
	rst := TCPMessage{Sender: SenderMessage{RST: true}}
	if msg.Receiver.Ackno != nil {
		rst.Sender.Seqno = *msg.Receiver.Ackno
	}
	s.transmit(tuple, rst)
}

// afterSegment moves an established passive open onto its listener's accept
// queue. Callers hold s.mu.
func (s *TCPStack) afterSegment(conn *TCPConn) {
	listener, waiting := s.embryonic[conn]
	if !waiting || conn.Sender().SynState() != FlagAcked {
		return
	}
	delete(s.embryonic, conn)
	select {
	case listener.accepted <- conn:
	default:
		s.log.Warn().Uint32("listener", listener.ID).Msg("accept queue full, resetting connection")
		conn.abort()
	}
}

// Tick advances every connection's clock and forgets the ones that are done.
func (s *TCPStack) Tick(ms uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conn := range s.connsByID {
		conn.Tick(ms)
		if !conn.Active() {
			s.log.Info().Uint32("socket", conn.ID).Str("state", conn.State()).Msg("connection finished")
			s.removeConn(conn)
		}
	}
}

// Run ticks the stack every interval until ctx is done.
func (s *TCPStack) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			var ms uint64
			ms, last = elapsedMs(last, now)
			s.Tick(ms)
		}
	}
}

// elapsedMs returns the whole milliseconds between last and now, and the
// instant they were counted up to. The sub-millisecond remainder carries into
// the next call.
func elapsedMs(last, now time.Time) (uint64, time.Time) {
	ms := now.Sub(last).Milliseconds()
	if ms < 0 {
		return 0, last
	}
	return uint64(ms), last.Add(time.Duration(ms) * time.Millisecond)
}

func (s *TCPStack) removeConn(conn *TCPConn) {
	delete(s.connTable, conn.Tuple)
	delete(s.connsByID, conn.ID)
	delete(s.embryonic, conn)
}

func (s *TCPStack) lookupConn(socketID uint32) (*TCPConn, error) {
	conn, exists := s.connsByID[socketID]
	if !exists {
		return nil, errors.Wrapf(ErrSocketNotFound, "socket %d", socketID)
	}
	return conn, nil
}

func (s *TCPStack) Write(socketID uint32, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.lookupConn(socketID)
	if err != nil {
		return 0, err
	}
	return conn.VWrite(data)
}

// Read returns up to n bytes already received on the socket.
func (s *TCPStack) Read(socketID uint32, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.lookupConn(socketID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read, err := conn.VRead(buf)
	return buf[:read], err
}

// Close closes a listener or starts closing a connection.
func (s *TCPStack) Close(socketID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, exists := s.listenersByID[socketID]; exists {
		delete(s.listenersByID, socketID)
		delete(s.listenTable, l.LocalPort)
		close(l.done)
		return nil
	}
	conn, err := s.lookupConn(socketID)
	if err != nil {
		return err
	}
	return conn.VClose()
}

// ListSockets renders the socket table the way the ls command prints it.
func (s *TCPStack) ListSockets() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type row struct {
		id   uint32
		line string
	}
	rows := make([]row, 0, len(s.listenersByID)+len(s.connsByID))
	for id, l := range s.listenersByID {
		rows = append(rows, row{id, fmt.Sprintf("%-4d %-15s %-6d %-15s %-6d %s",
			id, "0.0.0.0", l.LocalPort, "0.0.0.0", 0, LISTEN)})
	}
	for id, c := range s.connsByID {
		rows = append(rows, row{id, fmt.Sprintf("%-4d %-15s %-6d %-15s %-6d %s",
			id, c.Tuple.LocalAddr, c.Tuple.LocalPort, c.Tuple.RemoteAddr, c.Tuple.RemotePort, c.State())})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-4s %-15s %-6s %-15s %-6s %s", "SID", "LAddr", "LPort", "RAddr", "RPort", "Status"))
	for _, r := range rows {
		sb.WriteString("\n")
		sb.WriteString(r.line)
	}
	return sb.String()
}

// ConnStats snapshots every open connection, ordered by socket ID.
func (s *TCPStack) ConnStats() []ConnStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]ConnStats, 0, len(s.connsByID))
	for _, conn := range s.connsByID {
		stats = append(stats, conn.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].SocketID < stats[j].SocketID })
	return stats
}
