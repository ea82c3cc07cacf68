package tcp_protocol

import (
	"net/netip"
	protocol "tcp-tcp-team-pa/pkg"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrConnReset   = errors.New("connection reset")
	ErrConnClosing = errors.New("connection closing")
)

// Connection states as shown by ls
const (
	LISTEN       = "LISTEN"
	SYN_SENT     = "SYN_SENT"
	SYN_RECEIVED = "SYN_RECEIVED"
	ESTABLISHED  = "ESTABLISHED"
	CLOSE_WAIT   = "CLOSE_WAIT"
	FIN_WAIT_1   = "FIN_WAIT_1"
	FIN_WAIT_2   = "FIN_WAIT_2"
	CLOSING      = "CLOSING"
	LAST_ACK     = "LAST_ACK"
	TIME_WAIT    = "TIME_WAIT"
	CLOSED       = "CLOSED"
	RESET        = "RESET"
)

// ConnConfig holds the per-connection tunables.
type ConnConfig struct {
	Capacity        uint64 // of each ByteStream
	InitialRTO      uint64 // ms
	MaxPayload      uint64
	MaxRetxAttempts uint64
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		Capacity:        protocol.BUFFER_SIZE,
		InitialRTO:      DefaultInitialRTO,
		MaxPayload:      MaxPayloadSize,
		MaxRetxAttempts: 8,
	}
}

// FourTuple identifies a connection from the local host's point of view.
type FourTuple struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// ConnStats is a point-in-time snapshot of one connection.
type ConnStats struct {
	SocketID        uint32
	Tuple           FourTuple
	State           string
	BytesInFlight   uint64
	BytesPending    uint64
	SegmentsSent    uint64
	Retransmissions uint64
	BytesDelivered  uint64
	Window          uint16
}

// TCPConn is one end of a connection: a Sender for the outbound stream and a
// Receiver for the inbound one. Every segment the Sender emits carries the
// Receiver's current ackno and window. TCPConn is not safe for concurrent use.
type TCPConn struct {
	ID    uint32
	Tuple FourTuple

	cfg      ConnConfig
	sender   *Sender
	receiver *Receiver
	transmit func(TCPMessage)

	// Whether to hold on in TIME_WAIT once both streams are done. Off when the
	// peer finished first, since then our FIN's ack is the last word.
	linger           bool
	sinceLastSegment uint64 // ms
	active           bool

	log zerolog.Logger
}

// NewTCPConn creates a connection whose outgoing segments go to transmit.
// Nothing is sent until Push (active open) or Receive (passive open).
func NewTCPConn(id uint32, tuple FourTuple, isn seqnum.Value, cfg ConnConfig, transmit func(TCPMessage)) *TCPConn {
	outbound := protocol.NewByteStream(cfg.Capacity)
	inbound := protocol.NewByteStream(cfg.Capacity)

	sender := NewSender(outbound, isn, cfg.InitialRTO)
	sender.SetMaxPayload(cfg.MaxPayload)

	return &TCPConn{
		ID:       id,
		Tuple:    tuple,
		cfg:      cfg,
		sender:   sender,
		receiver: NewReceiver(NewReassembler(inbound)),
		transmit: transmit,
		linger:   true,
		active:   true,
		log:      zerolog.Nop(),
	}
}

func (c *TCPConn) SetLogger(log zerolog.Logger) {
	c.log = log
	c.sender.SetLogger(log)
	c.receiver.SetLogger(log)
	c.receiver.Reassembler().SetLogger(log)
}

func (c *TCPConn) Sender() *Sender {
	return c.sender
}

func (c *TCPConn) Receiver() *Receiver {
	return c.receiver
}

func (c *TCPConn) outbound() *protocol.ByteStream {
	return c.sender.Input()
}

func (c *TCPConn) inbound() *protocol.ByteStream {
	return c.receiver.Reassembler().Output()
}

func (c *TCPConn) send(msg SenderMessage) {
	c.transmit(TCPMessage{Sender: msg, Receiver: c.receiver.Send()})
}

// Push sends whatever the Sender can send now and returns the segment count.
func (c *TCPConn) Push() int {
	if !c.active {
		return 0
	}
	sent := 0
	c.sender.Push(func(msg SenderMessage) {
		c.send(msg)
		sent++
	})
	c.updateActive()
	return sent
}

// Receive handles one segment from the peer.
func (c *TCPConn) Receive(msg TCPMessage) {
	if !c.active {
		return
	}
	c.sinceLastSegment = 0

	if msg.Sender.RST || msg.Receiver.RST {
		c.outbound().SetError()
		c.inbound().SetError()
		c.active = false
		c.log.Info().Uint32("socket", c.ID).Msg("connection reset by peer")
		return
	}

	c.receiver.Receive(msg.Sender)
	if _, known := c.receiver.ISN(); !known {
		// Nothing to acknowledge yet
		return
	}
	if c.inbound().IsClosed() && !c.outbound().IsFinished() {
		c.linger = false
	}
	c.sender.Receive(msg.Receiver)

	sent := c.Push()
	if sent == 0 && msg.Sender.SequenceLength() > 0 {
		c.send(c.sender.MakeEmptyMessage())
	}
	c.updateActive()
}

// Tick advances time by ms. After too many consecutive retransmissions the
// connection gives up and resets.
func (c *TCPConn) Tick(ms uint64) {
	if !c.active {
		return
	}
	c.sinceLastSegment += ms
	c.sender.Tick(ms, c.send)

	if c.sender.ConsecutiveRetransmissions() > c.cfg.MaxRetxAttempts {
		c.log.Warn().
			Uint32("socket", c.ID).
			Uint64("attempts", c.sender.ConsecutiveRetransmissions()).
			Msg("too many retransmissions, resetting connection")
		c.abort()
		return
	}
	c.updateActive()
}

// abort errors both streams and tells the peer with a RST.
func (c *TCPConn) abort() {
	c.outbound().SetError()
	c.inbound().SetError()
	c.send(c.sender.MakeEmptyMessage())
	c.active = false
}

func (c *TCPConn) streamsDone() bool {
	return c.inbound().IsClosed() && c.sender.FinState() == FlagAcked
}

func (c *TCPConn) updateActive() {
	if c.outbound().HasError() || c.inbound().HasError() {
		c.active = false
		return
	}
	if !c.streamsDone() {
		return
	}
	if !c.linger || c.sinceLastSegment >= 10*c.cfg.InitialRTO {
		c.active = false
	}
}

// Active reports whether the connection still has work to do.
func (c *TCPConn) Active() bool {
	return c.active
}

// VWrite queues as much of data as fits in the outbound stream, sends what
// the window allows and returns the number of bytes accepted.
func (c *TCPConn) VWrite(data []byte) (int, error) {
	out := c.outbound()
	if out.HasError() {
		return 0, ErrConnReset
	}
	if out.IsClosed() {
		return 0, ErrConnClosing
	}
	n := min(uint64(len(data)), out.AvailableCapacity())
	out.Push(data[:n])
	c.Push()
	return int(n), nil
}

// VRead copies available inbound bytes into buf without blocking. It returns
// io.EOF once the peer has finished and everything has been read.
func (c *TCPConn) VRead(buf []byte) (int, error) {
	n, err := c.inbound().Read(buf)
	if errors.Is(err, protocol.ErrStreamReset) {
		return n, ErrConnReset
	}
	return n, err
}

// VClose finishes the outbound stream; the FIN goes out as soon as the
// window allows.
func (c *TCPConn) VClose() error {
	if c.outbound().HasError() {
		return ErrConnReset
	}
	c.outbound().Close()
	c.Push()
	return nil
}

func (c *TCPConn) State() string {
	if c.outbound().HasError() || c.inbound().HasError() {
		return RESET
	}
	_, peerKnown := c.receiver.ISN()
	syn := c.sender.SynState()
	switch {
	case syn == FlagNotSent && !peerKnown:
		return CLOSED
	case !peerKnown:
		return SYN_SENT
	case syn != FlagAcked:
		return SYN_RECEIVED
	}

	inClosed := c.inbound().IsClosed()
	switch c.sender.FinState() {
	case FlagNotSent:
		if inClosed {
			return CLOSE_WAIT
		}
		return ESTABLISHED
	case FlagSent:
		if !inClosed {
			return FIN_WAIT_1
		}
		if c.linger {
			return CLOSING
		}
		return LAST_ACK
	default:
		if !inClosed {
			return FIN_WAIT_2
		}
		if c.active {
			return TIME_WAIT
		}
		return CLOSED
	}
}

func (c *TCPConn) Stats() ConnStats {
	return ConnStats{
		SocketID:        c.ID,
		Tuple:           c.Tuple,
		State:           c.State(),
		BytesInFlight:   c.sender.SequenceNumbersInFlight(),
		BytesPending:    c.receiver.Reassembler().BytesPending(),
		SegmentsSent:    c.sender.SegmentsSent(),
		Retransmissions: c.sender.TotalRetransmissions(),
		BytesDelivered:  c.inbound().BytesPushed(),
		Window:          c.sender.Window(),
	}
}
