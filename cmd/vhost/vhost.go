package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"tcp-tcp-team-pa/iptcp_utils"
	"tcp-tcp-team-pa/lnxconfig"
	"tcp-tcp-team-pa/metrics"
	protocol "tcp-tcp-team-pa/pkg"
	tcp_protocol "tcp-tcp-team-pa/tcp_pkg"
	"time"
	"unicode"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().Timestamp().Logger()
}

func connConfig(cfg lnxconfig.TCPConfig) tcp_protocol.ConnConfig {
	return tcp_protocol.ConnConfig{
		Capacity:        cfg.BufferCapacity,
		InitialRTO:      cfg.InitialRTOMs,
		MaxPayload:      cfg.MaxPayloadSize,
		MaxRetxAttempts: cfg.MaxRetxAttempts,
	}
}

func main() {
	configPath := flag.String("config", "", "path to the host's YAML config")
	flag.Parse()
	if *configPath == "" {
		fmt.Println("Usage: ./vhost --config <config file>")
		os.Exit(2)
	}

	// Parse the config file
	lnxConfig, err := lnxconfig.ParseConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error parsing config file:", err)
		os.Exit(1)
	}
	log := newLogger(lnxConfig.LogLevel)

	if err := run(lnxConfig, log, os.Stdin, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("vhost exited")
	}
}

func run(lnxConfig *lnxconfig.IPConfig, log zerolog.Logger, in io.Reader, out io.Writer) error {
	// Create a new IP stack
	ipStack, err := protocol.NewIPStack(lnxConfig)
	if err != nil {
		return err
	}
	defer ipStack.Close()
	ipStack.SetLogger(log.With().Str("layer", "ip").Logger())
	ipStack.Out = out

	// Create a new TCP stack
	tcpStack := tcp_protocol.NewTCPStack(ipStack.LocalAddr(), ipStack, connConfig(lnxConfig.TCP))
	tcpStack.SetLogger(log.With().Str("layer", "tcp").Logger())
	ipStack.RegisterRecvHandler(iptcp_utils.IpProtoTcp, tcpStack.TCPHandler)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for _, iface := range ipStack.Interfaces {
		g.Go(func() error {
			return ipStack.ListenOn(ctx, iface)
		})
	}

	g.Go(func() error {
		return tcpStack.Run(ctx, time.Duration(lnxConfig.TCP.TickIntervalMs)*time.Millisecond)
	})

	if lnxConfig.Metrics.Enabled {
		server := &http.Server{
			Addr:              lnxConfig.Metrics.Listen,
			Handler:           metrics.Handler(metrics.NewRegistry(tcpStack)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("listen", server.Addr).Msg("serving metrics")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	// The REPL stays out of the group: a read on stdin cannot be interrupted
	r := &repl{ctx: ctx, ipStack: ipStack, tcpStack: tcpStack, out: out, log: log}
	replDone := make(chan error, 1)
	go func() {
		replDone <- r.loop(in)
	}()

	select {
	case err = <-replDone:
	case <-ctx.Done():
	}
	cancel()

	if groupErr := g.Wait(); groupErr != nil && !errors.Is(groupErr, context.Canceled) {
		return groupErr
	}
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

type repl struct {
	ctx      context.Context
	ipStack  *protocol.IPStack
	tcpStack *tcp_protocol.TCPStack
	out      io.Writer
	log      zerolog.Logger
}

func (r *repl) println(a ...any) {
	fmt.Fprintln(r.out, a...)
}

// loop reads commands until EOF or q.
func (r *repl) loop(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := r.execute(strings.TrimSpace(scanner.Text())); err != nil {
			if errors.Is(err, errQuit) {
				return errQuit
			}
			r.println(err)
		}
	}
	return scanner.Err()
}

func (r *repl) execute(userInput string) error {
	fields := strings.Fields(userInput)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "q":
		return errQuit

	case "li":
		r.println(r.ipStack.Li())

	case "ln":
		r.println(r.ipStack.Ln())

	case "up", "down":
		if len(fields) != 2 {
			return errors.Errorf("usage: %s <ifname>", fields[0])
		}
		if fields[0] == "up" {
			return r.ipStack.Up(fields[1])
		}
		return r.ipStack.Down(fields[1])

	case "send":
		if len(fields) < 3 {
			return errors.New("usage: send <ip> <message>")
		}
		destIP, err := netip.ParseAddr(fields[1])
		if err != nil {
			return errors.Wrap(err, "send")
		}
		message := strings.Join(fields[2:], " ")
		return r.ipStack.SendIP(destIP, protocol.TestProtocol, []byte(message))

	case "ls":
		r.println(r.tcpStack.ListSockets())

	case "a":
		if len(fields) != 2 {
			return errors.New("usage: a <port>")
		}
		port, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return errors.Wrap(err, "a")
		}
		listener, err := r.tcpStack.VListen(uint16(port))
		if err != nil {
			return err
		}
		r.println("Created listen socket", listener.ID)
		go r.acceptLoop(listener)

	case "c":
		if len(fields) != 3 {
			return errors.New("usage: c <ip> <port>")
		}
		ip, err := netip.ParseAddr(fields[1])
		if err != nil {
			return errors.Wrap(err, "c")
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return errors.Wrap(err, "c")
		}
		conn, err := r.tcpStack.VConnect(ip, uint16(port))
		if err != nil {
			return err
		}
		r.println("Created new socket with ID", conn.ID)

	case "s":
		if len(fields) < 3 {
			return errors.New("usage: s <socket ID> <bytes>")
		}
		socketID, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return errors.Wrap(err, "s")
		}
		payload := fieldsTail(userInput, 2)
		bytesSent, err := r.tcpStack.Write(uint32(socketID), []byte(payload))
		if err != nil {
			return err
		}
		r.println("Sent " + strconv.Itoa(bytesSent) + " bytes")

	case "r":
		if len(fields) != 3 {
			return errors.New("usage: r <socket ID> <numbytes>")
		}
		socketID, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return errors.Wrap(err, "r")
		}
		numBytes, err := strconv.Atoi(fields[2])
		if err != nil || numBytes < 0 {
			return errors.Errorf("r: bad byte count %q", fields[2])
		}
		data, err := r.tcpStack.Read(uint32(socketID), numBytes)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		r.println("Read " + strconv.Itoa(len(data)) + " bytes: " + string(data))

	case "cl":
		if len(fields) != 2 {
			return errors.New("usage: cl <socket ID>")
		}
		socketID, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return errors.Wrap(err, "cl")
		}
		return r.tcpStack.Close(uint32(socketID))

	default:
		return errors.New("Invalid command.")
	}
	return nil
}

// fieldsTail drops the first n whitespace-separated fields of s and returns
// the rest with its own spacing intact.
func fieldsTail(s string, n int) string {
	for i := 0; i < n; i++ {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		end := strings.IndexFunc(s, unicode.IsSpace)
		if end < 0 {
			return ""
		}
		s = s[end:]
	}
	return strings.TrimLeftFunc(s, unicode.IsSpace)
}

func (r *repl) acceptLoop(listener *tcp_protocol.TCPListener) {
	for {
		conn, err := listener.VAccept(r.ctx)
		if err != nil {
			r.log.Debug().Err(err).Uint32("listener", listener.ID).Msg("accept loop stopped")
			return
		}
		r.println("New connection on socket", conn.ID)
	}
}
