package core

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hivemesh/hive/pkg/hlog"
	"github.com/hivemesh/hive/pkg/wire"
)

// messageHandler consumes inbound worker datagrams. Satisfied by the
// Dispatcher.
type messageHandler interface {
	HandleHeartbeat(hb wire.Heartbeat, addr string)
	HandleResult(res *wire.Result)
}

// WireServer owns the single UDP socket the engine shares with its
// workers: heartbeats and results come in, assignment pushes go out on
// the same socket.
type WireServer struct {
	conn net.PacketConn
	log  *hlog.Logger
}

func NewWireServer(addr string, log *hlog.Logger) (*WireServer, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire listen %s: %w", addr, err)
	}
	return &WireServer{conn: conn, log: log}, nil
}

// Addr is the bound address, useful when listening on :0.
func (s *WireServer) Addr() string {
	return s.conn.LocalAddr().String()
}

// Push sends one datagram to a worker address. Best effort; delivery
// is not confirmed.
func (s *WireServer) Push(addr string, msg wire.Message) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("wire push %s: %w", addr, err)
	}
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(data, udpAddr); err != nil {
		return fmt.Errorf("wire push %s: %w", addr, err)
	}
	return nil
}

// Run reads datagrams until ctx is cancelled. Malformed datagrams are
// logged and dropped; a bad packet must never take the engine down.
func (s *WireServer) Run(ctx context.Context, handler messageHandler) {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	// One byte over the bound so oversized datagrams are detectable
	// after kernel truncation.
	buf := make([]byte, wire.MaxDatagram+1)
	for {
		n, remote, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warning(hlog.ModuleWire, "", hlog.Ref{}, "read failed: %v", err)
			continue
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			s.log.Warning(hlog.ModuleWire, "", hlog.Ref{}, "bad datagram from %s: %v", remote, err)
			continue
		}

		switch m := msg.(type) {
		case *wire.Heartbeat:
			handler.HandleHeartbeat(*m, remote.String())
		case *wire.Result:
			handler.HandleResult(m)
		default:
			s.log.Warning(hlog.ModuleWire, "", hlog.Ref{}, "unexpected %s from %s, dropped", msg.Kind(), remote)
		}
	}
}
