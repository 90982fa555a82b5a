package transport

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"statd/internal/logging"
	"statd/internal/oncrpc"
)

const maxDatagram = 8900

// Observer receives one callback per inbound message.
type Observer interface {
	ObserveRequest(proto, result string)
}

// Server feeds both endpoints into one dispatcher.
type Server struct {
	dispatcher *oncrpc.Dispatcher
	limiter    *peerLimiter
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithRateLimit enables per-peer limiting; rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.limiter = newPeerLimiter(rps, burst)
	}
}

// WithObserver reports every message outcome to o.
func WithObserver(o Observer) Option {
	return func(s *Server) {
		s.observer = o
	}
}

// NewServer builds a server over dispatcher.
func NewServer(dispatcher *oncrpc.Dispatcher, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger(logger, "transport"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatcher returns the shared dispatcher handlers are registered on.
func (s *Server) Dispatcher() *oncrpc.Dispatcher { return s.dispatcher }

// Serve runs the dispatch loop for ep until ctx ends or the socket fails.
// The endpoint is closed on return.
func (s *Server) Serve(ctx context.Context, ep *Endpoint) error {
	stop := context.AfterFunc(ctx, func() { _ = ep.Close() })
	defer func() {
		stop()
		_ = ep.Close()
	}()

	var err error
	if ep.packet != nil {
		err = s.serveUDP(ctx, ep)
	} else {
		err = s.serveTCP(ctx, ep)
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) serveUDP(ctx context.Context, ep *Endpoint) error {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := ep.packet.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		reply := s.handle(ctx, ep, peerHost(addr), buf[:n])
		if reply == nil {
			continue
		}
		if _, err := ep.packet.WriteTo(reply, addr); err != nil {
			s.logger.Debug("udp reply failed", logging.String("peer", addr.String()), logging.Error(err))
		}
	}
}

func (s *Server) serveTCP(ctx context.Context, ep *Endpoint) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	defer func() {
		mu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		conn, err := ep.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				_ = conn.Close()
			}()
			s.serveConn(ctx, ep, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, ep *Endpoint, conn net.Conn) {
	peer := peerHost(conn.RemoteAddr())
	r := bufio.NewReader(conn)
	for {
		msg, err := oncrpc.ReadRecord(r, oncrpc.MaxRecordSize)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("tcp connection closed", logging.String("peer", peer), logging.Error(err))
			}
			return
		}
		reply := s.handle(ctx, ep, peer, msg)
		if reply == nil {
			continue
		}
		if err := oncrpc.WriteRecord(conn, reply); err != nil {
			s.logger.Debug("tcp reply failed", logging.String("peer", peer), logging.Error(err))
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, ep *Endpoint, peer string, msg []byte) []byte {
	proto := ep.Protocol.String()
	if !s.limiter.allow(peer, s.now()) {
		s.observe(proto, "rate_limited")
		return nil
	}
	reply, result := s.dispatcher.Dispatch(ctx, msg)
	s.observe(proto, result)
	if reply == nil {
		s.logger.Debug("dropping undecodable message",
			logging.String("peer", peer),
			logging.String(logging.FieldProtocol, proto),
			logging.Int("bytes", len(msg)),
		)
	}
	return reply
}

func (s *Server) observe(proto, result string) {
	if s.observer != nil {
		s.observer.ObserveRequest(proto, result)
	}
}

func peerHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
