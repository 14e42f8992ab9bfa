package telnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/stone-age-io/bootd/internal/config"
	"github.com/stone-age-io/bootd/internal/console"
	"github.com/stone-age-io/bootd/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const readBufferSize = 256

// Server bridges telnet clients to the console. The most recent client owns
// the console; earlier clients are disconnected on their next read.
type Server struct {
	cfg     config.TelnetConfig
	console *console.Console
	logger  *zap.Logger
	ln      net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	sessions   *metrics.Counter
	interrupts *metrics.Counter
}

// NewServer creates a telnet server for con
func NewServer(logger *zap.Logger, cfg config.TelnetConfig, con *console.Console, reg *metrics.Registry) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Server{
		cfg:        cfg,
		console:    con,
		logger:     logger,
		conns:      make(map[net.Conn]struct{}),
		sessions:   reg.Counter("bootd_telnet_sessions_total", "Telnet connections accepted"),
		interrupts: reg.Counter("bootd_telnet_interrupts_total", "Keyboard interrupts received over telnet"),
	}
}

// Listen binds the telnet port
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info("Telnet server listening", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the listener address
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts clients until ctx is cancelled
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("telnet accept failed: %w", err)
			}
			if !s.track(conn) {
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(conn)
			}()
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	err := g.Wait()
	s.wg.Wait()
	s.logger.Info("Telnet server stopped")

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Server) handle(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	logger := s.logger.With(zap.String("remote", peer))
	s.sessions.Inc()

	defer func() {
		conn.Close()
		s.untrack(conn)
	}()

	for _, seq := range negotiation {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if _, err := conn.Write(seq); err != nil {
			logger.Debug("Telnet negotiation failed", zap.Error(err))
			return
		}
	}

	reg := s.console.Attach(&sink{conn: conn, timeout: s.cfg.WriteTimeout})
	logger.Info("Telnet client connected")

	defer func() {
		if s.console.Detach(reg) {
			logger.Info("Telnet client disconnected")
		} else {
			logger.Info("Telnet client disconnected after being replaced")
		}
	}()

	var filter Filter
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if !s.console.Current(reg) {
				return
			}

			filter.Feed(buf[:n])
			input, interrupts := splitInterrupts(filter.Take())
			for i := 0; i < interrupts; i++ {
				s.interrupts.Inc()
				logger.Debug("Keyboard interrupt from telnet client")
				s.console.Interrupt()
			}
			if len(input) > 0 && !s.console.FeedFrom(reg, input) {
				logger.Warn("Console input dropped", zap.Int("bytes", len(input)))
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) shutdown() {
	s.ln.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// sink mirrors console output to a telnet client
type sink struct {
	conn    net.Conn
	timeout time.Duration
}

func (k *sink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	k.conn.SetWriteDeadline(time.Now().Add(k.timeout))
	if _, err := k.conn.Write(EscapeOutput(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
