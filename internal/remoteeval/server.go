package remoteeval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/stone-age-io/bootd/internal/config"
	"github.com/stone-age-io/bootd/internal/supervisor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxSourceSize bounds how much a single connection may submit
const maxSourceSize = 1 << 20

// Evaluator runs submitted source and returns its output
type Evaluator func(ctx context.Context, source string) (string, error)

// Server accepts connections, reads everything the client sends, closes the
// connection and then evaluates what was received. There is no
// authentication; the server must only be enabled on trusted networks.
type Server struct {
	cfg    config.RemoteEvalConfig
	eval   Evaluator
	logger *zap.Logger
	ln     net.Listener
	wg     sync.WaitGroup
}

// NewServer creates a remote-eval server
func NewServer(logger *zap.Logger, cfg config.RemoteEvalConfig, eval Evaluator) *Server {
	return &Server{cfg: cfg, eval: eval, logger: logger}
}

// Listen binds the listener
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Warn("Remote eval server listening without authentication",
		zap.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the listener address
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled
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
				return fmt.Errorf("remote eval accept failed: %w", err)
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(gctx, conn)
			}()
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.ln.Close()
	})

	err := g.Wait()
	s.wg.Wait()
	s.logger.Info("Remote eval server stopped")

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()

	// a shutdown unblocks the read
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	src, err := io.ReadAll(io.LimitReader(conn, maxSourceSize))
	stop()
	conn.Close()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("Remote eval read failed", zap.String("remote", peer), zap.Error(err))
	}
	if len(src) == 0 || ctx.Err() != nil {
		return
	}

	s.logger.Info("Remote eval request", zap.String("remote", peer), zap.Int("bytes", len(src)))
	output, err := s.eval(ctx, string(src))
	if err != nil {
		s.logger.Error("Remote eval failed",
			zap.String("remote", peer),
			zap.String("output", output),
			zap.Error(err))
		return
	}
	s.logger.Info("Remote eval completed", zap.String("remote", peer), zap.String("output", output))
}

// Service registers the "remote_eval" system service
func Service(logger *zap.Logger, cfg config.RemoteEvalConfig, eval Evaluator) supervisor.Service {
	serve := func(ctx context.Context) error {
		if !cfg.Enabled {
			logger.Info("Remote eval disabled")
			return nil
		}
		err := NewServer(logger, cfg, eval).Serve(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return ctx.Err()
	}

	return supervisor.Service{
		Name:     "remote_eval",
		Routines: []supervisor.TaskSpec{{Name: "serve", Run: serve}},
	}
}
