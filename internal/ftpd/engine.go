package ftpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"github.com/stone-age-io/bootd/internal/config"
	"github.com/stone-age-io/bootd/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SiteHook executes the payload of a SITE command. There is no access
// control beyond whether a hook is installed.
type SiteHook func(ctx context.Context, source string) (string, error)

// Options configures an Engine
type Options struct {
	Config  config.FTPDConfig
	Fs      afero.Fs // defaults to the OS filesystem rooted at Config.Root
	Site    SiteHook // nil disables SITE
	Metrics *metrics.Registry
	Now     func() time.Time
}

// Engine is the FTP server. It owns the command and passive listeners, the
// engine-wide busy flag and the passive rendezvous; only one command runs at
// a time across all sessions.
type Engine struct {
	cfg    config.FTPDConfig
	fs     afero.Fs
	site   SiteHook
	now    func() time.Time
	logger *zap.Logger

	busy    atomic.Bool
	rdv     *rendezvous
	clients atomic.Int32

	cmdLn  net.Listener
	pasvLn net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	sessions   *metrics.Counter
	active     *metrics.Gauge
	commands   *metrics.Counter
	rejections *metrics.Counter
	bytesOut   *metrics.Counter
	bytesIn    *metrics.Counter
}

// New creates an engine; call Listen then Serve
func New(logger *zap.Logger, opts Options) (*Engine, error) {
	fs := opts.Fs
	if fs == nil {
		if opts.Config.Root == "" {
			return nil, fmt.Errorf("ftpd root is required")
		}
		if err := os.MkdirAll(opts.Config.Root, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ftpd root: %w", err)
		}
		fs = afero.NewBasePathFs(afero.NewOsFs(), opts.Config.Root)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Config.DataTimeout <= 0 {
		opts.Config.DataTimeout = 30 * time.Second
	}

	reg := opts.Metrics
	return &Engine{
		cfg:        opts.Config,
		fs:         fs,
		site:       opts.Site,
		now:        now,
		logger:     logger,
		rdv:        newRendezvous(),
		conns:      make(map[net.Conn]struct{}),
		sessions:   reg.Counter("bootd_ftp_sessions_total", "FTP command connections accepted"),
		active:     reg.Gauge("bootd_ftp_sessions_active", "FTP command connections currently open"),
		commands:   reg.Counter("bootd_ftp_commands_total", "FTP commands executed"),
		rejections: reg.Counter("bootd_ftp_busy_rejections_total", "FTP commands rejected because another command was in flight"),
		bytesOut:   reg.Counter("bootd_ftp_bytes_sent_total", "Bytes sent over FTP data connections"),
		bytesIn:    reg.Counter("bootd_ftp_bytes_received_total", "Bytes received over FTP data connections"),
	}, nil
}

// Listen binds the command and passive listeners
func (e *Engine) Listen() error {
	cmdAddr := net.JoinHostPort(e.cfg.BindAddress, strconv.Itoa(e.cfg.Port))
	cmdLn, err := net.Listen("tcp", cmdAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cmdAddr, err)
	}

	pasvAddr := net.JoinHostPort(e.cfg.BindAddress, strconv.Itoa(e.cfg.PassivePort))
	pasvLn, err := net.Listen("tcp", pasvAddr)
	if err != nil {
		cmdLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", pasvAddr, err)
	}

	e.cmdLn = cmdLn
	e.pasvLn = pasvLn

	e.logger.Info("FTP server listening",
		zap.String("address", cmdLn.Addr().String()),
		zap.String("passive", pasvLn.Addr().String()),
		zap.Bool("site_enabled", e.site != nil))
	return nil
}

// Addr returns the command listener address
func (e *Engine) Addr() net.Addr {
	return e.cmdLn.Addr()
}

// PassivePort returns the bound passive data port
func (e *Engine) PassivePort() int {
	return e.pasvLn.Addr().(*net.TCPAddr).Port
}

// Busy reports whether a command is in flight
func (e *Engine) Busy() bool {
	return e.busy.Load()
}

// Serve accepts command and passive connections until ctx is cancelled. On
// return all listeners and connections are closed.
func (e *Engine) Serve(ctx context.Context) error {
	if e.cmdLn == nil {
		if err := e.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.acceptCommands(gctx)
	})
	g.Go(func() error {
		return e.acceptPassive(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		e.shutdown()
		return nil
	})

	err := g.Wait()
	e.wg.Wait()
	e.logger.Info("FTP server stopped")

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (e *Engine) acceptCommands(ctx context.Context) error {
	for {
		conn, err := e.cmdLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ftp accept failed: %w", err)
		}

		e.track(conn)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			newSession(e, conn).serve(ctx)
		}()
	}
}

func (e *Engine) acceptPassive(ctx context.Context) error {
	for {
		conn, err := e.pasvLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ftp passive accept failed: %w", err)
		}

		e.track(conn)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			dctx, cancel := context.WithTimeout(ctx, e.cfg.DataTimeout)
			defer cancel()
			if err := e.rdv.Deliver(dctx, conn); err != nil {
				e.logger.Debug("Closing unclaimed passive connection",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Error(err))
				e.untrack(conn)
				conn.Close()
			}
		}()
	}
}

func (e *Engine) shutdown() {
	e.cmdLn.Close()
	e.pasvLn.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for conn := range e.conns {
		conn.Close()
	}
}

// track registers conn for closing at shutdown. Connections that arrive
// after shutdown are closed immediately.
func (e *Engine) track(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		conn.Close()
		return
	}
	e.conns[conn] = struct{}{}
}

func (e *Engine) untrack(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, conn)
}
