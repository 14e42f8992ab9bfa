package ftpd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var errQuit = errors.New("quit")

// command is one parsed control line
type command struct {
	verb    string
	payload string
	path    string
}

type handler func(s *session, ctx context.Context, c command) error

var handlers = map[string]handler{
	"USER": (*session).handleLogin,
	"PASS": (*session).handleLogin,
	"SYST": (*session).handleSyst,
	"TYPE": (*session).handleNoop,
	"NOOP": (*session).handleNoop,
	"ABOR": (*session).handleNoop,
	"QUIT": (*session).handleQuit,
	"PWD":  (*session).handlePwd,
	"XPWD": (*session).handlePwd,
	"CWD":  (*session).handleCwd,
	"XCWD": (*session).handleCwd,
	"CDUP": (*session).handleCdup,
	"XCUP": (*session).handleCdup,
	"PASV": (*session).handlePasv,
	"PORT": (*session).handlePort,
	"LIST": (*session).handleList,
	"NLST": (*session).handleList,
	"RETR": (*session).handleRetr,
	"STOR": (*session).handleStore,
	"APPE": (*session).handleStore,
	"SIZE": (*session).handleSize,
	"MDTM": (*session).handleMdtm,
	"STAT": (*session).handleStat,
	"DELE": (*session).handleDele,
	"RMD":  (*session).handleRmd,
	"XRMD": (*session).handleRmd,
	"MKD":  (*session).handleMkd,
	"XMKD": (*session).handleMkd,
	"RNFR": (*session).handleRnfr,
	"RNTO": (*session).handleRnto,
	"SITE": (*session).handleSite,
}

// session is the state of one command connection
type session struct {
	e      *Engine
	conn   net.Conn
	r      *bufio.Reader
	logger *zap.Logger

	remoteHost string
	localHost  string

	cwd        string
	renameFrom string
	mode       dataMode
	ticket     *ticket
}

func newSession(e *Engine, conn net.Conn) *session {
	remote := hostOf(conn.RemoteAddr())
	return &session{
		e:          e,
		conn:       conn,
		r:          bufio.NewReader(conn),
		logger:     e.logger.With(zap.String("remote", conn.RemoteAddr().String())),
		remoteHost: remote,
		localHost:  hostOf(conn.LocalAddr()),
		cwd:        "/",
		mode:       activeMode{host: remote, port: 20},
	}
}

func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if v4 := tcp.IP.To4(); v4 != nil {
			return v4.String()
		}
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// serve runs the command loop until the client leaves or a command fails
// in a way that ends the session
func (s *session) serve(ctx context.Context) {
	s.e.sessions.Inc()
	s.e.active.Inc()
	s.e.clients.Add(1)
	s.logger.Info("FTP session opened")

	defer func() {
		if s.ticket != nil {
			s.ticket.Release()
		}
		s.conn.Close()
		s.e.untrack(s.conn)
		s.e.clients.Add(-1)
		s.e.active.Dec()
		s.logger.Info("FTP session closed")
	}()

	if err := s.reply("220 Hello, this is the %s.", runtime.GOOS); err != nil {
		return
	}

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if !isConnError(err) {
				s.logger.Warn("FTP read failed", zap.Error(err))
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			s.logger.Debug("Empty command line, assuming QUIT")
			return
		}

		if !s.e.busy.CompareAndSwap(false, true) {
			s.e.rejections.Inc()
			s.logger.Info("Rejecting command, device busy")
			s.reply("400 Device busy.")
			return
		}

		err = s.handle(ctx, line)
		switch {
		case err == nil:
		case errors.Is(err, errQuit):
			return
		case isConnError(err):
			s.logger.Debug("FTP connection lost", zap.Error(err))
			return
		default:
			s.logger.Error("FTP command failed", zap.Error(err))
			return
		}
	}
}

// handle executes one command while holding the busy flag
func (s *session) handle(ctx context.Context, line string) (err error) {
	defer s.e.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in FTP session",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	verb, payload := splitCommand(line)
	c := command{
		verb:    verb,
		payload: payload,
		path:    ResolvePath(s.cwd, payload),
	}
	s.e.commands.Inc()
	s.logger.Debug("FTP command", zap.String("command", verb), zap.String("payload", payload))

	h, ok := handlers[verb]
	if !ok {
		return s.reply("502 Unsupported command.")
	}
	return h(s, ctx, c)
}

// splitCommand returns the upper-cased verb and the payload with leading
// whitespace removed
func splitCommand(line string) (string, string) {
	trimmed := strings.TrimLeft(line, " \t")
	i := strings.IndexAny(trimmed, " \t")
	if i < 0 {
		return strings.ToUpper(trimmed), ""
	}
	return strings.ToUpper(trimmed[:i]), strings.TrimLeft(trimmed[i:], " \t")
}

func (s *session) reply(format string, args ...any) error {
	_, err := fmt.Fprintf(s.conn, format+"\r\n", args...)
	return err
}

func (s *session) fail() error {
	return s.reply("550 Fail")
}

func (s *session) releaseTicket() {
	if s.ticket != nil {
		s.ticket.Release()
		s.ticket = nil
	}
}

func (s *session) handleLogin(_ context.Context, _ command) error {
	return s.reply("230 Logged in.")
}

func (s *session) handleSyst(_ context.Context, _ command) error {
	return s.reply("215 UNIX Type: L8")
}

func (s *session) handleNoop(_ context.Context, _ command) error {
	return s.reply("200 OK")
}

func (s *session) handleQuit(_ context.Context, _ command) error {
	if err := s.reply("221 Bye."); err != nil {
		return err
	}
	return errQuit
}

func (s *session) handlePwd(_ context.Context, _ command) error {
	return s.reply("257 \"%s\"", s.cwd)
}

func (s *session) handleCwd(_ context.Context, c command) error {
	info, err := s.e.fs.Stat(c.path)
	if err != nil || !info.IsDir() {
		return s.fail()
	}
	s.cwd = c.path
	return s.reply("250 OK")
}

func (s *session) handleCdup(_ context.Context, _ command) error {
	s.cwd = ResolvePath(s.cwd, "..")
	return s.reply("250 OK")
}

// passiveHost is the address advertised in PASV and STAT replies
func (s *session) passiveHost() string {
	if s.e.cfg.PassiveHost != "" {
		return s.e.cfg.PassiveHost
	}
	return s.localHost
}

func (s *session) handlePasv(_ context.Context, _ command) error {
	ip := net.ParseIP(s.passiveHost()).To4()
	if ip == nil {
		return s.reply("425 Fail")
	}
	port := s.e.PassivePort()

	s.releaseTicket()
	s.ticket = s.e.rdv.Arm()
	s.mode = passiveMode{}

	return s.reply("227 Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		ip[0], ip[1], ip[2], ip[3], port>>8, port%256)
}

func (s *session) handlePort(_ context.Context, c command) error {
	host, port, err := parsePort(c.payload)
	if err != nil {
		s.logger.Debug("Invalid PORT argument", zap.String("payload", c.payload), zap.Error(err))
		return s.reply("504 Fail")
	}
	if host == "127.0.1.1" {
		host = s.remoteHost
	}

	s.releaseTicket()
	s.mode = activeMode{host: host, port: port}
	return s.reply("200 OK")
}

func (s *session) handleList(ctx context.Context, c command) error {
	path := c.path
	option := ""
	if strings.HasPrefix(c.payload, "-") {
		field := strings.Fields(c.payload)[0]
		option = strings.ToLower(field)
		path = ResolvePath(s.cwd, strings.TrimLeft(c.payload[len(field):], " \t"))
	}
	full := c.verb == "LIST" || strings.Contains(option, "l")

	dc, err := s.openData(ctx)
	if err != nil {
		s.logger.Debug("Data connection failed", zap.Error(err))
		return s.fail()
	}

	if err := s.reply("150 Directory listing:"); err != nil {
		dc.Close()
		return err
	}

	counter := &countingWriter{w: dc}
	lerr := writeListing(s.e.fs, path, full, s.e.now(), counter)
	cerr := dc.Close()
	s.e.bytesOut.Add(uint64(counter.n))

	if lerr != nil || cerr != nil {
		s.logger.Debug("Listing transfer failed", zap.NamedError("write", lerr), zap.NamedError("close", cerr))
		return s.fail()
	}
	return s.reply("226 Done.")
}

func (s *session) handleRetr(ctx context.Context, c command) error {
	dc, err := s.openData(ctx)
	if err != nil {
		s.logger.Debug("Data connection failed", zap.Error(err))
		return s.fail()
	}

	if err := s.reply("150 Opened data connection."); err != nil {
		dc.Close()
		return err
	}

	n, terr := s.sendFile(c.path, dc)
	cerr := dc.Close()
	s.e.bytesOut.Add(uint64(n))

	if terr != nil || cerr != nil {
		s.logger.Debug("RETR failed", zap.String("path", c.path), zap.NamedError("transfer", terr), zap.NamedError("close", cerr))
		return s.fail()
	}
	return s.reply("226 Done.")
}

func (s *session) sendFile(path string, w io.Writer) (int64, error) {
	f, err := s.e.fs.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return copyChunks(w, f)
}

func (s *session) handleStore(ctx context.Context, c command) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if c.verb == "APPE" {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}

	dc, err := s.openData(ctx)
	if err != nil {
		s.logger.Debug("Data connection failed", zap.Error(err))
		return s.fail()
	}

	if err := s.reply("150 Opened data connection."); err != nil {
		dc.Close()
		return err
	}

	n, terr := s.receiveFile(c.path, flags, dc)
	cerr := dc.Close()
	s.e.bytesIn.Add(uint64(n))

	if terr != nil || cerr != nil {
		s.logger.Debug("Store failed", zap.String("path", c.path), zap.NamedError("transfer", terr), zap.NamedError("close", cerr))
		return s.fail()
	}
	return s.reply("226 Done.")
}

func (s *session) receiveFile(path string, flags int, r io.Reader) (int64, error) {
	f, err := s.e.fs.OpenFile(path, flags, 0644)
	if err != nil {
		return 0, err
	}
	n, err := copyChunks(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (s *session) handleSize(_ context.Context, c command) error {
	info, err := s.e.fs.Stat(c.path)
	if err != nil {
		return s.fail()
	}
	return s.reply("213 %d", info.Size())
}

func (s *session) handleMdtm(_ context.Context, c command) error {
	info, err := s.e.fs.Stat(c.path)
	if err != nil {
		return s.fail()
	}
	return s.reply("213 %s", info.ModTime().In(s.e.now().Location()).Format("20060102150405"))
}

func (s *session) handleStat(_ context.Context, c command) error {
	if c.payload == "" {
		return s.reply("211-Connected to (%s)\r\n"+
			"    Data address (%s)\r\n"+
			"    TYPE: Binary STRU: File MODE: Stream\r\n"+
			"211 Client count is %d",
			s.remoteHost, s.passiveHost(), s.e.clients.Load())
	}

	if err := s.reply("213-Directory listing:"); err != nil {
		return err
	}
	var buf bytes.Buffer
	writeListing(s.e.fs, c.path, true, s.e.now(), &buf)
	if _, err := s.conn.Write(buf.Bytes()); err != nil {
		return err
	}
	return s.reply("213 Done.")
}

func (s *session) handleDele(_ context.Context, c command) error {
	info, err := s.e.fs.Stat(c.path)
	if err != nil || info.IsDir() {
		return s.fail()
	}
	if err := s.e.fs.Remove(c.path); err != nil {
		return s.fail()
	}
	return s.reply("250 OK")
}

func (s *session) handleRmd(_ context.Context, c command) error {
	info, err := s.e.fs.Stat(c.path)
	if err != nil || !info.IsDir() || c.path == "/" {
		return s.fail()
	}
	if entries, err := afero.ReadDir(s.e.fs, c.path); err != nil || len(entries) > 0 {
		return s.fail()
	}
	if err := s.e.fs.Remove(c.path); err != nil {
		return s.fail()
	}
	return s.reply("250 OK")
}

func (s *session) handleMkd(_ context.Context, c command) error {
	if err := s.e.fs.Mkdir(c.path, 0755); err != nil {
		return s.fail()
	}
	return s.reply("250 OK")
}

func (s *session) handleRnfr(_ context.Context, c command) error {
	if _, err := s.e.fs.Stat(c.path); err != nil {
		return s.fail()
	}
	s.renameFrom = c.path
	return s.reply("350 Rename from")
}

func (s *session) handleRnto(_ context.Context, c command) error {
	from := s.renameFrom
	s.renameFrom = ""

	if from == "" {
		return s.fail()
	}
	if err := s.e.fs.Rename(from, c.path); err != nil {
		s.logger.Debug("Rename failed", zap.String("from", from), zap.String("to", c.path), zap.Error(err))
		return s.fail()
	}
	return s.reply("250 OK")
}

func (s *session) handleSite(ctx context.Context, c command) error {
	if s.e.site == nil {
		return s.reply("502 Unsupported command.")
	}

	source := strings.ReplaceAll(c.payload, "\x00", "\n")
	output, err := s.e.site(ctx, source)
	if err != nil {
		s.logger.Warn("SITE command failed", zap.Error(err), zap.String("output", output))
		return s.fail()
	}
	s.logger.Info("SITE command executed", zap.String("output", output))
	return s.reply("250 OK")
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
