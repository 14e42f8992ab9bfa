package ftpd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

const chunkSize = 1024

// dataMode is how the next data connection is established
type dataMode interface {
	isDataMode()
}

// activeMode dials the client at host:port
type activeMode struct {
	host string
	port int
}

// passiveMode waits for the client on the engine's passive listener
type passiveMode struct{}

func (activeMode) isDataMode()  {}
func (passiveMode) isDataMode() {}

// parsePort decodes a PORT argument "h1,h2,h3,h4,p1,p2"
func parsePort(payload string) (string, int, error) {
	items := strings.Split(payload, ",")
	if len(items) < 6 {
		return "", 0, fmt.Errorf("expected 6 fields, got %d", len(items))
	}

	var b [6]int
	for i := 0; i < 6; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(items[i]))
		if err != nil || n < 0 || n > 255 {
			return "", 0, fmt.Errorf("invalid field %q", items[i])
		}
		b[i] = n
	}

	host := fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	return host, b[4]<<8 | b[5], nil
}

// dataChannel is one in-flight transfer connection
type dataChannel struct {
	conn    net.Conn
	w       *bufio.Writer
	onClose func()
}

func newDataChannel(conn net.Conn, onClose func()) *dataChannel {
	return &dataChannel{
		conn:    conn,
		w:       bufio.NewWriterSize(conn, chunkSize),
		onClose: onClose,
	}
}

func (d *dataChannel) Write(p []byte) (int, error) {
	return d.w.Write(p)
}

func (d *dataChannel) Read(p []byte) (int, error) {
	return d.conn.Read(p)
}

// Close flushes pending output and closes the connection
func (d *dataChannel) Close() error {
	ferr := d.w.Flush()
	cerr := d.conn.Close()
	if d.onClose != nil {
		d.onClose()
	}
	if ferr != nil {
		return ferr
	}
	return cerr
}

// copyChunks copies src to dst in fixed-size chunks
func copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// isConnError reports whether err means the peer went away
func isConnError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.EPIPE)
}

// openData establishes the data connection for the session's current mode
func (s *session) openData(ctx context.Context) (*dataChannel, error) {
	ctx, cancel := context.WithTimeout(ctx, s.e.cfg.DataTimeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)

	switch m := s.mode.(type) {
	case activeMode:
		var d net.Dialer
		addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
		s.logger.Debug("Opening active data connection", zap.String("addr", addr))
		conn, err = d.DialContext(ctx, "tcp", addr)
	case passiveMode:
		t := s.ticket
		s.ticket = nil
		if t == nil {
			t = s.e.rdv.Arm()
		}
		s.logger.Debug("Waiting for passive data connection")
		conn, err = t.Wait(ctx)
	default:
		err = fmt.Errorf("unknown data mode %T", s.mode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open data connection: %w", err)
	}

	s.e.track(conn)
	return newDataChannel(conn, func() { s.e.untrack(conn) }), nil
}
