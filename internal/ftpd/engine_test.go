package ftpd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stone-age-io/bootd/internal/config"
	"github.com/stone-age-io/bootd/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	engine *Engine
	fs     afero.Fs
	reg    *metrics.Registry
}

func startEngine(t *testing.T, site SiteHook) *testServer {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/boot.py", []byte("print('boot')\n"), 0644))
	require.NoError(t, fs.MkdirAll("/lib", 0755))

	reg := metrics.NewRegistry()
	engine, err := New(zaptest.NewLogger(t), Options{
		Config: config.FTPDConfig{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			DataTimeout: 2 * time.Second,
		},
		Fs:      fs,
		Site:    site,
		Metrics: reg,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- engine.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Errorf("Serve() did not return after cancel")
		}
	})

	return &testServer{engine: engine, fs: fs, reg: reg}
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (s *testServer) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.engine.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &client{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.expect("220 Hello, this is the ")
	return c
}

func (c *client) send(line string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\r\n", line)
	require.NoError(c.t, err)
}

func (c *client) line() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	require.True(c.t, strings.HasSuffix(line, "\r\n"), "reply %q not CRLF terminated", line)
	return strings.TrimSuffix(line, "\r\n")
}

func (c *client) expect(prefix string) string {
	c.t.Helper()
	line := c.line()
	require.True(c.t, strings.HasPrefix(line, prefix), "got %q, want prefix %q", line, prefix)
	return line
}

func (c *client) cmd(line, prefix string) string {
	c.t.Helper()
	c.send(line)
	return c.expect(prefix)
}

func (c *client) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := c.r.ReadString('\n')
	require.ErrorIs(c.t, err, io.EOF)
}

var pasvReply = regexp.MustCompile(`^227 Entering Passive Mode \((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)\.$`)

// pasv negotiates passive mode and returns the advertised endpoint
func (c *client) pasv() string {
	c.t.Helper()
	line := c.cmd("PASV", "227 ")
	m := pasvReply.FindStringSubmatch(line)
	require.NotNil(c.t, m, "malformed PASV reply %q", line)

	var b [6]int
	for i := range b {
		n, err := strconv.Atoi(m[i+1])
		require.NoError(c.t, err)
		require.LessOrEqual(c.t, n, 255)
		b[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	return net.JoinHostPort(host, strconv.Itoa(b[4]<<8|b[5]))
}

func dialData(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAll(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(data)
}

func TestPassiveList(t *testing.T) {
	s := startEngine(t, nil)
	c := s.dial(t)

	c.cmd("USER a", "230 ")
	c.cmd("PASS b", "230 ")
	addr := c.pasv()

	data := dialData(t, addr)
	c.cmd("LIST", "150 Directory listing:")

	listing := readAll(t, data)
	c.expect("226 Done.")

	lines := strings.Split(strings.TrimSuffix(listing, "\r\n"), "\r\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "-rw-r--r-- 1 owner group "), lines[0])
	assert.True(t, strings.HasSuffix(lines[0], " boot.py"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "drwxr-xr-x 1 owner group "), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], " lib"), lines[1])
}

func TestPassiveNameListWithOption(t *testing.T) {
	s := startEngine(t, nil)
	require.NoError(t, afero.WriteFile(s.fs, "/lib/util.py", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(s.fs, "/lib/data.bin", []byte("x"), 0644))
	c := s.dial(t)

	addr := c.pasv()
	data := dialData(t, addr)
	c.cmd("NLST /lib/*.py", "150 ")
	assert.Equal(t, "util.py\r\n", readAll(t, data))
	c.expect("226 Done.")

	addr = c.pasv()
	data = dialData(t, addr)
	c.cmd("NLST -l /lib", "150 ")
	listing := readAll(t, data)
	c.expect("226 Done.")
	assert.Contains(t, listing, "-rw-r--r-- 1 owner group          1 ")
	assert.Contains(t, listing, " util.py\r\n")
}

func TestListOptionChangingLengthWhenLowercased(t *testing.T) {
	s := startEngine(t, nil)
	c := s.dial(t)

	// U+023A is two bytes but lowercases to three
	addr := c.pasv()
	data := dialData(t, addr)
	c.cmd("LIST -\u023a", "150 Directory listing:")
	listing := readAll(t, data)
	c.expect("226 Done.")
	assert.Contains(t, listing, " boot.py\r\n")

	c.cmd("NOOP", "200 OK")
}

func TestStoreAndRetrieve(t *testing.T) {
	s := startEngine(t, nil)
	c := s.dial(t)

	payload := strings.Repeat("0123456789", 500)

	addr := c.pasv()
	data := dialData(t, addr)
	c.cmd("STOR /lib/main.py", "150 Opened data connection.")
	_, err := io.WriteString(data, payload)
	require.NoError(t, err)
	data.Close()
	c.expect("226 Done.")

	stored, err := afero.ReadFile(s.fs, "/lib/main.py")
	require.NoError(t, err)
	assert.Equal(t, payload, string(stored))

	addr = c.pasv()
	data = dialData(t, addr)
	c.cmd("APPE /lib/main.py", "150 ")
	_, err = io.WriteString(data, "tail")
	require.NoError(t, err)
	data.Close()
	c.expect("226 Done.")

	c.cmd("SIZE /lib/main.py", fmt.Sprintf("213 %d", len(payload)+4))

	// active mode retrieval
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	c.cmd(fmt.Sprintf("PORT 127,0,0,1,%d,%d", port>>8, port&0xff), "200 OK")
	c.send("RETR /lib/main.py")

	ln.(*net.TCPListener).SetDeadline(time.Now().Add(3 * time.Second))
	active, err := ln.Accept()
	require.NoError(t, err)
	defer active.Close()

	c.expect("150 Opened data connection.")
	assert.Equal(t, payload+"tail", readAll(t, active))
	c.expect("226 Done.")

	assert.Equal(t, uint64(len(payload)+4), s.engine.bytesOut.Value())
	assert.Equal(t, uint64(len(payload)+4), s.engine.bytesIn.Value())
}

func TestRetrieveMissingFile(t *testing.T) {
	s := startEngine(t, nil)
	c := s.dial(t)

	addr := c.pasv()
	data := dialData(t, addr)
	c.cmd("RETR /nope", "150 ")
	assert.Equal(t, "", readAll(t, data))
	c.expect("550 Fail")

	c.cmd("NOOP", "200 OK")
}

func TestBusyRejectsSecondClient(t *testing.T) {
	s := startEngine(t, nil)
	first := s.dial(t)
	second := s.dial(t)

	addr := first.pasv()
	first.send("RETR /boot.py")
	require.Eventually(t, s.engine.Busy, 2*time.Second, 5*time.Millisecond)

	second.cmd("NOOP", "400 Device busy.")
	second.expectClosed()

	data := dialData(t, addr)
	first.expect("150 ")
	assert.Equal(t, "print('boot')\n", readAll(t, data))
	first.expect("226 Done.")

	assert.False(t, s.engine.Busy())
	assert.Equal(t, uint64(1), s.engine.rejections.Value())

	third := s.dial(t)
	third.cmd("NOOP", "200 OK")
}

func TestDirectoryCommands(t *testing.T) {
	s := startEngine(t, nil)
	c := s.dial(t)

	c.cmd("PWD", `257 "/"`)
	c.cmd("CWD lib", "250 OK")
	c.cmd("XPWD", `257 "/lib"`)
	c.cmd("CWD /boot.py", "550 Fail")
	c.cmd("CWD missing", "550 Fail")
	c.cmd("MKD sub", "250 OK")
	c.cmd("MKD sub", "550 Fail")
	c.cmd("XCWD sub", "250 OK")
	c.cmd("CDUP", "250 OK")
	c.cmd("PWD", `257 "/lib"`)
	c.cmd("XCUP", "250 OK")
	c.cmd("CDUP", "250 OK")
	c.cmd("PWD", `257 "/"`)

	c.cmd("RMD /boot.py", "550 Fail")
	c.cmd("DELE /lib", "550 Fail")
	c.cmd("RMD /lib", "550 Fail")
	c.cmd("XRMD /lib/sub", "250 OK")
	c.cmd("DELE /boot.py", "250 OK")
	c.cmd("DELE /boot.py", "550 Fail")

	_, err := s.fs.Stat("/lib/sub")
	assert.Error(t, err)
}

func TestRename(t *testing.T) {
	s := startEngine(t, nil)
	c := s.dial(t)

	c.cmd("RNTO /x", "550 Fail")
	c.cmd("RNFR /missing", "550 Fail")
	c.cmd("RNFR /boot.py", "350 Rename from")
	c.cmd("RNTO /lib/boot.py", "250 OK")
	c.cmd("RNTO /again.py", "550 Fail")

	_, err := s.fs.Stat("/lib/boot.py")
	assert.NoError(t, err)

	// a failed RNTO also clears the pending source
	c.cmd("RNFR /lib/boot.py", "350 Rename from")
	c.cmd("DELE /lib/boot.py", "250 OK")
	c.cmd("RNTO /x", "550 Fail")
	require.NoError(t, afero.WriteFile(s.fs, "/lib/boot.py", []byte("again"), 0644))
	c.cmd("RNTO /y", "550 Fail")

	_, err = s.fs.Stat("/y")
	assert.Error(t, err)
	_, err = s.fs.Stat("/lib/boot.py")
	assert.NoError(t, err)
}

func TestInformationalCommands(t *testing.T) {
	s := startEngine(t, nil)
	mt := time.Date(2023, time.February, 3, 4, 5, 6, 0, time.Local)
	require.NoError(t, s.fs.Chtimes("/boot.py", mt, mt))

	c := s.dial(t)
	c.cmd("SYST", "215 UNIX Type: L8")
	c.cmd("TYPE I", "200 OK")
	c.cmd("ABOR", "200 OK")
	c.cmd("SIZE /boot.py", "213 14")
	c.cmd("SIZE /nope", "550 Fail")
	c.cmd("MDTM /boot.py", "213 20230203040506")
	c.cmd("FEAT", "502 Unsupported command.")
	c.cmd("PORT 1,2,3", "504 Fail")
	c.cmd("   ", "502 Unsupported command.")

	c.cmd("STAT", "211-Connected to (127.0.0.1)")
	c.expect("    Data address (127.0.0.1)")
	c.expect("    TYPE: Binary STRU: File MODE: Stream")
	c.expect("211 Client count is 1")

	c.cmd("STAT /lib", "213-Directory listing:")
	c.expect("213 Done.")

	c.cmd("STAT /", "213-Directory listing:")
	assert.True(t, strings.HasSuffix(c.line(), " boot.py"))
	assert.True(t, strings.HasSuffix(c.line(), " lib"))
	c.expect("213 Done.")

	c.cmd("QUIT", "221 Bye.")
	c.expectClosed()
}

func TestEmptyLineEndsSession(t *testing.T) {
	s := startEngine(t, nil)
	c := s.dial(t)

	c.send("")
	c.expectClosed()
	require.Eventually(t, func() bool { return s.engine.clients.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSite(t *testing.T) {
	sources := make(chan string, 2)
	site := func(_ context.Context, source string) (string, error) {
		sources <- source
		if strings.Contains(source, "fail") {
			return "", errors.New("boom")
		}
		return "ok", nil
	}

	s := startEngine(t, site)
	c := s.dial(t)

	c.cmd("SITE echo one\x00echo two", "250 OK")
	assert.Equal(t, "echo one\necho two", <-sources)
	c.cmd("SITE fail", "550 Fail")
	assert.Equal(t, "fail", <-sources)

	plain := startEngine(t, nil).dial(t)
	plain.cmd("SITE echo one", "502 Unsupported command.")
}

func TestServiceDisabled(t *testing.T) {
	svc := Service(zaptest.NewLogger(t), Options{})
	require.Equal(t, "ftpd", svc.Name)
	require.Len(t, svc.Routines, 1)
	assert.NoError(t, svc.Routines[0].Run(context.Background()))
}
