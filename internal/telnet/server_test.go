package telnet

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stone-age-io/bootd/internal/config"
	"github.com/stone-age-io/bootd/internal/console"
	"github.com/stone-age-io/bootd/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func startServer(t *testing.T, con *console.Console) (*Server, func()) {
	t.Helper()

	srv := NewServer(zap.NewNop(), config.TelnetConfig{
		Enabled:      true,
		BindAddress:  "127.0.0.1",
		WriteTimeout: time.Second,
	}, con, metrics.NewRegistry())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.Serve(ctx)
	}()

	return srv, func() {
		cancel()
		wg.Wait()
	}
}

func connect(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)

	hello := make([]byte, 6)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, hello)
	require.NoError(t, err)
	require.Equal(t, []byte{255, 252, 34, 255, 251, 1}, hello)
	return conn
}

func readConsole(t *testing.T, con *console.Console, n int) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out []byte
	buf := make([]byte, 64)
	for len(out) < n {
		k, err := con.ReadContext(ctx, buf)
		require.NoError(t, err)
		out = append(out, buf[:k]...)
	}
	return string(out)
}

func TestServerBridgesConsole(t *testing.T) {
	defer goleak.VerifyNone(t)

	con := console.New(io.Discard)
	defer con.Close()
	srv, stop := startServer(t, con)
	defer stop()

	conn := connect(t, srv)
	defer conn.Close()
	require.Eventually(t, con.Attached, 2*time.Second, 5*time.Millisecond)

	_, err := conn.Write([]byte{'l', 's', 255, 253, 1, 255, 255, '\r', '\n'})
	require.NoError(t, err)
	assert.Equal(t, "ls\xff\r\n", readConsole(t, con, 5))

	_, err = con.Write([]byte{'o', 'k', 255, 3})
	require.NoError(t, err)
	got := make([]byte, 10)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "ok\xff\xffctrl-c", string(got))
}

func TestServerInterrupt(t *testing.T) {
	defer goleak.VerifyNone(t)

	con := console.New(io.Discard)
	defer con.Close()
	srv, stop := startServer(t, con)
	defer stop()

	conn := connect(t, srv)
	defer conn.Close()
	require.Eventually(t, con.Attached, 2*time.Second, 5*time.Millisecond)

	_, err := conn.Write([]byte{'a', 3, 'b'})
	require.NoError(t, err)

	select {
	case <-con.Interrupts():
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt not delivered")
	}
	assert.Equal(t, "ab", readConsole(t, con, 2))
	assert.Equal(t, uint64(1), srv.interrupts.Value())
}

func TestServerLastClientWins(t *testing.T) {
	defer goleak.VerifyNone(t)

	con := console.New(io.Discard)
	defer con.Close()
	srv, stop := startServer(t, con)
	defer stop()

	first := connect(t, srv)
	defer first.Close()
	require.Eventually(t, con.Attached, 2*time.Second, 5*time.Millisecond)

	second := connect(t, srv)
	defer second.Close()
	require.Eventually(t, func() bool { return srv.sessions.Value() == 2 }, 2*time.Second, 5*time.Millisecond)
	// attach happens right after negotiation
	time.Sleep(50 * time.Millisecond)

	_, err := con.Write([]byte("hi"))
	require.NoError(t, err)

	got := make([]byte, 2)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(second, got)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))

	// input from the replaced client is ignored and the client is dropped
	_, err = first.Write([]byte("x"))
	require.NoError(t, err)
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = first.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.True(t, con.Attached())

	second.Close()
	require.Eventually(t, func() bool { return !con.Attached() }, 2*time.Second, 5*time.Millisecond)
}

func TestServiceDisabled(t *testing.T) {
	svc := Service(zap.NewNop(), config.TelnetConfig{}, console.New(nil), nil)
	require.Equal(t, "telnet", svc.Name)
	require.Len(t, svc.Routines, 1)
	assert.NoError(t, svc.Routines[0].Run(context.Background()))
}
