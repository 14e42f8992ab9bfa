package console

import (
	"context"
	"io"
	"sync"
)

const inputQueueSize = 64

// Registration identifies the sink currently attached to the console.
// Only the holder of the current registration may detach it or feed input.
type Registration struct {
	sink io.Writer
}

// Console is the process-wide interactive console. Output is written to
// the local writer and mirrored to at most one attached sink; the most
// recent Attach wins. Input arrives from Feed and is consumed by Read.
type Console struct {
	local io.Writer

	mu  sync.Mutex
	reg *Registration

	input      chan []byte
	pending    []byte
	readMu     sync.Mutex
	interrupts chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a console that writes to local
func New(local io.Writer) *Console {
	if local == nil {
		local = io.Discard
	}
	return &Console{
		local:      local,
		input:      make(chan []byte, inputQueueSize),
		interrupts: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Attach makes sink the console mirror, replacing any previous one
func (c *Console) Attach(sink io.Writer) *Registration {
	reg := &Registration{sink: sink}
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
	return reg
}

// Detach removes reg if it is still the current registration. It reports
// whether anything was detached.
func (c *Console) Detach(reg *Registration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg == nil || c.reg != reg {
		return false
	}
	c.reg = nil
	return true
}

// Attached reports whether a sink is registered
func (c *Console) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg != nil
}

// Current reports whether reg is the current registration
func (c *Console) Current(reg *Registration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return reg != nil && c.reg == reg
}

// Write writes p to the local writer and the attached sink. A sink that
// fails to accept output is detached.
func (c *Console) Write(p []byte) (int, error) {
	n, err := c.local.Write(p)

	c.mu.Lock()
	reg := c.reg
	c.mu.Unlock()

	if reg != nil {
		if _, serr := reg.sink.Write(p); serr != nil {
			c.Detach(reg)
		}
	}
	return n, err
}

// Sync satisfies zapcore.WriteSyncer
func (c *Console) Sync() error {
	return nil
}

// Feed queues input for Read. It never blocks; when the queue is full the
// input is dropped and Feed returns false.
func (c *Console) Feed(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.input <- buf:
		return true
	default:
		return false
	}
}

// FeedFrom queues input on behalf of reg. Input from a replaced sink is ignored.
func (c *Console) FeedFrom(reg *Registration, p []byte) bool {
	if !c.Current(reg) {
		return false
	}
	return c.Feed(p)
}

// Read implements io.Reader; it blocks until input arrives or the console is closed
func (c *Console) Read(p []byte) (int, error) {
	return c.ReadContext(context.Background(), p)
}

// ReadContext reads queued input, giving up when ctx is done
func (c *Console) ReadContext(ctx context.Context, p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) == 0 {
		select {
		case buf := <-c.input:
			c.pending = buf
		case <-c.done:
			return 0, io.EOF
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Interrupt signals a keyboard interrupt (ctrl-c) to whoever is listening
func (c *Console) Interrupt() {
	select {
	case c.interrupts <- struct{}{}:
	default:
	}
}

// Interrupts delivers keyboard interrupts
func (c *Console) Interrupts() <-chan struct{} {
	return c.interrupts
}

// Close unblocks readers and drops the attached sink
func (c *Console) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.reg = nil
		c.mu.Unlock()
	})
	return nil
}
