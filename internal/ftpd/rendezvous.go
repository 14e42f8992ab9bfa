package ftpd

import (
	"context"
	"errors"
	"net"
	"sync"
)

var errSuperseded = errors.New("passive request superseded")

// rendezvous hands inbound passive data connections to the one session
// waiting for them. There is a single waiter slot per engine; arming a new
// ticket supersedes a waiter that has not been served yet.
type rendezvous struct {
	mu     sync.Mutex
	waiter *ticket
	armed  chan struct{}
}

// ticket is a session's claim on the next passive connection
type ticket struct {
	r          *rendezvous
	conn       chan net.Conn
	superseded chan struct{}
}

func newRendezvous() *rendezvous {
	return &rendezvous{armed: make(chan struct{}, 1)}
}

// Arm registers a new waiter and signals readiness to the accept loop
func (r *rendezvous) Arm() *ticket {
	t := &ticket{
		r:          r,
		conn:       make(chan net.Conn, 1),
		superseded: make(chan struct{}),
	}

	r.mu.Lock()
	if r.waiter != nil {
		close(r.waiter.superseded)
	}
	r.waiter = t
	r.mu.Unlock()

	select {
	case r.armed <- struct{}{}:
	default:
	}
	return t
}

// Deliver routes conn to the current waiter, waiting for one to arm if
// necessary. Each waiter receives at most one connection.
func (r *rendezvous) Deliver(ctx context.Context, conn net.Conn) error {
	for {
		r.mu.Lock()
		if t := r.waiter; t != nil {
			r.waiter = nil
			t.conn <- conn
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		select {
		case <-r.armed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until a connection is delivered, the ticket is superseded, or
// ctx is done
func (t *ticket) Wait(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-t.conn:
		return c, nil
	case <-t.superseded:
		return nil, errSuperseded
	case <-ctx.Done():
		t.Release()
		return nil, ctx.Err()
	}
}

// Release withdraws the ticket. A connection delivered but never collected
// is closed.
func (t *ticket) Release() {
	t.r.mu.Lock()
	if t.r.waiter == t {
		t.r.waiter = nil
	}
	t.r.mu.Unlock()

	select {
	case c := <-t.conn:
		c.Close()
	default:
	}
}
