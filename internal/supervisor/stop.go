package supervisor

import (
	"context"
	"sync"
)

// StopSignal is a one-shot, idempotent flag. Setting it cancels application
// tasks and suppresses any pending watchdog reboot.
type StopSignal struct {
	once sync.Once
	ch   chan struct{}
}

func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

// Set raises the signal. Calling it more than once has no further effect.
func (s *StopSignal) Set() {
	s.once.Do(func() { close(s.ch) })
}

func (s *StopSignal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done is closed once the signal is set
func (s *StopSignal) Done() <-chan struct{} {
	return s.ch
}

// Wait blocks until the signal is set or ctx is done
func (s *StopSignal) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
