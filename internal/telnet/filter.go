package telnet

import "bytes"

// Telnet protocol bytes
const (
	IAC  = 255
	WILL = 251
	WONT = 252
	DO   = 253

	optEcho     = 1
	optLinemode = 34

	ctrlC = 0x03
)

// State is the position of the IAC parser
type State int

const (
	StateByte State = iota
	StateExpectCommand
	StateExpectOption
)

func (s State) String() string {
	switch s {
	case StateByte:
		return "byte"
	case StateExpectCommand:
		return "expect_command"
	case StateExpectOption:
		return "expect_option"
	default:
		return "unknown"
	}
}

// Filter strips telnet command sequences from a client byte stream. Only
// the WILL, WONT and DO commands carry an option byte; an escaped IAC is
// kept as a literal 255 and any other command is dropped.
type Filter struct {
	state State
	buf   []byte
}

// Feed runs p through the parser, appending data bytes to the buffer
func (f *Filter) Feed(p []byte) {
	for _, b := range p {
		switch f.state {
		case StateByte:
			if b == IAC {
				f.state = StateExpectCommand
			} else {
				f.buf = append(f.buf, b)
			}
		case StateExpectCommand:
			switch b {
			case WILL, WONT, DO:
				f.state = StateExpectOption
			default:
				f.state = StateByte
				if b == IAC {
					f.buf = append(f.buf, IAC)
				}
			}
		case StateExpectOption:
			f.state = StateByte
		}
	}
}

// Take returns the buffered data bytes and empties the buffer
func (f *Filter) Take() []byte {
	out := f.buf
	f.buf = nil
	return out
}

// State returns the current parser state
func (f *Filter) State() State {
	return f.state
}

// negotiation is sent once on connect: refuse line mode, then take over echo
var negotiation = [][]byte{
	{IAC, WONT, optLinemode},
	{IAC, WILL, optEcho},
}

// EscapeOutput makes console output safe to send to a telnet client
func EscapeOutput(p []byte) []byte {
	out := bytes.ReplaceAll(p, []byte{IAC}, []byte{IAC, IAC})
	return bytes.ReplaceAll(out, []byte{ctrlC}, []byte("ctrl-c"))
}

// splitInterrupts removes ctrl-c bytes from p and reports how many there were
func splitInterrupts(p []byte) ([]byte, int) {
	n := bytes.Count(p, []byte{ctrlC})
	if n == 0 {
		return p, 0
	}
	return bytes.ReplaceAll(p, []byte{ctrlC}, nil), n
}
