// Package serialtest provides an in-memory serial port for tests.
package serialtest

import (
	"io"
	"strings"
	"sync"
	"time"
)

// pollInterval is how long an idle Read waits before reporting a timeout.
const pollInterval = 5 * time.Millisecond

// Port is a scripted in-memory transport. Read returns 0 bytes and a nil
// error when nothing is queued, like a real port with a read timeout.
type Port struct {
	incoming chan []byte
	failures chan error
	closed   chan struct{}

	closeOnce sync.Once
	pending   []byte

	mu      sync.Mutex
	written []string
	onWrite func(p *Port, line string)
}

// New returns an open port with nothing queued.
func New() *Port {
	return &Port{
		incoming: make(chan []byte, 4096),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

// OnWrite registers a callback run for each line written to the port,
// typically to script the device's reply.
func (p *Port) OnWrite(fn func(p *Port, line string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = fn
}

// Feed queues lines for reading, each terminated by CRLF.
func (p *Port) Feed(lines ...string) {
	for _, l := range lines {
		p.FeedRaw([]byte(l + "\r\n"))
	}
}

// FeedRaw queues raw bytes for reading.
func (p *Port) FeedRaw(b []byte) {
	p.incoming <- append([]byte(nil), b...)
}

// Fail makes a pending or future Read return err.
func (p *Port) Fail(err error) {
	p.failures <- err
}

// Read implements io.Reader.
func (p *Port) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		select {
		case data := <-p.incoming:
			p.pending = data
		case err := <-p.failures:
			return 0, err
		case <-p.closed:
			return 0, io.ErrClosedPipe
		case <-time.After(pollInterval):
			return 0, nil
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// Write implements io.Writer and records each written line.
func (p *Port) Write(b []byte) (int, error) {
	if p.Closed() {
		return 0, io.ErrClosedPipe
	}

	p.mu.Lock()
	var lines []string
	for _, l := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		lines = append(lines, l)
		p.written = append(p.written, l)
	}
	fn := p.onWrite
	p.mu.Unlock()

	if fn != nil {
		for _, l := range lines {
			fn(p, l)
		}
	}
	return len(b), nil
}

// Close implements io.Closer. It is safe to call more than once.
func (p *Port) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Written returns the lines written so far.
func (p *Port) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}
