package serial

import (
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpungsan/ignitron/internal/errors"
	"github.com/hpungsan/ignitron/internal/metrics"
)

// DefaultQueueSize bounds the line queue between reader and consumer.
const DefaultQueueSize = 4096

// stopTimeout bounds how long Stop waits for the read loop to exit.
const stopTimeout = time.Second

var errNotOpen = stderrors.New("port is not open")

// Message is one queue item: a completed line, or a fatal transport error.
// After an error message the queue is closed.
type Message struct {
	Line string
	Err  error
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithLogger sets the reader's logger.
func WithLogger(l *slog.Logger) ReaderOption {
	return func(r *Reader) { r.logger = l }
}

// WithMetrics records line and error counts.
func WithMetrics(m *metrics.Metrics) ReaderOption {
	return func(r *Reader) { r.metrics = m }
}

// Reader owns a transport on its own goroutine. It splits incoming bytes on
// LF, drops CR bytes and publishes each line on a FIFO queue.
type Reader struct {
	name      string
	open      OpenFunc
	queueSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	queue    chan Message
	ready    chan struct{}
	shutdown chan struct{}
	done     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	mu     sync.Mutex
	port   Port
	closed bool

	linesRead atomic.Int64
	bytesRead atomic.Int64
}

// NewReader creates a reader for the transport opened by open. name is
// used in errors and logs.
func NewReader(name string, open OpenFunc, opts ...ReaderOption) *Reader {
	r := &Reader{
		name:      name,
		open:      open,
		queueSize: DefaultQueueSize,
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "serial", "port", name)
	r.queue = make(chan Message, r.queueSize)
	return r
}

// Start opens the transport and starts the read loop. Open failures are
// reported on the queue. Start is idempotent.
func (r *Reader) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run()
	})
}

// Name returns the transport name used in errors and logs.
func (r *Reader) Name() string {
	return r.name
}

// Lines returns the message queue. It is closed when the loop exits.
func (r *Reader) Lines() <-chan Message {
	return r.queue
}

// Ready is closed once the transport is open.
func (r *Reader) Ready() <-chan struct{} {
	return r.ready
}

// Done is closed once the read loop has exited.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// LinesRead returns the number of lines published so far.
func (r *Reader) LinesRead() int64 {
	return r.linesRead.Load()
}

// BytesRead returns the number of bytes read so far.
func (r *Reader) BytesRead() int64 {
	return r.bytesRead.Load()
}

// WriteLine sends s followed by LF. It fails when the transport is not open.
func (r *Reader) WriteLine(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port == nil || r.closed {
		return errors.NewTransportOpenFailed(r.name, errNotOpen)
	}
	if _, err := r.port.Write([]byte(s + "\n")); err != nil {
		return errors.NewTransportReadFailed(r.name, err)
	}
	return nil
}

// Stop closes the transport and waits briefly for the loop to exit.
// It is idempotent and safe after the loop ended on its own.
func (r *Reader) Stop() {
	r.stopOnce.Do(func() {
		close(r.shutdown)
	})
	r.closePort()

	if !r.started.Load() {
		return
	}
	select {
	case <-r.done:
	case <-time.After(stopTimeout):
		r.logger.Warn("read loop did not exit in time", "timeout", stopTimeout)
	}
}

func (r *Reader) run() {
	defer close(r.done)
	defer close(r.queue)
	defer r.closePort()

	port, err := r.open()
	if err != nil {
		r.metrics.ObserveReadError()
		r.logger.Error("serial open failed", "error", err)
		r.publish(Message{Err: errors.NewTransportOpenFailed(r.name, err)})
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = port.Close()
		return
	}
	r.port = port
	r.mu.Unlock()
	close(r.ready)
	r.logger.Debug("serial port open")

	buf := make([]byte, 1024)
	var line []byte

	for {
		select {
		case <-r.shutdown:
			return
		default:
		}

		n, err := port.Read(buf)
		r.bytesRead.Add(int64(n))
		for _, b := range buf[:n] {
			switch b {
			case '\n':
				if !r.publish(Message{Line: string(line)}) {
					return
				}
				r.linesRead.Add(1)
				r.metrics.ObserveLine(len(line))
				line = line[:0]
			case '\r':
			default:
				line = append(line, b)
			}
		}

		if err != nil {
			if r.stopping() {
				return
			}
			r.metrics.ObserveReadError()
			r.logger.Error("serial read failed", "error", err)
			r.publish(Message{Err: errors.NewTransportReadFailed(r.name, err)})
			return
		}
	}
}

// publish enqueues m, giving up only when the reader is stopping.
func (r *Reader) publish(m Message) bool {
	select {
	case r.queue <- m:
		return true
	case <-r.shutdown:
		return false
	}
}

func (r *Reader) stopping() bool {
	select {
	case <-r.shutdown:
		return true
	default:
		return false
	}
}

func (r *Reader) closePort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.port != nil {
		_ = r.port.Close()
	}
}
