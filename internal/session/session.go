package session

import (
	"sync"

	"github.com/parleyrtc/signal-relay/internal/metrics"
)

// Transport is the write half of a client connection. Implementations must
// tolerate WriteText and Close being called from the session's write pump
// while the read loop runs elsewhere.
type Transport interface {
	// WriteText sends one complete text frame to the client.
	WriteText(payload []byte) error
	Close() error
}

// Session represents one connected signaling client.
type Session struct {
	id        string
	transport Transport
	metrics   *metrics.Metrics

	queue chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	onClose func()

	pumpDone chan struct{}
}

// New creates a session and starts its write pump. queueSize bounds the
// number of frames buffered for a slow client; further sends are dropped.
// onClose runs exactly once, after the transport has been closed.
func New(id string, transport Transport, queueSize int, m *metrics.Metrics, onClose func()) *Session {
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &Session{
		id:        id,
		transport: transport,
		metrics:   m,
		queue:     make(chan []byte, queueSize),
		done:      make(chan struct{}),
		onClose:   onClose,
		pumpDone:  make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Enqueue hands a frame to the write pump. It never blocks: a full queue
// drops the frame and returns ErrQueueFull, a closed session returns
// ErrSessionClosed.
func (s *Session) Enqueue(payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	select {
	case s.queue <- payload:
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.MessagesDropped.WithLabelValues(metrics.DropReasonQueueFull).Inc()
		}
		return ErrQueueFull
	}
}

func (s *Session) writePump() {
	defer close(s.pumpDone)
	for payload := range s.queue {
		if err := s.transport.WriteText(payload); err != nil {
			// The read loop will observe the dead connection and close us.
			s.Close()
			return
		}
	}
}

// Close shuts the session down: no further enqueues are accepted, the
// transport is closed (failing any frames still queued) and onClose runs.
// Safe to call multiple times and from any goroutine.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	close(s.queue)
	onClose := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	_ = s.transport.Close()
	if onClose != nil {
		onClose()
	}
}

// Flush blocks until the write pump has exited. Tests use it to assert on
// everything the transport received.
func (s *Session) Flush() {
	<-s.pumpDone
}
