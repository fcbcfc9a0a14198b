package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyrtc/signal-relay/internal/config"
	"github.com/parleyrtc/signal-relay/internal/metrics"
	"github.com/parleyrtc/signal-relay/internal/origin"
	"github.com/parleyrtc/signal-relay/internal/ratelimit"
	"github.com/parleyrtc/signal-relay/internal/session"
)

const wsWriteWait = 1 * time.Second

// WebSocketServer upgrades /ws requests and runs one read loop per
// connection. Everything a connection sends flows through the Router;
// everything it receives flows through its Session's write pump.
type WebSocketServer struct {
	cfg      config.Config
	sessions *session.Registry
	router   *Router
	metrics  *metrics.Metrics
	log      *slog.Logger
	clock    ratelimit.Clock
	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg config.Config, sessions *session.Registry, router *Router, m *metrics.Metrics, log *slog.Logger) *WebSocketServer {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &WebSocketServer{
		cfg:      cfg,
		sessions: sessions,
		router:   router,
		metrics:  m,
		log:      log,
		clock:    ratelimit.RealClock{},
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// checkOrigin applies the allowlist. Requests without an Origin header are
// not from browsers and are allowed; browser requests must match.
func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(header)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins)
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error (403 on origin
		// mismatch, 400 on a non-websocket request).
		return
	}

	id, err := session.NewID()
	if err != nil {
		writeClose(conn, websocket.CloseInternalServerErr, "failed to allocate session id")
		conn.Close()
		return
	}

	transport := newWSTransport(conn, wsWriteWait)
	sess := session.New(id, transport, s.cfg.SendQueueMessages, s.metrics, func() {
		s.router.Disconnect(id)
	})

	if err := s.sessions.Register(sess); err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			writeClose(conn, websocket.CloseTryAgainLater, "too many sessions")
		} else {
			writeClose(conn, websocket.CloseInternalServerErr, "failed to register session")
		}
		sess.Close()
		return
	}

	s.log.Info("session connected", "session", id, "remote", r.RemoteAddr)
	s.router.Connected(id)

	go s.pingLoop(conn, sess)
	s.readLoop(conn, sess)
	sess.Close()
}

// readLoop consumes frames until the connection dies or a hardening limit
// closes it.
func (s *WebSocketServer) readLoop(conn *websocket.Conn, sess *session.Session) {
	limiter := ratelimit.NewTokenBucket(s.clock, int64(s.cfg.MaxSignalingMessagesPerSecond), int64(s.cfg.MaxSignalingMessagesPerSecond))

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	})

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))

		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow() {
			s.metrics.RateLimitCloses.Inc()
			s.log.Warn("closing session for exceeding message rate limit", "session", sess.ID())
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		data, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			return
		}

		s.router.Route(sess.ID(), data)
	}
}

// pingLoop keeps the connection's read deadline fresh for clients that are
// quiet but alive. Control frames may be written concurrently with the write
// pump.
func (s *WebSocketServer) pingLoop(conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// wsTransport adapts a gorilla connection to the session write pump. The
// mutex serializes data frames; gorilla permits control frames alongside.
type wsTransport struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	writeWait time.Duration
}

func newWSTransport(conn *websocket.Conn, writeWait time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeWait: writeWait}
}

func (t *wsTransport) WriteText(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
