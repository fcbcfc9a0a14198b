package signaling

import (
	"errors"
	"log/slog"
	"time"

	"github.com/parleyrtc/signal-relay/internal/events"
	"github.com/parleyrtc/signal-relay/internal/metrics"
	"github.com/parleyrtc/signal-relay/internal/room"
	"github.com/parleyrtc/signal-relay/internal/session"
)

// Router applies the per-type routing rule to inbound messages and owns the
// disconnect cleanup. It has no goroutines of its own: every method runs on
// the calling connection's read loop.
type Router struct {
	rooms    *room.Directory
	sessions *session.Registry
	feed     events.Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func NewRouter(rooms *room.Directory, sessions *session.Registry, feed events.Publisher, m *metrics.Metrics, log *slog.Logger) *Router {
	if feed == nil {
		feed = events.Noop{}
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		rooms:    rooms,
		sessions: sessions,
		feed:     feed,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Connected tells the new session its own identifier. Peers will address it
// by this value in targetId fields.
func (r *Router) Connected(sessionID string) {
	payload := encodeEvent(serverEvent{Type: eventConnected, UserID: sessionID})
	if err := r.sessions.Send(sessionID, payload); err != nil {
		r.log.Debug("connected event not delivered", "session", sessionID, "err", err)
	}
}

// Route parses one inbound frame from senderID and routes it. Malformed
// frames are dropped; they never close the connection or panic.
func (r *Router) Route(senderID string, data []byte) {
	msg, err := parseClientMessage(data)
	if err != nil {
		r.metrics.MessagesDropped.WithLabelValues(metrics.DropReasonMalformed).Inc()
		r.log.Debug("dropping malformed message", "session", senderID, "err", err)
		return
	}

	r.metrics.MessagesRouted.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case messageTypeJoin:
		r.handleJoin(senderID, msg.Room)
	case messageTypeOffer:
		r.unicast(senderID, msg.TargetID, serverEvent{Type: eventOffer, UserID: senderID, Offer: msg.Offer})
	case messageTypeAnswer:
		r.unicast(senderID, msg.TargetID, serverEvent{Type: eventAnswer, UserID: senderID, Answer: msg.Answer})
	case messageTypeCandidate:
		r.unicast(senderID, msg.TargetID, serverEvent{Type: eventCandidate, UserID: senderID, Candidate: msg.Candidate})
	case messageTypeChat:
		r.handleChat(senderID, msg.Room, msg.Message)
	}
}

// Disconnect removes the session from the registry and from every room it
// joined, notifying each room's remaining members. Idempotent: a second call
// for the same session finds nothing to clean up.
func (r *Router) Disconnect(sessionID string) {
	r.sessions.Unregister(sessionID)

	roomIDs := r.rooms.RoomsContaining(sessionID)
	for _, roomID := range roomIDs {
		r.rooms.Leave(roomID, sessionID)
		payload := encodeEvent(serverEvent{Type: eventUserLeft, UserID: sessionID})
		r.broadcast(roomID, sessionID, payload)
		r.publish(events.EventLeft, roomID, sessionID)
	}
	if len(roomIDs) > 0 {
		r.log.Info("session left rooms", "session", sessionID, "rooms", len(roomIDs))
	}
}

func (r *Router) handleJoin(senderID, roomID string) {
	if created := r.rooms.Join(roomID, senderID); created {
		r.metrics.RoomsCreated.Inc()
	}
	payload := encodeEvent(serverEvent{Type: eventUserJoined, UserID: senderID})
	r.broadcast(roomID, senderID, payload)
	r.publish(events.EventJoined, roomID, senderID)
	r.log.Info("session joined room", "session", senderID, "room", roomID)
}

func (r *Router) handleChat(senderID, roomID string, message []byte) {
	payload := encodeEvent(serverEvent{Type: eventChatMessage, UserID: senderID, Message: message})
	r.broadcast(roomID, "", payload)
}

// broadcast snapshots the room's membership and enqueues payload for every
// member except excluded. A member's full queue or concurrent disconnect
// drops that one delivery only.
func (r *Router) broadcast(roomID, excluded string, payload []byte) {
	for _, memberID := range r.rooms.MembersExcept(roomID, excluded) {
		r.metrics.BroadcastSends.Inc()
		if err := r.sessions.Send(memberID, payload); err != nil {
			r.countSendDrop(err)
		}
	}
}

// unicast delivers to the target session only. An unknown target is dropped
// silently; senders learn about vanished peers via user_left, not errors.
func (r *Router) unicast(senderID, targetID string, ev serverEvent) {
	r.metrics.UnicastSends.Inc()
	if err := r.sessions.Send(targetID, encodeEvent(ev)); err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			r.metrics.MessagesDropped.WithLabelValues(metrics.DropReasonUnknownTarget).Inc()
			r.log.Debug("dropping unicast to unknown target", "session", senderID, "target", targetID, "type", ev.Type)
			return
		}
		r.countSendDrop(err)
	}
}

func (r *Router) countSendDrop(err error) {
	// Queue-full drops are counted by the session itself.
	if errors.Is(err, session.ErrUnknownSession) || errors.Is(err, session.ErrSessionClosed) {
		r.metrics.MessagesDropped.WithLabelValues(metrics.DropReasonUnknownSession).Inc()
	}
}

func (r *Router) publish(event, roomID, userID string) {
	err := r.feed.Publish(events.RoomEvent{
		Event:  event,
		Room:   roomID,
		UserID: userID,
		At:     r.now().UTC(),
	})
	if err != nil {
		r.metrics.EventsFailed.Inc()
		r.log.Warn("room event publish failed", "event", event, "room", roomID, "err", err)
		return
	}
	r.metrics.EventsPublished.Inc()
}
