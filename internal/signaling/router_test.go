package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/parleyrtc/signal-relay/internal/events"
	"github.com/parleyrtc/signal-relay/internal/metrics"
	"github.com/parleyrtc/signal-relay/internal/room"
	"github.com/parleyrtc/signal-relay/internal/session"
)

// memTransport records delivered frames for assertions.
type memTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (t *memTransport) WriteText(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, payload)
	return nil
}

func (t *memTransport) Close() error { return nil }

func (t *memTransport) events(tb testing.TB) []serverEvent {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]serverEvent, 0, len(t.frames))
	for _, frame := range t.frames {
		var ev serverEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			tb.Fatalf("undecodable frame %s: %v", frame, err)
		}
		out = append(out, ev)
	}
	return out
}

// recordingFeed captures published room events.
type recordingFeed struct {
	mu     sync.Mutex
	events []events.RoomEvent
	err    error
}

func (f *recordingFeed) Publish(ev events.RoomEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *recordingFeed) Close() error { return nil }

func (f *recordingFeed) published() []events.RoomEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.RoomEvent(nil), f.events...)
}

type routerRig struct {
	rooms    *room.Directory
	sessions *session.Registry
	feed     *recordingFeed
	metrics  *metrics.Metrics
	router   *Router

	mu         sync.Mutex
	transports map[string]*memTransport
	live       []*session.Session
}

func newRouterRig(t *testing.T) *routerRig {
	t.Helper()
	m := metrics.New()
	rig := &routerRig{
		rooms:      room.NewDirectory(),
		sessions:   session.NewRegistry(0, m),
		feed:       &recordingFeed{},
		metrics:    m,
		transports: make(map[string]*memTransport),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rig.router = NewRouter(rig.rooms, rig.sessions, rig.feed, m, log)
	t.Cleanup(rig.drain)
	return rig
}

// connect registers a session whose deliveries land in the returned
// transport.
func (rig *routerRig) connect(t *testing.T, id string) *memTransport {
	t.Helper()
	tr := &memTransport{}
	sess := session.New(id, tr, 64, rig.metrics, nil)
	if err := rig.sessions.Register(sess); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	rig.mu.Lock()
	rig.transports[id] = tr
	rig.live = append(rig.live, sess)
	rig.mu.Unlock()
	return tr
}

// drain closes every session and waits for the write pumps, so transports
// hold the complete delivery record.
func (rig *routerRig) drain() {
	rig.mu.Lock()
	live := rig.live
	rig.live = nil
	rig.mu.Unlock()
	for _, sess := range live {
		sess.Close()
		sess.Flush()
	}
}

func countEvents(evs []serverEvent, eventType, userID string) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == eventType && ev.UserID == userID {
			n++
		}
	}
	return n
}

func TestFirstJoinEmitsNothing(t *testing.T) {
	rig := newRouterRig(t)
	a := rig.connect(t, "A")

	rig.router.Route("A", []byte(`{"type":"join","room":"r1"}`))
	rig.drain()

	if got := a.events(t); len(got) != 0 {
		t.Fatalf("first member received events: %+v", got)
	}
	if members := rig.rooms.Members("r1"); len(members) != 1 || members[0] != "A" {
		t.Fatalf("members = %v, want [A]", members)
	}
}

func TestJoinNotifiesExistingMembersOnly(t *testing.T) {
	rig := newRouterRig(t)
	a := rig.connect(t, "A")
	b := rig.connect(t, "B")

	rig.router.Route("A", []byte(`{"type":"join","room":"r1"}`))
	rig.router.Route("B", []byte(`{"type":"join","room":"r1"}`))
	rig.drain()

	if got := countEvents(a.events(t), eventUserJoined, "B"); got != 1 {
		t.Fatalf("A received %d user_joined{B}, want 1", got)
	}
	if got := countEvents(b.events(t), eventUserJoined, "B"); got != 0 {
		t.Fatalf("B received its own user_joined")
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	rig := newRouterRig(t)
	a := rig.connect(t, "A")
	rig.connect(t, "B")

	rig.router.Route("A", []byte(`{"type":"join","room":"r1"}`))
	rig.router.Route("B", []byte(`{"type":"join","room":"r1"}`))
	rig.router.Route("B", []byte(`{"type":"join","room":"r1"}`))
	rig.drain()

	if members := rig.rooms.Members("r1"); len(members) != 2 {
		t.Fatalf("members = %v, want 2 entries", members)
	}
	// The rejoin still notifies peers; membership just doesn't grow.
	if got := countEvents(a.events(t), eventUserJoined, "B"); got != 2 {
		t.Fatalf("A received %d user_joined{B}, want 2", got)
	}
}

func TestUnicastReachesOnlyTarget(t *testing.T) {
	rig := newRouterRig(t)
	a := rig.connect(t, "A")
	b := rig.connect(t, "B")
	c := rig.connect(t, "C")
	for _, id := range []string{"A", "B", "C"} {
		rig.router.Route(id, []byte(`{"type":"join","room":"r1"}`))
	}

	rig.router.Route("B", []byte(`{"type":"offer","offer":{"sdp":"sdp1"},"targetId":"A","room":"r1"}`))
	rig.drain()

	offers := 0
	for _, ev := range a.events(t) {
		if ev.Type == eventOffer {
			offers++
			if ev.UserID != "B" {
				t.Fatalf("offer attributed to %q, want B", ev.UserID)
			}
			if string(ev.Offer) != `{"sdp":"sdp1"}` {
				t.Fatalf("offer payload = %s", ev.Offer)
			}
		}
	}
	if offers != 1 {
		t.Fatalf("A received %d offers, want 1", offers)
	}
	if got := countEvents(b.events(t), eventOffer, "B"); got != 0 {
		t.Fatalf("sender received its own offer")
	}
	if got := countEvents(c.events(t), eventOffer, "B"); got != 0 {
		t.Fatalf("bystander received a unicast offer")
	}
}

func TestAnswerAndCandidateRouteLikeOffer(t *testing.T) {
	rig := newRouterRig(t)
	a := rig.connect(t, "A")
	rig.connect(t, "B")

	rig.router.Route("B", []byte(`{"type":"answer","answer":{"sdp":"sdp2"},"targetId":"A","room":"r1"}`))
	rig.router.Route("B", []byte(`{"type":"ice_candidate","candidate":{"candidate":"candidate:1"},"targetId":"A","room":"r1"}`))
	rig.drain()

	evs := a.events(t)
	if got := countEvents(evs, eventAnswer, "B"); got != 1 {
		t.Fatalf("A received %d answers, want 1", got)
	}
	if got := countEvents(evs, eventCandidate, "B"); got != 1 {
		t.Fatalf("A received %d candidates, want 1", got)
	}
}

func TestChatIncludesSender(t *testing.T) {
	rig := newRouterRig(t)
	a := rig.connect(t, "A")
	b := rig.connect(t, "B")
	rig.router.Route("A", []byte(`{"type":"join","room":"r1"}`))
	rig.router.Route("B", []byte(`{"type":"join","room":"r1"}`))

	rig.router.Route("A", []byte(`{"type":"message","room":"r1","message":"hi"}`))
	rig.drain()

	for name, tr := range map[string]*memTransport{"A": a, "B": b} {
		chats := 0
		for _, ev := range tr.events(t) {
			if ev.Type == eventChatMessage {
				chats++
				if ev.UserID != "A" || string(ev.Message) != `"hi"` {
					t.Fatalf("%s received chat %+v", name, ev)
				}
			}
		}
		if chats != 1 {
			t.Fatalf("%s received %d chat messages, want 1", name, chats)
		}
	}
}

func TestUnknownTargetDroppedSilently(t *testing.T) {
	rig := newRouterRig(t)
	b := rig.connect(t, "B")

	rig.router.Route("B", []byte(`{"type":"offer","offer":{},"targetId":"ghost","room":"r1"}`))
	rig.drain()

	if got := b.events(t); len(got) != 0 {
		t.Fatalf("sender received events for a dropped unicast: %+v", got)
	}
	if got := testutil.ToFloat64(rig.metrics.MessagesDropped.WithLabelValues(metrics.DropReasonUnknownTarget)); got != 1 {
		t.Fatalf("unknown_target drops = %v, want 1", got)
	}
}

func TestMalformedMessageDroppedWithoutPanic(t *testing.T) {
	rig := newRouterRig(t)
	rig.connect(t, "A")

	rig.router.Route("A", []byte(`not json at all`))
	rig.router.Route("A", []byte(`{"type":"join"}`))

	if got := testutil.ToFloat64(rig.metrics.MessagesDropped.WithLabelValues(metrics.DropReasonMalformed)); got != 2 {
		t.Fatalf("malformed drops = %v, want 2", got)
	}
}

func TestDisconnectCleansEveryRoom(t *testing.T) {
	rig := newRouterRig(t)
	a := rig.connect(t, "A")
	c := rig.connect(t, "C")
	rig.connect(t, "B")
	rig.router.Route("A", []byte(`{"type":"join","room":"r1"}`))
	rig.router.Route("C", []byte(`{"type":"join","room":"r2"}`))
	rig.router.Route("B", []byte(`{"type":"join","room":"r1"}`))
	rig.router.Route("B", []byte(`{"type":"join","room":"r2"}`))

	rig.router.Disconnect("B")
	rig.drain()

	if got := countEvents(a.events(t), eventUserLeft, "B"); got != 1 {
		t.Fatalf("A received %d user_left{B}, want 1", got)
	}
	if got := countEvents(c.events(t), eventUserLeft, "B"); got != 1 {
		t.Fatalf("C received %d user_left{B}, want 1", got)
	}
	for _, roomID := range []string{"r1", "r2"} {
		for _, member := range rig.rooms.Members(roomID) {
			if member == "B" {
				t.Fatalf("B still a member of %s", roomID)
			}
		}
	}
	if err := rig.sessions.Send("B", []byte("x")); err == nil {
		t.Fatalf("B still registered after disconnect")
	}
}

func TestDisconnectTwiceEmitsNoDuplicates(t *testing.T) {
	rig := newRouterRig(t)
	a := rig.connect(t, "A")
	rig.connect(t, "B")
	rig.router.Route("A", []byte(`{"type":"join","room":"r1"}`))
	rig.router.Route("B", []byte(`{"type":"join","room":"r1"}`))

	rig.router.Disconnect("B")
	rig.router.Disconnect("B")
	rig.drain()

	if got := countEvents(a.events(t), eventUserLeft, "B"); got != 1 {
		t.Fatalf("A received %d user_left{B}, want 1", got)
	}
}

func TestConnectedEventTellsSessionItsID(t *testing.T) {
	rig := newRouterRig(t)
	a := rig.connect(t, "A")

	rig.router.Connected("A")
	rig.drain()

	if got := countEvents(a.events(t), eventConnected, "A"); got != 1 {
		t.Fatalf("connected events = %d, want 1", got)
	}
}

func TestRoomEventFeed(t *testing.T) {
	rig := newRouterRig(t)
	rig.connect(t, "A")
	rig.connect(t, "B")

	rig.router.Route("A", []byte(`{"type":"join","room":"r1"}`))
	rig.router.Route("B", []byte(`{"type":"join","room":"r1"}`))
	rig.router.Disconnect("B")

	published := rig.feed.published()
	want := []struct{ event, room, user string }{
		{events.EventJoined, "r1", "A"},
		{events.EventJoined, "r1", "B"},
		{events.EventLeft, "r1", "B"},
	}
	if len(published) != len(want) {
		t.Fatalf("published %d events, want %d: %+v", len(published), len(want), published)
	}
	for i, w := range want {
		got := published[i]
		if got.Event != w.event || got.Room != w.room || got.UserID != w.user {
			t.Fatalf("event %d = %+v, want %+v", i, got, w)
		}
		if got.At.IsZero() {
			t.Fatalf("event %d missing timestamp", i)
		}
	}
}

func TestFeedFailureDoesNotBlockRouting(t *testing.T) {
	rig := newRouterRig(t)
	rig.feed.err = io.ErrClosedPipe
	a := rig.connect(t, "A")
	rig.connect(t, "B")

	rig.router.Route("A", []byte(`{"type":"join","room":"r1"}`))
	rig.router.Route("B", []byte(`{"type":"join","room":"r1"}`))
	rig.drain()

	if got := countEvents(a.events(t), eventUserJoined, "B"); got != 1 {
		t.Fatalf("join broadcast lost when feed fails")
	}
	if got := testutil.ToFloat64(rig.metrics.EventsFailed); got != 2 {
		t.Fatalf("failed events = %v, want 2", got)
	}
}

func TestPerTargetOrderingPreserved(t *testing.T) {
	rig := newRouterRig(t)
	a := rig.connect(t, "A")
	rig.connect(t, "B")

	for i := 0; i < 20; i++ {
		rig.router.Route("B", []byte(`{"type":"message","room":"","message":0}`)) // malformed, ignored
		rig.router.Route("B", []byte(`{"type":"ice_candidate","candidate":{"seq":`+string(rune('0'+i%10))+`},"targetId":"A","room":"r1"}`))
	}
	rig.drain()

	seen := 0
	for _, ev := range a.events(t) {
		if ev.Type != eventCandidate {
			continue
		}
		want := `{"seq":` + string(rune('0'+seen%10)) + `}`
		if string(ev.Candidate) != want {
			t.Fatalf("candidate %d = %s, want %s", seen, ev.Candidate, want)
		}
		seen++
	}
	if seen != 20 {
		t.Fatalf("delivered %d candidates, want 20", seen)
	}
}
