// Command signal-smoke runs an end-to-end exchange against a live relay: two
// clients join a room, trade an offer/answer/candidate handshake and a chat
// message, then one disconnects. It exits non-zero on the first deviation
// from the expected event sequence.
//
// Usage:
//
//	signal-smoke -relay ws://127.0.0.1:8080/ws -room smoke-test
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type event struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
}

type client struct {
	name string
	conn *websocket.Conn
	id   string
}

func main() {
	relayURL := flag.String("relay", "ws://127.0.0.1:8080/ws", "relay websocket URL")
	roomID := flag.String("room", "smoke-test", "room to join")
	timeout := flag.Duration("timeout", 5*time.Second, "per-read timeout")
	flag.Parse()

	a := connect(*relayURL, *timeout, "A")
	defer a.conn.Close()
	b := connect(*relayURL, *timeout, "B")
	defer b.conn.Close()

	a.send(map[string]any{"type": "join", "room": *roomID})
	b.send(map[string]any{"type": "join", "room": *roomID})

	joined := a.expect("user_joined")
	if joined.UserID != b.id {
		fail("A saw user_joined from %q, want %q", joined.UserID, b.id)
	}

	b.send(map[string]any{"type": "offer", "offer": map[string]string{"type": "offer", "sdp": "v=0"}, "targetId": a.id, "room": *roomID})
	offer := a.expect("offer")
	if offer.UserID != b.id {
		fail("offer attributed to %q, want %q", offer.UserID, b.id)
	}

	a.send(map[string]any{"type": "answer", "answer": map[string]string{"type": "answer", "sdp": "v=0"}, "targetId": b.id, "room": *roomID})
	b.expect("answer")

	a.send(map[string]any{"type": "ice_candidate", "candidate": map[string]string{"candidate": "candidate:1"}, "targetId": b.id, "room": *roomID})
	b.expect("ice_candidate")

	a.send(map[string]any{"type": "message", "room": *roomID, "message": "smoke"})
	chat := a.expect("chat_message")
	if chat.UserID != a.id {
		fail("A's own chat attributed to %q, want %q", chat.UserID, a.id)
	}
	b.expect("chat_message")

	b.conn.Close()
	left := a.expect("user_left")
	if left.UserID != b.id {
		fail("user_left for %q, want %q", left.UserID, b.id)
	}

	fmt.Println("signal-smoke: ok")
}

func connect(relayURL string, timeout time.Duration, name string) *client {
	conn, _, err := websocket.DefaultDialer.Dial(relayURL, nil)
	if err != nil {
		fail("%s dial %s: %v", name, relayURL, err)
	}
	c := &client{name: name, conn: conn}
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	connected := c.expect("connected")
	if connected.UserID == "" {
		fail("%s connected event missing userId", name)
	}
	c.id = connected.UserID
	fmt.Printf("%s connected as %s\n", name, c.id)
	return c
}

func (c *client) send(msg map[string]any) {
	if err := c.conn.WriteJSON(msg); err != nil {
		fail("%s write %v: %v", c.name, msg["type"], err)
	}
}

// expect reads events until one of the wanted type arrives, skipping
// unrelated broadcasts (a second smoke run against a shared relay may
// generate extra traffic in the room).
func (c *client) expect(wantType string) event {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			fail("%s waiting for %s: %v", c.name, wantType, err)
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			fail("%s decode %s: %v", c.name, data, err)
		}
		if ev.Type == wantType {
			return ev
		}
		fmt.Printf("%s skipping %s event\n", c.name, ev.Type)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "signal-smoke: "+format+"\n", args...)
	os.Exit(1)
}
