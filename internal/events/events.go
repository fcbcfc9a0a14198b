// Package events publishes room membership changes to an external feed.
//
// The feed is best-effort: routing never waits on a broker, and publish
// failures are counted and logged by the caller rather than surfaced to
// clients.
package events

import (
	"encoding/json"
	"time"
)

const (
	EventJoined = "joined"
	EventLeft   = "left"
)

// RoomEvent is one membership change, serialized as JSON on the feed.
type RoomEvent struct {
	Event  string    `json:"event"`
	Room   string    `json:"room"`
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

func (e RoomEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(event RoomEvent) error
	Close() error
}

// Noop is the publisher used when no feed is configured.
type Noop struct{}

func (Noop) Publish(RoomEvent) error { return nil }
func (Noop) Close() error            { return nil }
