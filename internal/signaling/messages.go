package signaling

import (
	"encoding/json"
	"fmt"
)

type messageType string

const (
	messageTypeJoin      messageType = "join"
	messageTypeOffer     messageType = "offer"
	messageTypeAnswer    messageType = "answer"
	messageTypeCandidate messageType = "ice_candidate"
	messageTypeChat      messageType = "message"
)

// clientMessage is the inbound envelope. Offer, answer, candidate and chat
// payloads are kept as raw JSON: the relay routes on room/targetId only and
// forwards payloads byte-for-byte.
type clientMessage struct {
	Type     messageType `json:"type"`
	Room     string      `json:"room,omitempty"`
	TargetID string      `json:"targetId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
}

// parseClientMessage decodes and validates one inbound frame. Unknown fields
// are tolerated so older or richer clients keep working; missing required
// fields are not.
func parseClientMessage(data []byte) (clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeJoin:
		if m.Room == "" {
			return fmt.Errorf("join message missing room")
		}
	case messageTypeOffer:
		if len(m.Offer) == 0 {
			return fmt.Errorf("offer message missing offer")
		}
		if m.TargetID == "" {
			return fmt.Errorf("offer message missing targetId")
		}
		if m.Room == "" {
			return fmt.Errorf("offer message missing room")
		}
	case messageTypeAnswer:
		if len(m.Answer) == 0 {
			return fmt.Errorf("answer message missing answer")
		}
		if m.TargetID == "" {
			return fmt.Errorf("answer message missing targetId")
		}
		if m.Room == "" {
			return fmt.Errorf("answer message missing room")
		}
	case messageTypeCandidate:
		if len(m.Candidate) == 0 {
			return fmt.Errorf("ice_candidate message missing candidate")
		}
		if m.TargetID == "" {
			return fmt.Errorf("ice_candidate message missing targetId")
		}
		if m.Room == "" {
			return fmt.Errorf("ice_candidate message missing room")
		}
	case messageTypeChat:
		if m.Room == "" {
			return fmt.Errorf("chat message missing room")
		}
		if len(m.Message) == 0 {
			return fmt.Errorf("chat message missing message")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// serverEvent is the outbound envelope. UserID identifies the peer the event
// is about, never the recipient.
type serverEvent struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
}

const (
	eventConnected   = "connected"
	eventUserJoined  = "user_joined"
	eventUserLeft    = "user_left"
	eventOffer       = "offer"
	eventAnswer      = "answer"
	eventCandidate   = "ice_candidate"
	eventChatMessage = "chat_message"
)

func encodeEvent(ev serverEvent) []byte {
	// serverEvent contains only marshalable fields; an error here would be a
	// programming bug.
	payload, err := json.Marshal(ev)
	if err != nil {
		panic(fmt.Sprintf("encode %s event: %v", ev.Type, err))
	}
	return payload
}
