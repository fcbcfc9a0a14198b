// Package signaling implements the relay's WebSocket endpoint and message
// router.
//
// The router is a pure pass-through keyed on room and target identifiers:
// session descriptions, ICE candidates and chat payloads are opaque JSON
// forwarded unmodified. Join notifications exclude the sender, chat
// broadcasts include it, and negotiation messages are unicast to their
// target.
package signaling
