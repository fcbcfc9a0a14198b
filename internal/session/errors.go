package session

import "errors"

var (
	ErrTooManySessions = errors.New("too many sessions")
	// ErrDuplicateSession is returned when a session ID is already registered.
	// With 16 bytes of crypto-random entropy this indicates a caller bug, not
	// a collision.
	ErrDuplicateSession = errors.New("duplicate session id")
	ErrUnknownSession   = errors.New("unknown session")
	ErrSessionClosed    = errors.New("session closed")
	ErrQueueFull        = errors.New("send queue full")
)
