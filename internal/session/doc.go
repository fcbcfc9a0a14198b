// Package session tracks connected signaling clients and owns the outbound
// write path.
//
// Each session has a single write pump goroutine draining a bounded queue, so
// fan-out callers never block on a slow client and frames to any one client
// are delivered in enqueue order.
package session
