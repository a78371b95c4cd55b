// Package transport implements the Transport capability set:
// enqueue/flush_local/flush_remote/register_deliver.
// The core shuffle engine is parametric over any implementation of this
// interface (spec §9's "polymorphism over shuffler variants" note); this
// package supplies two: an in-process channel transport for deterministic
// tests, and a TCP transport for cmd/shuffler-node.
package transport

import "context"

// DeliverFunc is the inbound callback registered with RegisterDeliver. src
// and dst are rank numbers; frame is an undecoded wire frame (internal/wire).
type DeliverFunc func(src, dst int, frame []byte)

// Transport is the capability set the shuffle engine depends on. It never
// interprets frame contents; internal/wire owns the byte layout.
type Transport interface {
	// Enqueue queues frame for delivery to dst. Best-effort: may batch
	// internally until FlushLocal/FlushRemote is called.
	Enqueue(ctx context.Context, dst int, frame []byte) error

	// FlushLocal drains queues addressed to this same process (self
	// loopback), blocking until delivered.
	FlushLocal(ctx context.Context) error

	// FlushRemote drains queues addressed to other processes, blocking
	// until handed off to the network.
	FlushRemote(ctx context.Context) error

	// RegisterDeliver installs the inbound callback. Must be called
	// before any frame can arrive; only one callback is supported.
	RegisterDeliver(cb DeliverFunc)

	// Self returns this transport's own rank.
	Self() int

	// Close releases any resources (listeners, goroutines).
	Close() error
}
