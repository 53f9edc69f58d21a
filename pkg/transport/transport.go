// Package transport abstracts the bidirectional framed-message channel
// a connection runs on. Implementations deliver whole frames in order
// and report closure exactly once.
package transport

// Callbacks receives transport events. OnMessage is invoked once per
// received frame, in arrival order, from a single goroutine. OnClose is
// invoked exactly once when the transport stops, with the last error
// observed (nil on clean shutdown).
type Callbacks struct {
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Transport is a single logical connection. Exactly one Callbacks
// registration is live at a time; Bind starts delivery and must be
// called before the first frame is wanted. Send may fail asynchronously
// after returning; such failures surface through OnClose.
type Transport interface {
	// Bind registers the callbacks and starts frame delivery.
	Bind(cb Callbacks)

	// Send transmits one frame. Safe for concurrent use.
	Send(data []byte) error

	// Close shuts the transport down. Idempotent.
	Close() error

	// RemoteAddr describes the peer, for logging.
	RemoteAddr() string
}
