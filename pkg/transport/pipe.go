package transport

import "sync"

// Pipe is an in-memory transport used by tests and in-process wiring.
// NewPipe returns the two ends of a full-duplex channel; frames sent on
// one end arrive on the other, in order.
type Pipe struct {
	peer *Pipe
	name string

	frames chan []byte
	done   chan struct{}

	mu      sync.Mutex
	cb      Callbacks
	bound   bool
	closed  bool
	lastErr error
}

// NewPipe creates a connected transport pair.
func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{name: "pipe-a", frames: make(chan []byte, 64), done: make(chan struct{})}
	b := &Pipe{name: "pipe-b", frames: make(chan []byte, 64), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// Bind registers callbacks and starts delivering queued frames.
func (p *Pipe) Bind(cb Callbacks) {
	p.mu.Lock()
	p.cb = cb
	start := !p.bound
	p.bound = true
	p.mu.Unlock()

	if start {
		go p.deliverLoop()
	}
}

// Send queues one frame for the peer end.
func (p *Pipe) Send(data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	frame := make([]byte, len(data))
	copy(frame, data)

	select {
	case p.peer.frames <- frame:
		return nil
	case <-p.peer.done:
		return ErrClosed
	}
}

// Close shuts down both ends.
func (p *Pipe) Close() error {
	p.closeWith(nil)
	p.peer.closeWith(nil)
	return nil
}

// CloseWithError shuts down both ends, surfacing err through the peer's
// OnClose callback. Tests use it to simulate transport failures.
func (p *Pipe) CloseWithError(err error) {
	p.closeWith(nil)
	p.peer.closeWith(err)
}

// RemoteAddr describes the peer end.
func (p *Pipe) RemoteAddr() string {
	return p.peer.name
}

func (p *Pipe) closeWith(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.lastErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *Pipe) deliverLoop() {
	for {
		select {
		case frame := <-p.frames:
			p.mu.Lock()
			onMessage := p.cb.OnMessage
			p.mu.Unlock()
			if onMessage != nil {
				onMessage(frame)
			}
		case <-p.done:
			// Drain frames already queued before the close.
			for {
				select {
				case frame := <-p.frames:
					p.mu.Lock()
					onMessage := p.cb.OnMessage
					p.mu.Unlock()
					if onMessage != nil {
						onMessage(frame)
					}
					continue
				default:
				}
				break
			}
			p.mu.Lock()
			onClose := p.cb.OnClose
			err := p.lastErr
			p.mu.Unlock()
			if onClose != nil {
				onClose(err)
			}
			return
		}
	}
}
