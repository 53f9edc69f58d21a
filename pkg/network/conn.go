package network

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/veilchat-node/pkg/protocol"
	"github.com/veilchat/veilchat-node/pkg/transport"
)

var (
	// ErrConnectionClosed is delivered to every waiter still pending
	// when a connection closes.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCorrelation marks an inbound response whose sequence matches
	// no pending request.
	ErrCorrelation = errors.New("unmatched response sequence")
)

// State is the connection lifecycle state. Authentication is tracked
// separately; an anonymous connection stays unauthenticated for its
// whole life.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

// Handler processes inbound traffic the connection cannot resolve by
// itself. HandleRequest must return exactly one reply payload; the
// connection sends it with the request's sequence. HandleOneWay
// receives pushes that expect no reply.
type Handler interface {
	HandleRequest(c *Conn, env *protocol.Envelope) protocol.Payload
	HandleOneWay(c *Conn, env *protocol.Envelope)
}

// Options configure one connection.
type Options struct {
	Log     *logrus.Entry
	Handler Handler

	// IssueChallenge makes the connection send one AuthChallenge with a
	// fresh nonce immediately on Start. Server side only.
	IssueChallenge bool

	// OnAuthenticated fires once when the handshake binds an address.
	OnAuthenticated func(c *Conn, addr protocol.Address)

	// OnAuthFailed fires when the single handshake attempt is rejected.
	OnAuthFailed func(c *Conn, err error)

	// OnClosed fires exactly once after the connection reaches
	// StateClosed and all waiters have been released.
	OnClosed func(c *Conn, err error)
}

// result carries a correlated response (or failure) to a waiter.
type result struct {
	env *protocol.Envelope
	err error
}

// Conn is the per-connection state machine. It owns the outbound
// sequence counter, the pending-request map and the authentication
// state for exactly one transport. Inbound frames are processed in
// arrival order on the transport's delivery goroutine; different
// connections never block each other.
type Conn struct {
	log  *logrus.Entry
	tr   transport.Transport
	opts Options

	mu      sync.Mutex
	state   State
	nextSeq uint32
	pending map[uint32]chan result
	lastErr error

	auth      authState
	nonce     []byte
	boundAddr *protocol.Address
}

// NewConn builds a connection over tr. Call Start to begin processing.
func NewConn(tr transport.Transport, opts Options) *Conn {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	auth := authDisabled
	if opts.IssueChallenge {
		auth = authChallenged
	}

	return &Conn{
		log:     log.WithField("remote", tr.RemoteAddr()),
		tr:      tr,
		opts:    opts,
		state:   StateConnecting,
		pending: make(map[uint32]chan result),
		auth:    auth,
	}
}

// Start binds the transport and, when the connection offers
// authentication, sends the one and only AuthChallenge.
func (c *Conn) Start() error {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return fmt.Errorf("start: connection not in connecting state")
	}
	c.state = StateOpen
	c.mu.Unlock()

	// The nonce must exist before the transport can deliver frames: an
	// AuthResponse racing the bind would otherwise spend the one-shot
	// challenge against a nil nonce.
	var nonce []byte
	if c.opts.IssueChallenge {
		var err error
		if nonce, err = newNonce(); err != nil {
			c.Close(err)
			return err
		}
		c.mu.Lock()
		c.nonce = nonce
		c.mu.Unlock()
	}

	c.tr.Bind(transport.Callbacks{
		OnMessage: c.onMessage,
		OnClose:   func(err error) { c.Close(err) },
	})

	if c.opts.IssueChallenge {
		if err := c.Send(&protocol.AuthChallenge{Nonce: nonce}); err != nil {
			c.Close(err)
			return err
		}
	}

	return nil
}

// State returns the lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Address returns the address bound by a completed handshake.
func (c *Conn) Address() (protocol.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.boundAddr == nil {
		return protocol.Address{}, false
	}
	return *c.boundAddr, true
}

// IsAuthenticated reports whether the handshake has bound an address.
func (c *Conn) IsAuthenticated() bool {
	_, ok := c.Address()
	return ok
}

// RemoteAddr describes the peer, for logging.
func (c *Conn) RemoteAddr() string {
	return c.tr.RemoteAddr()
}

// Request sends an originated message and suspends the caller until the
// correlated response arrives, the context is done, or the connection
// closes. Waiting has no implicit timeout; pass one via ctx. When the
// peer answers with an Error payload, it is returned as the error.
func (c *Conn) Request(ctx context.Context, p protocol.Payload) (protocol.Payload, error) {
	c.mu.Lock()
	if c.state != StateOpen {
		err := c.closedError()
		c.mu.Unlock()
		return nil, err
	}
	seq := c.nextSeq
	c.nextSeq++
	ch := make(chan result, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	if err := c.send(seq, p); err != nil {
		c.dropPending(seq)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.dropPending(seq)
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if we, ok := res.env.Payload.(*protocol.Error); ok {
			return nil, we
		}
		return res.env.Payload, nil
	}
}

// Send transmits an originated message that expects no response. It
// consumes one sequence number like any other originated message.
func (c *Conn) Send(p protocol.Payload) error {
	c.mu.Lock()
	if c.state != StateOpen {
		err := c.closedError()
		c.mu.Unlock()
		return err
	}
	seq := c.nextSeq
	c.nextSeq++
	c.mu.Unlock()

	return c.send(seq, p)
}

// reply answers an inbound request, reusing its sequence number.
func (c *Conn) reply(seq uint32, p protocol.Payload) error {
	return c.send(seq, p)
}

func (c *Conn) send(seq uint32, p protocol.Payload) error {
	env := &protocol.Envelope{Sequence: seq, Payload: p}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return c.tr.Send(data)
}

// Close moves the connection to StateClosed, releasing every pending
// waiter with a closure failure that carries the last observed error.
// Idempotent; only the first call's err is recorded.
func (c *Conn) Close(err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.lastErr = err
	waiters := c.pending
	c.pending = make(map[uint32]chan result)
	closeErr := c.closedError()
	c.mu.Unlock()

	c.tr.Close()

	for _, ch := range waiters {
		ch <- result{err: closeErr}
	}

	if c.opts.OnClosed != nil {
		c.opts.OnClosed(c, err)
	}
}

func (c *Conn) closedError() error {
	if c.lastErr != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, c.lastErr)
	}
	return ErrConnectionClosed
}

func (c *Conn) dropPending(seq uint32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// onMessage processes one inbound frame. It runs on the transport's
// delivery goroutine, so frames of one connection are handled strictly
// in arrival order.
func (c *Conn) onMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		// Malformed traffic is connection-fatal.
		c.log.WithError(err).Warn("protocol error, closing connection")
		c.Close(err)
		return
	}

	t := env.Payload.MsgType()
	switch {
	case protocol.IsResponse(t):
		c.deliverResponse(env)
	case protocol.IsOneWay(t):
		if c.opts.Handler != nil {
			c.opts.Handler.HandleOneWay(c, env)
		}
	default:
		c.handleRequest(env)
	}
}

func (c *Conn) deliverResponse(env *protocol.Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.Sequence]
	if ok {
		delete(c.pending, env.Sequence)
	}
	c.mu.Unlock()

	if !ok {
		c.log.WithFields(logrus.Fields{
			"sequence": env.Sequence,
			"type":     fmt.Sprintf("0x%04x", env.Payload.MsgType()),
		}).Warn(ErrCorrelation.Error())
		return
	}

	ch <- result{env: env}
}

// handleRequest produces exactly one reply per inbound request, even
// when the handler faults.
func (c *Conn) handleRequest(env *protocol.Envelope) {
	resp := c.dispatch(env)
	if resp == nil {
		resp = protocol.NewError(protocol.ErrorNameInternal, "handler produced no reply")
	}
	if err := c.reply(env.Sequence, resp); err != nil {
		c.log.WithError(err).Debug("reply failed")
	}
}

func (c *Conn) dispatch(env *protocol.Envelope) (resp protocol.Payload) {
	// Faults stay contained to this request; the connection and the
	// shared state it touches keep running.
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("request handler panicked")
			resp = protocol.NewError(protocol.ErrorNameInternal, "internal error")
		}
	}()

	if ar, ok := env.Payload.(*protocol.AuthResponse); ok {
		return c.handleAuthResponse(ar)
	}

	if c.opts.Handler == nil {
		return protocol.NewError(protocol.ErrorNameUnsupported, "no handler for this connection")
	}
	return c.opts.Handler.HandleRequest(c, env)
}
