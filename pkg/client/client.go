// Package client is the device-side library: it keeps one
// authenticated connection for registration and receiving, and one
// anonymous connection for prekey requests and sends, so the relay
// never sees sender and recipient identities on the same connection.
package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/veilchat-node/pkg/keys"
	"github.com/veilchat/veilchat-node/pkg/network"
	"github.com/veilchat/veilchat-node/pkg/protocol"
	"github.com/veilchat/veilchat-node/pkg/transport"
)

// Endpoint paths on the relay.
const (
	AuthenticatedPath = "/api/authenticated"
	AnonymousPath     = "/api/anonymous"
)

var errUnexpectedReply = errors.New("unexpected reply payload")

// Options configure a client.
type Options struct {
	Log *logrus.Entry

	// Identity is the device's long-term key pair. Required.
	Identity *keys.Identity

	// DeviceID distinguishes this device among the identity's devices.
	DeviceID uint32

	// RequestTimeout bounds each request round trip. Default 30s.
	RequestTimeout time.Duration

	// OnInbound receives delivered sealed-sender messages. The relay's
	// push is acknowledged before OnInbound runs.
	OnInbound func(message []byte)
}

// Client is a connected device.
type Client struct {
	log       *logrus.Entry
	id        *keys.Identity
	deviceID  uint32
	timeout   time.Duration
	onInbound func([]byte)

	auth *network.Conn
	anon *network.Conn

	challengeCh chan []byte

	mu             sync.Mutex
	registrationID uint32
	signedPreKey   *keys.SignedPreKey
	oneTimeKeys    map[[32]byte]*keys.PreKey
}

// Dial connects both endpoints of the relay at baseURL (a ws:// or
// wss:// URL without a path) and completes the authentication
// handshake before returning.
func Dial(ctx context.Context, baseURL string, opts Options) (*Client, error) {
	c, err := newClient(opts)
	if err != nil {
		return nil, err
	}

	authWS, err := transport.DialWebSocket(baseURL + AuthenticatedPath)
	if err != nil {
		return nil, fmt.Errorf("dial authenticated endpoint: %w", err)
	}
	anonWS, err := transport.DialWebSocket(baseURL + AnonymousPath)
	if err != nil {
		authWS.Close()
		return nil, fmt.Errorf("dial anonymous endpoint: %w", err)
	}

	if err := c.start(ctx, authWS, anonWS); err != nil {
		authWS.Close()
		anonWS.Close()
		return nil, err
	}
	return c, nil
}

func newClient(opts Options) (*Client, error) {
	if opts.Identity == nil {
		return nil, errors.New("client: identity is required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var regID [4]byte
	if _, err := rand.Read(regID[:]); err != nil {
		return nil, fmt.Errorf("generate registration id: %w", err)
	}

	return &Client{
		log:            log.WithField("device", opts.DeviceID),
		id:             opts.Identity,
		deviceID:       opts.DeviceID,
		timeout:        timeout,
		onInbound:      opts.OnInbound,
		challengeCh:    make(chan []byte, 1),
		registrationID: binary.BigEndian.Uint32(regID[:]),
		oneTimeKeys:    make(map[[32]byte]*keys.PreKey),
	}, nil
}

// start wires handlers over already-established transports and runs
// the handshake. Split from Dial so tests can drive the client over
// in-memory pipes.
func (c *Client) start(ctx context.Context, authTr, anonTr transport.Transport) error {
	c.auth = network.NewConn(authTr, network.Options{
		Log:     c.log.WithField("conn", "authenticated"),
		Handler: authHandler{c},
	})
	c.anon = network.NewConn(anonTr, network.Options{
		Log:     c.log.WithField("conn", "anonymous"),
		Handler: anonHandler{c},
	})

	if err := c.auth.Start(); err != nil {
		return err
	}
	if err := c.anon.Start(); err != nil {
		return err
	}
	return c.authenticate(ctx)
}

// authenticate waits for the relay's challenge, signs a Login over it
// and submits the one allowed AuthResponse.
func (c *Client) authenticate(ctx context.Context) error {
	var nonce []byte
	select {
	case nonce = <-c.challengeCh:
	case <-ctx.Done():
		return fmt.Errorf("await auth challenge: %w", ctx.Err())
	}

	login, err := protocol.EncodeLogin(&protocol.Login{
		Address: c.id.Address(c.deviceID),
		Nonce:   nonce,
	})
	if err != nil {
		return fmt.Errorf("encode login: %w", err)
	}

	_, err = c.auth.Request(ctx, &protocol.AuthResponse{
		Login:     login,
		Signature: c.id.Sign(login),
	})
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

// Address returns the client's device address.
func (c *Client) Address() protocol.Address {
	return c.id.Address(c.deviceID)
}

// Register publishes a fresh signed prekey and numOneTimeKeys one-time
// prekeys. The private halves stay on the client for session
// establishment.
func (c *Client) Register(ctx context.Context, numOneTimeKeys int) error {
	spk, err := keys.NewSignedPreKey(c.id)
	if err != nil {
		return err
	}
	otks, err := keys.GenerateOneTimePreKeys(numOneTimeKeys)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.signedPreKey = spk
	for _, k := range otks {
		c.oneTimeKeys[k.Public] = k
	}
	regID := c.registrationID
	c.mu.Unlock()

	pubs := make([][]byte, len(otks))
	for i, k := range otks {
		pubs[i] = append([]byte(nil), k.Public[:]...)
	}

	resp, err := c.auth.Request(ctx, &protocol.Register{
		RegistrationID: regID,
		SignedPreKey:   spk.Encode(),
		OneTimePreKeys: pubs,
	})
	if err != nil {
		return err
	}
	return expectAck(resp)
}

// ReplenishOneTimePreKeys uploads n more one-time prekeys under the
// current signed prekey, so the relay appends rather than replaces.
func (c *Client) ReplenishOneTimePreKeys(ctx context.Context, n int) error {
	c.mu.Lock()
	spk := c.signedPreKey
	regID := c.registrationID
	c.mu.Unlock()
	if spk == nil {
		return errors.New("client: not registered")
	}

	otks, err := keys.GenerateOneTimePreKeys(n)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, k := range otks {
		c.oneTimeKeys[k.Public] = k
	}
	c.mu.Unlock()

	pubs := make([][]byte, len(otks))
	for i, k := range otks {
		pubs[i] = append([]byte(nil), k.Public[:]...)
	}

	resp, err := c.auth.Request(ctx, &protocol.Register{
		RegistrationID: regID,
		SignedPreKey:   spk.Encode(),
		OneTimePreKeys: pubs,
	})
	if err != nil {
		return err
	}
	return expectAck(resp)
}

// Unregister removes this device's registration.
func (c *Client) Unregister(ctx context.Context) error {
	resp, err := c.auth.Request(ctx, &protocol.Unregister{})
	if err != nil {
		return err
	}
	return expectAck(resp)
}

// RequestPreKeys fetches prekey snapshots for userID's devices,
// excluding knownDeviceIDs. Anonymous operation.
func (c *Client) RequestPreKeys(ctx context.Context, userID []byte, knownDeviceIDs []uint32) ([]protocol.PreKey, error) {
	resp, err := c.anon.Request(ctx, &protocol.RequestPreKeys{
		UserID:         userID,
		KnownDeviceIDs: knownDeviceIDs,
	})
	if err != nil {
		return nil, err
	}
	pk, ok := resp.(*protocol.PreKeys)
	if !ok {
		return nil, fmt.Errorf("%w: %T", errUnexpectedReply, resp)
	}
	return pk.PreKeys, nil
}

// Send relays a sealed-sender message to a recipient device. The
// relay's Ack means accepted, not delivered. Anonymous operation.
func (c *Client) Send(ctx context.Context, to protocol.Address, sealed []byte) error {
	resp, err := c.anon.Request(ctx, &protocol.OutboundMessage{
		To:                        to,
		UnidentifiedSenderMessage: sealed,
	})
	if err != nil {
		return err
	}
	return expectAck(resp)
}

// Ping checks liveness of the anonymous connection.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.anon.Request(ctx, &protocol.Ping{})
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.Pong); !ok {
		return fmt.Errorf("%w: %T", errUnexpectedReply, resp)
	}
	return nil
}

// OneTimePreKey returns the private half of a published one-time
// prekey, for completing an inbound session.
func (c *Client) OneTimePreKey(pub [32]byte) (*keys.PreKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.oneTimeKeys[pub]
	return k, ok
}

// Close tears down both connections.
func (c *Client) Close() {
	if c.auth != nil {
		c.auth.Close(nil)
	}
	if c.anon != nil {
		c.anon.Close(nil)
	}
}

func expectAck(resp protocol.Payload) error {
	if _, ok := resp.(*protocol.Ack); !ok {
		return fmt.Errorf("%w: %T", errUnexpectedReply, resp)
	}
	return nil
}

// authHandler services the authenticated connection: the challenge,
// delivered messages and prekey refill requests arrive here.
type authHandler struct{ c *Client }

func (h authHandler) HandleRequest(conn *network.Conn, env *protocol.Envelope) protocol.Payload {
	switch p := env.Payload.(type) {
	case *protocol.InboundMessage:
		if h.c.onInbound != nil {
			msg := append([]byte(nil), p.Message...)
			go h.c.onInbound(msg)
		}
		return &protocol.Ack{}
	default:
		return protocol.NewError(protocol.ErrorNameUnsupported,
			fmt.Sprintf("unexpected request 0x%04x", env.Payload.MsgType()))
	}
}

func (h authHandler) HandleOneWay(conn *network.Conn, env *protocol.Envelope) {
	switch p := env.Payload.(type) {
	case *protocol.AuthChallenge:
		select {
		case h.c.challengeCh <- p.Nonce:
		default:
			h.c.log.Warn("dropping extra auth challenge")
		}
	case *protocol.PreKeysLow:
		go h.c.replenish(int(p.KeysRequested))
	}
}

func (c *Client) replenish(n int) {
	if n <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.ReplenishOneTimePreKeys(ctx, n); err != nil {
		c.log.WithError(err).Warn("one-time prekey replenishment failed")
		return
	}
	c.log.WithField("count", n).Debug("replenished one-time prekeys")
}

// anonHandler services the anonymous connection; the relay initiates
// nothing on it.
type anonHandler struct{ c *Client }

func (h anonHandler) HandleRequest(conn *network.Conn, env *protocol.Envelope) protocol.Payload {
	return protocol.NewError(protocol.ErrorNameUnsupported,
		fmt.Sprintf("unexpected request 0x%04x", env.Payload.MsgType()))
}

func (h anonHandler) HandleOneWay(conn *network.Conn, env *protocol.Envelope) {}
