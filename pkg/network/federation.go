package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/veilchat/veilchat-node/pkg/protocol"
	"github.com/veilchat/veilchat-node/pkg/transport"
)

// PeerResolver decides where a non-local recipient lives. ok is false
// when the recipient should be treated as local to this relay.
type PeerResolver interface {
	Resolve(addr protocol.Address) (peerURL string, ok bool)
}

// HashResolver spreads non-local users over a static peer list by
// hashing their userID, so every relay in the federation agrees on a
// user's home without coordination. The relay checks local
// registration before consulting the resolver.
type HashResolver struct {
	peers []string
}

func NewHashResolver(peers []string) *HashResolver {
	return &HashResolver{peers: peers}
}

func (r *HashResolver) Resolve(addr protocol.Address) (string, bool) {
	if len(r.peers) == 0 {
		return "", false
	}
	sum := blake2b.Sum256(addr.UserID)
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(r.peers))
	return r.peers[idx], true
}

// peerSendTimeout bounds one forwarded-message round trip to a peer.
const peerSendTimeout = 30 * time.Second

// PeerLinks maintains cached anonymous protocol connections to peer
// relays and delivers forwarded messages over them. A link that fails
// is dropped and redialed on the next attempt.
type PeerLinks struct {
	log *logrus.Entry

	mu    sync.Mutex
	links map[string]*Conn
}

func NewPeerLinks(log *logrus.Entry) *PeerLinks {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PeerLinks{
		log:   log.WithField("component", "peerlinks"),
		links: make(map[string]*Conn),
	}
}

// SendToPeer delivers msg to the relay at peerURL and waits for its
// acknowledgement.
func (l *PeerLinks) SendToPeer(peerURL string, msg *protocol.OutboundMessage) error {
	c, err := l.link(peerURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), peerSendTimeout)
	defer cancel()

	if _, err := c.Request(ctx, msg); err != nil {
		l.drop(peerURL, c)
		return fmt.Errorf("forward to %s: %w", peerURL, err)
	}
	return nil
}

func (l *PeerLinks) link(peerURL string) (*Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.links[peerURL]; ok && c.State() == StateOpen {
		return c, nil
	}

	ws, err := transport.DialWebSocket(peerURL)
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", peerURL, err)
	}

	c := NewConn(ws, Options{
		Log:     l.log.WithField("peer", peerURL),
		Handler: peerLinkHandler{log: l.log},
	})
	if err := c.Start(); err != nil {
		return nil, err
	}

	l.links[peerURL] = c
	l.log.WithField("peer", peerURL).Info("peer link established")
	return c, nil
}

func (l *PeerLinks) drop(peerURL string, c *Conn) {
	l.mu.Lock()
	if l.links[peerURL] == c {
		delete(l.links, peerURL)
	}
	l.mu.Unlock()
	c.Close(nil)
}

// Close tears down every cached link.
func (l *PeerLinks) Close() {
	l.mu.Lock()
	links := l.links
	l.links = make(map[string]*Conn)
	l.mu.Unlock()
	for _, c := range links {
		c.Close(nil)
	}
}

// peerLinkHandler rejects anything a peer relay should not be sending
// back over an outbound link.
type peerLinkHandler struct {
	log *logrus.Entry
}

func (h peerLinkHandler) HandleRequest(c *Conn, env *protocol.Envelope) protocol.Payload {
	return protocol.NewError(protocol.ErrorNameUnsupported,
		fmt.Sprintf("unexpected request 0x%04x on peer link", env.Payload.MsgType()))
}

func (h peerLinkHandler) HandleOneWay(c *Conn, env *protocol.Envelope) {
	h.log.WithField("type", fmt.Sprintf("0x%04x", env.Payload.MsgType())).Debug("ignoring one-way on peer link")
}
