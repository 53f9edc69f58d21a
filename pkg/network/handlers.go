package network

import (
	"context"
	"fmt"

	"github.com/veilchat/veilchat-node/pkg/protocol"
	"github.com/veilchat/veilchat-node/pkg/storage"
)

// HandleRequest routes one inbound request. Registration operations
// need the connection's proven identity; prekey requests and sends are
// anonymous-only unless configured otherwise, so the relay never
// learns who is messaging whom.
func (s *RelayServer) HandleRequest(c *Conn, env *protocol.Envelope) protocol.Payload {
	switch p := env.Payload.(type) {
	case *protocol.Ping:
		return &protocol.Pong{}

	case *protocol.Register:
		addr, ok := c.Address()
		if !ok {
			return protocol.NewError(protocol.ErrorNameUnauthenticated, "register requires authentication")
		}
		return s.handleRegister(addr, p)

	case *protocol.Unregister:
		addr, ok := c.Address()
		if !ok {
			return protocol.NewError(protocol.ErrorNameUnauthenticated, "unregister requires authentication")
		}
		return s.handleUnregister(addr)

	case *protocol.RequestPreKeys:
		if resp := s.requireAnonymous(c); resp != nil {
			return resp
		}
		return s.handleRequestPreKeys(p)

	case *protocol.OutboundMessage:
		if resp := s.requireAnonymous(c); resp != nil {
			return resp
		}
		return s.handleOutboundMessage(p)

	default:
		return protocol.NewError(protocol.ErrorNameUnsupported,
			fmt.Sprintf("unsupported request 0x%04x", env.Payload.MsgType()))
	}
}

// HandleOneWay drops one-way pushes; clients have no business pushing
// them at a relay.
func (s *RelayServer) HandleOneWay(c *Conn, env *protocol.Envelope) {
	s.log.WithField("type", fmt.Sprintf("0x%04x", env.Payload.MsgType())).Debug("ignoring one-way from client")
}

func (s *RelayServer) requireAnonymous(c *Conn) protocol.Payload {
	if c.IsAuthenticated() && !s.cfg.AllowAuthenticatedAnonymousOps {
		return protocol.NewError(protocol.ErrorNameAnonymousRequired,
			"use an anonymous connection for this operation")
	}
	return nil
}

func (s *RelayServer) handleRegister(addr protocol.Address, p *protocol.Register) protocol.Payload {
	err := s.store.MergeRegistration(addr, &storage.Registration{
		RegistrationID: p.RegistrationID,
		SignedPreKey:   p.SignedPreKey,
		OneTimePreKeys: p.OneTimePreKeys,
	})
	if err != nil {
		s.log.WithError(err).Error("merge registration")
		return protocol.NewError(protocol.ErrorNameInternal, "registration failed")
	}
	return &protocol.Ack{}
}

func (s *RelayServer) handleUnregister(addr protocol.Address) protocol.Payload {
	if err := s.store.DeleteRegistration(addr); err != nil {
		s.log.WithError(err).Error("delete registration")
		return protocol.NewError(protocol.ErrorNameInternal, "unregister failed")
	}
	return &protocol.Ack{}
}

// handleRequestPreKeys snapshots every registered device of the user
// the requester does not already know. Devices with drained pools
// still appear, just without a one-time prekey; a user with no
// eligible devices at all is an error.
func (s *RelayServer) handleRequestPreKeys(p *protocol.RequestPreKeys) protocol.Payload {
	devices, err := s.store.DevicesForUser(p.UserID)
	if err != nil {
		s.log.WithError(err).Error("list devices")
		return protocol.NewError(protocol.ErrorNameInternal, "prekey lookup failed")
	}

	known := make(map[uint32]bool, len(p.KnownDeviceIDs))
	for _, id := range p.KnownDeviceIDs {
		known[id] = true
	}

	var out []protocol.PreKey
	for _, addr := range devices {
		if known[addr.DeviceID] {
			continue
		}
		reg, err := s.store.Registration(addr)
		if err != nil {
			s.log.WithError(err).WithField("address", addr.String()).Error("load registration")
			continue
		}
		key, remaining, err := s.store.TakeOneTimePreKey(addr)
		if err != nil {
			s.log.WithError(err).WithField("address", addr.String()).Error("take one-time prekey")
			continue
		}
		out = append(out, protocol.PreKey{
			Address:        addr,
			RegistrationID: reg.RegistrationID,
			SignedPreKey:   reg.SignedPreKey,
			OneTimePreKey:  key,
		})
		if remaining < s.cfg.LowPreKeyThreshold {
			s.notifyPreKeysLow(addr, remaining)
		}
	}

	if len(out) == 0 {
		return protocol.NewError(protocol.ErrorNameNoPreKeysAvailable, "no registered devices for user")
	}
	return &protocol.PreKeys{PreKeys: out}
}

// notifyPreKeysLow pushes a refill request at the device's live
// connection, if it has one. Offline devices find out on their next
// prekey depletion while connected.
func (s *RelayServer) notifyPreKeysLow(addr protocol.Address, remaining int) {
	rc, ok := s.dir.Get(addr)
	if !ok {
		return
	}
	n := s.cfg.PreKeyTarget - remaining
	if n <= 0 {
		return
	}
	if err := rc.Send(&protocol.PreKeysLow{KeysRequested: uint32(n)}); err != nil {
		s.log.WithError(err).WithField("address", addr.String()).Debug("prekeys-low push failed")
	}
}

// handleOutboundMessage acknowledges acceptance, not delivery. A live
// local recipient gets the message pushed immediately; a recipient
// homed on a peer relay goes through the at-least-once forwarder;
// everything else is unknown.
func (s *RelayServer) handleOutboundMessage(p *protocol.OutboundMessage) protocol.Payload {
	if rc, ok := s.dir.Get(p.To); ok {
		go s.deliver(rc, p)
		return &protocol.Ack{}
	}

	local, err := s.store.HasUser(p.To.UserID)
	if err != nil {
		s.log.WithError(err).Error("recipient lookup")
		return protocol.NewError(protocol.ErrorNameInternal, "recipient lookup failed")
	}
	if local {
		// Registered but offline. The relay holds nothing for local
		// recipients, so the sender retries when the device is back.
		return protocol.NewError(protocol.ErrorNameUnknownUser, "recipient device not connected")
	}

	if s.resolver != nil {
		if peerURL, ok := s.resolver.Resolve(p.To); ok {
			s.fwd.Forward(peerURL, p)
			return &protocol.Ack{}
		}
	}
	return protocol.NewError(protocol.ErrorNameUnknownUser, "unknown recipient")
}

func (s *RelayServer) deliver(rc *Conn, p *protocol.OutboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeliverTimeout)
	defer cancel()

	if _, err := rc.Request(ctx, &protocol.InboundMessage{Message: p.UnidentifiedSenderMessage}); err != nil {
		s.log.WithError(err).WithField("address", p.To.String()).Debug("inbound delivery failed")
		return
	}
	s.stats.messagesDelivered.Add(1)
}
