package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veilchat-node/pkg/keys"
	"github.com/veilchat/veilchat-node/pkg/protocol"
	"github.com/veilchat/veilchat-node/pkg/storage"
	"github.com/veilchat/veilchat-node/pkg/transport"
)

// staticResolver sends every lookup to one peer.
type staticResolver struct{ peer string }

func (r staticResolver) Resolve(protocol.Address) (string, bool) {
	return r.peer, r.peer != ""
}

type testRelay struct {
	relay  *RelayServer
	store  *storage.Memory
	sender *fakeSender
}

func newTestRelay(t *testing.T, cfg Config, resolver PeerResolver) *testRelay {
	t.Helper()
	mem := storage.NewMemory()
	sender := &fakeSender{}
	cfg.Forwarding = ForwardingConfig{RetryInterval: 10 * time.Millisecond, MaxRetryWindow: time.Hour}
	relay := NewRelayServer(mem, mem, resolver, sender, cfg, nil)
	require.NoError(t, relay.Start())
	t.Cleanup(relay.Stop)
	return &testRelay{relay: relay, store: mem, sender: sender}
}

// testClient is a hand-rolled device connection against a test relay.
type testClient struct {
	conn      *Conn
	challenge chan []byte
	inbound   chan []byte
	preKeyLow chan uint32
}

func (r *testRelay) connect(t *testing.T, authenticated bool) *testClient {
	t.Helper()
	clientTr, serverTr := transport.NewPipe()
	_, err := r.relay.HandleTransport(serverTr, authenticated)
	require.NoError(t, err)

	tc := &testClient{
		challenge: make(chan []byte, 1),
		inbound:   make(chan []byte, 16),
		preKeyLow: make(chan uint32, 1),
	}
	tc.conn = NewConn(clientTr, Options{
		Handler: funcHandler{
			onRequest: func(c *Conn, env *protocol.Envelope) protocol.Payload {
				if msg, ok := env.Payload.(*protocol.InboundMessage); ok {
					tc.inbound <- msg.Message
					return &protocol.Ack{}
				}
				return protocol.NewError(protocol.ErrorNameUnsupported, "unexpected request")
			},
			onOneWay: func(c *Conn, env *protocol.Envelope) {
				switch p := env.Payload.(type) {
				case *protocol.AuthChallenge:
					tc.challenge <- p.Nonce
				case *protocol.PreKeysLow:
					tc.preKeyLow <- p.KeysRequested
				}
			},
		},
	})
	require.NoError(t, tc.conn.Start())
	return tc
}

func (tc *testClient) authenticate(t *testing.T, id *keys.Identity, deviceID uint32) {
	t.Helper()
	var nonce []byte
	select {
	case nonce = <-tc.challenge:
	case <-time.After(2 * time.Second):
		t.Fatal("no auth challenge received")
	}
	resp, err := tc.conn.Request(testCtx(t), signedResponse(t, id, deviceID, nonce))
	require.NoError(t, err)
	require.IsType(t, &protocol.Ack{}, resp)
}

func registerPayload(t *testing.T, id *keys.Identity, regID uint32, numKeys int) *protocol.Register {
	t.Helper()
	spk, err := keys.NewSignedPreKey(id)
	require.NoError(t, err)
	otks, err := keys.GenerateOneTimePreKeys(numKeys)
	require.NoError(t, err)
	pubs := make([][]byte, len(otks))
	for i, k := range otks {
		pubs[i] = append([]byte(nil), k.Public[:]...)
	}
	return &protocol.Register{RegistrationID: regID, SignedPreKey: spk.Encode(), OneTimePreKeys: pubs}
}

func TestPingPong(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)
	tc := r.connect(t, false)

	resp, err := tc.conn.Request(testCtx(t), &protocol.Ping{})
	require.NoError(t, err)
	assert.IsType(t, &protocol.Pong{}, resp)
}

func TestRegisterRequiresAuthentication(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)
	tc := r.connect(t, false)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)

	_, err = tc.conn.Request(testCtx(t), registerPayload(t, id, 1, 2))
	require.Error(t, err)
	assert.True(t, protocol.IsWireError(err, protocol.ErrorNameUnauthenticated), "got %v", err)

	_, err = tc.conn.Request(testCtx(t), &protocol.Unregister{})
	assert.True(t, protocol.IsWireError(err, protocol.ErrorNameUnauthenticated), "got %v", err)
}

func TestRegisterAndRequestPreKeys(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)

	device := r.connect(t, true)
	device.authenticate(t, id, 1)

	reg := registerPayload(t, id, 77, 2)
	resp, err := device.conn.Request(testCtx(t), reg)
	require.NoError(t, err)
	require.IsType(t, &protocol.Ack{}, resp)

	anon := r.connect(t, false)
	resp, err = anon.conn.Request(testCtx(t), &protocol.RequestPreKeys{UserID: id.UserID()})
	require.NoError(t, err)
	pks := resp.(*protocol.PreKeys)
	require.Len(t, pks.PreKeys, 1)

	pk := pks.PreKeys[0]
	assert.True(t, pk.Address.Equal(id.Address(1)))
	assert.Equal(t, uint32(77), pk.RegistrationID)
	assert.Equal(t, reg.SignedPreKey, pk.SignedPreKey)
	assert.Equal(t, reg.OneTimePreKeys[0], pk.OneTimePreKey, "pool is consumed oldest-first")

	// The consumed key must not be handed out twice.
	resp, err = anon.conn.Request(testCtx(t), &protocol.RequestPreKeys{UserID: id.UserID()})
	require.NoError(t, err)
	assert.Equal(t, reg.OneTimePreKeys[1], resp.(*protocol.PreKeys).PreKeys[0].OneTimePreKey)
}

func TestRequestPreKeysExcludesKnownDevices(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)
	for _, deviceID := range []uint32{1, 2} {
		require.NoError(t, r.store.MergeRegistration(id.Address(deviceID), &storage.Registration{
			RegistrationID: deviceID,
			SignedPreKey:   []byte{byte(deviceID)},
		}))
	}

	anon := r.connect(t, false)

	resp, err := anon.conn.Request(testCtx(t), &protocol.RequestPreKeys{UserID: id.UserID()})
	require.NoError(t, err)
	assert.Len(t, resp.(*protocol.PreKeys).PreKeys, 2)

	resp, err = anon.conn.Request(testCtx(t), &protocol.RequestPreKeys{
		UserID:         id.UserID(),
		KnownDeviceIDs: []uint32{1},
	})
	require.NoError(t, err)
	pks := resp.(*protocol.PreKeys).PreKeys
	require.Len(t, pks, 1)
	assert.Equal(t, uint32(2), pks[0].Address.DeviceID)

	// Excluding every device leaves nothing to return.
	_, err = anon.conn.Request(testCtx(t), &protocol.RequestPreKeys{
		UserID:         id.UserID(),
		KnownDeviceIDs: []uint32{1, 2},
	})
	assert.True(t, protocol.IsWireError(err, protocol.ErrorNameNoPreKeysAvailable), "got %v", err)
}

func TestRequestPreKeysUnknownUser(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)
	anon := r.connect(t, false)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)
	_, err = anon.conn.Request(testCtx(t), &protocol.RequestPreKeys{UserID: id.UserID()})
	assert.True(t, protocol.IsWireError(err, protocol.ErrorNameNoPreKeysAvailable), "got %v", err)
}

func TestExhaustedPoolStillListsDevice(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, r.store.MergeRegistration(id.Address(1), &storage.Registration{
		RegistrationID: 1,
		SignedPreKey:   []byte{1},
	}))

	anon := r.connect(t, false)
	resp, err := anon.conn.Request(testCtx(t), &protocol.RequestPreKeys{UserID: id.UserID()})
	require.NoError(t, err)
	pks := resp.(*protocol.PreKeys).PreKeys
	require.Len(t, pks, 1)
	assert.Empty(t, pks[0].OneTimePreKey)
}

func TestPreKeysLowPush(t *testing.T) {
	r := newTestRelay(t, Config{LowPreKeyThreshold: 5, PreKeyTarget: 20}, nil)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)

	device := r.connect(t, true)
	device.authenticate(t, id, 1)
	_, err = device.conn.Request(testCtx(t), registerPayload(t, id, 1, 1))
	require.NoError(t, err)

	anon := r.connect(t, false)
	_, err = anon.conn.Request(testCtx(t), &protocol.RequestPreKeys{UserID: id.UserID()})
	require.NoError(t, err)

	// The last key was just consumed; the device must be told to
	// upload target minus remaining.
	select {
	case n := <-device.preKeyLow:
		assert.Equal(t, uint32(20), n)
	case <-time.After(2 * time.Second):
		t.Fatal("no PreKeysLow push received")
	}
}

func TestAnonymousOpsRejectedOnAuthenticatedConnection(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)

	device := r.connect(t, true)
	device.authenticate(t, id, 1)

	_, err = device.conn.Request(testCtx(t), &protocol.RequestPreKeys{UserID: id.UserID()})
	assert.True(t, protocol.IsWireError(err, protocol.ErrorNameAnonymousRequired), "got %v", err)

	_, err = device.conn.Request(testCtx(t), &protocol.OutboundMessage{
		To:                        id.Address(2),
		UnidentifiedSenderMessage: []byte("x"),
	})
	assert.True(t, protocol.IsWireError(err, protocol.ErrorNameAnonymousRequired), "got %v", err)
}

func TestAnonymousOpsAllowedWhenConfigured(t *testing.T) {
	r := newTestRelay(t, Config{AllowAuthenticatedAnonymousOps: true}, nil)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, r.store.MergeRegistration(id.Address(1), &storage.Registration{
		RegistrationID: 1,
		SignedPreKey:   []byte{1},
	}))

	device := r.connect(t, true)
	device.authenticate(t, id, 1)

	resp, err := device.conn.Request(testCtx(t), &protocol.RequestPreKeys{UserID: id.UserID()})
	require.NoError(t, err)
	assert.IsType(t, &protocol.PreKeys{}, resp)
}

func TestOutboundDeliveredToLiveRecipient(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)

	recipient := r.connect(t, true)
	recipient.authenticate(t, id, 1)

	sender := r.connect(t, false)
	resp, err := sender.conn.Request(testCtx(t), &protocol.OutboundMessage{
		To:                        id.Address(1),
		UnidentifiedSenderMessage: []byte("sealed payload"),
	})
	require.NoError(t, err)
	assert.IsType(t, &protocol.Ack{}, resp, "acceptance is acknowledged before delivery completes")

	select {
	case msg := <-recipient.inbound:
		assert.Equal(t, []byte("sealed payload"), msg)
	case <-time.After(2 * time.Second):
		t.Fatal("recipient never received the message")
	}

	require.Eventually(t, func() bool {
		return r.relay.Stats().MessagesDelivered == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOutboundToUnknownRecipient(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)
	sender := r.connect(t, false)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)
	_, err = sender.conn.Request(testCtx(t), &protocol.OutboundMessage{
		To:                        id.Address(1),
		UnidentifiedSenderMessage: []byte("x"),
	})
	assert.True(t, protocol.IsWireError(err, protocol.ErrorNameUnknownUser), "got %v", err)
}

func TestOutboundToOfflineLocalDevice(t *testing.T) {
	r := newTestRelay(t, Config{}, staticResolver{peer: "wss://peer-a"})

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, r.store.MergeRegistration(id.Address(1), &storage.Registration{
		RegistrationID: 1,
		SignedPreKey:   []byte{1},
	}))

	sender := r.connect(t, false)
	_, err = sender.conn.Request(testCtx(t), &protocol.OutboundMessage{
		To:                        id.Address(1),
		UnidentifiedSenderMessage: []byte("x"),
	})
	assert.True(t, protocol.IsWireError(err, protocol.ErrorNameUnknownUser), "got %v", err)
	assert.Zero(t, r.sender.attemptCount(), "locally registered users are never forwarded")
}

func TestOutboundForwardedToPeer(t *testing.T) {
	r := newTestRelay(t, Config{}, staticResolver{peer: "wss://peer-a"})

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)

	sender := r.connect(t, false)
	resp, err := sender.conn.Request(testCtx(t), &protocol.OutboundMessage{
		To:                        id.Address(1),
		UnidentifiedSenderMessage: []byte("cross-relay"),
	})
	require.NoError(t, err)
	assert.IsType(t, &protocol.Ack{}, resp)

	require.Eventually(t, func() bool { return r.sender.sentCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.True(t, r.sender.sent[0].To.Equal(id.Address(1)))
}

func TestDisplacedConnectionIsClosed(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)

	first := r.connect(t, true)
	first.authenticate(t, id, 1)

	second := r.connect(t, true)
	second.authenticate(t, id, 1)

	require.Eventually(t, func() bool { return first.conn.State() == StateClosed },
		2*time.Second, 10*time.Millisecond, "displaced connection must be closed")
	assert.Equal(t, StateOpen, second.conn.State())
	assert.Equal(t, 1, r.relay.OnlineDevices())
}

func TestUnregisterRemovesRegistration(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)

	device := r.connect(t, true)
	device.authenticate(t, id, 1)
	_, err = device.conn.Request(testCtx(t), registerPayload(t, id, 1, 1))
	require.NoError(t, err)

	resp, err := device.conn.Request(testCtx(t), &protocol.Unregister{})
	require.NoError(t, err)
	require.IsType(t, &protocol.Ack{}, resp)

	has, err := r.store.HasUser(id.UserID())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRegisterMergeOverWire(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)

	id, err := keys.GenerateIdentity()
	require.NoError(t, err)

	device := r.connect(t, true)
	device.authenticate(t, id, 1)

	reg := registerPayload(t, id, 5, 2)
	_, err = device.conn.Request(testCtx(t), reg)
	require.NoError(t, err)

	// Same registrationID and signed prekey: keys append.
	more, err := keys.GenerateOneTimePreKeys(3)
	require.NoError(t, err)
	pubs := make([][]byte, len(more))
	for i, k := range more {
		pubs[i] = append([]byte(nil), k.Public[:]...)
	}
	_, err = device.conn.Request(testCtx(t), &protocol.Register{
		RegistrationID: 5,
		SignedPreKey:   reg.SignedPreKey,
		OneTimePreKeys: pubs,
	})
	require.NoError(t, err)

	stored, err := r.store.Registration(id.Address(1))
	require.NoError(t, err)
	assert.Len(t, stored.OneTimePreKeys, 5)

	// A new signed prekey replaces the record outright.
	replacement := registerPayload(t, id, 5, 1)
	_, err = device.conn.Request(testCtx(t), replacement)
	require.NoError(t, err)

	stored, err = r.store.Registration(id.Address(1))
	require.NoError(t, err)
	assert.Len(t, stored.OneTimePreKeys, 1)
	assert.Equal(t, replacement.SignedPreKey, stored.SignedPreKey)
}

func TestAuthTimeoutClosesIdleConnection(t *testing.T) {
	r := newTestRelay(t, Config{AuthTimeout: 50 * time.Millisecond}, nil)
	tc := r.connect(t, false)
	slow := r.connect(t, true)

	// The challenged connection never answers and gets closed; the
	// anonymous one is unaffected.
	require.Eventually(t, func() bool {
		return slow.conn.State() == StateClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateOpen, tc.conn.State())
}
