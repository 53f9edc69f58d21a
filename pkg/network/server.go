package network

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/veilchat-node/pkg/protocol"
	"github.com/veilchat/veilchat-node/pkg/storage"
	"github.com/veilchat/veilchat-node/pkg/transport"
)

// Config tunes relay behavior. Zero values get defaults from
// DefaultConfig.
type Config struct {
	// AllowAuthenticatedAnonymousOps permits prekey requests and
	// message sends on authenticated connections. Off by default:
	// mixing sends with an authenticated identity links sender and
	// recipient at the relay, defeating sealed sender.
	AllowAuthenticatedAnonymousOps bool

	// LowPreKeyThreshold triggers a PreKeysLow push when a device's
	// one-time prekey pool drops below it.
	LowPreKeyThreshold int

	// PreKeyTarget is the pool size a device is asked to refill to.
	PreKeyTarget int

	// DeliverTimeout bounds one InboundMessage push round trip.
	DeliverTimeout time.Duration

	// AuthTimeout closes authenticated-endpoint connections that have
	// not completed the handshake in time.
	AuthTimeout time.Duration

	Forwarding ForwardingConfig
}

func DefaultConfig() Config {
	return Config{
		LowPreKeyThreshold: 10,
		PreKeyTarget:       100,
		DeliverTimeout:     30 * time.Second,
		AuthTimeout:        time.Minute,
		Forwarding:         DefaultForwardingConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LowPreKeyThreshold <= 0 {
		c.LowPreKeyThreshold = d.LowPreKeyThreshold
	}
	if c.PreKeyTarget <= 0 {
		c.PreKeyTarget = d.PreKeyTarget
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = d.DeliverTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.Forwarding.RetryInterval <= 0 {
		c.Forwarding.RetryInterval = d.Forwarding.RetryInterval
	}
	if c.Forwarding.MaxRetryWindow <= 0 {
		c.Forwarding.MaxRetryWindow = d.Forwarding.MaxRetryWindow
	}
	return c
}

// RelayServer ties the pieces together: it accepts transports, runs
// the per-connection protocol, maintains the live directory, persists
// registrations and drives federated forwarding.
type RelayServer struct {
	log      *logrus.Entry
	cfg      Config
	store    storage.Store
	dir      *Directory
	resolver PeerResolver
	fwd      *Forwarder
	stats    *Stats
	started  time.Time
}

// NewRelayServer builds a relay over the given store and forward
// queue. sender delivers to peer relays; use NewPeerLinks in
// production, or a stub in tests.
func NewRelayServer(store storage.Store, queue storage.ForwardQueue, resolver PeerResolver, sender PeerSender, cfg Config, log *logrus.Entry) *RelayServer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg = cfg.withDefaults()

	s := &RelayServer{
		log:      log.WithField("component", "relay"),
		cfg:      cfg,
		store:    store,
		dir:      NewDirectory(),
		resolver: resolver,
		stats:    &Stats{},
		started:  time.Now(),
	}
	s.fwd = NewForwarder(queue, sender, cfg.Forwarding, s.stats, log)
	return s
}

// Start resumes forwarding of messages queued by a previous run.
func (s *RelayServer) Start() error {
	return s.fwd.Start()
}

// Stop halts background forwarding. Live connections close with their
// transports.
func (s *RelayServer) Stop() {
	s.fwd.Stop()
}

// HandleTransport runs the protocol over an accepted transport.
// authenticated selects the endpoint flavor: an authenticated
// connection is challenged immediately and can register; an anonymous
// one stays unauthenticated for its whole life.
func (s *RelayServer) HandleTransport(tr transport.Transport, authenticated bool) (*Conn, error) {
	c := NewConn(tr, Options{
		Log:            s.log,
		Handler:        s,
		IssueChallenge: authenticated,
		OnAuthenticated: func(c *Conn, addr protocol.Address) {
			s.stats.authSuccesses.Add(1)
			if prev := s.dir.Put(addr, c); prev != nil {
				s.log.WithField("address", addr.String()).Info("displacing previous connection")
				prev.Close(nil)
			}
		},
		OnAuthFailed: func(c *Conn, err error) {
			s.stats.authFailures.Add(1)
		},
		OnClosed: func(c *Conn, err error) {
			s.stats.connectionsOpen.Add(-1)
			if addr, ok := c.Address(); ok {
				s.dir.Remove(addr, c)
			}
		},
	})

	s.stats.connectionsOpen.Add(1)
	s.stats.connectionsTotal.Add(1)

	if err := c.Start(); err != nil {
		return nil, err
	}

	if authenticated {
		time.AfterFunc(s.cfg.AuthTimeout, func() {
			if !c.IsAuthenticated() && c.State() != StateClosed {
				c.Close(errors.New("authentication timeout"))
			}
		})
	}
	return c, nil
}

// Stats returns a snapshot of the relay's counters.
func (s *RelayServer) Stats() Snapshot {
	return s.stats.Snapshot()
}

// Uptime reports how long the relay has been running.
func (s *RelayServer) Uptime() time.Duration {
	return time.Since(s.started)
}

// OnlineDevices reports how many addresses have a live connection.
func (s *RelayServer) OnlineDevices() int {
	return s.dir.Len()
}

// PendingForwards reports the size of the forward retry queue.
func (s *RelayServer) PendingForwards() (int, error) {
	return s.fwd.queue.Count()
}
