package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/veilchat-node/pkg/protocol"
	"github.com/veilchat/veilchat-node/pkg/storage"
)

// ForwardingConfig controls the at-least-once retry schedule for
// messages bound to peer relays.
type ForwardingConfig struct {
	// RetryInterval is the pause between retry sweeps per destination.
	RetryInterval time.Duration

	// MaxRetryWindow bounds how long a message is retried, measured
	// from its first failed attempt. Older messages are abandoned.
	MaxRetryWindow time.Duration
}

func DefaultForwardingConfig() ForwardingConfig {
	return ForwardingConfig{
		RetryInterval:  1 * time.Minute,
		MaxRetryWindow: 24 * time.Hour,
	}
}

// PeerSender delivers one message to a peer relay, synchronously. A nil
// return means the peer acknowledged the message.
type PeerSender interface {
	SendToPeer(peerURL string, msg *protocol.OutboundMessage) error
}

// Forwarder moves messages for non-local recipients to their home
// relays with at-least-once semantics. The first attempt happens
// inline; on failure the message is persisted and a per-destination
// worker retries it on the configured interval until it succeeds or
// ages out of the retry window. Destinations retry independently: a
// dead peer never delays deliveries to a live one.
type Forwarder struct {
	log    *logrus.Entry
	queue  storage.ForwardQueue
	sender PeerSender
	cfg    ForwardingConfig
	stats  *Stats
	now    func() time.Time

	mu      sync.Mutex
	workers map[string]bool
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewForwarder(queue storage.ForwardQueue, sender PeerSender, cfg ForwardingConfig, stats *Stats, log *logrus.Entry) *Forwarder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Forwarder{
		log:     log.WithField("component", "forwarder"),
		queue:   queue,
		sender:  sender,
		cfg:     cfg,
		stats:   stats,
		now:     time.Now,
		workers: make(map[string]bool),
		stopCh:  make(chan struct{}),
	}
}

// Start resumes retry workers for every destination that still has
// pending messages from a previous run.
func (f *Forwarder) Start() error {
	dests, err := f.queue.Destinations()
	if err != nil {
		return fmt.Errorf("load pending destinations: %w", err)
	}
	for _, dest := range dests {
		f.ensureWorker(dest)
	}
	if len(dests) > 0 {
		f.log.WithField("destinations", len(dests)).Info("resumed pending forwards")
	}
	return nil
}

// Stop halts all retry workers and waits for them to exit. Pending
// messages stay queued for the next Start.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	f.mu.Unlock()

	close(f.stopCh)
	f.wg.Wait()
}

// Forward attempts immediate delivery to peerURL and, on failure,
// queues the message for retries. It never blocks the caller. After
// Stop the message is persisted for the next run instead of attempted.
func (f *Forwarder) Forward(peerURL string, msg *protocol.OutboundMessage) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		f.enqueue(peerURL, msg)
		return
	}
	f.wg.Add(1)
	f.mu.Unlock()
	go func() {
		defer f.wg.Done()
		err := f.sender.SendToPeer(peerURL, msg)
		if err == nil {
			f.stats.messagesForwarded.Add(1)
			return
		}
		f.log.WithError(err).WithField("peer", peerURL).Debug("first delivery attempt failed")
		f.enqueue(peerURL, msg)
	}()
}

func (f *Forwarder) enqueue(peerURL string, msg *protocol.OutboundMessage) {
	data, err := protocol.EncodeOutboundMessage(msg)
	if err != nil {
		f.log.WithError(err).Error("drop unencodable forward")
		return
	}
	now := f.now()
	if _, err := f.queue.Add(&storage.ForwardedMessage{
		PeerURL:     peerURL,
		Message:     data,
		FirstFailed: now,
		LastFailed:  now,
	}); err != nil {
		f.log.WithError(err).Error("persist forward")
		return
	}
	f.stats.forwardsQueued.Add(1)
	f.ensureWorker(peerURL)
}

func (f *Forwarder) ensureWorker(dest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || f.workers[dest] {
		return
	}
	f.workers[dest] = true
	f.wg.Add(1)
	go f.retryLoop(dest)
}

func (f *Forwarder) retryLoop(dest string) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			empty, err := f.retryPending(dest)
			if err != nil {
				f.log.WithError(err).WithField("peer", dest).Error("retry sweep")
				continue
			}
			if empty {
				f.mu.Lock()
				delete(f.workers, dest)
				f.mu.Unlock()
				// A forward can be queued between the sweep and the
				// deregistration above, while ensureWorker still saw
				// this worker as live. Re-check so it is not stranded.
				records, err := f.queue.Pending(dest)
				if err != nil {
					f.log.WithError(err).WithField("peer", dest).Error("post-drain check")
				} else if len(records) > 0 {
					f.ensureWorker(dest)
				}
				return
			}
		}
	}
}

// retryPending runs one sweep over dest's queue: abandon what has aged
// out of the retry window, reattempt the rest. Reports whether the
// queue for dest is drained.
func (f *Forwarder) retryPending(dest string) (bool, error) {
	records, err := f.queue.Pending(dest)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return true, nil
	}

	drained := true
	for _, rec := range records {
		if f.now().Sub(rec.FirstFailed) > f.cfg.MaxRetryWindow {
			if err := f.queue.Remove(rec.ID); err != nil {
				return false, err
			}
			f.stats.forwardsAbandoned.Add(1)
			f.log.WithFields(logrus.Fields{
				"peer":        dest,
				"firstFailed": rec.FirstFailed,
			}).Warn("abandoned forward past retry window")
			continue
		}

		msg, err := protocol.DecodeOutboundMessage(rec.Message)
		if err != nil {
			// Unreadable records can never deliver; drop them.
			f.log.WithError(err).Error("drop undecodable forward")
			if err := f.queue.Remove(rec.ID); err != nil {
				return false, err
			}
			continue
		}

		if err := f.sender.SendToPeer(dest, msg); err != nil {
			if terr := f.queue.Touch(rec.ID, f.now()); terr != nil {
				return false, terr
			}
			drained = false
			continue
		}

		if err := f.queue.Remove(rec.ID); err != nil {
			return false, err
		}
		f.stats.forwardsDelivered.Add(1)
	}
	return drained, nil
}
