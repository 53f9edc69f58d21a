package storage

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/veilchat/veilchat-node/pkg/protocol"
)

// Memory is an in-process Store and ForwardQueue. State is lost on
// restart; it backs tests and single-process experiments.
type Memory struct {
	mu sync.RWMutex

	regs map[string]*memReg // keyed by Address.Key()

	nextID   int64
	forwards map[int64]*ForwardedMessage
}

type memReg struct {
	addr protocol.Address
	reg  Registration
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		regs:     make(map[string]*memReg),
		forwards: make(map[int64]*ForwardedMessage),
	}
}

// MergeRegistration applies the append-or-replace merge rule.
func (m *Memory) MergeRegistration(addr protocol.Address, reg *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.regs[addr.Key()]
	if ok && existing.reg.RegistrationID == reg.RegistrationID &&
		bytes.Equal(existing.reg.SignedPreKey, reg.SignedPreKey) {
		existing.reg.OneTimePreKeys = append(existing.reg.OneTimePreKeys, cloneKeys(reg.OneTimePreKeys)...)
		return nil
	}

	m.regs[addr.Key()] = &memReg{
		addr: addr,
		reg: Registration{
			RegistrationID: reg.RegistrationID,
			SignedPreKey:   append([]byte(nil), reg.SignedPreKey...),
			OneTimePreKeys: cloneKeys(reg.OneTimePreKeys),
		},
	}
	return nil
}

// Registration returns a copy of the record for addr.
func (m *Memory) Registration(addr protocol.Address) (*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	existing, ok := m.regs[addr.Key()]
	if !ok {
		return nil, ErrNotFound
	}

	return &Registration{
		RegistrationID: existing.reg.RegistrationID,
		SignedPreKey:   append([]byte(nil), existing.reg.SignedPreKey...),
		OneTimePreKeys: cloneKeys(existing.reg.OneTimePreKeys),
	}, nil
}

// DeleteRegistration removes the record for addr.
func (m *Memory) DeleteRegistration(addr protocol.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regs, addr.Key())
	return nil
}

// DevicesForUser lists registered device addresses, ordered by deviceID.
func (m *Memory) DevicesForUser(userID []byte) ([]protocol.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []protocol.Address
	for _, r := range m.regs {
		if bytes.Equal(r.addr.UserID, userID) {
			out = append(out, r.addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// HasUser reports whether any device of the user is registered.
func (m *Memory) HasUser(userID []byte) (bool, error) {
	devices, err := m.DevicesForUser(userID)
	return len(devices) > 0, err
}

// TakeOneTimePreKey pops the oldest prekey for addr.
func (m *Memory) TakeOneTimePreKey(addr protocol.Address) ([]byte, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.regs[addr.Key()]
	if !ok {
		return nil, 0, ErrNotFound
	}

	pool := existing.reg.OneTimePreKeys
	if len(pool) == 0 {
		return nil, 0, nil
	}

	key := pool[0]
	existing.reg.OneTimePreKeys = pool[1:]
	return key, len(existing.reg.OneTimePreKeys), nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// ===== FORWARD QUEUE =====

// Add inserts a forwarding record.
func (m *Memory) Add(fm *ForwardedMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	stored := *fm
	stored.ID = m.nextID
	m.forwards[stored.ID] = &stored
	return stored.ID, nil
}

// Touch updates LastFailed only.
func (m *Memory) Touch(id int64, lastFailed time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fm, ok := m.forwards[id]
	if !ok {
		return ErrNotFound
	}
	fm.LastFailed = lastFailed
	return nil
}

// Remove deletes a forwarding record.
func (m *Memory) Remove(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.forwards, id)
	return nil
}

// Pending lists records for one destination, oldest first.
func (m *Memory) Pending(peerURL string) ([]*ForwardedMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ForwardedMessage
	for _, fm := range m.forwards {
		if fm.PeerURL == peerURL {
			copied := *fm
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Destinations lists peer URLs with pending records.
func (m *Memory) Destinations() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, fm := range m.forwards {
		if !seen[fm.PeerURL] {
			seen[fm.PeerURL] = true
			out = append(out, fm.PeerURL)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Count returns the total number of pending forwarding records.
func (m *Memory) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forwards), nil
}

func cloneKeys(keys [][]byte) [][]byte {
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, append([]byte(nil), k...))
	}
	return out
}
