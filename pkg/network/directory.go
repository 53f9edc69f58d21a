package network

import (
	"sync"

	"github.com/veilchat/veilchat-node/pkg/protocol"
)

// Directory maps authenticated addresses to their live connections. A
// later login for the same address displaces the earlier connection.
type Directory struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewDirectory() *Directory {
	return &Directory{conns: make(map[string]*Conn)}
}

// Put binds addr to c, returning the connection it displaced, if any.
// The caller is expected to close the displaced connection.
func (d *Directory) Put(addr protocol.Address, c *Conn) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.conns[addr.Key()]
	d.conns[addr.Key()] = c
	if prev == c {
		return nil
	}
	return prev
}

// Get returns the live connection for addr.
func (d *Directory) Get(addr protocol.Address) (*Conn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conns[addr.Key()]
	return c, ok
}

// Remove unbinds addr, but only while it still points at c. A displaced
// connection closing late must not evict its replacement.
func (d *Directory) Remove(addr protocol.Address, c *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns[addr.Key()] == c {
		delete(d.conns, addr.Key())
	}
}

// Len returns the number of bound addresses.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}
