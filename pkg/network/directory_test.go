package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veilchat-node/pkg/keys"
	"github.com/veilchat/veilchat-node/pkg/transport"
)

func newIdleConn(t *testing.T) *Conn {
	t.Helper()
	tr, peer := transport.NewPipe()
	peer.Bind(transport.Callbacks{})
	c := NewConn(tr, Options{})
	require.NoError(t, c.Start())
	return c
}

func TestDirectoryDisplacement(t *testing.T) {
	dir := NewDirectory()
	id, err := keys.GenerateIdentity()
	require.NoError(t, err)
	addr := id.Address(1)

	first := newIdleConn(t)
	second := newIdleConn(t)

	assert.Nil(t, dir.Put(addr, first))
	got, ok := dir.Get(addr)
	require.True(t, ok)
	assert.Same(t, first, got)

	displaced := dir.Put(addr, second)
	assert.Same(t, first, displaced)
	got, _ = dir.Get(addr)
	assert.Same(t, second, got)
	assert.Equal(t, 1, dir.Len())
}

func TestDirectoryRemoveIsGuarded(t *testing.T) {
	dir := NewDirectory()
	id, err := keys.GenerateIdentity()
	require.NoError(t, err)
	addr := id.Address(1)

	first := newIdleConn(t)
	second := newIdleConn(t)

	dir.Put(addr, first)
	dir.Put(addr, second)

	// The displaced connection closing late must not evict its
	// replacement.
	dir.Remove(addr, first)
	got, ok := dir.Get(addr)
	require.True(t, ok)
	assert.Same(t, second, got)

	dir.Remove(addr, second)
	_, ok = dir.Get(addr)
	assert.False(t, ok)
}
