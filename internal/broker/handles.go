package broker

import "sync"

// handleGuard holds the current connection and channel behind a
// reader-writer lock. Readers (publishers) never block each other; the
// reconnect loop takes the write side only to swap or take the pair.
type handleGuard struct {
	mu    sync.RWMutex
	conn  connection
	chann channel
}

// swap installs a freshly established connection and channel.
func (g *handleGuard) swap(conn connection, chann channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conn = conn
	g.chann = chann
}

// channel returns the current channel, or nil when disconnected.
func (g *handleGuard) channel() channel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.chann
}

// take removes and returns both handles, leaving the guard empty so
// publishers fail fast with ErrNotConnected instead of using a dead channel.
func (g *handleGuard) take() (connection, channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conn, chann := g.conn, g.chann
	g.conn, g.chann = nil, nil
	return conn, chann
}
