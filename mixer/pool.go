// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// CoordinatorPool maintains one peer connection per active mixing session.
// Discovery is driven by the pending-session set: addresses come from the
// coordinators the sessions chose, never from a general peer list.  The
// pool has its own mutex; it is safe to call from message handlers and the
// maintenance tick alike.
type CoordinatorPool struct {
	mtx sync.Mutex

	net      Network
	registry CoordinatorRegistry

	// limit caps simultaneous connections; the effective maximum is
	// min(len(pending), limit).
	limit int

	// pending maps local session ids to their chosen coordinators.
	pending map[int32]*Coordinator

	// byAddr maps a coordinator address to the session ids using it.
	// Sessions sharing a coordinator share the one connection.
	byAddr map[string]map[int32]struct{}

	// closing holds addresses queued for disconnection on the next
	// maintenance pass.
	closing map[string]struct{}
}

// NewCoordinatorPool creates a pool over the given network service.
func NewCoordinatorPool(net Network, registry CoordinatorRegistry,
	limit int) *CoordinatorPool {

	return &CoordinatorPool{
		net:      net,
		registry: registry,
		limit:    limit,
		pending:  make(map[int32]*Coordinator),
		byAddr:   make(map[string]map[int32]struct{}),
		closing:  make(map[string]struct{}),
	}
}

// AddPendingSession records a session's chosen coordinator and triggers
// connection discovery.  A second session on the same coordinator reuses
// the existing connection.
func (p *CoordinatorPool) AddPendingSession(sessionID int32,
	coord *Coordinator) {

	p.mtx.Lock()
	p.pending[sessionID] = coord
	users, ok := p.byAddr[coord.Addr]
	if !ok {
		users = make(map[int32]struct{})
		p.byAddr[coord.Addr] = users
	}
	users[sessionID] = struct{}{}
	delete(p.closing, coord.Addr)
	p.mtx.Unlock()

	log.Debugf("CoordinatorPool: pending session %d -> %s (%d pending)",
		sessionID, coord.Addr, p.PendingCount())
	p.MaintainConnections()
}

// RemoveSession drops a session from the pool.  The coordinator's
// connection is queued for closure once no session uses it.
func (p *CoordinatorPool) RemoveSession(sessionID int32) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	coord, ok := p.pending[sessionID]
	if !ok {
		return
	}
	delete(p.pending, sessionID)

	users := p.byAddr[coord.Addr]
	delete(users, sessionID)
	if len(users) == 0 {
		delete(p.byAddr, coord.Addr)
		p.closing[coord.Addr] = struct{}{}
		log.Debugf("CoordinatorPool: queueing %s for closure", coord.Addr)
	}
}

// DisconnectCoordinator queues the coordinator's connection for closure
// regardless of remaining users.
func (p *CoordinatorPool) DisconnectCoordinator(coord *Coordinator) {
	p.mtx.Lock()
	p.closing[coord.Addr] = struct{}{}
	p.mtx.Unlock()
}

// ForPeer runs fn against the connected peer at the address.  Returns
// false when no such peer is connected or fn fails.
func (p *CoordinatorPool) ForPeer(addr string, fn func(Peer) error) bool {
	peer := p.net.Peer(addr)
	if peer == nil {
		return false
	}
	if err := fn(peer); err != nil {
		log.Warnf("CoordinatorPool: peer %s: %v", addr, err)
		return false
	}
	return true
}

// PeerConnected admits or refuses a freshly connected peer.  Connections
// to addresses that are not registered coordinators are refused.
func (p *CoordinatorPool) PeerConnected(peer Peer) bool {
	if p.registry.ByAddress(peer.Addr()) == nil {
		log.Warnf("CoordinatorPool: refusing %s, not a registered "+
			"coordinator", peer.Addr())
		peer.Disconnect()
		return false
	}
	log.Debugf("CoordinatorPool: connected to %s", peer.Addr())
	return true
}

// PeerDied removes the dead peer's sessions from the tables so the
// effective connection limit is re-evaluated.  It returns the local ids of
// the sessions that lost their coordinator.
func (p *CoordinatorPool) PeerDied(addr string) []int32 {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	delete(p.closing, addr)
	users, ok := p.byAddr[addr]
	if !ok {
		return nil
	}
	delete(p.byAddr, addr)

	orphans := make([]int32, 0, len(users))
	for sessionID := range users {
		delete(p.pending, sessionID)
		orphans = append(orphans, sessionID)
	}
	log.Debugf("CoordinatorPool: peer %s died, %d sessions orphaned", addr,
		len(orphans))
	return orphans
}

// MaintainConnections closes queued connections and opens missing ones, up
// to the effective limit.  Called on every maintenance tick and whenever
// the pending set grows.
func (p *CoordinatorPool) MaintainConnections() {
	p.mtx.Lock()

	toClose := make([]string, 0, len(p.closing))
	for addr := range p.closing {
		toClose = append(toClose, addr)
	}
	p.closing = make(map[string]struct{})

	maxConns := len(p.byAddr)
	if maxConns > p.limit {
		maxConns = p.limit
	}
	connected := 0
	candidates := make([]string, 0, len(p.byAddr))
	for addr := range p.byAddr {
		if p.net.Peer(addr) != nil {
			connected++
		} else {
			candidates = append(candidates, addr)
		}
	}
	toOpen := candidates
	if room := maxConns - connected; room < len(toOpen) {
		if room < 0 {
			room = 0
		}
		toOpen = toOpen[:room]
	}
	p.mtx.Unlock()

	for _, addr := range toClose {
		p.net.Disconnect(addr)
	}
	for _, addr := range toOpen {
		log.Debugf("CoordinatorPool: connecting to %s", addr)
		p.net.Connect(addr)
	}
}

// PendingCount returns the number of sessions with a recorded coordinator.
func (p *CoordinatorPool) PendingCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.pending)
}

// UsedProTxHashes returns the provider hashes of all pending coordinators.
func (p *CoordinatorPool) UsedProTxHashes() map[chainhash.Hash]struct{} {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	used := make(map[chainhash.Hash]struct{}, len(p.pending))
	for _, coord := range p.pending {
		used[coord.ProTxHash] = struct{}{}
	}
	return used
}

// Close tears down every connection the pool opened.
func (p *CoordinatorPool) Close() {
	p.mtx.Lock()
	addrs := make([]string, 0, len(p.byAddr))
	for addr := range p.byAddr {
		addrs = append(addrs, addr)
	}
	p.pending = make(map[int32]*Coordinator)
	p.byAddr = make(map[string]map[int32]struct{})
	p.closing = make(map[string]struct{})
	p.mtx.Unlock()

	for _, addr := range addrs {
		p.net.Disconnect(addr)
	}
}
