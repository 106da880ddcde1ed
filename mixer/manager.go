// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/dashsuite/dashmixer/coinjoin"
)

// maintenanceInterval is the cadence of the maintenance tick driving every
// client.
const maintenanceInterval = time.Second

// Manager registration errors.
var (
	ErrWalletExists  = errors.New("wallet already registered")
	ErrWalletUnknown = errors.New("wallet not registered")
	ErrManagerDown   = errors.New("manager is not running")
)

// ManagerConfig carries the process-wide collaborators a Manager drives.
type ManagerConfig struct {
	// Registry is the coordinator list.
	Registry CoordinatorRegistry

	// Chain reports sync state and the best height.
	Chain ChainView

	// Net is the connection service handed to every client's
	// coordinator pool.
	Net Network

	// Options configures mixing for all registered wallets.
	Options Options

	// FeePerKb is the relay fee rate used by the planners.  Defaults to
	// txrules.DefaultRelayFeePerKb when zero.
	FeePerKb btcutil.Amount

	// Ticker drives the 1 Hz maintenance loop.  Defaults to a real
	// one-second ticker; tests inject a forced ticker.
	Ticker ticker.Ticker

	// TimeSource overrides the clock, for tests.
	TimeSource func() time.Time
}

// Manager owns one mixing client per registered wallet and the shared
// queue manager and broadcast store.  A single goroutine runs the
// maintenance loop; network messages are dispatched from the caller's
// goroutine.
type Manager struct {
	cfg ManagerConfig

	queueMgr *QueueManager
	dstx     *coinjoin.BroadcastTxStore

	mtx     sync.Mutex
	clients map[string]*Client
	seed    int64

	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewManager validates the configuration and creates a stopped manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	if cfg.Registry == nil || cfg.Chain == nil || cfg.Net == nil {
		return nil, fmt.Errorf("%w: missing collaborator",
			ErrInvalidOptions)
	}
	if cfg.FeePerKb == 0 {
		cfg.FeePerKb = txrules.DefaultRelayFeePerKb
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(maintenanceInterval)
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = time.Now
	}

	return &Manager{
		cfg:      cfg,
		queueMgr: NewQueueManager(cfg.Registry, cfg.TimeSource),
		dstx:     coinjoin.NewBroadcastTxStore(),
		clients:  make(map[string]*Client),
		seed:     cfg.TimeSource().UnixNano(),
		quit:     make(chan struct{}),
	}, nil
}

// Start launches the maintenance loop.  Starting twice is a no-op.
func (m *Manager) Start() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.started {
		return
	}
	m.started = true

	m.cfg.Ticker.Resume()
	m.wg.Add(1)
	go m.maintenanceLoop()
	log.Infof("CoinJoin manager started")
}

// Stop halts the maintenance loop and stops mixing on every client.
func (m *Manager) Stop() {
	m.mtx.Lock()
	if !m.started {
		m.mtx.Unlock()
		return
	}
	m.started = false
	clients := m.clientList()
	m.mtx.Unlock()

	close(m.quit)
	m.wg.Wait()
	m.cfg.Ticker.Stop()

	for _, c := range clients {
		c.StopMixing()
	}
	log.Infof("CoinJoin manager stopped")
}

// maintenanceLoop runs the 1 Hz tick until Stop.
func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.cfg.Ticker.Ticks():
			m.doMaintenance()
		case <-m.quit:
			return
		}
	}
}

// doMaintenance runs one pass: queue housekeeping first, then every
// client's session upkeep and scheduled mixing attempt.
func (m *Manager) doMaintenance() {
	m.queueMgr.DoMaintenance()
	for _, c := range m.Clients() {
		c.DoMaintenance()
	}
}

// AddWallet registers a wallet and returns its mixing client.
func (m *Manager) AddWallet(walletID string, w Wallet) (*Client, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.clients[walletID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletExists, walletID)
	}

	m.seed++
	c := newClient(walletID, w, m.cfg.Registry, m.cfg.Chain, m.cfg.Net,
		m.queueMgr, m.cfg.Options, m.cfg.FeePerKb, m.cfg.TimeSource,
		m.seed)
	m.clients[walletID] = c
	log.Infof("CoinJoin manager: wallet %s registered", walletID)
	return c, nil
}

// RemoveWallet stops mixing for a wallet and forgets it.
func (m *Manager) RemoveWallet(walletID string) error {
	m.mtx.Lock()
	c, ok := m.clients[walletID]
	delete(m.clients, walletID)
	m.mtx.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrWalletUnknown, walletID)
	}
	c.StopMixing()
	log.Infof("CoinJoin manager: wallet %s removed", walletID)
	return nil
}

// Client returns the mixing client of a registered wallet, or nil.
func (m *Manager) Client(walletID string) *Client {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.clients[walletID]
}

// Clients returns a snapshot of all registered clients.
func (m *Manager) Clients() []*Client {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.clientList()
}

// clientList snapshots the client map.  The caller must hold the mutex.
func (m *Manager) clientList() []*Client {
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	return clients
}

// QueueManager returns the shared queue manager.
func (m *Manager) QueueManager() *QueueManager {
	return m.queueMgr
}

// BroadcastTxStore returns the shared store of coordinator-announced mix
// transactions.
func (m *Manager) BroadcastTxStore() *coinjoin.BroadcastTxStore {
	return m.dstx
}

// ProcessMessage dispatches an incoming protocol message from the peer at
// fromAddr to whichever component consumes it.
func (m *Manager) ProcessMessage(fromAddr string, msg coinjoin.Message) {
	switch msg := msg.(type) {
	case *coinjoin.Queue:
		if err := m.queueMgr.ProcessDSQueue(msg); err != nil {
			log.Debugf("dropping dsq from %s: %v", fromAddr, err)
			return
		}
		for _, c := range m.Clients() {
			c.ProcessDSQueue(msg)
		}

	case *coinjoin.BroadcastTx:
		coord := m.cfg.Registry.ByOutpoint(msg.CoordOutpoint)
		if coord == nil || !m.cfg.Registry.VerifyBroadcast(msg) {
			log.Warnf("dropping dstx from %s: bad signature or "+
				"unknown coordinator", fromAddr)
			return
		}
		log.Debugf("recording mix broadcast %v from %s", msg.Tx.TxHash(),
			fromAddr)
		log.Tracef("mix broadcast: %v", spew.Sdump(&msg.Tx))
		m.dstx.Add(msg)
		m.queueMgr.RecordMixingTx(coord.ProTxHash)

	case *coinjoin.StatusUpdate, *coinjoin.FinalTransaction,
		*coinjoin.Complete:
		for _, c := range m.Clients() {
			c.ProcessMessage(fromAddr, msg)
		}

	default:
		log.Debugf("ignoring %s message from %s", msg.Command(), fromAddr)
	}
}

// NotifyPeerConnected lets every client's pool vet a fresh connection.
func (m *Manager) NotifyPeerConnected(p Peer) {
	for _, c := range m.Clients() {
		if !c.pool.PeerConnected(p) {
			return
		}
	}
}

// NotifyPeerDisconnected tears down sessions riding the lost connection.
func (m *Manager) NotifyPeerDisconnected(addr string) {
	for _, c := range m.Clients() {
		c.PeerDied(addr)
	}
}

// NotifyBlockConnected updates the block-driven bookkeeping: broadcast
// pruning follows the chain tip.
func (m *Manager) NotifyBlockConnected(height int32) {
	m.dstx.NotifyBlock(height)
}
