// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/dashsuite/dashmixer/coinjoin"
)

// mockClock is a manually advanced time source shared by a test's client
// and queue manager.
type mockClock struct {
	mtx sync.Mutex
	t   time.Time
}

func newMockClock() *mockClock {
	return &mockClock{t: time.Unix(1700000000, 0)}
}

func (c *mockClock) now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.t
}

func (c *mockClock) advance(d time.Duration) {
	c.mtx.Lock()
	c.t = c.t.Add(d)
	c.mtx.Unlock()
}

// mockKeyReservation tracks whether it was kept or returned.
type mockKeyReservation struct {
	script   []byte
	kept     bool
	returned bool
}

func (r *mockKeyReservation) Script() []byte { return r.script }
func (r *mockKeyReservation) KeepKey()       { r.kept = true }
func (r *mockKeyReservation) ReturnKey()     { r.returned = true }

// mockWallet is a scriptable wallet.  Zero values behave like an empty
// wallet; tests fill in only what they exercise.
type mockWallet struct {
	mtx sync.Mutex

	balance     Balance
	balanceErr  error
	tallies     []TallyItem
	inputCounts map[btcutil.Amount]int

	collateralCoins   []Coin
	unconfCollateral  []Coin
	mixingCoins       []Coin
	possibleDenoms    map[uint32]struct{}
	possibleDenomsErr error

	reservations []*mockKeyReservation
	reserveErr   error

	locked     map[wire.OutPoint]int
	signErr    error
	signInErr  error
	publishErr error
	published  []*wire.MsgTx
	signedIn   []int
	txs        map[chainhash.Hash]*wire.MsgTx
	keysLocked bool
}

func newMockWallet() *mockWallet {
	return &mockWallet{
		inputCounts:    make(map[btcutil.Amount]int),
		possibleDenoms: make(map[uint32]struct{}),
		locked:         make(map[wire.OutPoint]int),
		txs:            make(map[chainhash.Hash]*wire.MsgTx),
	}
}

func (w *mockWallet) Balance() (Balance, error) {
	return w.balance, w.balanceErr
}

func (w *mockWallet) SelectCoinsGroupedByAddresses(skipDenominated,
	anonymizable, skipUnconfirmed bool, maxInputs int) ([]TallyItem, error) {

	out := make([]TallyItem, 0, len(w.tallies))
	for _, t := range w.tallies {
		if skipDenominated && len(t.Inputs) == 1 &&
			coinjoin.IsDenominatedAmount(t.Amount) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (w *mockWallet) CountInputsWithAmount(amount btcutil.Amount) int {
	return w.inputCounts[amount]
}

func (w *mockWallet) HasCollateralInputs(onlyConfirmed bool) bool {
	if onlyConfirmed {
		return len(w.collateralCoins) > 0
	}
	return len(w.collateralCoins) > 0 || len(w.unconfCollateral) > 0
}

func (w *mockWallet) CollateralCoins(onlyConfirmed bool) ([]Coin, error) {
	if onlyConfirmed {
		return w.collateralCoins, nil
	}
	return append(append([]Coin(nil), w.collateralCoins...),
		w.unconfCollateral...), nil
}

func (w *mockWallet) SelectMixingCoins(denom uint32, minRounds,
	maxRounds int32, maxTotal btcutil.Amount, maxInputs int) ([]Coin,
	error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	amount := coinjoin.DenominationToAmount(denom)
	var out []Coin
	var total btcutil.Amount
	for _, c := range w.mixingCoins {
		if len(out) >= maxInputs || total+amount > maxTotal {
			break
		}
		if c.Value != amount || c.Rounds < minRounds ||
			c.Rounds > maxRounds {
			continue
		}
		if w.locked[c.OutPoint] > 0 {
			continue
		}
		out = append(out, c)
		total += amount
	}
	return out, nil
}

func (w *mockWallet) PossibleMixingDenoms(maxValue btcutil.Amount) (
	map[uint32]struct{}, error) {

	return w.possibleDenoms, w.possibleDenomsErr
}

func (w *mockWallet) ReserveKey() (KeyReservation, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.reserveErr != nil {
		return nil, w.reserveErr
	}
	script := make([]byte, 25)
	script[0] = 0x76
	script[1] = byte(len(w.reservations) + 1)
	r := &mockKeyReservation{script: script}
	w.reservations = append(w.reservations, r)
	return r, nil
}

func (w *mockWallet) LockCoin(op wire.OutPoint) {
	w.mtx.Lock()
	w.locked[op]++
	w.mtx.Unlock()
}

func (w *mockWallet) UnlockCoin(op wire.OutPoint) {
	w.mtx.Lock()
	w.locked[op]--
	w.mtx.Unlock()
}

func (w *mockWallet) IsLockedCoin(op wire.OutPoint) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.locked[op] > 0
}

func (w *mockWallet) SignTransaction(tx *wire.MsgTx) error {
	if w.signErr != nil {
		return w.signErr
	}
	for _, in := range tx.TxIn {
		in.SignatureScript = []byte{0x47, 0x30}
	}
	return nil
}

func (w *mockWallet) SignInput(tx *wire.MsgTx, index int, prevScript []byte,
	value btcutil.Amount) error {

	if w.signInErr != nil {
		return w.signInErr
	}
	tx.TxIn[index].SignatureScript = []byte{0x47, byte(index)}
	w.signedIn = append(w.signedIn, index)
	return nil
}

func (w *mockWallet) PublishTransaction(tx *wire.MsgTx) error {
	if w.publishErr != nil {
		return w.publishErr
	}
	w.published = append(w.published, tx)
	return nil
}

func (w *mockWallet) GetTransaction(hash chainhash.Hash) (*wire.MsgTx,
	error) {

	tx, ok := w.txs[hash]
	if !ok {
		return nil, errors.New("tx not found")
	}
	return tx, nil
}

func (w *mockWallet) Locked() bool { return w.keysLocked }

// lockedCount returns how many outpoints are currently locked.
func (w *mockWallet) lockedCount() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	n := 0
	for _, c := range w.locked {
		if c > 0 {
			n++
		}
	}
	return n
}

// keptKeys and returnedKeys count the settled reservations.
func (w *mockWallet) keptKeys() int {
	n := 0
	for _, r := range w.reservations {
		if r.kept {
			n++
		}
	}
	return n
}

func (w *mockWallet) returnedKeys() int {
	n := 0
	for _, r := range w.reservations {
		if r.returned {
			n++
		}
	}
	return n
}

var _ Wallet = (*mockWallet)(nil)

// mockRegistry is a fixed coordinator list with switchable signature
// verification.
type mockRegistry struct {
	coords []*Coordinator
	sigOK  bool
	dstxOK bool
}

func newMockRegistry(coords ...*Coordinator) *mockRegistry {
	return &mockRegistry{coords: coords, sigOK: true, dstxOK: true}
}

func (r *mockRegistry) Count() int { return len(r.coords) }

func (r *mockRegistry) ByOutpoint(op wire.OutPoint) *Coordinator {
	for _, c := range r.coords {
		if c.CollateralOut == op {
			return c
		}
	}
	return nil
}

func (r *mockRegistry) ByAddress(addr string) *Coordinator {
	for _, c := range r.coords {
		if c.Addr == addr {
			return c
		}
	}
	return nil
}

func (r *mockRegistry) ByProTxHash(hash chainhash.Hash) *Coordinator {
	for _, c := range r.coords {
		if c.ProTxHash == hash {
			return c
		}
	}
	return nil
}

func (r *mockRegistry) Random(exclude map[chainhash.Hash]struct{}) *Coordinator {
	for _, c := range r.coords {
		if _, ok := exclude[c.ProTxHash]; !ok {
			return c
		}
	}
	return nil
}

func (r *mockRegistry) VerifyQueue(q *coinjoin.Queue) bool { return r.sigOK }

func (r *mockRegistry) VerifyBroadcast(tx *coinjoin.BroadcastTx) bool {
	return r.dstxOK
}

var _ CoordinatorRegistry = (*mockRegistry)(nil)

// mockChain is a fixed chain view.
type mockChain struct {
	synced bool
	height int32
}

func (c *mockChain) Synced() bool      { return c.synced }
func (c *mockChain) BestHeight() int32 { return c.height }

var _ ChainView = (*mockChain)(nil)

// mockPeer records the messages sent to it.
type mockPeer struct {
	mtx          sync.Mutex
	addr         string
	sent         []coinjoin.Message
	sendErr      error
	disconnected bool
}

func (p *mockPeer) Addr() string { return p.addr }

func (p *mockPeer) Send(msg coinjoin.Message) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *mockPeer) Disconnect() { p.disconnected = true }

func (p *mockPeer) sentMessages() []coinjoin.Message {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]coinjoin.Message(nil), p.sent...)
}

var _ Peer = (*mockPeer)(nil)

// mockNetwork connects synchronously: Connect makes the peer immediately
// visible, which keeps the maintenance-driven tests single-step.
type mockNetwork struct {
	mtx       sync.Mutex
	peers     map[string]*mockPeer
	connects  []string
	refuseAll bool
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{peers: make(map[string]*mockPeer)}
}

func (n *mockNetwork) Connect(addr string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.connects = append(n.connects, addr)
	if n.refuseAll {
		return
	}
	if _, ok := n.peers[addr]; !ok {
		n.peers[addr] = &mockPeer{addr: addr}
	}
}

func (n *mockNetwork) Disconnect(addr string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if p, ok := n.peers[addr]; ok {
		p.disconnected = true
		delete(n.peers, addr)
	}
}

func (n *mockNetwork) Peer(addr string) Peer {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	p, ok := n.peers[addr]
	if !ok {
		return nil
	}
	return p
}

func (n *mockNetwork) Peers() []Peer {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	peers := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}

// peer returns the concrete mock peer at addr, or nil.
func (n *mockNetwork) peer(addr string) *mockPeer {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.peers[addr]
}

var _ Network = (*mockNetwork)(nil)

// testOutPoint builds a deterministic outpoint.
func testOutPoint(b byte, index uint32) wire.OutPoint {
	var hash chainhash.Hash
	for i := range hash {
		hash[i] = b
	}
	return wire.OutPoint{Hash: hash, Index: index}
}

// testCoordinator builds a coordinator with a derived identity.
func testCoordinator(b byte, addr string) *Coordinator {
	var proTx chainhash.Hash
	for i := range proTx {
		proTx[i] = b ^ 0xff
	}
	return &Coordinator{
		ProTxHash:     proTx,
		CollateralOut: testOutPoint(b, 0),
		Addr:          addr,
	}
}

// testEnv bundles a fully wired client over mocks.
type testEnv struct {
	wallet   *mockWallet
	registry *mockRegistry
	chain    *mockChain
	net      *mockNetwork
	queueMgr *QueueManager
	clock    *mockClock
	client   *Client
}

// newTestEnv wires a client with the given options over fresh mocks.
func newTestEnv(opts Options) *testEnv {
	clock := newMockClock()
	env := &testEnv{
		wallet:   newMockWallet(),
		registry: newMockRegistry(),
		chain:    &mockChain{synced: true, height: 1000},
		net:      newMockNetwork(),
		clock:    clock,
	}
	env.queueMgr = NewQueueManager(env.registry, clock.now)
	env.client = newClient("w1", env.wallet, env.registry, env.chain,
		env.net, env.queueMgr, opts, 1000, clock.now, 1)
	return env
}
