// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/dashsuite/dashmixer/coinjoin"
)

const (
	// autoTimeoutMin and autoTimeoutMax bound the randomized number of
	// ticks between automatic mixing attempts.
	autoTimeoutMin = 5
	autoTimeoutMax = 15

	// newQueueTries is how many coordinator candidates a session tries
	// before giving up on starting a new queue this round.
	newQueueTries = 10
)

// Client drives automatic mixing for one wallet: it owns the sessions, the
// coordinator pool slots they occupy and the used-coordinator history.  A
// single mutex guards the client and all of its sessions; the coordinator
// pool and queue manager have locks of their own.
type Client struct {
	walletID string
	wallet   Wallet
	registry CoordinatorRegistry
	chain    ChainView
	pool     *CoordinatorPool
	queueMgr *QueueManager
	opts     Options
	feePerKb btcutil.Amount
	now      func() time.Time
	prng     *rand.Rand

	// mixingMtx serializes automatic denominating attempts.  It is taken
	// with TryLock so a contended attempt returns instead of blocking.
	mixingMtx sync.Mutex

	mtx sync.Mutex

	mixing   bool
	status   coinjoin.PoolStatus
	sessions []*session
	nextID   int32

	// usedCoordinators remembers which coordinators recent sessions
	// picked, so new queues spread across the registry.
	usedCoordinators map[chainhash.Hash]struct{}

	// lastSuccessBlock is the chain height of the most recent successful
	// mix or denomination creation.
	lastSuccessBlock int32

	tickCount  int
	doAutoNext int

	sessionListeners []SessionListener
	mixingListeners  []MixingListener
	progress         *ProgressTracker
}

func newClient(walletID string, w Wallet, registry CoordinatorRegistry,
	chain ChainView, net Network, queueMgr *QueueManager, opts Options,
	feePerKb btcutil.Amount, now func() time.Time, seed int64) *Client {

	if now == nil {
		now = time.Now
	}
	c := &Client{
		walletID:         walletID,
		wallet:           w,
		registry:         registry,
		chain:            chain,
		queueMgr:         queueMgr,
		opts:             opts,
		feePerKb:         feePerKb,
		now:              now,
		prng:             rand.New(rand.NewSource(seed)),
		status:           coinjoin.StatusIdle,
		usedCoordinators: make(map[chainhash.Hash]struct{}),
		progress:         NewProgressTracker(),
	}
	c.pool = NewCoordinatorPool(net, registry, opts.Sessions)
	c.sessionListeners = append(c.sessionListeners, c.progress)
	c.mixingListeners = append(c.mixingListeners, c.progress)
	c.scheduleNextAutoDenom()
	return c
}

// WalletID returns the identifier of the wallet this client mixes for.
func (c *Client) WalletID() string { return c.walletID }

// Progress returns the client's built-in progress tracker.
func (c *Client) Progress() *ProgressTracker { return c.progress }

// AddSessionListener registers a per-session event listener.
func (c *Client) AddSessionListener(l SessionListener) {
	c.mtx.Lock()
	c.sessionListeners = append(c.sessionListeners, l)
	c.mtx.Unlock()
}

// AddMixingListener registers a mixing-complete listener.
func (c *Client) AddMixingListener(l MixingListener) {
	c.mtx.Lock()
	c.mixingListeners = append(c.mixingListeners, l)
	c.mtx.Unlock()
}

// StartMixing enables automatic mixing.  Returns false when mixing was
// already started.
func (c *Client) StartMixing() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.mixing {
		log.Infof("wallet %s: mixing was already started", c.walletID)
		return false
	}
	c.mixing = true
	c.status = coinjoin.StatusConnecting
	log.Infof("wallet %s: mixing started", c.walletID)
	return true
}

// StopMixing disables automatic mixing and resets every session, releasing
// locked coins, reserved keys and coordinator connections.
func (c *Client) StopMixing() {
	c.mtx.Lock()
	wasMixing := c.mixing
	c.mixing = false
	for _, s := range c.sessions {
		s.setNull()
	}
	status := c.status
	c.status = coinjoin.StatusIdle
	if wasMixing {
		c.notifyMixingComplete(status)
	}
	c.mtx.Unlock()

	c.pool.Close()
	log.Infof("wallet %s: mixing stopped", c.walletID)
}

// IsMixing reports whether automatic mixing is enabled.
func (c *Client) IsMixing() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.mixing
}

// Status returns the client's current pool status.
func (c *Client) Status() coinjoin.PoolStatus {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.status
}

// setStatus records the client status.  The caller must hold the mutex.
func (c *Client) setStatus(status coinjoin.PoolStatus) {
	if c.status != status {
		log.Debugf("wallet %s: status %q -> %q", c.walletID, c.status,
			status)
	}
	c.status = status
}

// Report returns one status line per session for the periodic dump.
func (c *Client) Report() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	lines := make([]string, 0, len(c.sessions))
	for _, s := range c.sessions {
		lines = append(lines, s.String())
	}
	return lines
}

// SessionStatuses returns the user-facing status line of every session.
func (c *Client) SessionStatuses() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	lines := make([]string, 0, len(c.sessions))
	for _, s := range c.sessions {
		lines = append(lines, s.statusString())
	}
	return lines
}

// DoMaintenance runs one maintenance tick: session timeouts, pending
// accept delivery, pool upkeep and the periodically scheduled automatic
// denominating attempt.
func (c *Client) DoMaintenance() {
	c.mtx.Lock()
	now := c.now()
	for _, s := range c.sessions {
		s.checkTimeout(now)
		s.processPendingDsaRequest(now)
	}
	mixing := c.mixing
	c.tickCount++
	runAuto := mixing && c.opts.Enabled && c.tickCount >= c.doAutoNext
	if runAuto {
		c.scheduleNextAutoDenom()
	}
	c.mtx.Unlock()

	c.pool.MaintainConnections()

	if runAuto {
		c.DoAutomaticDenominating(false)
	}
}

// scheduleNextAutoDenom picks the next tick to attempt mixing on.  The
// interval is randomized so attempts across wallets do not align.
func (c *Client) scheduleNextAutoDenom() {
	c.doAutoNext = c.tickCount + autoTimeoutMin +
		c.prng.Intn(autoTimeoutMax-autoTimeoutMin)
}

// DoAutomaticDenominating runs one pass of the mixing decision ladder:
// preconditions, balance accounting, denomination and collateral creation,
// then queue joining or creation per idle session.  In dry-run mode it
// stops after the accounting and planning steps and reports feasibility
// without touching sessions.  Returns true when at least one session made
// progress.
func (c *Client) DoAutomaticDenominating(dryRun bool) bool {
	if !c.opts.Enabled || !c.IsMixing() {
		return false
	}

	// A second entry while a pass is running returns immediately.
	if !c.mixingMtx.TryLock() {
		log.Debugf("wallet %s: mixing lock is already in place", c.walletID)
		return false
	}
	defer c.mixingMtx.Unlock()

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !c.chain.Synced() {
		c.setStatus(coinjoin.ErrNotSynced)
		return false
	}
	if c.wallet.Locked() {
		c.setStatus(coinjoin.ErrWalletLocked)
		return false
	}
	if c.registry.Count() == 0 {
		c.setStatus(coinjoin.ErrNoCoordinatorsDetected)
		return false
	}

	bal, err := c.wallet.Balance()
	if err != nil {
		log.Errorf("wallet %s: balance lookup failed: %v", c.walletID, err)
		return false
	}
	c.progress.UpdateProgress(bal)

	needs := c.opts.Amount - bal.Anonymized
	if needs <= 0 {
		// Target met; nothing to do.
		c.finishMixing()
		return false
	}

	smallest := coinjoin.SmallestDenomination()
	if bal.Anonymizable < smallest {
		c.setStatus(coinjoin.ErrNotEnoughFunds)
		return false
	}

	balanceToDenominate := needs - bal.Denominated()
	if balanceToDenominate < 0 {
		balanceToDenominate = 0
	}

	// When the missing amount is below the smallest denomination, round
	// it up to the nearest denomination the wallet can still cover so
	// the final mix lands on an exact denomination.
	if needs < smallest {
		denoms := coinjoin.StandardDenominations()
		for i := len(denoms) - 1; i >= 0; i-- {
			if denoms[i] >= needs && denoms[i] <= bal.Anonymizable {
				needs = denoms[i]
				break
			}
		}
	}

	if bal.AnonymizableNonDenom >= smallest+coinjoin.CollateralAmount() &&
		balanceToDenominate > 0 {
		if c.createDenominated(balanceToDenominate) {
			c.updatedSuccessBlock()
		}
	}

	if !c.wallet.HasCollateralInputs(true) {
		c.makeCollateralAmounts()
	}

	if dryRun {
		return true
	}

	// In single-session mode, unconfirmed denominations block a new
	// session until they confirm.
	if !c.opts.MultiSession && bal.DenominatedUnconfirmed > 0 {
		log.Infof("wallet %s: last denominations not confirmed yet, "+
			"waiting", c.walletID)
		return false
	}

	for len(c.sessions) < c.opts.Sessions {
		c.nextID++
		c.sessions = append(c.sessions, newSession(c, c.nextID))
	}

	result := false
	for _, s := range c.sessions {
		if c.startSession(s, needs) {
			result = true
		}
	}
	if result {
		c.setStatus(coinjoin.StatusMixing)
	}
	return result
}

// finishMixing records that the target is met and settles the mixing
// listeners.  The caller must hold the mutex.
func (c *Client) finishMixing() {
	c.setStatus(coinjoin.StatusFinished)
	if !c.mixing {
		return
	}
	c.mixing = false
	log.Infof("wallet %s: mixing target reached", c.walletID)
	c.notifyMixingComplete(coinjoin.StatusFinished)
}

// startSession moves one idle session into a queue: it revalidates or
// rebuilds the collateral, locks its inputs, and either joins an existing
// queue or starts a new one.  The caller must hold the mutex.
func (c *Client) startSession(s *session, needs btcutil.Amount) bool {
	if s.sessionID != 0 {
		log.Debugf("session %d: mixing in progress", s.id)
		return false
	}
	// New attempts start only from idle.
	if s.state != coinjoin.PoolStateIdle {
		return false
	}

	collateral := s.collateral
	s.setNull()
	s.collateral = collateral

	if !c.isCollateralValid(s.collateral) {
		tx, err := c.createCollateralTransaction()
		if err != nil {
			log.Infof("session %d: no collateral available: %v", s.id,
				err)
			c.setStatus(coinjoin.ErrNotEnoughFunds)
			return false
		}
		s.collateral = tx
	}
	for _, in := range s.collateral.TxIn {
		if !c.wallet.IsLockedCoin(in.PreviousOutPoint) {
			s.lockCoin(in.PreviousOutPoint)
		}
	}

	if s.joinExistingQueue(needs) || s.startNewQueue(needs) {
		c.notifySessionStarted(s)
		return true
	}
	s.setNull()
	return false
}

// joinExistingQueue scans the not-yet-tried queue advertisements for one
// the session can serve: a known coordinator not already in use, at a
// denomination the wallet holds unmixed inputs for.
func (s *session) joinExistingQueue(needs btcutil.Amount) bool {
	c := s.client
	for {
		q := c.queueMgr.GetQueueItemAndTry()
		if q == nil {
			return false
		}

		coord := c.registry.ByOutpoint(q.CoordOutpoint)
		if coord == nil {
			continue
		}
		if _, used := c.usedCoordinators[coord.ProTxHash]; used {
			continue
		}

		coins, err := c.wallet.SelectMixingCoins(q.Denomination, 0,
			int32(c.opts.Rounds)-1, coinjoin.MaxPoolAmount(),
			coinjoin.EntryMaxSize)
		if err != nil || len(coins) == 0 {
			log.Debugf("session %d: no inputs at denom %s, trying "+
				"another queue", s.id,
				coinjoin.DenominationToString(q.Denomination))
			continue
		}

		s.coordinator = coord
		s.denom = q.Denomination
		s.joined = true
		c.markCoordinatorUsed(coord.ProTxHash)
		c.pool.AddPendingSession(s.id, coord)
		s.pendingDsa = &pendingDsaRequest{
			addr: coord.Addr,
			msg: &coinjoin.Accept{
				Denomination: s.denom,
				Collateral:   *s.collateral.Copy(),
			},
			created: c.now(),
		}
		s.setState(coinjoin.PoolStateQueue)
		log.Infof("session %d: joining existing queue %s on %s", s.id, q,
			coord.Addr)
		return true
	}
}

// startNewQueue asks a randomly chosen, not recently used coordinator to
// open a new queue at a denomination the wallet can serve.
func (s *session) startNewQueue(needs btcutil.Amount) bool {
	c := s.client
	if needs <= 0 {
		return false
	}

	// The denomination set must be non-empty before entering the pick
	// loop; an empty set can never produce a session denomination.
	set, err := c.wallet.PossibleMixingDenoms(needs)
	if err != nil || len(set) == 0 {
		log.Infof("session %d: no matching denominations to mix, err=%v",
			s.id, err)
		c.setStatus(coinjoin.ErrNoInputs)
		return false
	}

	for tries := 0; tries < newQueueTries; tries++ {
		coord := c.registry.Random(c.usedCoordinators)
		if coord == nil {
			c.setStatus(coinjoin.ErrNoCoordinatorsDetected)
			return false
		}
		c.markCoordinatorUsed(coord.ProTxHash)

		if c.queueMgr.IsRateLimited(coord.ProTxHash) {
			log.Debugf("session %d: too early to mix on %s, skipping "+
				"(try %d)", s.id, coord.Addr, tries+1)
			continue
		}

		s.coordinator = coord
		s.denom = c.pickSessionDenom(set)
		s.joined = false
		c.pool.AddPendingSession(s.id, coord)
		s.pendingDsa = &pendingDsaRequest{
			addr: coord.Addr,
			msg: &coinjoin.Accept{
				Denomination: s.denom,
				Collateral:   *s.collateral.Copy(),
			},
			created: c.now(),
		}
		s.setState(coinjoin.PoolStateQueue)
		log.Infof("session %d: starting new queue at denom %s on %s",
			s.id, coinjoin.DenominationToString(s.denom), coord.Addr)
		return true
	}
	return false
}

// pickSessionDenom chooses the session denomination from a non-empty set,
// largest first with a one-in-two skip so the choice is not predictable
// when several denominations qualify.
func (c *Client) pickSessionDenom(set map[uint32]struct{}) uint32 {
	denoms := make([]uint32, 0, len(set))
	for d := range set {
		denoms = append(denoms, d)
	}
	// Smaller identifiers are larger denominations.
	for i := 1; i < len(denoms); i++ {
		for j := i; j > 0 && denoms[j] < denoms[j-1]; j-- {
			denoms[j], denoms[j-1] = denoms[j-1], denoms[j]
		}
	}

	for {
		for _, d := range denoms {
			if len(denoms) > 1 && c.prng.Intn(2) == 1 {
				continue
			}
			return d
		}
	}
}

// markCoordinatorUsed records a coordinator pick.  Once every coordinator
// has been used the history resets, keeping Random productive.
func (c *Client) markCoordinatorUsed(proTxHash chainhash.Hash) {
	c.usedCoordinators[proTxHash] = struct{}{}
	if len(c.usedCoordinators) >= c.registry.Count() {
		c.usedCoordinators = make(map[chainhash.Hash]struct{})
	}
}

// updatedSuccessBlock records the height of the latest successful step.
func (c *Client) updatedSuccessBlock() {
	c.lastSuccessBlock = c.chain.BestHeight()
}

// ProcessMessage dispatches a protocol message from a coordinator to the
// sessions connected to it.  Messages from addresses no session is using
// are dropped.
func (c *Client) ProcessMessage(fromAddr string, msg coinjoin.Message) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, s := range c.sessions {
		if s.coordinator == nil || s.coordinator.Addr != fromAddr {
			continue
		}
		switch m := msg.(type) {
		case *coinjoin.StatusUpdate:
			s.processStatusUpdate(m)
		case *coinjoin.FinalTransaction:
			s.processFinalTransaction(m)
		case *coinjoin.Complete:
			s.processComplete(m)
		}
	}
}

// ProcessDSQueue reacts to a ready queue from a coordinator one of our
// sessions is waiting on by submitting the session's entry.
func (c *Client) ProcessDSQueue(q *coinjoin.Queue) {
	if !q.Ready {
		return
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, s := range c.sessions {
		if s.state != coinjoin.PoolStateQueue || s.coordinator == nil {
			continue
		}
		if s.coordinator.CollateralOut != q.CoordOutpoint ||
			s.denom != q.Denomination || len(s.entries) != 0 {
			continue
		}
		log.Infof("session %d: queue is ready, submitting entry", s.id)
		s.submitDenominate()
	}
}

// PeerDied tears down the sessions whose coordinator connection was lost.
func (c *Client) PeerDied(addr string) {
	orphans := c.pool.PeerDied(addr)
	if len(orphans) == 0 {
		return
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, s := range c.sessions {
		for _, id := range orphans {
			if s.id != id || s.state == coinjoin.PoolStateIdle {
				continue
			}
			log.Infof("session %d: coordinator %s went away", s.id, addr)
			s.setNull()
		}
	}
}

// notifySessionStarted fires the session-started listeners.  The caller
// must hold the mutex; callbacks run on their own goroutine.
func (c *Client) notifySessionStarted(s *session) {
	listeners := append([]SessionListener(nil), c.sessionListeners...)
	walletID, sessionID, denom := c.walletID, s.id, s.denom
	go func() {
		for _, l := range listeners {
			l.OnSessionStarted(walletID, sessionID, denom,
				coinjoin.MsgNoErr)
		}
	}()
}

// notifySessionComplete fires the session-complete listeners.  The caller
// must hold the mutex.
func (c *Client) notifySessionComplete(sessionID int32, denom uint32,
	message coinjoin.PoolMessage) {

	listeners := append([]SessionListener(nil), c.sessionListeners...)
	walletID := c.walletID
	go func() {
		for _, l := range listeners {
			l.OnSessionComplete(walletID, sessionID, denom, message)
		}
	}()
}

// notifySessionTimedOut reports a timed out session to the listeners.
func (c *Client) notifySessionTimedOut(sessionID int32, denom uint32) {
	c.notifySessionComplete(sessionID, denom, coinjoin.ErrSession)
}

// notifyMixingComplete fires the mixing-complete listeners.  The caller
// must hold the mutex.
func (c *Client) notifyMixingComplete(status coinjoin.PoolStatus) {
	listeners := append([]MixingListener(nil), c.mixingListeners...)

	go func() {
		for _, l := range listeners {
			l.OnMixingComplete(c.walletID, status)
		}
	}()
}

// LastSuccessBlock returns the height of the most recent successful mix or
// denomination creation, zero if none.
func (c *Client) LastSuccessBlock() int32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lastSuccessBlock
}
