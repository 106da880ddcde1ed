// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"

	"github.com/dashsuite/dashmixer/coinjoin"
)

// errNoMixingInputs is wrapped into prepare failures when no denominated
// inputs match the requested rounds.
var errNoMixingInputs = errors.New("no compatible mixing inputs")

// zeroHash is the null previous-outpoint hash of a coinbase-style input.
var zeroHash chainhash.Hash

const (
	// errorResetTimeout is how long a session lingers in the error state
	// before it resets to idle.
	errorResetTimeout = 10 * time.Second

	// timeoutLag is the slack added to the protocol timeouts before a
	// session is considered dead.
	timeoutLag = 10 * time.Second

	// pendingDsaTimeout is how long an accept request waits for its
	// coordinator connection before the session gives up.
	pendingDsaTimeout = 15 * time.Second
)

// pendingDsaRequest is an accept message held until the coordinator
// connection exists.
type pendingDsaRequest struct {
	addr    string
	msg     *coinjoin.Accept
	created time.Time
}

// session is one client-side attempt to participate in one mix with one
// coordinator.  All methods require the owning client's mutex to be held;
// the session itself has no lock.
type session struct {
	client *Client

	// id is the locally unique session number, used to key the
	// coordinator pool.
	id int32

	state coinjoin.PoolState

	// sessionID is the coordinator-assigned identifier, zero until a
	// valid acceptance arrives in the queue state.
	sessionID int32

	denom       uint32
	coordinator *Coordinator
	collateral  *wire.MsgTx

	// lockedCoins mirrors exactly the outpoints this session asked the
	// wallet to lock, so cleanup releases precisely what it took.
	lockedCoins []wire.OutPoint

	keyHolder keyHolderStorage
	entries   []*coinjoin.Entry
	finalTx   *wire.MsgTx

	lastStepTime time.Time
	lastMessage  coinjoin.PoolMessage
	pendingDsa   *pendingDsaRequest

	// joined is true when the session joined an existing queue rather
	// than starting a new one.
	joined bool

	statusTick int
}

func newSession(c *Client, id int32) *session {
	return &session{
		client:       c,
		id:           id,
		state:        coinjoin.PoolStateIdle,
		lastMessage:  coinjoin.MsgNoErr,
		lastStepTime: c.now(),
	}
}

// setState transitions the session and restarts its step timer.
func (s *session) setState(state coinjoin.PoolState) {
	log.Debugf("session %d: state %v -> %v", s.id, s.state, state)
	s.state = state
	s.lastStepTime = s.client.now()
}

// setNull resets the session to idle and releases everything it holds:
// locked coins, outstanding key reservations, entries, the final
// transaction and its pool slot.  Safe to call from any state.
func (s *session) setNull() {
	s.unlockCoins()
	s.keyHolder.ReturnAll()
	s.client.pool.RemoveSession(s.id)

	s.state = coinjoin.PoolStateIdle
	s.sessionID = 0
	s.denom = 0
	s.coordinator = nil
	s.entries = nil
	s.finalTx = nil
	s.pendingDsa = nil
	s.joined = false
	s.lastStepTime = s.client.now()
}

// unlockCoins releases every outpoint this session locked.
func (s *session) unlockCoins() {
	for _, op := range s.lockedCoins {
		s.client.wallet.UnlockCoin(op)
	}
	s.lockedCoins = nil
}

// lockCoin locks the outpoint in the wallet and mirrors it locally.
func (s *session) lockCoin(op wire.OutPoint) {
	s.client.wallet.LockCoin(op)
	s.lockedCoins = append(s.lockedCoins, op)
}

// forCoordinator runs fn against the connected peer of this session's
// coordinator.  Returns false when there is no coordinator or no live
// connection.
func (s *session) forCoordinator(fn func(Peer) error) bool {
	if s.coordinator == nil {
		return false
	}
	return s.client.pool.ForPeer(s.coordinator.Addr, fn)
}

// fail moves the session to the error state and releases its resources.
// The coordinator-supplied (or synthesized) reason is recorded for status
// reporting.
func (s *session) fail(reason coinjoin.PoolMessage) {
	s.unlockCoins()
	s.keyHolder.ReturnAll()
	s.lastMessage = reason
	s.setState(coinjoin.PoolStateError)
}

// checkTimeout enforces the protocol deadlines.  Returns true when the
// session state changed.
func (s *session) checkTimeout(now time.Time) bool {
	switch s.state {
	case coinjoin.PoolStateIdle:
		return false

	case coinjoin.PoolStateError:
		if now.Sub(s.lastStepTime) < errorResetTimeout {
			return false
		}
		// Reset to idle; the orchestrator may start over on a
		// later tick.
		log.Debugf("session %d: resetting from error", s.id)
		s.setNull()
		return true
	}

	timeout := time.Duration(coinjoin.QueueTimeout) * time.Second
	if s.state == coinjoin.PoolStateSigning {
		timeout = time.Duration(coinjoin.SigningTimeout) * time.Second
	}
	if now.Sub(s.lastStepTime) <= timeout+timeoutLag {
		return false
	}

	log.Infof("session %d: timed out in %v (%v)", s.id, s.state,
		now.Sub(s.lastStepTime))
	sessionID := s.sessionID
	denom := s.denom
	s.setNull()
	s.lastMessage = coinjoin.ErrSession
	s.setState(coinjoin.PoolStateError)
	s.client.status = coinjoin.ErrSessionTimedOut
	s.client.notifySessionTimedOut(sessionID, denom)
	return true
}

// processPendingDsaRequest tries to deliver the held accept message once
// the coordinator connection is up.  Expired requests tear the session
// down to idle.
func (s *session) processPendingDsaRequest(now time.Time) {
	if s.pendingDsa == nil {
		return
	}

	req := s.pendingDsa
	sent := s.client.pool.ForPeer(req.addr, func(p Peer) error {
		return p.Send(req.msg)
	})
	if sent {
		log.Debugf("session %d: accept delivered to %s", s.id, req.addr)
		s.lastStepTime = now
		s.pendingDsa = nil
		return
	}

	if now.Sub(req.created) > pendingDsaTimeout {
		log.Warnf("session %d: failed to connect to %s", s.id, req.addr)
		s.setNull()
	}
}

// processStatusUpdate applies a coordinator status report.  Out-of-range
// states or message identifiers drop the message without a transition, and
// nothing a coordinator reports may restart the timers of a session that
// already ended in idle or error.
func (s *session) processStatusUpdate(su *coinjoin.StatusUpdate) {
	if s.state == coinjoin.PoolStateIdle ||
		s.state == coinjoin.PoolStateError {

		log.Debugf("session %d: status update ignored in state %v",
			s.id, s.state)
		return
	}
	if su.State < coinjoin.PoolStateMin || su.State > coinjoin.PoolStateMax {
		log.Warnf("session %d: status update with bogus state %d dropped",
			s.id, su.State)
		return
	}
	if su.MessageID < coinjoin.MsgPoolMin || su.MessageID > coinjoin.MsgPoolMax {
		log.Warnf("session %d: status update with bogus message id %d "+
			"dropped", s.id, su.MessageID)
		return
	}

	switch su.Status {
	case coinjoin.StatusRejected:
		log.Infof("session %d: rejected by coordinator: %s", s.id,
			su.MessageID.Message())
		s.fail(su.MessageID)

	case coinjoin.StatusAccepted:
		if s.state == coinjoin.PoolStateQueue && s.sessionID == 0 &&
			su.SessionID != 0 {

			// The only place a coordinator session id may be
			// assigned.
			s.sessionID = su.SessionID
			s.lastMessage = su.MessageID
			s.setState(coinjoin.PoolStateAcceptingEntries)
			log.Infof("session %d: accepted as coordinator session "+
				"%d", s.id, s.sessionID)
			s.submitDenominate()
			return
		}
		s.lastMessage = su.MessageID
		s.lastStepTime = s.client.now()

	default:
		log.Warnf("session %d: status update with bogus status %d "+
			"dropped", s.id, su.Status)
	}
}

// processFinalTransaction verifies and signs the assembled mix.  Messages
// for other coordinator sessions are ignored.
func (s *session) processFinalTransaction(ft *coinjoin.FinalTransaction) {
	if s.sessionID == 0 || ft.SessionID != s.sessionID {
		log.Debugf("session %d: final tx for session %d ignored", s.id,
			ft.SessionID)
		return
	}
	s.signFinalTransaction(&ft.Tx)
}

// signFinalTransaction implements the verify-then-sign step.  The session
// refuses to sign whenever the final transaction does not contain exactly
// the inputs and outputs it submitted; losing the collateral to a cheating
// coordinator is preferred over signing its transaction.
func (s *session) signFinalTransaction(finalTx *wire.MsgTx) {
	if len(s.entries) == 0 {
		log.Warnf("session %d: final tx without submitted entries", s.id)
		s.fail(coinjoin.ErrSession)
		return
	}

	final := finalTx.Copy()
	log.Debugf("session %d: final tx %v with %d inputs, %d outputs",
		s.id, final.TxHash(), len(final.TxIn), len(final.TxOut))

	// Connect the previous outputs we know about; inputs of other
	// participants pass through unresolved.
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	for _, in := range final.TxIn {
		op := in.PreviousOutPoint
		prev, err := s.client.wallet.GetTransaction(op.Hash)
		if err != nil || prev == nil {
			continue
		}
		if int(op.Index) < len(prev.TxOut) {
			prevOuts[op] = prev.TxOut[op.Index]
		}
	}

	// Coordinators are expected to deliver the canonical ordering, but a
	// non-canonical one is log-worthy, not fatal.
	if sorted := txsort.Sort(final); sorted.TxHash() != finalTx.TxHash() {
		log.Warnf("session %d: final tx %v is not in canonical order",
			s.id, finalTx.TxHash())
	}

	for _, out := range final.TxOut {
		if err := txrules.CheckOutput(out, s.client.feePerKb); err != nil {
			log.Warnf("session %d: invalid output in final tx: %v",
				s.id, err)
			s.fail(coinjoin.ErrInvalidTx)
			return
		}
	}
	for _, in := range final.TxIn {
		if in.PreviousOutPoint.Hash == zeroHash {
			log.Warnf("session %d: null input in final tx", s.id)
			s.fail(coinjoin.ErrInvalidInput)
			return
		}
	}

	// Every output and input we declared must be present, or we refuse.
	myOutpoints := make(map[wire.OutPoint]struct{})
	for _, entry := range s.entries {
		for _, out := range entry.Outputs {
			if !containsOutput(final.TxOut, out) {
				log.Warnf("session %d: our output (%d) missing "+
					"from final tx, refusing to sign", s.id,
					out.Value)
				s.fail(coinjoin.ErrInvalidTx)
				return
			}
		}
		for _, in := range entry.Inputs {
			if !containsOutpoint(final.TxIn, in.PreviousOutPoint) {
				log.Warnf("session %d: our input %v missing "+
					"from final tx, refusing to sign", s.id,
					in.PreviousOutPoint)
				s.fail(coinjoin.ErrInvalidInput)
				return
			}
			myOutpoints[in.PreviousOutPoint] = struct{}{}
		}
	}

	// Sign only our own inputs, by their index in the final tx.
	var signed []*wire.TxIn
	for i, in := range final.TxIn {
		op := in.PreviousOutPoint
		if _, ours := myOutpoints[op]; !ours {
			continue
		}
		prevOut, ok := prevOuts[op]
		if !ok {
			log.Warnf("session %d: missing previous output for our "+
				"input %v", s.id, op)
			s.fail(coinjoin.ErrMissingTx)
			return
		}
		err := s.client.wallet.SignInput(final, i, prevOut.PkScript,
			btcutil.Amount(prevOut.Value))
		if err != nil {
			log.Warnf("session %d: signing input %d failed: %v",
				s.id, i, err)
			s.fail(coinjoin.ErrInvalidScript)
			return
		}
		signed = append(signed, final.TxIn[i])
	}
	if len(signed) == 0 {
		log.Warnf("session %d: nothing to sign in final tx", s.id)
		s.fail(coinjoin.ErrInvalidTx)
		return
	}

	sent := s.forCoordinator(func(p Peer) error {
		return p.Send(&coinjoin.SignedInputs{Inputs: signed})
	})
	if !sent {
		log.Warnf("session %d: no connection to push signatures", s.id)
		s.fail(coinjoin.ErrSession)
		return
	}

	s.finalTx = final
	s.setState(coinjoin.PoolStateSigning)
	log.Infof("session %d: pushed %d signed inputs", s.id, len(signed))
}

// processComplete finishes the session.  On success the reserved keys are
// kept; on anything else they are returned.  Either way the session resets
// to idle and its coins are unlocked.
func (s *session) processComplete(cm *coinjoin.Complete) {
	if s.sessionID == 0 || cm.SessionID != s.sessionID {
		log.Debugf("session %d: completion for session %d ignored", s.id,
			cm.SessionID)
		return
	}
	if cm.MessageID < coinjoin.MsgPoolMin || cm.MessageID > coinjoin.MsgPoolMax {
		log.Warnf("session %d: completion with bogus message id %d "+
			"dropped", s.id, cm.MessageID)
		return
	}

	sessionID := s.sessionID
	denom := s.denom
	if cm.MessageID == coinjoin.MsgSuccess {
		log.Infof("session %d: mix successful (%s)", s.id,
			cm.MessageID.Message())
		s.keyHolder.KeepAll()
		s.client.updatedSuccessBlock()
		s.setNull()
		s.lastMessage = coinjoin.MsgSuccess
	} else {
		log.Infof("session %d: mix failed (%s)", s.id,
			cm.MessageID.Message())
		s.setNull()
		s.lastMessage = cm.MessageID
	}
	s.client.notifySessionComplete(sessionID, denom, cm.MessageID)
}

// submitDenominate selects inputs for the session denomination and submits
// the entry.  Round counts are probed from most specific to least: for
// each candidate round count a dry run measures how many inputs would
// match; the outcomes are ranked by more inputs then fewer rounds.
func (s *session) submitDenominate() {
	c := s.client

	// One entry per session; a repeated trigger must not double-spend the
	// inputs already submitted.
	if len(s.entries) > 0 {
		log.Debugf("session %d: already have pending entries", s.id)
		return
	}

	type outcome struct {
		rounds int32
		count  int
	}
	var outcomes []outcome
	for r := int32(0); r < int32(c.opts.Rounds+c.opts.RandomRounds); r++ {
		ins, _, err := s.prepareDenominate(r, r, true)
		if err != nil || len(ins) == 0 {
			continue
		}
		outcomes = append(outcomes, outcome{rounds: r, count: len(ins)})
	}
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].count != outcomes[j].count {
			return outcomes[i].count > outcomes[j].count
		}
		return outcomes[i].rounds < outcomes[j].rounds
	})

	for _, o := range outcomes {
		ins, outs, err := s.prepareDenominate(o.rounds, o.rounds, false)
		if err == nil {
			log.Infof("session %d: running coinjoin denominate for "+
				"%d rounds, %d inputs", s.id, o.rounds, len(ins))
			s.sendDenominate(ins, outs)
			return
		}
		log.Debugf("session %d: prepare at %d rounds failed: %v", s.id,
			o.rounds, err)
	}

	// Fall back to any rounds below the target.
	ins, outs, err := s.prepareDenominate(0, int32(c.opts.Rounds)-1, false)
	if err == nil {
		log.Infof("session %d: running coinjoin denominate for all "+
			"rounds, %d inputs", s.id, len(ins))
		s.sendDenominate(ins, outs)
		return
	}

	log.Warnf("session %d: no inputs to denominate: %v", s.id, err)
	s.fail(coinjoin.ErrDenom)
}

// prepareDenominate selects up to EntryMaxSize inputs of the session
// denomination with round counts in [minRounds, maxRounds] and pairs each
// with a freshly reserved output.  After the first input, each candidate
// is skipped with probability one in five so the submitted input count is
// not predictable.  A dry run reserves no keys and locks no coins.
func (s *session) prepareDenominate(minRounds, maxRounds int32,
	dryRun bool) ([]Coin, []*wire.TxOut, error) {

	c := s.client
	coins, err := c.wallet.SelectMixingCoins(s.denom, minRounds, maxRounds,
		coinjoin.MaxPoolAmount(), coinjoin.EntryMaxSize)
	if err != nil {
		return nil, nil, err
	}
	if len(coins) == 0 {
		return nil, nil, fmt.Errorf("%w: no inputs at rounds [%d, %d]",
			errNoMixingInputs, minRounds, maxRounds)
	}

	denomAmount := coinjoin.DenominationToAmount(s.denom)
	var selected []Coin
	steps := 0
	for _, coin := range coins {
		if steps >= coinjoin.EntryMaxSize {
			break
		}
		if steps > 0 && c.prng.Intn(5) == 0 {
			steps++
			continue
		}
		selected = append(selected, coin)
		steps++
	}
	if len(selected) == 0 {
		return nil, nil, fmt.Errorf("%w: all candidates skipped",
			errNoMixingInputs)
	}

	outs := make([]*wire.TxOut, 0, len(selected))
	if dryRun {
		for range selected {
			outs = append(outs, wire.NewTxOut(int64(denomAmount), nil))
		}
		return selected, outs, nil
	}

	for i := range selected {
		script, err := s.keyHolder.AddKey(c.wallet)
		if err != nil {
			s.keyHolder.ReturnAll()
			return nil, nil, fmt.Errorf("key reservation failed: %w",
				err)
		}
		outs = append(outs, wire.NewTxOut(int64(denomAmount), script))
		s.lockCoin(selected[i].OutPoint)
	}
	return selected, outs, nil
}

// sendDenominate wraps the prepared inputs and outputs into a single entry
// and submits it to the coordinator.
func (s *session) sendDenominate(coins []Coin, outs []*wire.TxOut) {
	// Submitting requires a coordinator-assigned session id.  A ready
	// queue announcement can race ahead of the acceptance; without an id
	// there is no session slot to submit into, so the attempt is given up.
	if s.sessionID == 0 {
		log.Warnf("session %d: no coordinator session id, not sending "+
			"entry", s.id)
		s.setNull()
		return
	}
	if s.collateral == nil {
		log.Errorf("session %d: no collateral to submit entry with", s.id)
		s.fail(coinjoin.ErrInvalidCollateral)
		return
	}

	ins := make([]*wire.TxIn, 0, len(coins))
	for i := range coins {
		ins = append(ins, coins[i].TxIn())
	}
	entry := &coinjoin.Entry{
		Inputs:     ins,
		Outputs:    outs,
		Collateral: *s.collateral.Copy(),
	}
	s.entries = append(s.entries, entry)

	sent := s.forCoordinator(func(p Peer) error {
		return p.Send(entry)
	})
	if !sent {
		log.Warnf("session %d: no connection to submit entry", s.id)
		s.fail(coinjoin.ErrSession)
		return
	}
	s.lastStepTime = s.client.now()
	log.Infof("session %d: submitted entry with %d inputs", s.id, len(ins))
}

// String returns a one-line dump of the session for the periodic report.
func (s *session) String() string {
	coord := "none"
	if s.coordinator != nil {
		coord = s.coordinator.Addr
	}
	return fmt.Sprintf("session %d: denom=%s[%d], state=%v, "+
		"coordinator session=%d, coordinator=%s, entries=%d, joined=%v",
		s.id, coinjoin.DenominationToString(s.denom), s.denom, s.state,
		s.sessionID, coord, len(s.entries), s.joined)
}

// statusString returns the user-facing status line for this session,
// cycling a dot suffix while the session waits on the coordinator.
func (s *session) statusString() string {
	s.statusTick++
	dots := strings.Repeat(".", s.statusTick%3+1)

	switch s.state {
	case coinjoin.PoolStateIdle:
		return coinjoin.StatusIdle.String()
	case coinjoin.PoolStateQueue:
		return "Submitted to coordinator, waiting in queue " + dots
	case coinjoin.PoolStateAcceptingEntries:
		return s.lastMessage.Message()
	case coinjoin.PoolStateSigning:
		return "Found enough participants, signing " + dots
	case coinjoin.PoolStateError:
		return "CoinJoin request incomplete: " + s.lastMessage.Message() +
			" Will retry..."
	}
	return fmt.Sprintf("unknown state %d", s.state)
}

// containsOutput reports whether outs contains an output with the same
// value and exact script bytes.
func containsOutput(outs []*wire.TxOut, want *wire.TxOut) bool {
	for _, out := range outs {
		if out.Value == want.Value &&
			bytes.Equal(out.PkScript, want.PkScript) {
			return true
		}
	}
	return false
}

// containsOutpoint reports whether ins spends the given outpoint.
func containsOutpoint(ins []*wire.TxIn, op wire.OutPoint) bool {
	for _, in := range ins {
		if in.PreviousOutPoint == op {
			return true
		}
	}
	return false
}
