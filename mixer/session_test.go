// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/dashsuite/dashmixer/coinjoin"
)

// enabledOpts returns options with the engine switched on and a small
// anonymized target.
func enabledOpts() Options {
	opts := DefaultOptions()
	opts.Enabled = true
	opts.Amount = 10 * coinjoin.SmallestDenomination()
	return opts
}

// signedCollateral builds a plausible collateral transaction over the given
// outpoint.
func signedCollateral(op wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&op, []byte{0x47}, nil))
	tx.AddTxOut(wire.NewTxOut(0, []byte{0x6a}))
	return tx
}

// addMixingCoin funds the wallet with one denominated coin backed by a
// stored funding transaction, so signFinalTransaction can resolve it.
func addMixingCoin(w *mockWallet, seed byte, denom uint32,
	rounds int32) Coin {

	amount := coinjoin.DenominationToAmount(denom)
	prev := wire.NewMsgTx(wire.TxVersion)
	prev.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: [32]byte{seed}}, nil, nil))
	prev.AddTxOut(wire.NewTxOut(int64(amount), []byte{0x76, 0xa9, seed}))
	hash := prev.TxHash()
	w.txs[hash] = prev

	coin := Coin{
		OutPoint:  wire.OutPoint{Hash: hash, Index: 0},
		Value:     amount,
		PkScript:  prev.TxOut[0].PkScript,
		Rounds:    rounds,
		Confirmed: true,
	}
	w.mixingCoins = append(w.mixingCoins, coin)
	return coin
}

// queuedSession wires a session waiting in a coordinator's queue, with the
// coordinator connected.
func queuedSession(env *testEnv, denom uint32) *session {
	coord := testCoordinator(1, "10.0.0.1:9999")
	env.registry.coords = append(env.registry.coords, coord)
	env.net.Connect(coord.Addr)

	c := env.client
	c.nextID++
	s := newSession(c, c.nextID)
	s.coordinator = coord
	s.denom = denom
	s.collateral = signedCollateral(testOutPoint(0x40, 0))
	s.setState(coinjoin.PoolStateQueue)
	c.sessions = append(c.sessions, s)
	c.pool.AddPendingSession(s.id, coord)
	return s
}

func TestSessionTimeoutInQueue(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	const denom = 16
	s := queuedSession(env, denom)
	s.lockCoin(testOutPoint(0x41, 0))

	// One second inside the allowed window nothing happens.
	lag := time.Duration(coinjoin.QueueTimeout)*time.Second + timeoutLag
	require.False(t, s.checkTimeout(env.clock.now().Add(lag)))
	require.Equal(t, coinjoin.PoolStateQueue, s.state)

	// One second past it the session dies.
	require.True(t, s.checkTimeout(env.clock.now().Add(lag+time.Second)))
	require.Equal(t, coinjoin.PoolStateError, s.state)
	require.Equal(t, coinjoin.ErrSession, s.lastMessage)
	require.Equal(t, coinjoin.ErrSessionTimedOut, env.client.status)
	require.Equal(t, 0, env.wallet.lockedCount())
	require.Equal(t, 0, env.client.pool.PendingCount())

	require.Eventually(t, func() bool {
		return env.client.progress.TimedOutSessions() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSessionTimeoutWhileSigning(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := queuedSession(env, 16)
	s.setState(coinjoin.PoolStateSigning)

	lag := time.Duration(coinjoin.SigningTimeout)*time.Second + timeoutLag
	require.False(t, s.checkTimeout(env.clock.now().Add(lag)))
	require.True(t, s.checkTimeout(env.clock.now().Add(lag+time.Second)))
	require.Equal(t, coinjoin.PoolStateError, s.state)
}

func TestSessionErrorResetsToIdle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := queuedSession(env, 16)
	s.fail(coinjoin.ErrDenom)

	require.False(t, s.checkTimeout(env.clock.now().Add(errorResetTimeout-
		time.Second)))
	require.Equal(t, coinjoin.PoolStateError, s.state)

	require.True(t, s.checkTimeout(env.clock.now().Add(errorResetTimeout+
		time.Second)))
	require.Equal(t, coinjoin.PoolStateIdle, s.state)
	require.Zero(t, s.sessionID)
	require.Nil(t, s.coordinator)
}

func TestSessionStatusUpdateRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := queuedSession(env, 16)
	s.lockCoin(testOutPoint(0x42, 0))
	_, err := s.keyHolder.AddKey(env.wallet)
	require.NoError(t, err)

	s.processStatusUpdate(&coinjoin.StatusUpdate{
		State:     coinjoin.PoolStateQueue,
		Status:    coinjoin.StatusRejected,
		MessageID: coinjoin.ErrQueueFull,
	})

	require.Equal(t, coinjoin.PoolStateError, s.state)
	require.Equal(t, coinjoin.ErrQueueFull, s.lastMessage)
	require.Equal(t, 0, env.wallet.lockedCount())
	require.Equal(t, 1, env.wallet.returnedKeys())
}

// Coordinator reports aimed at a session that already ended must not
// restart its timers, or repeated rejections would defer the error-state
// reset forever.
func TestSessionStatusUpdateIgnoredAfterEnd(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := queuedSession(env, 16)
	s.fail(coinjoin.ErrDenom)
	failedAt := s.lastStepTime

	s.processStatusUpdate(&coinjoin.StatusUpdate{
		State:     coinjoin.PoolStateQueue,
		Status:    coinjoin.StatusRejected,
		MessageID: coinjoin.ErrQueueFull,
	})
	require.Equal(t, coinjoin.PoolStateError, s.state)
	require.Equal(t, coinjoin.ErrDenom, s.lastMessage)
	require.Equal(t, failedAt, s.lastStepTime)

	// The reset still fires on schedule.
	require.True(t, s.checkTimeout(failedAt.Add(errorResetTimeout+
		time.Second)))
	require.Equal(t, coinjoin.PoolStateIdle, s.state)

	// Idle sessions ignore status updates just the same.
	s.processStatusUpdate(&coinjoin.StatusUpdate{
		SessionID: 777,
		State:     coinjoin.PoolStateQueue,
		Status:    coinjoin.StatusAccepted,
		MessageID: coinjoin.MsgNoErr,
	})
	require.Equal(t, coinjoin.PoolStateIdle, s.state)
	require.Zero(t, s.sessionID)
}

func TestSessionStatusUpdateBogusDropped(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := queuedSession(env, 16)

	s.processStatusUpdate(&coinjoin.StatusUpdate{
		State:     coinjoin.PoolStateMax + 1,
		Status:    coinjoin.StatusRejected,
		MessageID: coinjoin.MsgNoErr,
	})
	require.Equal(t, coinjoin.PoolStateQueue, s.state)

	s.processStatusUpdate(&coinjoin.StatusUpdate{
		State:     coinjoin.PoolStateQueue,
		Status:    coinjoin.StatusRejected,
		MessageID: coinjoin.MsgPoolMax + 1,
	})
	require.Equal(t, coinjoin.PoolStateQueue, s.state)

	// An acceptance without a coordinator session id is no transition.
	s.processStatusUpdate(&coinjoin.StatusUpdate{
		State:     coinjoin.PoolStateQueue,
		Status:    coinjoin.StatusAccepted,
		MessageID: coinjoin.MsgNoErr,
	})
	require.Equal(t, coinjoin.PoolStateQueue, s.state)
	require.Zero(t, s.sessionID)
}

func TestSessionAcceptedSubmitsEntry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	const denom = 16
	for i := byte(0); i < 5; i++ {
		addMixingCoin(env.wallet, 0x50+i, denom, 0)
	}
	s := queuedSession(env, denom)

	s.processStatusUpdate(&coinjoin.StatusUpdate{
		SessionID: 777,
		State:     coinjoin.PoolStateQueue,
		Status:    coinjoin.StatusAccepted,
		MessageID: coinjoin.MsgNoErr,
	})

	require.Equal(t, int32(777), s.sessionID)
	require.Equal(t, coinjoin.PoolStateAcceptingEntries, s.state)
	require.Len(t, s.entries, 1)

	entry := s.entries[0]
	require.NotEmpty(t, entry.Inputs)
	require.Len(t, entry.Outputs, len(entry.Inputs))
	for _, out := range entry.Outputs {
		require.Equal(t, int64(coinjoin.DenominationToAmount(denom)),
			out.Value)
		require.NotEmpty(t, out.PkScript)
	}

	// One coin locked and one key reserved per submitted input.
	require.Equal(t, len(entry.Inputs), env.wallet.lockedCount())
	require.Equal(t, len(entry.Inputs), s.keyHolder.Count())

	// The entry went out on the coordinator connection.
	peer := env.net.peer(s.coordinator.Addr)
	require.NotNil(t, peer)
	sent := peer.sentMessages()
	require.Len(t, sent, 1)
	require.IsType(t, &coinjoin.Entry{}, sent[0])

	// A second coordinator session id is never accepted.
	s.processStatusUpdate(&coinjoin.StatusUpdate{
		SessionID: 888,
		State:     coinjoin.PoolStateAcceptingEntries,
		Status:    coinjoin.StatusAccepted,
		MessageID: coinjoin.MsgEntriesAdded,
	})
	require.Equal(t, int32(777), s.sessionID)
	require.Equal(t, coinjoin.MsgEntriesAdded, s.lastMessage)
}

// Without a coordinator-assigned session id there is nothing to submit
// into: the attempt resets the session and releases what it reserved.
func TestSubmitDenominateRequiresSessionID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	const denom = 16
	for i := byte(0); i < 3; i++ {
		addMixingCoin(env.wallet, 0xa0+i, denom, 0)
	}
	s := queuedSession(env, denom)
	peer := env.net.peer(s.coordinator.Addr)

	s.submitDenominate()

	require.Equal(t, coinjoin.PoolStateIdle, s.state)
	require.Empty(t, s.entries)
	require.Equal(t, 0, env.wallet.lockedCount())
	require.Equal(t, 0, s.keyHolder.Count())
	require.GreaterOrEqual(t, env.wallet.returnedKeys(), 1)
	require.Empty(t, peer.sentMessages())
}

// A session submits at most one entry; repeated triggers are dropped.
func TestSubmitDenominateOncePerSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := acceptedSession(t, env, 16)

	s.submitDenominate()

	require.Len(t, s.entries, 1)
	peer := env.net.peer(s.coordinator.Addr)
	require.Len(t, peer.sentMessages(), 1)
}

func TestSubmitDenominateNoInputs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := queuedSession(env, 16)

	s.submitDenominate()
	require.Equal(t, coinjoin.PoolStateError, s.state)
	require.Equal(t, coinjoin.ErrDenom, s.lastMessage)
}

// acceptedSession drives a session through acceptance so it has submitted
// one entry.
func acceptedSession(t *testing.T, env *testEnv, denom uint32) *session {
	t.Helper()

	for i := byte(0); i < 5; i++ {
		addMixingCoin(env.wallet, 0x60+i, denom, 0)
	}
	s := queuedSession(env, denom)
	s.processStatusUpdate(&coinjoin.StatusUpdate{
		SessionID: 777,
		State:     coinjoin.PoolStateQueue,
		Status:    coinjoin.StatusAccepted,
		MessageID: coinjoin.MsgNoErr,
	})
	require.Equal(t, coinjoin.PoolStateAcceptingEntries, s.state)
	require.Len(t, s.entries, 1)
	return s
}

// finalTxFromEntry assembles the coordinator's final transaction from the
// session's submitted entry plus a foreign participant.
func finalTxFromEntry(entry *coinjoin.Entry) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range entry.Inputs {
		op := in.PreviousOutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	foreign := wire.OutPoint{Hash: [32]byte{0xee}, Index: 1}
	tx.AddTxIn(wire.NewTxIn(&foreign, nil, nil))

	for _, out := range entry.Outputs {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
	}
	tx.AddTxOut(wire.NewTxOut(entry.Outputs[0].Value,
		[]byte{0x76, 0xa9, 0xee}))
	return tx
}

func TestSessionSignsFinalTransaction(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := acceptedSession(t, env, 16)
	entry := s.entries[0]

	final := finalTxFromEntry(entry)
	s.processFinalTransaction(&coinjoin.FinalTransaction{
		SessionID: 777,
		Tx:        *final,
	})

	require.Equal(t, coinjoin.PoolStateSigning, s.state)
	require.Len(t, env.wallet.signedIn, len(entry.Inputs))

	peer := env.net.peer(s.coordinator.Addr)
	sent := peer.sentMessages()
	require.Len(t, sent, 2) // entry, then signatures
	signed, ok := sent[1].(*coinjoin.SignedInputs)
	require.True(t, ok)
	require.Len(t, signed.Inputs, len(entry.Inputs))

	// Only our own inputs carry signatures; the foreign one stays bare.
	for _, in := range signed.Inputs {
		require.True(t, containsOutpoint(entry.Inputs,
			in.PreviousOutPoint))
		require.NotEmpty(t, in.SignatureScript)
	}
}

func TestSessionRefusesToSignMissingOutput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := acceptedSession(t, env, 16)
	entry := s.entries[0]
	locked := env.wallet.lockedCount()
	require.Greater(t, locked, 0)

	// The coordinator swapped our output's script for its own.
	final := finalTxFromEntry(entry)
	final.TxOut[0].PkScript = []byte{0x76, 0xa9, 0xba, 0xdd}

	s.processFinalTransaction(&coinjoin.FinalTransaction{
		SessionID: 777,
		Tx:        *final,
	})

	require.Equal(t, coinjoin.PoolStateError, s.state)
	require.Equal(t, coinjoin.ErrInvalidTx, s.lastMessage)
	require.Empty(t, env.wallet.signedIn)
	require.Equal(t, 0, env.wallet.lockedCount())
	require.Equal(t, 0, s.keyHolder.Count())
	require.Equal(t, len(entry.Outputs), env.wallet.returnedKeys())

	// No signatures left the client.
	peer := env.net.peer(s.coordinator.Addr)
	require.Len(t, peer.sentMessages(), 1)
}

func TestSessionRefusesToSignMissingInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := acceptedSession(t, env, 16)
	entry := s.entries[0]

	final := finalTxFromEntry(entry)
	final.TxIn = final.TxIn[1:] // drop our first input

	s.processFinalTransaction(&coinjoin.FinalTransaction{
		SessionID: 777,
		Tx:        *final,
	})

	require.Equal(t, coinjoin.PoolStateError, s.state)
	require.Equal(t, coinjoin.ErrInvalidInput, s.lastMessage)
	require.Empty(t, env.wallet.signedIn)
}

func TestSessionRejectsNullInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := acceptedSession(t, env, 16)
	entry := s.entries[0]

	final := finalTxFromEntry(entry)
	final.TxIn[len(final.TxIn)-1].PreviousOutPoint = wire.OutPoint{}

	s.processFinalTransaction(&coinjoin.FinalTransaction{
		SessionID: 777,
		Tx:        *final,
	})

	require.Equal(t, coinjoin.PoolStateError, s.state)
	require.Equal(t, coinjoin.ErrInvalidInput, s.lastMessage)
}

func TestSessionRejectsDustOutput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := acceptedSession(t, env, 16)
	entry := s.entries[0]

	final := finalTxFromEntry(entry)
	final.TxOut[len(final.TxOut)-1].Value = 1

	s.processFinalTransaction(&coinjoin.FinalTransaction{
		SessionID: 777,
		Tx:        *final,
	})

	require.Equal(t, coinjoin.PoolStateError, s.state)
	require.Equal(t, coinjoin.ErrInvalidTx, s.lastMessage)
}

func TestSessionIgnoresForeignSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := acceptedSession(t, env, 16)
	entry := s.entries[0]

	final := finalTxFromEntry(entry)
	s.processFinalTransaction(&coinjoin.FinalTransaction{
		SessionID: 999,
		Tx:        *final,
	})
	require.Equal(t, coinjoin.PoolStateAcceptingEntries, s.state)

	s.processComplete(&coinjoin.Complete{
		SessionID: 999,
		MessageID: coinjoin.MsgSuccess,
	})
	require.Equal(t, coinjoin.PoolStateAcceptingEntries, s.state)
	require.Equal(t, int32(777), s.sessionID)
}

func TestSessionCompleteSuccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := acceptedSession(t, env, 16)
	entry := s.entries[0]

	s.processFinalTransaction(&coinjoin.FinalTransaction{
		SessionID: 777,
		Tx:        *finalTxFromEntry(entry),
	})
	require.Equal(t, coinjoin.PoolStateSigning, s.state)

	s.processComplete(&coinjoin.Complete{
		SessionID: 777,
		MessageID: coinjoin.MsgSuccess,
	})

	require.Equal(t, coinjoin.PoolStateIdle, s.state)
	require.Equal(t, coinjoin.MsgSuccess, s.lastMessage)
	require.Zero(t, s.sessionID)
	require.Equal(t, 0, env.wallet.lockedCount())

	// The fresh destination keys are committed, never returned.
	require.Equal(t, len(entry.Outputs), env.wallet.keptKeys())
	require.Equal(t, 0, env.wallet.returnedKeys())
	require.Equal(t, env.chain.height, env.client.LastSuccessBlock())

	require.Eventually(t, func() bool {
		return env.client.progress.CompletedSessions() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSessionCompleteFailureReturnsKeys(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	s := acceptedSession(t, env, 16)
	entry := s.entries[0]

	s.processComplete(&coinjoin.Complete{
		SessionID: 777,
		MessageID: coinjoin.ErrFees,
	})

	require.Equal(t, coinjoin.PoolStateIdle, s.state)
	require.Equal(t, coinjoin.ErrFees, s.lastMessage)
	require.Equal(t, 0, env.wallet.keptKeys())
	require.Equal(t, len(entry.Outputs), env.wallet.returnedKeys())
	require.Equal(t, 0, env.wallet.lockedCount())
	require.Zero(t, env.client.LastSuccessBlock())
}

func TestPendingDsaDelivery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	coord := testCoordinator(2, "10.0.0.2:9999")
	env.registry.coords = append(env.registry.coords, coord)

	c := env.client
	s := newSession(c, 1)
	c.sessions = append(c.sessions, s)
	s.coordinator = coord
	s.collateral = signedCollateral(testOutPoint(0x43, 0))
	s.setState(coinjoin.PoolStateQueue)
	s.pendingDsa = &pendingDsaRequest{
		addr:    coord.Addr,
		msg:     &coinjoin.Accept{Denomination: 16},
		created: env.clock.now(),
	}

	// No connection yet: the request is held.
	s.processPendingDsaRequest(env.clock.now())
	require.NotNil(t, s.pendingDsa)
	require.Equal(t, coinjoin.PoolStateQueue, s.state)

	// Once connected the accept goes out.
	env.net.Connect(coord.Addr)
	s.processPendingDsaRequest(env.clock.now())
	require.Nil(t, s.pendingDsa)
	sent := env.net.peer(coord.Addr).sentMessages()
	require.Len(t, sent, 1)
	require.IsType(t, &coinjoin.Accept{}, sent[0])
}

func TestPendingDsaExpires(t *testing.T) {
	t.Parallel()

	env := newTestEnv(enabledOpts())
	coord := testCoordinator(3, "10.0.0.3:9999")
	env.registry.coords = append(env.registry.coords, coord)
	env.net.refuseAll = true

	c := env.client
	s := newSession(c, 1)
	c.sessions = append(c.sessions, s)
	s.coordinator = coord
	s.collateral = signedCollateral(testOutPoint(0x44, 0))
	s.setState(coinjoin.PoolStateQueue)
	s.pendingDsa = &pendingDsaRequest{
		addr:    coord.Addr,
		msg:     &coinjoin.Accept{Denomination: 16},
		created: env.clock.now(),
	}

	s.processPendingDsaRequest(env.clock.now().Add(pendingDsaTimeout +
		time.Second))
	require.Nil(t, s.pendingDsa)
	require.Equal(t, coinjoin.PoolStateIdle, s.state)
}
