// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"sync"

	"github.com/dashsuite/dashmixer/coinjoin"
)

// SessionListener receives per-session lifecycle events from a client.
// Callbacks run with no client locks held and must not block.
type SessionListener interface {
	// OnSessionStarted fires when a session enters the queue of a
	// coordinator.
	OnSessionStarted(walletID string, sessionID int32, denom uint32,
		message coinjoin.PoolMessage)

	// OnSessionComplete fires when a session reaches a terminal state,
	// successfully or not.
	OnSessionComplete(walletID string, sessionID int32, denom uint32,
		message coinjoin.PoolMessage)
}

// MixingListener receives the overall mixing outcome for a wallet.
type MixingListener interface {
	// OnMixingComplete fires once automatic mixing stops, with the
	// client's final status.
	OnMixingComplete(walletID string, status coinjoin.PoolStatus)
}

// ProgressTracker aggregates session events into overall mixing progress.
// It implements SessionListener and MixingListener and may be registered
// on a client directly.
type ProgressTracker struct {
	mtx sync.Mutex

	completedSessions int
	timedOutSessions  int

	// lastPercent is the mixed share of the denominated balance, 0-100.
	lastPercent int

	done     chan coinjoin.PoolMessage
	finished bool
}

var (
	_ SessionListener = (*ProgressTracker)(nil)
	_ MixingListener  = (*ProgressTracker)(nil)
)

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		done: make(chan coinjoin.PoolMessage, 1),
	}
}

// OnSessionStarted implements SessionListener.
func (t *ProgressTracker) OnSessionStarted(walletID string, sessionID int32,
	denom uint32, message coinjoin.PoolMessage) {

	log.Debugf("ProgressTracker: wallet %s session %d started at denom %s",
		walletID, sessionID, coinjoin.DenominationToString(denom))
}

// OnSessionComplete implements SessionListener.
func (t *ProgressTracker) OnSessionComplete(walletID string, sessionID int32,
	denom uint32, message coinjoin.PoolMessage) {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	switch message {
	case coinjoin.MsgSuccess:
		t.completedSessions++
	case coinjoin.ErrSession:
		t.timedOutSessions++
	}
}

// OnMixingComplete implements MixingListener.  The first completion settles
// the WaitForMixing channel: MsgSuccess when mixing finished, ErrSession
// otherwise.
func (t *ProgressTracker) OnMixingComplete(walletID string,
	status coinjoin.PoolStatus) {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.finished {
		return
	}
	t.finished = true

	result := coinjoin.ErrSession
	if status == coinjoin.StatusFinished {
		result = coinjoin.MsgSuccess
	}
	t.done <- result
}

// UpdateProgress recomputes the mixed percentage from a balance snapshot.
func (t *ProgressTracker) UpdateProgress(b Balance) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	denominated := b.Denominated()
	if denominated <= 0 {
		t.lastPercent = 0
		return
	}
	percent := int(100 * int64(b.Anonymized) / int64(denominated))
	if percent > 100 {
		percent = 100
	}
	t.lastPercent = percent
}

// WaitForMixing returns a channel that yields the final mixing outcome
// exactly once.
func (t *ProgressTracker) WaitForMixing() <-chan coinjoin.PoolMessage {
	return t.done
}

// CompletedSessions returns the number of successful sessions observed.
func (t *ProgressTracker) CompletedSessions() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.completedSessions
}

// TimedOutSessions returns the number of timed out sessions observed.
func (t *ProgressTracker) TimedOutSessions() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.timedOutSessions
}

// LastPercent returns the last computed mixed percentage.
func (t *ProgressTracker) LastPercent() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.lastPercent
}
