// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import "fmt"

// PoolState describes where a mixing session currently is in the protocol.
// The values are shared with coordinators over the wire in status updates.
type PoolState int32

// The set of protocol pool states.
const (
	PoolStateIdle PoolState = iota
	PoolStateQueue
	PoolStateAcceptingEntries
	PoolStateSigning
	PoolStateError

	// PoolStateMin and PoolStateMax bound the range of states a
	// coordinator may legitimately report.  Anything outside is dropped.
	PoolStateMin = PoolStateIdle
	PoolStateMax = PoolStateError
)

// String returns the pool state as a human readable string.
func (s PoolState) String() string {
	switch s {
	case PoolStateIdle:
		return "IDLE"
	case PoolStateQueue:
		return "QUEUE"
	case PoolStateAcceptingEntries:
		return "ACCEPTING_ENTRIES"
	case PoolStateSigning:
		return "SIGNING"
	case PoolStateError:
		return "ERROR"
	}
	return fmt.Sprintf("UNKNOWN_STATE(%d)", int32(s))
}

// PoolStatusUpdate is a coordinator's verdict on the client's most recent
// protocol step.
type PoolStatusUpdate int32

// The set of status update verdicts.
const (
	StatusRejected PoolStatusUpdate = iota
	StatusAccepted
)

// String returns the status update as a human readable string.
func (u PoolStatusUpdate) String() string {
	switch u {
	case StatusRejected:
		return "REJECTED"
	case StatusAccepted:
		return "ACCEPTED"
	}
	return fmt.Sprintf("UNKNOWN_STATUS(%d)", int32(u))
}

// PoolMessage identifies the reason attached to a status update or
// completion message.  The identifiers and their order are fixed by the
// protocol.
type PoolMessage int32

// The set of protocol message identifiers.
const (
	ErrAlreadyHave PoolMessage = iota
	ErrDenom
	ErrEntriesFull
	ErrExistingTx
	ErrFees
	ErrInvalidCollateral
	ErrInvalidInput
	ErrInvalidScript
	ErrInvalidTx
	ErrMaximum
	ErrMNList
	ErrMode
	ErrNonStandardPubkey // not used anymore
	ErrNotAMN            // not used anymore
	ErrQueueFull
	ErrRecent
	ErrSession
	ErrMissingTx
	ErrVersion
	MsgNoErr
	MsgSuccess
	MsgEntriesAdded
	ErrSizeMismatch

	// MsgPoolMin and MsgPoolMax bound the range of message identifiers a
	// coordinator may legitimately send.
	MsgPoolMin = ErrAlreadyHave
	MsgPoolMax = ErrSizeMismatch
)

// Message returns the user facing text for a pool message identifier.  It
// is the single formatter for coordinator-supplied reasons; callers must
// not synthesize their own strings for these identifiers.
func (m PoolMessage) Message() string {
	switch m {
	case ErrAlreadyHave:
		return "Already have that input."
	case ErrDenom:
		return "No matching denominations found for mixing."
	case ErrEntriesFull:
		return "Entries are full."
	case ErrExistingTx:
		return "Not compatible with existing transactions."
	case ErrFees:
		return "Transaction fees are too high."
	case ErrInvalidCollateral:
		return "Collateral not valid."
	case ErrInvalidInput:
		return "Input is not valid."
	case ErrInvalidScript:
		return "Invalid script detected."
	case ErrInvalidTx:
		return "Transaction not valid."
	case ErrMaximum:
		return "Entry exceeds maximum size."
	case ErrMNList:
		return "Not in the coordinator list."
	case ErrMode:
		return "Incompatible mode."
	case ErrQueueFull:
		return "Queue is full."
	case ErrRecent:
		return "Last queue was created too recently."
	case ErrSession:
		return "Session not complete!"
	case ErrMissingTx:
		return "Missing input transaction information."
	case ErrVersion:
		return "Incompatible version."
	case MsgNoErr:
		return "No errors detected."
	case MsgSuccess:
		return "Transaction created successfully."
	case MsgEntriesAdded:
		return "Your entries added successfully."
	case ErrSizeMismatch:
		return "Inputs vs outputs size mismatch."
	}
	return "Unknown response."
}

// PoolStatus describes the client-side outcome of automatic mixing.  It is
// not a wire value; it backs the orchestrator's status reporting and the
// mixing-complete notification.
type PoolStatus int32

// The set of client pool statuses.  Statuses at or above PoolStatusErrMin
// stop automatic mixing.
const (
	StatusIdle PoolStatus = iota
	StatusConnecting
	StatusConnected
	StatusMixing
	StatusFinished

	PoolStatusErrMin
	ErrNoCoordinatorsDetected
	ErrNoInputs
	ErrNotEnoughFunds
	ErrWalletLocked
	ErrNotSynced
	ErrSessionTimedOut
)

// String returns the pool status as a human readable string.
func (s PoolStatus) String() string {
	switch s {
	case StatusIdle:
		return "CoinJoin is idle."
	case StatusConnecting:
		return "Trying to connect..."
	case StatusConnected:
		return "Connected to coordinator."
	case StatusMixing:
		return "Mixing in progress..."
	case StatusFinished:
		return "Mixing finished."
	case ErrNoCoordinatorsDetected:
		return "No coordinators detected."
	case ErrNoInputs:
		return "Can't mix: no compatible inputs found!"
	case ErrNotEnoughFunds:
		return "Not enough funds to mix."
	case ErrWalletLocked:
		return "Wallet is locked."
	case ErrNotSynced:
		return "Can't mix while sync in progress."
	case ErrSessionTimedOut:
		return "Session timed out."
	}
	return fmt.Sprintf("UNKNOWN_POOL_STATUS(%d)", int32(s))
}

// IsError reports whether the status describes a condition that should stop
// automatic mixing.
func (s PoolStatus) IsError() bool {
	return s > PoolStatusErrMin
}
