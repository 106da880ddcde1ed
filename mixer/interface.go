// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/dashsuite/dashmixer/coinjoin"
)

// Coin is a spendable wallet output together with the metadata mixing
// cares about.
type Coin struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// Rounds is the number of completed mixing rounds for this output.
	// Zero for a freshly created denomination.
	Rounds int32

	Confirmed bool
}

// TxIn returns the coin as an unsigned transaction input.
func (c *Coin) TxIn() *wire.TxIn {
	op := c.OutPoint
	return wire.NewTxIn(&op, nil, nil)
}

// TallyItem is a group of wallet outputs paying the same destination
// script, as returned by Wallet.SelectCoinsGroupedByAddresses.
type TallyItem struct {
	Destination []byte
	Amount      btcutil.Amount
	Inputs      []Coin
}

// Balance is the wallet balance broken down the way the orchestrator needs
// it.  All figures are in duffs.
type Balance struct {
	// Anonymized is the value of denominated outputs that completed the
	// configured number of mixing rounds.
	Anonymized btcutil.Amount

	// Anonymizable is the total value eligible for mixing, denominated
	// or not.
	Anonymizable btcutil.Amount

	// AnonymizableNonDenom is the portion of Anonymizable held in
	// non-denominated outputs.
	AnonymizableNonDenom btcutil.Amount

	DenominatedConfirmed   btcutil.Amount
	DenominatedUnconfirmed btcutil.Amount
}

// Denominated returns the total denominated balance, confirmed or not.
func (b Balance) Denominated() btcutil.Amount {
	return b.DenominatedConfirmed + b.DenominatedUnconfirmed
}

// KeyReservation is a fresh destination script held out of the wallet's
// key pool.  Exactly one of KeepKey or ReturnKey must eventually be called.
type KeyReservation interface {
	// Script returns the reserved destination script.
	Script() []byte

	// KeepKey marks the reservation as used so the wallet never hands
	// the script out again.
	KeepKey()

	// ReturnKey releases the reservation back to the key pool.
	ReturnKey()
}

// Wallet is the view of the underlying wallet the mixing engine consumes.
// Implementations must be safe for concurrent use.
type Wallet interface {
	// Balance returns the mixing balance breakdown.
	Balance() (Balance, error)

	// SelectCoinsGroupedByAddresses groups the wallet's spendable
	// outputs by destination script.  skipDenominated excludes groups
	// whose outputs are standard denominations, anonymizable restricts
	// to outputs eligible for mixing, skipUnconfirmed excludes groups
	// with unconfirmed outputs, and maxInputs caps the inputs per group
	// (zero means no cap).
	SelectCoinsGroupedByAddresses(skipDenominated, anonymizable,
		skipUnconfirmed bool, maxInputs int) ([]TallyItem, error)

	// CountInputsWithAmount returns how many wallet outputs hold exactly
	// the given amount.
	CountInputsWithAmount(amount btcutil.Amount) int

	// HasCollateralInputs reports whether the wallet holds at least one
	// collateral-sized output.
	HasCollateralInputs(onlyConfirmed bool) bool

	// CollateralCoins returns the wallet's collateral-sized outputs.
	CollateralCoins(onlyConfirmed bool) ([]Coin, error)

	// SelectMixingCoins returns unlocked denominated outputs of the
	// given denomination whose mixing rounds fall in
	// [minRounds, maxRounds], up to maxTotal value and maxInputs
	// outputs.
	SelectMixingCoins(denom uint32, minRounds, maxRounds int32,
		maxTotal btcutil.Amount, maxInputs int) ([]Coin, error)

	// PossibleMixingDenoms returns the set of denomination identifiers
	// for which the wallet holds at least one input, considering at most
	// the given value worth of outputs.
	PossibleMixingDenoms(maxValue btcutil.Amount) (map[uint32]struct{},
		error)

	// ReserveKey holds a fresh destination script out of the key pool.
	ReserveKey() (KeyReservation, error)

	// LockCoin excludes an outpoint from coin selection until unlocked.
	LockCoin(op wire.OutPoint)

	// UnlockCoin releases a previously locked outpoint.
	UnlockCoin(op wire.OutPoint)

	// IsLockedCoin reports whether the outpoint is currently locked.
	IsLockedCoin(op wire.OutPoint) bool

	// SignTransaction signs every input of tx in place.
	SignTransaction(tx *wire.MsgTx) error

	// SignInput signs the input at the given index of tx in place.  The
	// previous output script and value identify what is being spent.
	SignInput(tx *wire.MsgTx, index int, prevScript []byte,
		value btcutil.Amount) error

	// PublishTransaction broadcasts the transaction to the network.
	PublishTransaction(tx *wire.MsgTx) error

	// GetTransaction returns a wallet transaction by hash, or an error
	// when the wallet does not have it.
	GetTransaction(hash chainhash.Hash) (*wire.MsgTx, error)

	// Locked reports whether the wallet's private keys are currently
	// unavailable.
	Locked() bool
}

// Coordinator identifies a mixing coordinator from the registry.
type Coordinator struct {
	// ProTxHash is the provider registration hash, the coordinator's
	// stable identity.
	ProTxHash chainhash.Hash

	// CollateralOut is the protocol outpoint coordinators sign their
	// queue messages with.
	CollateralOut wire.OutPoint

	// Addr is the coordinator's socket address as host:port.
	Addr string
}

// CoordinatorRegistry is the deterministic coordinator list plus the
// signature checks that depend on coordinator operator keys.
// Implementations must be safe for concurrent use.
type CoordinatorRegistry interface {
	// Count returns the number of coordinators eligible for mixing.
	Count() int

	// ByOutpoint returns the coordinator with the given protocol
	// outpoint, or nil.
	ByOutpoint(op wire.OutPoint) *Coordinator

	// ByAddress returns the coordinator listening at the socket address,
	// or nil.
	ByAddress(addr string) *Coordinator

	// ByProTxHash returns the coordinator with the given provider hash,
	// or nil.
	ByProTxHash(hash chainhash.Hash) *Coordinator

	// Random returns a uniformly chosen coordinator whose provider hash
	// is not in exclude, or nil when none remain.
	Random(exclude map[chainhash.Hash]struct{}) *Coordinator

	// VerifyQueue checks the BLS signature of a queue advertisement
	// against the announcing coordinator's operator key.
	VerifyQueue(q *coinjoin.Queue) bool

	// VerifyBroadcast checks the BLS signature of a mix broadcast
	// announcement.
	VerifyBroadcast(tx *coinjoin.BroadcastTx) bool
}

// ChainView is the minimal view of chain sync state the engine needs.
type ChainView interface {
	// Synced reports whether the blockchain is considered synced.
	Synced() bool

	// BestHeight returns the current chain tip height.
	BestHeight() int32
}

// Peer is a live connection to a coordinator.
type Peer interface {
	// Addr returns the remote socket address as host:port.
	Addr() string

	// Send queues a protocol message to the peer.
	Send(msg coinjoin.Message) error

	// Disconnect tears the connection down.
	Disconnect()
}

// Network is the connection service the coordinator pool drives.  Connect
// is asynchronous: the peer becomes visible through Peer once the
// connection is established.  Implementations must be safe for concurrent
// use.
type Network interface {
	// Connect begins an asynchronous connection attempt to the address.
	// Connecting to an address that is already connected or in progress
	// is a no-op.
	Connect(addr string)

	// Disconnect closes the connection to the address if one exists.
	Disconnect(addr string)

	// Peer returns the connected peer at the address, or nil.
	Peer(addr string) Peer

	// Peers returns all currently connected peers.
	Peers() []Peer
}
