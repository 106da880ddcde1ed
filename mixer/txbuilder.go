// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

var (
	// ErrNoOutputs is returned by Commit on a plan without outputs.
	ErrNoOutputs = errors.New("transaction has no outputs")

	// ErrAlreadyCommitted is returned when a builder is reused after a
	// successful Commit.
	ErrAlreadyCommitted = errors.New("transaction already committed")
)

// TxBuilder assembles a transaction over the fixed input set of one tally
// item, growing its output list while keeping a conservative fee reserved.
// The invariant AmountLeft() >= 0 holds at all times; CouldAddOutput is the
// gate that preserves it.
//
// A TxBuilder is not safe for concurrent use.
type TxBuilder struct {
	wallet    Wallet
	tally     TallyItem
	feePerKb  btcutil.Amount
	outputs   []*BuilderOutput
	keys      keyHolderStorage
	committed bool

	// dryRun suppresses key reservation; outputs carry empty scripts.
	dryRun bool
}

// BuilderOutput is one planned output of a TxBuilder.  Its amount may be
// revised with UpdateAmount until the builder commits.
type BuilderOutput struct {
	builder *TxBuilder
	amount  btcutil.Amount
	script  []byte
}

// Amount returns the output's current planned value.
func (o *BuilderOutput) Amount() btcutil.Amount { return o.amount }

// Script returns the output's destination script.
func (o *BuilderOutput) Script() []byte { return o.script }

// UpdateAmount revises the output's value.  The new value must keep the
// builder's remainder non-negative; otherwise the output is left unchanged
// and false is returned.
func (o *BuilderOutput) UpdateAmount(amount btcutil.Amount) bool {
	if amount < 0 || amount > o.amount+o.builder.AmountLeft() {
		return false
	}
	o.amount = amount
	return true
}

// NewTxBuilder creates a builder over the tally item's inputs.  The relay
// fee rate is used for both the fee reservation and the dust predicate.
func NewTxBuilder(w Wallet, tally TallyItem, feePerKb btcutil.Amount) *TxBuilder {
	return &TxBuilder{
		wallet:   w,
		tally:    tally,
		feePerKb: feePerKb,
	}
}

// newDryRunTxBuilder creates a builder that never touches the wallet's key
// pool.  Used to probe whether a plan is feasible before reserving keys.
func newDryRunTxBuilder(tally TallyItem, feePerKb btcutil.Amount) *TxBuilder {
	return &TxBuilder{
		tally:    tally,
		feePerKb: feePerKb,
		dryRun:   true,
	}
}

// fee returns the fee reserved for the builder's inputs plus numOutputs
// pay-to-pubkey-hash outputs.
func (b *TxBuilder) fee(numOutputs int) btcutil.Amount {
	outs := make([]*wire.TxOut, numOutputs)
	dummy := &wire.TxOut{PkScript: make([]byte, txsizes.P2PKHPkScriptSize)}
	for i := range outs {
		outs[i] = dummy
	}
	size := txsizes.EstimateSerializeSize(len(b.tally.Inputs), outs, false)
	return txrules.FeeForSerializeSize(b.feePerKb, size)
}

// AmountLeft returns the input total minus planned outputs minus the
// current fee reservation.
func (b *TxBuilder) AmountLeft() btcutil.Amount {
	left := b.tally.Amount - b.fee(len(b.outputs))
	for _, o := range b.outputs {
		left -= o.amount
	}
	return left
}

// CountOutputs returns the number of planned outputs.
func (b *TxBuilder) CountOutputs() int {
	return len(b.outputs)
}

// CouldAddOutput reports whether an output of the given amount would keep
// the remainder non-negative after re-reserving fees.
func (b *TxBuilder) CouldAddOutput(amount btcutil.Amount) bool {
	return b.CouldAddOutputs([]btcutil.Amount{amount})
}

// CouldAddOutputs reports whether all of the given outputs would fit at
// once.
func (b *TxBuilder) CouldAddOutputs(amounts []btcutil.Amount) bool {
	var sum btcutil.Amount
	for _, a := range amounts {
		if a < 0 {
			return false
		}
		sum += a
	}
	left := b.tally.Amount - b.fee(len(b.outputs)+len(amounts)) - sum
	for _, o := range b.outputs {
		left -= o.amount
	}
	return left >= 0
}

// AddOutput plans a new output of the given amount paying a freshly
// reserved script.  It returns nil when the output does not fit or the key
// reservation fails.  A zero amount plans a placeholder to be revised with
// UpdateAmount.
func (b *TxBuilder) AddOutput(amount btcutil.Amount) *BuilderOutput {
	if !b.CouldAddOutput(amount) {
		return nil
	}
	var script []byte
	if !b.dryRun {
		var err error
		script, err = b.keys.AddKey(b.wallet)
		if err != nil {
			log.Errorf("TxBuilder: key reservation failed: %v", err)
			return nil
		}
	}
	out := &BuilderOutput{builder: b, amount: amount, script: script}
	b.outputs = append(b.outputs, out)
	return out
}

// IsDust reports whether the amount is below the relay dust threshold for
// a pay-to-pubkey-hash output.
func (b *TxBuilder) IsDust(amount btcutil.Amount) bool {
	out := &wire.TxOut{
		Value:    int64(amount),
		PkScript: make([]byte, txsizes.P2PKHPkScriptSize),
	}
	return txrules.IsDustOutput(out, b.feePerKb)
}

// Commit finalizes the plan: it builds the transaction, has the wallet
// sign it, publishes it and commits the reserved keys.  On any failure the
// reserved keys are returned and the error is reported.
func (b *TxBuilder) Commit() (*chainhash.Hash, error) {
	if b.committed {
		return nil, ErrAlreadyCommitted
	}
	if len(b.outputs) == 0 {
		b.keys.ReturnAll()
		return nil, ErrNoOutputs
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for i := range b.tally.Inputs {
		tx.AddTxIn(b.tally.Inputs[i].TxIn())
	}
	for _, o := range b.outputs {
		tx.AddTxOut(wire.NewTxOut(int64(o.amount), o.script))
	}

	if err := b.wallet.SignTransaction(tx); err != nil {
		b.keys.ReturnAll()
		return nil, fmt.Errorf("sign failed: %w", err)
	}
	if err := b.wallet.PublishTransaction(tx); err != nil {
		b.keys.ReturnAll()
		return nil, fmt.Errorf("publish failed: %w", err)
	}

	b.keys.KeepAll()
	b.committed = true
	hash := tx.TxHash()

	log.Debugf("TxBuilder: committed %v: %s", hash, b.String())
	return &hash, nil
}

// Release returns all reserved keys of an uncommitted plan.  It is a no-op
// after a successful Commit.
func (b *TxBuilder) Release() {
	if !b.committed {
		b.keys.ReturnAll()
	}
}

// String returns a one-line summary of the plan for logs.
func (b *TxBuilder) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "TxBuilder(inputs=%d, input value=%v, outputs=%d [",
		len(b.tally.Inputs), b.tally.Amount, len(b.outputs))
	for i, o := range b.outputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%v", o.amount)
	}
	fmt.Fprintf(&sb, "], fee=%v, left=%v)", b.fee(len(b.outputs)),
		b.AmountLeft())
	return sb.String()
}
