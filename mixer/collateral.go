// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/dashsuite/dashmixer/coinjoin"
)

// ErrNoCollateralInputs is returned when the wallet holds no
// collateral-sized output to build the session collateral from.
var ErrNoCollateralInputs = errors.New("could not locate an acceptable " +
	"collateral input")

// maxCollateralTallyInputs caps the inputs per tally group when planning
// collateral amounts.
const maxCollateralTallyInputs = 400

// makeCollateralAmounts creates collateral-sized outputs by splitting one
// of the wallet's tally groups.  Non-denominated groups are tried first,
// smallest first; denominated groups are a fallback since breaking a
// denomination hurts the anonymity set.  Returns true once a transaction
// commits.
func (c *Client) makeCollateralAmounts() bool {
	tallies, err := c.wallet.SelectCoinsGroupedByAddresses(false, false,
		true, maxCollateralTallyInputs)
	if err != nil {
		log.Errorf("makeCollateralAmounts: tally selection failed: %v",
			err)
		return false
	}
	sort.Slice(tallies, func(i, j int) bool {
		return tallies[i].Amount < tallies[j].Amount
	})

	for i := range tallies {
		if c.makeCollateralAmountsForItem(tallies[i], false) {
			return true
		}
	}
	for i := range tallies {
		if c.makeCollateralAmountsForItem(tallies[i], true) {
			return true
		}
	}

	log.Infof("makeCollateralAmounts: failed for all %d tally items",
		len(tallies))
	return false
}

// makeCollateralAmountsForItem splits one tally group into collateral-sized
// outputs using whichever of the three cases fits its value.
func (c *Client) makeCollateralAmountsForItem(tally TallyItem,
	tryDenominated bool) bool {

	// A denominated group is always a single input; do not break it
	// unless the non-denominated pass already failed.
	if !tryDenominated && len(tally.Inputs) == 1 &&
		coinjoin.IsDenominatedAmount(tally.Amount) {
		return false
	}

	// Skip inputs that already work as collateral.
	if len(tally.Inputs) == 1 && coinjoin.IsCollateralAmount(tally.Amount) {
		return false
	}

	b := NewTxBuilder(c.wallet, tally, c.feePerKb)
	defer b.Release()

	collateral := coinjoin.CollateralAmount()
	maxCollateral := coinjoin.MaxCollateralAmount()

	switch {
	// Case 1: one output at the collateral ceiling plus a second taking
	// the whole remainder, which is at least the collateral floor.
	case b.CouldAddOutputs([]btcutil.Amount{maxCollateral, collateral}):
		if b.AddOutput(maxCollateral) == nil {
			return false
		}
		out := b.AddOutput(0)
		if out == nil {
			return false
		}
		amount := b.AmountLeft()
		// Shave a duff so the remainder cannot be mistaken for a
		// denominated output.
		if coinjoin.IsDenominatedAmount(amount) {
			amount--
		}
		if !out.UpdateAmount(amount) {
			return false
		}

	// Case 2: two equal collateral-sized outputs; an odd duff becomes
	// fee.
	case b.CouldAddOutputs([]btcutil.Amount{collateral, collateral}):
		out1 := b.AddOutput(0)
		out2 := b.AddOutput(0)
		if out1 == nil || out2 == nil {
			return false
		}
		amount := b.AmountLeft() / 2
		if !out1.UpdateAmount(amount) || !out2.UpdateAmount(amount) {
			return false
		}
		if !coinjoin.IsCollateralAmount(out1.Amount()) ||
			!coinjoin.IsCollateralAmount(out2.Amount()) {
			log.Criticalf("makeCollateralAmountsForItem: planned "+
				"case 2 amounts %v/%v are not collateral sized",
				out1.Amount(), out2.Amount())
			return false
		}

	// Case 3: a single collateral-sized output taking everything.
	case b.CouldAddOutput(collateral):
		out := b.AddOutput(0)
		if out == nil {
			return false
		}
		if !out.UpdateAmount(b.AmountLeft()) {
			return false
		}
		if !coinjoin.IsCollateralAmount(out.Amount()) {
			log.Criticalf("makeCollateralAmountsForItem: planned "+
				"case 3 amount %v is not collateral sized",
				out.Amount())
			return false
		}

	default:
		// Not enough funds in this group.
		return false
	}

	if left := b.AmountLeft(); left != 0 && !b.IsDust(left) {
		log.Errorf("makeCollateralAmountsForItem: remainder %v is "+
			"not dust, rejecting plan", left)
		return false
	}

	hash, err := b.Commit()
	if err != nil {
		log.Infof("makeCollateralAmountsForItem: commit failed: %v", err)
		return false
	}
	log.Infof("makeCollateralAmountsForItem: committed %v", hash)
	return true
}

// createCollateralTransaction builds a signed collateral transaction from
// one of the wallet's collateral-sized outputs.  When the source output is
// worth at least twice the collateral charge the difference above one
// charge is paid back to a fresh change script; otherwise the whole output
// is burned to fee behind a zero-value OP_RETURN.
func (c *Client) createCollateralTransaction() (*wire.MsgTx, error) {
	coins, err := c.wallet.CollateralCoins(true)
	if err != nil {
		return nil, err
	}
	if len(coins) == 0 {
		// Retry including unconfirmed outputs before giving up.
		coins, err = c.wallet.CollateralCoins(false)
		if err != nil {
			return nil, err
		}
	}
	if len(coins) == 0 {
		return nil, ErrNoCollateralInputs
	}

	coin := coins[c.prng.Intn(len(coins))]

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(coin.TxIn())

	if coin.Value >= coinjoin.CollateralAmount()*2 {
		kr, err := c.wallet.ReserveKey()
		if err != nil {
			return nil, err
		}
		kr.KeepKey()
		change := coin.Value - coinjoin.CollateralAmount()
		tx.AddTxOut(wire.NewTxOut(int64(change), kr.Script()))
	} else {
		script, err := txscript.NullDataScript(nil)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(0, script))
	}

	if err := c.wallet.SignTransaction(tx); err != nil {
		return nil, fmt.Errorf("collateral sign failed: %w", err)
	}
	return tx, nil
}

// isCollateralValid revalidates a collateral transaction before reuse:
// sane structure, known confirmed inputs and a fee worth at least one
// collateral charge.
func (c *Client) isCollateralValid(tx *wire.MsgTx) bool {
	if tx == nil || len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return false
	}
	if tx.LockTime != 0 {
		return false
	}

	var valueOut btcutil.Amount
	for _, out := range tx.TxOut {
		if out.Value < 0 {
			return false
		}
		valueOut += btcutil.Amount(out.Value)
	}

	var valueIn btcutil.Amount
	for _, in := range tx.TxIn {
		prev, err := c.wallet.GetTransaction(in.PreviousOutPoint.Hash)
		if err != nil || prev == nil {
			log.Debugf("isCollateralValid: missing input tx %v",
				in.PreviousOutPoint.Hash)
			return false
		}
		if int(in.PreviousOutPoint.Index) >= len(prev.TxOut) {
			return false
		}
		valueIn += btcutil.Amount(prev.TxOut[in.PreviousOutPoint.Index].Value)
	}

	if valueIn-valueOut < coinjoin.CollateralAmount() {
		log.Debugf("isCollateralValid: fee %v below collateral charge",
			valueIn-valueOut)
		return false
	}
	return true
}
