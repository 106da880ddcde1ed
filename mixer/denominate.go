// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"sort"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/dashsuite/dashmixer/coinjoin"
)

// maxDenomTallyInputs caps the inputs per tally group when creating
// denominations, keeping the committed transaction well below the
// standardness size limit together with DenomOutputsThreshold.
const maxDenomTallyInputs = 400

// perPassDenomCap limits how many outputs of one denomination phase 1 adds
// in a single round-robin pass.
const perPassDenomCap = 11

// denomPlanState threads the shared planning state through the two phases:
// the builder, the per-denomination counts (seeded with what the wallet
// already holds) and the one-shot final-smaller flag.
type denomPlanState struct {
	builder  *TxBuilder
	counts   map[btcutil.Amount]int
	goal     int
	hardCap  int
	addFinal bool
	balance  btcutil.Amount
}

// needMoreOutputs reports whether another output of denom should be added:
// there must be room, and either the remaining balance covers the
// denomination or the single final-smaller opportunity applies.
func (ps *denomPlanState) needMoreOutputs(denom btcutil.Amount) bool {
	if !ps.builder.CouldAddOutput(denom) {
		return false
	}
	if ps.balance >= denom {
		return true
	}
	return ps.addFinal && ps.balance > 0
}

// addOutput places one output of denom and books it against the balance.
func (ps *denomPlanState) addOutput(denom btcutil.Amount) bool {
	if ps.builder.AddOutput(denom) == nil {
		return false
	}
	if ps.addFinal && ps.balance > 0 && ps.balance < denom {
		// The single final-smaller output has been used.
		ps.addFinal = false
	}
	ps.counts[denom]++
	ps.balance -= denom
	return true
}

// countPossibleOutputs returns how many more outputs of denom fit by space,
// bounded by the total output threshold.
func (ps *denomPlanState) countPossibleOutputs(denom btcutil.Amount) int {
	count := 0
	probe := make([]btcutil.Amount, 0, 8)
	for ps.builder.CountOutputs()+count < coinjoin.DenomOutputsThreshold {
		probe = append(probe, denom)
		if !ps.builder.CouldAddOutputs(probe) {
			break
		}
		count++
	}
	return count
}

// createDenominated creates denominated outputs worth up to
// balanceToDenominate in a single transaction, trying the wallet's tally
// groups largest first until one commits.
func (c *Client) createDenominated(balanceToDenominate btcutil.Amount) bool {
	tallies, err := c.wallet.SelectCoinsGroupedByAddresses(true, true, true,
		maxDenomTallyInputs)
	if err != nil {
		log.Errorf("createDenominated: tally selection failed: %v", err)
		return false
	}
	sort.Slice(tallies, func(i, j int) bool {
		return tallies[i].Amount > tallies[j].Amount
	})

	// Attach a collateral output when the wallet has none to post.
	createCollateral := !c.wallet.HasCollateralInputs(false)

	for i := range tallies {
		if c.createDenominatedForItem(tallies[i], balanceToDenominate,
			createCollateral) {
			return true
		}
	}
	log.Infof("createDenominated: failed for all %d tally items",
		len(tallies))
	return false
}

// createDenominatedForItem plans and commits one create-denominations
// transaction over a single tally group.
//
// Phase 1 walks the denominations smallest to largest round-robin, adding
// outputs up to the per-denomination goal.  Phase 2 assigns the remainder
// largest to smallest while there is still headroom and balance, allowing
// only the largest denomination past the hard cap.
func (c *Client) createDenominatedForItem(tally TallyItem,
	balanceToDenominate btcutil.Amount, createCollateral bool) bool {

	if balanceToDenominate <= 0 {
		return false
	}

	b := NewTxBuilder(c.wallet, tally, c.feePerKb)
	defer b.Release()

	if createCollateral {
		if b.AddOutput(coinjoin.MaxCollateralAmount()) == nil {
			log.Debugf("createDenominatedForItem: no room for "+
				"collateral output in tally %v", tally.Amount)
			return false
		}
	}

	denoms := coinjoin.StandardDenominations()
	smallest := coinjoin.SmallestDenomination()
	largest := coinjoin.LargestDenomination()

	ps := &denomPlanState{
		builder:  b,
		counts:   make(map[btcutil.Amount]int, len(denoms)),
		goal:     c.opts.DenomsGoal,
		hardCap:  c.opts.DenomsHardCap,
		addFinal: true,
		balance:  balanceToDenominate,
	}
	// Outputs the wallet already holds count toward goal and cap.
	for _, denom := range denoms {
		ps.counts[denom] = c.wallet.CountInputsWithAmount(denom)
	}

	// Phase 1: round-robin smallest to largest up to the goal.
	for b.CouldAddOutput(smallest) &&
		b.CountOutputs() < coinjoin.DenomOutputsThreshold {

		added := 0
		for i := len(denoms) - 1; i >= 0; i-- {
			denom := denoms[i]
			pass := 0
			for ps.needMoreOutputs(denom) && pass < perPassDenomCap &&
				ps.counts[denom] < ps.goal {

				if !ps.addOutput(denom) {
					return false
				}
				pass++
				added++
			}
		}
		if added == 0 {
			// Every denomination is at goal or out of room.
			break
		}
	}

	// Phase 2: assign the remainder largest to smallest while headroom
	// and balance remain.
	for ps.balance >= smallest && b.CouldAddOutput(smallest) &&
		b.CountOutputs() < coinjoin.DenomOutputsThreshold {

		added := 0
		for _, denom := range denoms {
			if ps.balance <= 0 ||
				b.CountOutputs() >= coinjoin.DenomOutputsThreshold {
				break
			}

			toCreate := ps.countPossibleOutputs(denom)
			// Overshooting with a larger denomination beats
			// undershooting when smaller ones are capped out.
			if byValue := int(ps.balance/denom) + 1; byValue < toCreate {
				toCreate = byValue
			}
			if denom != largest {
				if room := ps.hardCap - ps.counts[denom]; room < toCreate {
					toCreate = room
				}
			}

			for i := 0; i < toCreate && ps.balance > 0; i++ {
				if !ps.builder.CouldAddOutput(denom) {
					break
				}
				if !ps.addOutput(denom) {
					return false
				}
				added++
			}
		}
		if added == 0 {
			break
		}
	}

	// A transaction that only creates the collateral output is pointless.
	if createCollateral && b.CountOutputs() == 1 {
		log.Debugf("createDenominatedForItem: only the collateral " +
			"output fits, aborting")
		return false
	}

	hash, err := b.Commit()
	if err != nil {
		log.Infof("createDenominatedForItem: commit failed: %v", err)
		return false
	}
	log.Infof("createDenominatedForItem: committed %v with %d outputs, "+
		"%v left to denominate", hash, b.CountOutputs(), ps.balance)
	return true
}
