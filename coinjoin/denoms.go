// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// DenomOutputsThreshold is the maximum number of outputs a single
	// create-denominations transaction may carry.  Together with the input
	// cap applied by the wallet's address grouping this keeps the
	// transaction comfortably below the 100 kB standardness limit.
	DenomOutputsThreshold = 500

	// EntryMaxSize is the maximum number of inputs a client may submit in
	// a single mixing entry.
	EntryMaxSize = 9

	// QueueTimeout is the number of seconds a queue advertisement remains
	// valid after its timestamp.
	QueueTimeout = 30

	// SigningTimeout is the number of seconds a client is allowed to
	// remain in the signing state before the session is considered dead.
	SigningTimeout = 15
)

// standardDenominations is the fixed catalog of mixable amounts, largest
// first.  The odd-looking values leave room for the fee to be taken from a
// whole-coin amount while keeping each denomination trivially
// distinguishable from any sum of smaller ones.
var standardDenominations = []btcutil.Amount{
	1000010000, // 10.0001
	100001000,  // 1.00001
	10000100,   // 0.100001
	1000010,    // 0.0100001
	100001,     // 0.00100001
}

// StandardDenominations returns a copy of the denomination catalog, largest
// first.
func StandardDenominations() []btcutil.Amount {
	denoms := make([]btcutil.Amount, len(standardDenominations))
	copy(denoms, standardDenominations)
	return denoms
}

// LargestDenomination returns the largest standard denomination.
func LargestDenomination() btcutil.Amount {
	return standardDenominations[0]
}

// SmallestDenomination returns the smallest standard denomination.
func SmallestDenomination() btcutil.Amount {
	return standardDenominations[len(standardDenominations)-1]
}

// IsDenominatedAmount reports whether amount is exactly one of the standard
// denominations.
func IsDenominatedAmount(amount btcutil.Amount) bool {
	return AmountToDenomination(amount) > 0
}

// AmountToDenomination converts an amount to its wire denomination
// identifier.  Identifiers are single-bit values assigned largest first
// (the largest denomination is 1, the next is 2, then 4 and so on), which
// is how they appear in dsa and dsq payloads.  It returns 0 when amount is
// not a standard denomination.
func AmountToDenomination(amount btcutil.Amount) uint32 {
	for i, denom := range standardDenominations {
		if amount == denom {
			return 1 << uint(i)
		}
	}
	return 0
}

// DenominationToAmount converts a wire denomination identifier back to its
// amount.  It returns 0 for identifiers that do not name a standard
// denomination.
func DenominationToAmount(denom uint32) btcutil.Amount {
	for i := range standardDenominations {
		if denom == 1<<uint(i) {
			return standardDenominations[i]
		}
	}
	return 0
}

// IsValidDenomination reports whether denom names one of the standard
// denominations.
func IsValidDenomination(denom uint32) bool {
	return DenominationToAmount(denom) != 0
}

// DenominationToString returns a human readable form of a wire denomination
// identifier, e.g. "0.100001".
func DenominationToString(denom uint32) string {
	amount := DenominationToAmount(denom)
	if amount == 0 {
		return "N/A"
	}
	return strconv.FormatFloat(amount.ToBTC(), 'f', -1, 64)
}

// CollateralAmount returns the base collateral charge a client risks per
// mixing attempt.  It is defined as a tenth of the smallest denomination.
func CollateralAmount() btcutil.Amount {
	return SmallestDenomination() / 10
}

// MaxCollateralAmount returns the largest amount still considered a
// collateral-sized output.
func MaxCollateralAmount() btcutil.Amount {
	return CollateralAmount() * 4
}

// IsCollateralAmount reports whether amount is usable as a collateral
// input: anything between one and four base collateral charges inclusive.
func IsCollateralAmount(amount btcutil.Amount) bool {
	return amount >= CollateralAmount() && amount <= MaxCollateralAmount()
}

// MaxPoolAmount returns the largest total value a single mixing session may
// involve.  It bounds the denominated input selection when submitting an
// entry.
func MaxPoolAmount() btcutil.Amount {
	return LargestDenomination() * EntryMaxSize
}
