// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Default mixing option values.
const (
	DefaultAmount        = btcutil.Amount(1000 * btcutil.SatoshiPerBitcoin)
	DefaultRounds        = 4
	DefaultRandomRounds  = 3
	DefaultSessions      = 1
	DefaultDenomsGoal    = 50
	DefaultDenomsHardCap = 300

	// MinSessions and MaxSessions bound the concurrent session count.
	MinSessions = 1
	MaxSessions = 10

	// MinRounds and MaxRounds bound the configured mixing rounds.
	MinRounds = 2
	MaxRounds = 16
)

// ErrInvalidOptions describes a rejected options value.  It is wrapped with
// the offending field.
var ErrInvalidOptions = errors.New("invalid mixing options")

// Options configures automatic mixing for one wallet.  The zero value is
// not valid; start from DefaultOptions.
type Options struct {
	// Enabled gates the whole engine.  When false every public entry
	// point is a no-op.
	Enabled bool

	// Amount is the target anonymized balance.  Mixing stops once the
	// anonymized balance reaches it.
	Amount btcutil.Amount

	// Rounds is the number of mixing rounds required before an output
	// counts as anonymized.
	Rounds int

	// RandomRounds is the number of extra rounds probed when choosing
	// which inputs to submit, so the realized round count is not
	// predictable.
	RandomRounds int

	// Sessions is the maximum number of concurrent mixing sessions and
	// therefore coordinator connections.
	Sessions int

	// MultiSession allows several sessions to run concurrently and
	// tolerates unconfirmed denominated outputs while starting new ones.
	MultiSession bool

	// DenomsGoal is the per-denomination soft target when creating
	// denominated outputs.
	DenomsGoal int

	// DenomsHardCap is the per-denomination hard ceiling.  Only the
	// largest denomination may exceed it.
	DenomsHardCap int
}

// DefaultOptions returns the options automatic mixing starts from.
func DefaultOptions() Options {
	return Options{
		Enabled:       false,
		Amount:        DefaultAmount,
		Rounds:        DefaultRounds,
		RandomRounds:  DefaultRandomRounds,
		Sessions:      DefaultSessions,
		MultiSession:  false,
		DenomsGoal:    DefaultDenomsGoal,
		DenomsHardCap: DefaultDenomsHardCap,
	}
}

// Validate checks the options for internally consistent values.
func (o *Options) Validate() error {
	if o.Amount <= 0 {
		return fmt.Errorf("%w: amount %v", ErrInvalidOptions, o.Amount)
	}
	if o.Rounds < MinRounds || o.Rounds > MaxRounds {
		return fmt.Errorf("%w: rounds %d outside [%d, %d]",
			ErrInvalidOptions, o.Rounds, MinRounds, MaxRounds)
	}
	if o.RandomRounds < 0 {
		return fmt.Errorf("%w: random rounds %d", ErrInvalidOptions,
			o.RandomRounds)
	}
	if o.Sessions < MinSessions || o.Sessions > MaxSessions {
		return fmt.Errorf("%w: sessions %d outside [%d, %d]",
			ErrInvalidOptions, o.Sessions, MinSessions, MaxSessions)
	}
	if o.DenomsGoal <= 0 || o.DenomsHardCap < o.DenomsGoal {
		return fmt.Errorf("%w: denoms goal %d, hard cap %d",
			ErrInvalidOptions, o.DenomsGoal, o.DenomsHardCap)
	}
	return nil
}
