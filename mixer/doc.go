// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mixer implements the client side of the CoinJoin mixing
// protocol: the per-session state machine, the orchestrator that drives
// automatic mixing for a wallet, the transaction planners that create
// denominated and collateral outputs, the coordinator connection pool, the
// queue listener and the process-wide manager that ticks everything once a
// second.
//
// The package owns no keys, no UTXO set and no network sockets.  It
// consumes the Wallet, CoordinatorRegistry, ChainView and Network
// interfaces and drives them; the stateless protocol vocabulary (amounts,
// enums, wire payloads) lives in the coinjoin package.
package mixer
