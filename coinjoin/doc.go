// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coinjoin implements the stateless vocabulary of the CoinJoin
// mixing protocol: the standard denomination catalog and its amount
// predicates, the pool state and message enumerations shared between
// clients and coordinators, and the wire payloads exchanged during a
// mixing session (dsa, dsq, dssu, dsi, dsf, dss, dsc, dstx).
//
// Everything in this package is a pure function of its inputs or a plain
// serializable value.  The stateful client engine lives in the mixer
// package.
package coinjoin
