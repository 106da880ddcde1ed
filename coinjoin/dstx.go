// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BroadcastTxStore remembers the mix transactions coordinators have
// announced via dstx messages.  The wallet consults it to tell mix
// transactions apart from ordinary spends, and the store drops entries once
// the transaction confirms deep enough that nobody will ask again.
type BroadcastTxStore struct {
	mtx sync.Mutex

	txs map[chainhash.Hash]*broadcastTxEntry
}

type broadcastTxEntry struct {
	dstx *BroadcastTx

	// confirmedHeight is the block height the transaction confirmed at,
	// or -1 while unconfirmed.
	confirmedHeight int32
}

// keepDSTXBlocks is how many blocks past confirmation a broadcast
// announcement is retained.
const keepDSTXBlocks = 24

// NewBroadcastTxStore creates an empty store.
func NewBroadcastTxStore() *BroadcastTxStore {
	return &BroadcastTxStore{
		txs: make(map[chainhash.Hash]*broadcastTxEntry),
	}
}

// Add records a coordinator's broadcast announcement.  Re-announcements of
// a known transaction are ignored.
func (s *BroadcastTxStore) Add(dstx *BroadcastTx) {
	hash := dstx.Tx.TxHash()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.txs[hash]; ok {
		return
	}
	s.txs[hash] = &broadcastTxEntry{dstx: dstx, confirmedHeight: -1}
}

// Get returns the announcement for a transaction hash, or nil when the
// store has none.
func (s *BroadcastTxStore) Get(hash chainhash.Hash) *BroadcastTx {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	entry, ok := s.txs[hash]
	if !ok {
		return nil
	}
	return entry.dstx
}

// Has reports whether the transaction hash is a known mix broadcast.
func (s *BroadcastTxStore) Has(hash chainhash.Hash) bool {
	return s.Get(hash) != nil
}

// SetConfirmedHeight marks a stored transaction as confirmed at the given
// block height.  Unknown hashes are ignored.
func (s *BroadcastTxStore) SetConfirmedHeight(hash chainhash.Hash,
	height int32) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if entry, ok := s.txs[hash]; ok {
		entry.confirmedHeight = height
	}
}

// NotifyBlock prunes announcements whose transactions confirmed long enough
// ago.  It should be called once per connected block.
func (s *BroadcastTxStore) NotifyBlock(height int32) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for hash, entry := range s.txs {
		if entry.confirmedHeight < 0 {
			continue
		}
		if height-entry.confirmedHeight > keepDSTXBlocks {
			delete(s.txs, hash)
		}
	}
}

// Count returns the number of stored announcements.
func (s *BroadcastTxStore) Count() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return len(s.txs)
}
