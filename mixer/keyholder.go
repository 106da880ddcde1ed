// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import "sync"

// keyHolderStorage collects the destination scripts reserved for one
// mixing attempt.  Every reservation it hands out ends in exactly one of
// KeepAll or ReturnAll; leaking a reservation burns an address in the
// wallet's key pool.
type keyHolderStorage struct {
	mtx  sync.Mutex
	keys []KeyReservation
}

// AddKey reserves a fresh destination script from the wallet and remembers
// the reservation.
func (s *keyHolderStorage) AddKey(w Wallet) ([]byte, error) {
	kr, err := w.ReserveKey()
	if err != nil {
		return nil, err
	}

	s.mtx.Lock()
	s.keys = append(s.keys, kr)
	s.mtx.Unlock()

	return kr.Script(), nil
}

// KeepAll commits every outstanding reservation as used and empties the
// storage.
func (s *keyHolderStorage) KeepAll() {
	s.mtx.Lock()
	keys := s.keys
	s.keys = nil
	s.mtx.Unlock()

	if len(keys) > 0 {
		for _, kr := range keys {
			kr.KeepKey()
		}
		log.Debugf("keyHolderStorage: %d keys kept", len(keys))
	}
}

// ReturnAll releases every outstanding reservation back to the key pool
// and empties the storage.
func (s *keyHolderStorage) ReturnAll() {
	s.mtx.Lock()
	keys := s.keys
	s.keys = nil
	s.mtx.Unlock()

	if len(keys) > 0 {
		for _, kr := range keys {
			kr.ReturnKey()
		}
		log.Debugf("keyHolderStorage: %d keys returned", len(keys))
	}
}

// Count returns the number of outstanding reservations.
func (s *keyHolderStorage) Count() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.keys)
}
