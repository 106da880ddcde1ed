// Copyright (c) 2025-2026 The dashsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/dashsuite/dashmixer/coinjoin"
)

// Queue rejection reasons.
var (
	ErrQueueBadSignature = errors.New("queue signature verification failed")
	ErrQueueExpired      = errors.New("queue timestamp out of bounds")
	ErrQueueUnknownCoord = errors.New("queue from unknown coordinator")
	ErrQueueDuplicate    = errors.New("coordinator already has a queue")
	ErrQueueRateLimited  = errors.New("coordinator sent a queue too recently")
)

// coordinatorMeta is the client-side bookkeeping kept per coordinator for
// queue rate limiting.
type coordinatorMeta struct {
	// lastDsq is the value of the global queue counter when this
	// coordinator last advertised, zero if never.
	lastDsq int64

	mixingTxCount int
}

// QueueManager consumes public queue advertisements, verifies them and
// hands not-yet-tried candidates to the orchestrators.  It also keeps the
// per-coordinator rate-limit counters.
type QueueManager struct {
	mtx sync.Mutex

	registry CoordinatorRegistry
	now      func() time.Time

	queues []*coinjoin.Queue

	// dsqCount is the global counter of accepted advertisements; the
	// per-coordinator cooldown is measured against it.
	dsqCount int64

	meta map[chainhash.Hash]*coordinatorMeta
}

// NewQueueManager creates a queue manager over the given registry.
func NewQueueManager(registry CoordinatorRegistry,
	now func() time.Time) *QueueManager {

	if now == nil {
		now = time.Now
	}
	return &QueueManager{
		registry: registry,
		now:      now,
		meta:     make(map[chainhash.Hash]*coordinatorMeta),
	}
}

// ProcessDSQueue validates an incoming queue advertisement and records it.
// Invalid, stale, duplicate or rate-limited advertisements are rejected
// with a describing error.
func (qm *QueueManager) ProcessDSQueue(q *coinjoin.Queue) error {
	qm.mtx.Lock()
	defer qm.mtx.Unlock()

	if q.OutOfBounds(qm.now().Unix()) {
		return fmt.Errorf("%w: %s", ErrQueueExpired, q)
	}

	coord := qm.registry.ByOutpoint(q.CoordOutpoint)
	if coord == nil {
		return fmt.Errorf("%w: %s", ErrQueueUnknownCoord, q)
	}
	if !qm.registry.VerifyQueue(q) {
		return fmt.Errorf("%w: %s", ErrQueueBadSignature, q)
	}

	// One live advertisement per coordinator; a second one is spam.
	for _, have := range qm.queues {
		if have.CoordOutpoint == q.CoordOutpoint {
			return fmt.Errorf("%w: %s", ErrQueueDuplicate, q)
		}
	}

	if !q.Ready {
		meta := qm.metaFor(coord.ProTxHash)
		if qm.rateLimited(meta) {
			return fmt.Errorf("%w: %s", ErrQueueRateLimited, q)
		}
		qm.dsqCount++
		meta.lastDsq = qm.dsqCount
	}

	qm.queues = append(qm.queues, q)
	log.Debugf("QueueManager: accepted %s", q)
	return nil
}

// GetQueueItemAndTry returns the next valid queue that has not been
// attempted yet, marking it as tried.  Applying the same advertisement
// twice is therefore a no-op.
func (qm *QueueManager) GetQueueItemAndTry() *coinjoin.Queue {
	qm.mtx.Lock()
	defer qm.mtx.Unlock()

	now := qm.now().Unix()
	for _, q := range qm.queues {
		if q.Tried || q.OutOfBounds(now) {
			continue
		}
		q.Tried = true
		return q
	}
	return nil
}

// IsRateLimited reports whether the coordinator advertised a queue too
// recently to start a new one with it.
func (qm *QueueManager) IsRateLimited(proTxHash chainhash.Hash) bool {
	qm.mtx.Lock()
	defer qm.mtx.Unlock()

	meta, ok := qm.meta[proTxHash]
	if !ok {
		return false
	}
	return qm.rateLimited(meta)
}

// rateLimited is the cooldown predicate.  The caller must hold the mutex.
// A coordinator that advertised at counter value L may not advertise again
// before the global counter passes L plus a fifth of the coordinator count.
func (qm *QueueManager) rateLimited(meta *coordinatorMeta) bool {
	if meta.lastDsq == 0 {
		return false
	}
	threshold := meta.lastDsq + int64(qm.registry.Count())/5
	return threshold > qm.dsqCount
}

// metaFor returns the bookkeeping entry for a coordinator, creating it on
// first use.  The caller must hold the mutex.
func (qm *QueueManager) metaFor(proTxHash chainhash.Hash) *coordinatorMeta {
	meta, ok := qm.meta[proTxHash]
	if !ok {
		meta = &coordinatorMeta{}
		qm.meta[proTxHash] = meta
	}
	return meta
}

// RecordMixingTx bumps the per-coordinator successful mix counter.
func (qm *QueueManager) RecordMixingTx(proTxHash chainhash.Hash) {
	qm.mtx.Lock()
	defer qm.mtx.Unlock()
	qm.metaFor(proTxHash).mixingTxCount++
}

// DoMaintenance prunes expired advertisements.  Called once per tick.
func (qm *QueueManager) DoMaintenance() {
	qm.mtx.Lock()
	defer qm.mtx.Unlock()

	now := qm.now().Unix()
	kept := qm.queues[:0]
	for _, q := range qm.queues {
		if !q.OutOfBounds(now) {
			kept = append(kept, q)
		}
	}
	if dropped := len(qm.queues) - len(kept); dropped > 0 {
		log.Debugf("QueueManager: pruned %d expired queues", dropped)
	}
	qm.queues = kept
}

// Count returns the number of live advertisements.
func (qm *QueueManager) Count() int {
	qm.mtx.Lock()
	defer qm.mtx.Unlock()
	return len(qm.queues)
}
