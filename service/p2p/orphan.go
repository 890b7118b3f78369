// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package p2p

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/hemicore/tbcore/database"
	"github.com/hemicore/tbcore/database/tbcd"
)

// orphanEntry is the in-memory bookkeeping alongside the persisted
// tbcd.OrphanBlock record: FIFO order needs an insertion sequence the
// persisted record doesn't carry on its own.
type orphanEntry struct {
	block tbcd.OrphanBlock
	seq   uint64
}

// orphanPool is the bounded FIFO-eviction pool from spec.md §4.5: blocks
// whose parent is not yet known, keyed by (parentHash, hash), capped at
// maxOrphans, age-capped at one hour.
type orphanPool struct {
	mtx sync.Mutex
	db  tbcd.Database
	max int
	seq uint64

	byKey map[string]*orphanEntry // "<parentHex>:<hashHex>" -> entry
}

func newOrphanPool(db tbcd.Database, max int) *orphanPool {
	return &orphanPool{
		db:    db,
		max:   max,
		byKey: make(map[string]*orphanEntry),
	}
}

func orphanKey(parentHash, hash []byte) string {
	return hex.EncodeToString(parentHash) + ":" + hex.EncodeToString(hash)
}

// Add inserts a block whose parent is unknown. If the pool is at
// capacity, the oldest entry (by insertion sequence) is evicted first.
func (o *orphanPool) Add(ctx context.Context, parentHash, hash, block []byte) error {
	log.Tracef("orphanPool.Add")
	defer log.Tracef("orphanPool.Add exit")

	o.mtx.Lock()
	defer o.mtx.Unlock()

	key := orphanKey(parentHash, hash)
	if _, ok := o.byKey[key]; ok {
		return nil // already present
	}

	if len(o.byKey) >= o.max {
		o.evictOldestLocked(ctx)
	}

	o.seq++
	ob := tbcd.OrphanBlock{
		ParentHash: parentHash,
		Hash:       hash,
		Block:      block,
		Added:      database.NewTimestamp(time.Now()),
	}
	o.byKey[key] = &orphanEntry{block: ob, seq: o.seq}

	return o.db.OrphanPut(ctx, &ob)
}

func (o *orphanPool) evictOldestLocked(ctx context.Context) {
	var oldestKey string
	var oldestSeq uint64
	first := true
	for k, e := range o.byKey {
		if first || e.seq < oldestSeq {
			oldestKey, oldestSeq, first = k, e.seq, false
		}
	}
	if oldestKey == "" {
		return
	}
	e := o.byKey[oldestKey]
	delete(o.byKey, oldestKey)
	_ = o.db.OrphanDelete(ctx, e.block.ParentHash, e.block.Hash)
}

// Len reports the number of orphans currently pooled.
func (o *orphanPool) Len() int {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return len(o.byKey)
}

// Prune evicts entries older than one hour, per the coordinator's
// maintenance timer (spec.md §4.5).
func (o *orphanPool) Prune(ctx context.Context) {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	for k, e := range o.byKey {
		if e.block.Added.Time().Before(cutoff) {
			delete(o.byKey, k)
			_ = o.db.OrphanDelete(ctx, e.block.ParentHash, e.block.Hash)
		}
	}
}

// Drain performs the BFS walk of spec.md §4.5: when parentHash is
// accepted, every orphan keyed to it (and transitively, orphans of those
// orphans) is returned in breadth-first order and removed from the pool.
func (o *orphanPool) Drain(ctx context.Context, parentHash []byte) []tbcd.OrphanBlock {
	log.Tracef("orphanPool.Drain")
	defer log.Tracef("orphanPool.Drain exit")

	o.mtx.Lock()
	defer o.mtx.Unlock()

	var out []tbcd.OrphanBlock
	queue := [][]byte{parentHash}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		var children []*orphanEntry
		for k, e := range o.byKey {
			if hex.EncodeToString(e.block.ParentHash) == hex.EncodeToString(parent) {
				children = append(children, e)
				delete(o.byKey, k)
			}
		}
		// preserve FIFO order among siblings
		for i := 0; i < len(children); i++ {
			for j := i + 1; j < len(children); j++ {
				if children[j].seq < children[i].seq {
					children[i], children[j] = children[j], children[i]
				}
			}
		}
		for _, c := range children {
			out = append(out, c.block)
			_ = o.db.OrphanDelete(ctx, c.block.ParentHash, c.block.Hash)
			queue = append(queue, c.block.Hash)
		}
	}
	return out
}
