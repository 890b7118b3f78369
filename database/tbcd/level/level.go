// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package level

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hemicore/tbcore/database"
	"github.com/hemicore/tbcore/database/level"
	"github.com/hemicore/tbcore/database/tbcd"
	"github.com/juju/loggo"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// XXX before committing this conver json to gob

// Locking order:
//	BlockHeaders
// 	BlocksMissing
// 	Blocks
//	Bans
//	PeerStates
//	Orphans
//	Seeds

const (
	ldbVersion = 1

	logLevel = "INFO"
	verbose  = false

	bhsLastKey = "last"

	// Buckets.
	blockHeadersDB  = "blockheaders"
	blocksMissingDB = "blocksmissing"
	blocksDB        = "blocks"
	bansDB          = "bans"
	peerStatesDB    = "peerstates"
	orphansDB       = "orphans"
	seedsDB         = "seeds"
	peerMetricsDB   = "peermetrics"
	peerVotesDB     = "peervotes"

	banPrefix       = "ban:"
	peerStatePrefix = "peerstate:"
	seedCacheKey    = "seeds:all"
	peerMetricSep   = ":"
)

var log = loggo.GetLogger("level")

func init() {
	loggo.ConfigureLoggers(logLevel)
}

type ldb struct {
	mtx sync.Mutex

	*level.Database
	pool level.Pool
}

var _ tbcd.Database = (*ldb)(nil)

func New(ctx context.Context, home string) (*ldb, error) {
	log.Tracef("New")
	defer log.Tracef("New exit")

	ld, err := level.New(ctx, home, ldbVersion,
		blockHeadersDB, blocksMissingDB, blocksDB, bansDB, peerStatesDB,
		orphansDB, seedsDB, peerMetricsDB, peerVotesDB)
	if err != nil {
		return nil, err
	}
	log.Debugf("tbcdb database version: %v", ldbVersion)
	l := &ldb{
		Database: ld,
		pool:     ld.DB(),
	}

	return l, nil
}

func (l *ldb) BlockHeaderByHash(ctx context.Context, hash []byte) (*tbcd.BlockHeader, error) {
	log.Tracef("BlockHeaderByHash")
	defer log.Tracef("BlockHeaderByHash exit")

	// XXX this pattern repeats itself, see if we can make this generic

	bhsDB := l.pool[blockHeadersDB]
	tx, err := bhsDB.OpenTransaction()
	if err != nil {
		return nil, fmt.Errorf("block headers best transaction: %w", err)
	}
	discard := true
	defer func() {
		if discard {
			log.Debugf("BlockHeadersBest discarding transaction")
			tx.Discard()
		}
	}()

	// Get last record
	j, err := tx.Get(hash, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, database.NotFoundError(fmt.Sprintf("header not found: %x", hash))
		}
		return nil, fmt.Errorf("block headers best: %w", err)
	}
	var bh tbcd.BlockHeader
	err = json.Unmarshal(j, &bh)
	if err != nil {
		return nil, fmt.Errorf("block headers best unmarshal: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("block headers best: %w", err)
	}

	discard = false

	return &bh, nil
}

func (l *ldb) BlockHeadersBest(ctx context.Context) ([]tbcd.BlockHeader, error) {
	log.Tracef("BlockHeadersBest")
	defer log.Tracef("BlockHeadersBest exit")

	bhsDB := l.pool[blockHeadersDB]
	tx, err := bhsDB.OpenTransaction()
	if err != nil {
		return nil, fmt.Errorf("block headers best transaction: %w", err)
	}
	discard := true
	defer func() {
		if discard {
			log.Debugf("BlockHeadersBest discarding transaction")
			tx.Discard()
		}
	}()

	// Get last record
	j, err := tx.Get([]byte(bhsLastKey), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return []tbcd.BlockHeader{}, nil
		}
		return nil, fmt.Errorf("block headers best: %w", err)
	}
	var bh tbcd.BlockHeader
	err = json.Unmarshal(j, &bh)
	if err != nil {
		return nil, fmt.Errorf("block headers best unmarshal: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("block headers best: %w", err)
	}

	discard = false

	return []tbcd.BlockHeader{bh}, nil
}

// heightHashToKey generates a sortable key from height and hash. With this key
// we can iterate over the block headers table and see what block records are
// missing.
func heightHashToKey(height uint64, hash []byte) []byte {
	if len(hash) != chainhash.HashSize {
		panic(fmt.Sprintf("invalid hash size: %v", len(hash)))
	}
	key := make([]byte, 8+1+chainhash.HashSize)
	binary.BigEndian.PutUint64(key[0:8], height)
	copy(key[9:], hash)
	return key
}

// keyToHeightHash reverses the process of heightHashToKey.
func keyToHeightHash(key []byte) (uint64, []byte) {
	if len(key) != 8+1+chainhash.HashSize {
		panic(fmt.Sprintf("invalid key size: %v", len(key)))
	}
	hash := make([]byte, chainhash.HashSize) // must make copy!
	copy(hash, key[9:])
	return binary.BigEndian.Uint64(key[0:8]), hash
}

func (l *ldb) BlockHeadersInsert(ctx context.Context, bhs []tbcd.BlockHeader) error {
	log.Tracef("BlockHeadersInsert")
	defer log.Tracef("BlockHeadersInsert exit")

	if len(bhs) == 0 {
		return fmt.Errorf("block headers insert: no block headers to insert")
	}

	// Open the block headers database transaction early to block db
	bhsDB := l.pool[blockHeadersDB]
	bhsTx, err := bhsDB.OpenTransaction()
	if err != nil {
		return fmt.Errorf("block headers open transaction: %w", err)
	}
	bhsDiscard := true
	defer func() {
		if bhsDiscard {
			log.Debugf("BlockHeadersInsert discarding transaction: %v",
				len(bhs))
			bhsTx.Discard()
		}
	}()

	// Open the blocks missing database transaction early to block db
	bmDB := l.pool[blocksMissingDB]
	bmTx, err := bmDB.OpenTransaction()
	if err != nil {
		return fmt.Errorf("blocks missing open transaction: %w", err)
	}
	bmDiscard := true
	defer func() {
		if bmDiscard {
			log.Debugf("BlockHeadersInsert discarding transaction: %v",
				len(bhs)) // Yes, bhs, this is not a bug.
			bmTx.Discard()
		}
	}()

	// Make sure we are not inserting the same blocks
	has, err := bhsTx.Has(bhs[0].Hash, nil)
	if err != nil {
		return fmt.Errorf("block headers insert has: %v", err)
	}
	if has {
		return database.DuplicateError("block headers insert duplicate")
	}

	// Insert missing blocks and block headers
	var lastRecord []byte
	bmBatch := new(leveldb.Batch)
	bhsBatch := new(leveldb.Batch)
	for k := range bhs {
		// Height 0 is genesis, we do not want a missing block record for that.
		if bhs[k].Height != 0 {
			// Insert a synthesized height_hash key that serves as
			// an index to see which blocks are missing.
			bmBatch.Put(heightHashToKey(bhs[k].Height, bhs[k].Hash[:]), []byte{})
		}

		// Insert JSON encoded block header record
		bhj, err := json.Marshal(bhs[k])
		if err != nil {
			return fmt.Errorf("json marshal %v: %w", k, err)
		}
		bhsBatch.Put(bhs[k].Hash, bhj)
		lastRecord = bhj
	}

	// Insert last height into block headers XXX this does not deal with forks
	bhsBatch.Put([]byte(bhsLastKey), lastRecord)

	// Write missing blocks batch
	err = bmTx.Write(bmBatch, nil)
	if err != nil {
		return fmt.Errorf("blocks missing insert: %w", err)
	}

	// Write block headers batch
	err = bhsTx.Write(bhsBatch, nil)
	if err != nil {
		return fmt.Errorf("block headers insert: %w", err)
	}

	// Reverse order commit missing blocks.
	// If this is committed and the block headers fail, that is ok. It will
	// simply be overwritten later.
	err = bmTx.Commit()
	if err != nil {
		return fmt.Errorf("blocks missing commit: %w", err)
	}
	bmDiscard = false

	// Commit block headers table
	err = bhsTx.Commit()
	if err != nil {
		return fmt.Errorf("block headers commit: %w", err)
	}
	bhsDiscard = false

	return nil
}

// XXX return hash and height only
func (l *ldb) BlocksMissing(ctx context.Context, count int) ([]tbcd.BlockIdentifier, error) {
	log.Tracef("BlockHeadersMissing")
	defer log.Tracef("BlockHeadersMissing exit")

	bmDB := l.pool[blocksMissingDB]
	bmTx, err := bmDB.OpenTransaction()
	if err != nil {
		return nil, fmt.Errorf("blocks missing open transaction: %w", err)
	}
	bmDiscard := true
	defer func() {
		if bmDiscard {
			log.Debugf("BlockHeadersMissing discarding transaction")
			bmTx.Discard()
		}
	}()

	x := 0
	bis := make([]tbcd.BlockIdentifier, 0, count)
	it := bmTx.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		bh := tbcd.BlockIdentifier{}
		bh.Height, bh.Hash = keyToHeightHash(it.Key())
		bis = append(bis, bh)

		x++
		if x >= count {
			break
		}
	}

	err = bmTx.Commit()
	if err != nil {
		return nil, fmt.Errorf("blocks missing commit: %w", err)
	}
	bmDiscard = false

	return bis, nil
}

func (l *ldb) BlockHeadersByHeight(ctx context.Context, height uint64) ([]tbcd.BlockHeader, error) {
	log.Tracef("BlockHeadersByHeight")
	defer log.Tracef("BlockHeadersByHeight exit")

	bhsDB := l.pool[blockHeadersDB]
	it := bhsDB.NewIterator(nil, nil)
	defer it.Release()

	bhs := make([]tbcd.BlockHeader, 0, 1)
	for it.Next() {
		if string(it.Key()) == bhsLastKey {
			continue
		}
		var bh tbcd.BlockHeader
		if err := json.Unmarshal(it.Value(), &bh); err != nil {
			continue
		}
		if bh.Height == height {
			bhs = append(bhs, bh)
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("block headers by height: %w", err)
	}

	return bhs, nil
}

func (l *ldb) BlockInsert(ctx context.Context, b *tbcd.Block) (int64, error) {
	log.Tracef("BlockInsert")
	defer log.Tracef("BlockInsert exit")

	// Open the block headers database transaction
	bhsDB := l.pool[blockHeadersDB]
	bhsTx, err := bhsDB.OpenTransaction()
	if err != nil {
		return -1, fmt.Errorf("block headers open transaction: %w", err)
	}
	bhsDiscard := true
	defer func() {
		if bhsDiscard {
			log.Debugf("BlockInsert discarding transaction")
			bhsTx.Discard()
		}
	}()

	// Open the blocks missing database transaction
	bmDB := l.pool[blocksMissingDB]
	bmTx, err := bmDB.OpenTransaction()
	if err != nil {
		return -1, fmt.Errorf("blocks missing open transaction: %w", err)
	}
	bmDiscard := true
	defer func() {
		if bmDiscard {
			log.Debugf("BlockInsert block missing discarding transaction")
			bmTx.Discard()
		}
	}()

	// Open the blocks database transaction
	bDB := l.pool[blocksDB]
	bTx, err := bDB.OpenTransaction()
	if err != nil {
		return -1, fmt.Errorf("blocks open transaction: %w", err)
	}
	bDiscard := true
	defer func() {
		if bDiscard {
			log.Debugf("BlockInsert discarding transaction")
			bTx.Discard()
		}
	}()

	// Determine block height
	bhj, err := bhsTx.Get(b.Hash[:], nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return -1, database.NotFoundError(fmt.Sprintf("block header not found: %x", b.Hash))
		}
		return -1, fmt.Errorf("block insert block header: %w", err)
	}
	var bh tbcd.BlockHeader
	err = json.Unmarshal(bhj, &bh)
	if err != nil {
		return -1, fmt.Errorf("block insert unmarshal: %w", err)
	}

	// Remove block identifier from blocks missing
	key := heightHashToKey(bh.Height, bh.Hash)
	err = bmTx.Delete(key, nil)
	if err != nil {
		// Ignore not found
		if err == leveldb.ErrNotFound {
			log.Errorf("block insert delete from missing: %v", err)
		} else {
			return -1, fmt.Errorf("block insert delete from missing: %v", err)
		}
	}

	// Insert block
	bj, err := json.Marshal(b)
	if err != nil {
		return -1, fmt.Errorf("block insert marshal: %v", err)
	}
	err = bTx.Put(b.Hash[:], bj, nil)
	if err != nil {
		return -1, fmt.Errorf("block insert put: %v", err)
	}

	// Reverse order unlock
	err = bTx.Commit()
	if err != nil {
		return -1, fmt.Errorf("block commit: %w", err)
	}
	bDiscard = false

	err = bmTx.Commit()
	if err != nil {
		return -1, fmt.Errorf("blocks missing commit: %w", err)
	}
	bmDiscard = false

	err = bhsTx.Commit()
	if err != nil {
		return -1, fmt.Errorf("blocks headers commit: %w", err)
	}
	bhsDiscard = false

	// XXX think about Height type; why are we forced to mix types?
	return int64(bh.Height), nil
}

// BlockByHash retrieves a previously inserted block, used to serve GET_BLOCK
// requests from syncing peers.
func (l *ldb) BlockByHash(ctx context.Context, hash []byte) (*tbcd.Block, error) {
	log.Tracef("BlockByHash")
	defer log.Tracef("BlockByHash exit")

	bDB := l.pool[blocksDB]
	bj, err := bDB.Get(hash, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, database.NotFoundError(fmt.Sprintf("block not found: %x", hash))
		}
		return nil, fmt.Errorf("block by hash: %w", err)
	}
	var b tbcd.Block
	if err := json.Unmarshal(bj, &b); err != nil {
		return nil, fmt.Errorf("block by hash unmarshal: %w", err)
	}
	return &b, nil
}

func (l *ldb) UTxosInsert(ctx context.Context, blockhash []byte, utxos []tbcd.Utxo) error {
	// Out of scope for the p2p core: the UTXO set is an external
	// collaborator (spec.md §1). Kept as a no-op so callers that touch
	// this interface method at the storage boundary do not need a second
	// Database implementation.
	return nil
}

func (l *ldb) PeersInsert(ctx context.Context, peers []tbcd.Peer) error {
	log.Tracef("PeersInsert")
	defer log.Tracef("PeersInsert exit")

	if len(peers) == 0 {
		return nil
	}

	pDB := l.pool[peerStatesDB] // address book shares the peer-state bucket keyspace prefix "addr:"
	batch := new(leveldb.Batch)
	now := database.NewTimestamp(time.Now())
	for k := range peers {
		peers[k].LastAt = now
		key := []byte("addr:" + peers[k].Host + ":" + peers[k].Port)
		existing, err := pDB.Get(key, nil)
		if err == nil {
			var prev tbcd.Peer
			if json.Unmarshal(existing, &prev) == nil {
				peers[k].CreatedAt = prev.CreatedAt
			}
		} else {
			peers[k].CreatedAt = now
		}
		pj, err := json.Marshal(peers[k])
		if err != nil {
			return fmt.Errorf("peer insert marshal: %w", err)
		}
		batch.Put(key, pj)
	}
	if err := pDB.Write(batch, nil); err != nil {
		return fmt.Errorf("peers insert: %w", err)
	}
	return nil
}

func (l *ldb) PeerDelete(ctx context.Context, host, port string) error {
	log.Tracef("PeerDelete")
	defer log.Tracef("PeerDelete exit")

	key := []byte("addr:" + host + ":" + port)
	if err := l.pool[peerStatesDB].Delete(key, nil); err != nil && err != leveldb.ErrNotFound {
		return fmt.Errorf("peer delete: %w", err)
	}
	return nil
}

func (l *ldb) PeersRandom(ctx context.Context, count int) ([]tbcd.Peer, error) {
	log.Tracef("PeersRandom")
	defer log.Tracef("PeersRandom exit")

	pDB := l.pool[peerStatesDB]
	it := pDB.NewIterator(util.BytesPrefix([]byte("addr:")), nil)
	defer it.Release()

	var peers []tbcd.Peer
	for it.Next() {
		var p tbcd.Peer
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			continue
		}
		peers = append(peers, p)
		if len(peers) >= count {
			break
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("peers random: %w", err)
	}
	return peers, nil
}

func (l *ldb) PeersStats(ctx context.Context) (int, int) {
	log.Tracef("PeersStats")
	defer log.Tracef("PeersStats exit")

	pDB := l.pool[peerStatesDB]
	it := pDB.NewIterator(util.BytesPrefix([]byte(peerStatePrefix)), nil)
	defer it.Release()

	good, bad := 0, 0
	for it.Next() {
		var ps tbcd.PeerState
		if err := json.Unmarshal(it.Value(), &ps); err != nil {
			continue
		}
		if ps.BanScore > 0 {
			bad++
		} else {
			good++
		}
	}
	return good, bad
}

// banKey returns the sortable key for a ban record: "ban:<endpoint>".
func banKey(endpoint string) []byte {
	return []byte(banPrefix + endpoint)
}

func (l *ldb) BanPut(ctx context.Context, b *tbcd.Ban) error {
	log.Tracef("BanPut")
	defer log.Tracef("BanPut exit")

	bj, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("ban marshal: %w", err)
	}
	if err := l.pool[bansDB].Put(banKey(b.Address), bj, nil); err != nil {
		return fmt.Errorf("ban put: %w", err)
	}
	return nil
}

// BanGet lazily removes expired bans, per spec.md §4.3 checkBanStatus.
func (l *ldb) BanGet(ctx context.Context, endpoint string) (*tbcd.Ban, error) {
	log.Tracef("BanGet")
	defer log.Tracef("BanGet exit")

	v, err := l.pool[bansDB].Get(banKey(endpoint), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, database.NotFoundError(fmt.Sprintf("ban not found: %v", endpoint))
		}
		return nil, fmt.Errorf("ban get: %w", err)
	}
	var b tbcd.Ban
	if err := json.Unmarshal(v, &b); err != nil {
		return nil, fmt.Errorf("ban unmarshal: %w", err)
	}
	if b.Expired(time.Now()) {
		if derr := l.BanDelete(ctx, endpoint); derr != nil {
			log.Errorf("ban lazy expire: %v", derr)
		}
		return nil, database.NotFoundError(fmt.Sprintf("ban expired: %v", endpoint))
	}
	return &b, nil
}

func (l *ldb) BanDelete(ctx context.Context, endpoint string) error {
	log.Tracef("BanDelete")
	defer log.Tracef("BanDelete exit")

	if err := l.pool[bansDB].Delete(banKey(endpoint), nil); err != nil && err != leveldb.ErrNotFound {
		return fmt.Errorf("ban delete: %w", err)
	}
	return nil
}

// BansList iterates the range [ban:, ban:\xFF) and returns entries sorted
// by timestamp descending, per spec.md §4.3.
func (l *ldb) BansList(ctx context.Context) ([]tbcd.Ban, error) {
	log.Tracef("BansList")
	defer log.Tracef("BansList exit")

	rng := &util.Range{Start: []byte(banPrefix), Limit: []byte(banPrefix + "\xff")}
	it := l.pool[bansDB].NewIterator(rng, nil)
	defer it.Release()

	now := time.Now()
	var bans []tbcd.Ban
	var expired []string
	for it.Next() {
		var b tbcd.Ban
		if err := json.Unmarshal(it.Value(), &b); err != nil {
			continue
		}
		if b.Expired(now) {
			expired = append(expired, b.Address)
			continue
		}
		bans = append(bans, b)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("bans list: %w", err)
	}
	for _, addr := range expired {
		if err := l.BanDelete(ctx, addr); err != nil {
			log.Errorf("bans list lazy expire %v: %v", addr, err)
		}
	}

	sort.Slice(bans, func(i, j int) bool {
		return bans[i].Timestamp.Time().After(bans[j].Timestamp.Time())
	})
	return bans, nil
}

func (l *ldb) SeedCacheLoad(ctx context.Context) ([]tbcd.SeedInfo, error) {
	log.Tracef("SeedCacheLoad")
	defer log.Tracef("SeedCacheLoad exit")

	v, err := l.pool[seedsDB].Get([]byte(seedCacheKey), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("seed cache load: %w", err)
	}
	var seeds []tbcd.SeedInfo
	if err := json.Unmarshal(v, &seeds); err != nil {
		return nil, fmt.Errorf("seed cache unmarshal: %w", err)
	}
	return seeds, nil
}

func (l *ldb) SeedCacheSave(ctx context.Context, seeds []tbcd.SeedInfo) error {
	log.Tracef("SeedCacheSave")
	defer log.Tracef("SeedCacheSave exit")

	sj, err := json.Marshal(seeds)
	if err != nil {
		return fmt.Errorf("seed cache marshal: %w", err)
	}
	if err := l.pool[seedsDB].Put([]byte(seedCacheKey), sj, nil); err != nil {
		return fmt.Errorf("seed cache save: %w", err)
	}
	return nil
}

func peerStateKey(endpoint string) []byte {
	return []byte(peerStatePrefix + endpoint)
}

func (l *ldb) PeerStatePut(ctx context.Context, ps *tbcd.PeerState) error {
	pj, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("peer state marshal: %w", err)
	}
	if err := l.pool[peerStatesDB].Put(peerStateKey(ps.Endpoint), pj, nil); err != nil {
		return fmt.Errorf("peer state put: %w", err)
	}
	return nil
}

func (l *ldb) PeerStateGet(ctx context.Context, endpoint string) (*tbcd.PeerState, error) {
	v, err := l.pool[peerStatesDB].Get(peerStateKey(endpoint), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, database.NotFoundError(fmt.Sprintf("peer state not found: %v", endpoint))
		}
		return nil, fmt.Errorf("peer state get: %w", err)
	}
	var ps tbcd.PeerState
	if err := json.Unmarshal(v, &ps); err != nil {
		return nil, fmt.Errorf("peer state unmarshal: %w", err)
	}
	return &ps, nil
}

func (l *ldb) PeerStateDelete(ctx context.Context, endpoint string) error {
	if err := l.pool[peerStatesDB].Delete(peerStateKey(endpoint), nil); err != nil && err != leveldb.ErrNotFound {
		return fmt.Errorf("peer state delete: %w", err)
	}
	return nil
}

func (l *ldb) PeerStatesList(ctx context.Context) ([]tbcd.PeerState, error) {
	rng := util.BytesPrefix([]byte(peerStatePrefix))
	it := l.pool[peerStatesDB].NewIterator(rng, nil)
	defer it.Release()

	var states []tbcd.PeerState
	for it.Next() {
		var ps tbcd.PeerState
		if err := json.Unmarshal(it.Value(), &ps); err != nil {
			continue
		}
		states = append(states, ps)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("peer states list: %w", err)
	}
	return states, nil
}

func orphanKey(parentHash, hash []byte) []byte {
	return []byte(fmt.Sprintf("%x:%x", parentHash, hash))
}

func (l *ldb) OrphanPut(ctx context.Context, o *tbcd.OrphanBlock) error {
	oj, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("orphan marshal: %w", err)
	}
	if err := l.pool[orphansDB].Put(orphanKey(o.ParentHash, o.Hash), oj, nil); err != nil {
		return fmt.Errorf("orphan put: %w", err)
	}
	return nil
}

func (l *ldb) OrphanDelete(ctx context.Context, parentHash, hash []byte) error {
	if err := l.pool[orphansDB].Delete(orphanKey(parentHash, hash), nil); err != nil && err != leveldb.ErrNotFound {
		return fmt.Errorf("orphan delete: %w", err)
	}
	return nil
}

func (l *ldb) OrphansByParent(ctx context.Context, parentHash []byte) ([]tbcd.OrphanBlock, error) {
	prefix := []byte(fmt.Sprintf("%x:", parentHash))
	it := l.pool[orphansDB].NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var orphans []tbcd.OrphanBlock
	for it.Next() {
		var o tbcd.OrphanBlock
		if err := json.Unmarshal(it.Value(), &o); err != nil {
			continue
		}
		orphans = append(orphans, o)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("orphans by parent: %w", err)
	}
	return orphans, nil
}

func (l *ldb) OrphansList(ctx context.Context) ([]tbcd.OrphanBlock, error) {
	it := l.pool[orphansDB].NewIterator(nil, nil)
	defer it.Release()

	var orphans []tbcd.OrphanBlock
	for it.Next() {
		var o tbcd.OrphanBlock
		if err := json.Unmarshal(it.Value(), &o); err != nil {
			continue
		}
		orphans = append(orphans, o)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("orphans list: %w", err)
	}
	return orphans, nil
}

func (l *ldb) OrphanCount(ctx context.Context) (int, error) {
	it := l.pool[orphansDB].NewIterator(nil, nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func peerMetricKey(id, metric string) []byte {
	return []byte("peer:" + id + peerMetricSep + metric)
}

func (l *ldb) PeerMetricPut(ctx context.Context, id, metric string, value []byte) error {
	if err := l.pool[peerMetricsDB].Put(peerMetricKey(id, metric), value, nil); err != nil {
		return fmt.Errorf("peer metric put: %w", err)
	}
	return nil
}

func (l *ldb) PeerMetricGet(ctx context.Context, id, metric string) ([]byte, error) {
	v, err := l.pool[peerMetricsDB].Get(peerMetricKey(id, metric), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, database.NotFoundError(fmt.Sprintf("peer metric not found: %v:%v", id, metric))
		}
		return nil, fmt.Errorf("peer metric get: %w", err)
	}
	return v, nil
}

func peerVoteKey(id string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("peer:%s:vote:%020d", id, ts.UnixNano()))
}

func (l *ldb) PeerVotePut(ctx context.Context, id string, timestamp time.Time, vote []byte) error {
	if err := l.pool[peerVotesDB].Put(peerVoteKey(id, timestamp), vote, nil); err != nil {
		return fmt.Errorf("peer vote put: %w", err)
	}
	return nil
}

// PeerVotesSince iterates votes for id newer than since, used for the
// 24-hour participation accessor described in spec.md §4.3.
func (l *ldb) PeerVotesSince(ctx context.Context, id string, since time.Time) ([][]byte, error) {
	prefix := []byte("peer:" + id + ":vote:")
	it := l.pool[peerVotesDB].NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var votes [][]byte
	for it.Next() {
		key := string(it.Key())
		idx := strings.LastIndex(key, ":")
		if idx < 0 {
			continue
		}
		var nanos int64
		if _, err := fmt.Sscanf(key[idx+1:], "%020d", &nanos); err != nil {
			continue
		}
		if time.Unix(0, nanos).Before(since) {
			continue
		}
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		votes = append(votes, v)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("peer votes since: %w", err)
	}
	return votes, nil
}
