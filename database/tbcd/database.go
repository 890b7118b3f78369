// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package tbcd

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hemicore/tbcore/database"
)

type Database interface {
	database.Database

	// Metadata
	Version(ctx context.Context) (int, error)
	MetadataGet(ctx context.Context, key []byte) ([]byte, error)
	MetadataPut(ctx context.Context, key, value []byte) error

	// Block header
	BlockHeaderByHash(ctx context.Context, hash []byte) (*BlockHeader, error)
	BlockHeadersBest(ctx context.Context) ([]BlockHeader, error)
	BlockHeadersInsert(ctx context.Context, bhs []BlockHeader) error
	BlockHeadersByHeight(ctx context.Context, height uint64) ([]BlockHeader, error)

	// Block
	BlocksMissing(ctx context.Context, count int) ([]BlockIdentifier, error)
	BlockInsert(ctx context.Context, b *Block) (int64, error)
	BlockByHash(ctx context.Context, hash []byte) (*Block, error)
	// XXX replace BlockInsert with plural version
	// BlocksInsert(ctx context.Context, bs []*Block) (int64, error)

	// Transactions
	//UTxosInsert(ctx context.Context, butxos []BlockUtxo) error
	UTxosInsert(ctx context.Context, blockhash []byte, utxos []Utxo) error

	// Peer manager (address book)
	PeersStats(ctx context.Context) (int, int)               // good, bad count
	PeersInsert(ctx context.Context, peers []Peer) error     // insert or update
	PeerDelete(ctx context.Context, host, port string) error // remove peer
	PeersRandom(ctx context.Context, count int) ([]Peer, error)

	// Ban store: key-value namespace "ban:<endpoint>".
	BanPut(ctx context.Context, b *Ban) error
	BanGet(ctx context.Context, endpoint string) (*Ban, error)
	BanDelete(ctx context.Context, endpoint string) error
	BansList(ctx context.Context) ([]Ban, error) // sorted by timestamp descending

	// Seed cache: persisted en bloc, loaded on start and saved on stop.
	SeedCacheLoad(ctx context.Context) ([]SeedInfo, error)
	SeedCacheSave(ctx context.Context, seeds []SeedInfo) error

	// Peer state cache (coordinator projection): "peerstate:<endpoint>".
	PeerStatePut(ctx context.Context, ps *PeerState) error
	PeerStateGet(ctx context.Context, endpoint string) (*PeerState, error)
	PeerStateDelete(ctx context.Context, endpoint string) error
	PeerStatesList(ctx context.Context) ([]PeerState, error)

	// Orphan pool: keyed by "<parentHash>:<hash>".
	OrphanPut(ctx context.Context, o *OrphanBlock) error
	OrphanDelete(ctx context.Context, parentHash, hash []byte) error
	OrphansByParent(ctx context.Context, parentHash []byte) ([]OrphanBlock, error)
	OrphansList(ctx context.Context) ([]OrphanBlock, error)
	OrphanCount(ctx context.Context) (int, error)

	// Peer node-info accessors, cached under "peer:<id>:<metric>".
	PeerMetricPut(ctx context.Context, id, metric string, value []byte) error
	PeerMetricGet(ctx context.Context, id, metric string) ([]byte, error)
	PeerVotePut(ctx context.Context, id string, timestamp time.Time, vote []byte) error
	PeerVotesSince(ctx context.Context, id string, since time.Time) ([][]byte, error)
}

type BlockHeader struct {
	Hash   database.ByteArray
	Height uint64
	Header database.ByteArray
}

type Block struct {
	Hash  database.ByteArray
	Block database.ByteArray
}

//type BlockUtxos struct {
//	BlockHash database.ByteArray
//	Utxos     []BlockUtxo
//}

type Utxo struct {
	Hash        database.ByteArray
	SpendScript database.ByteArray
	Index       uint32
	Value       uint64
}

//type UtxoLocation struct {
//	BlockHash database.ByteArray
//	Index     uint32
//}
//
//type UtxoBalance struct {
//	SpendScript database.ByteArray
//	Value       uint64
//}

// BlockIdentifier uniquely identifies a block using it's hash and height.
type BlockIdentifier struct {
	Height uint64
	Hash   database.ByteArray
}

// Peer
type Peer struct {
	Host      string
	Port      string
	LastAt    database.Timestamp `deep:"-"` // Last time connected
	CreatedAt database.Timestamp `deep:"-"`
}

// Ban is the persisted record backing the spec's "ban:<endpoint>"
// namespace. Expiration of 0 means the ban is permanent.
type Ban struct {
	Address    string             `json:"address"`
	Timestamp  database.Timestamp `json:"timestamp"`
	Expiration database.Timestamp `json:"expiration"`
	Reason     string             `json:"reason"`
	BanScore   int                `json:"ban_score"`
}

// Expired reports whether the ban has a non-zero expiration that has
// passed as of now.
func (b *Ban) Expired(now time.Time) bool {
	exp := b.Expiration.Time()
	if exp.IsZero() || exp.Unix() == 0 {
		return false // permanent
	}
	return !now.Before(exp)
}

// TimeRemaining returns how long is left on the ban, or 0 if permanent or
// already expired.
func (b *Ban) TimeRemaining(now time.Time) time.Duration {
	exp := b.Expiration.Time()
	if exp.IsZero() || exp.Unix() == 0 {
		return 0
	}
	if d := exp.Sub(now); d > 0 {
		return d
	}
	return 0
}

// SeedInfo is the seed cache record described in spec.md §3.
type SeedInfo struct {
	Address  string             `json:"address"`
	Services uint64             `json:"services"`
	LastSeen database.Timestamp `json:"last_seen"`
	Attempts int                `json:"attempts"`
	Failures int                `json:"failures"`
	Latency  float64            `json:"latency_ms"` // rolling average of sample latencies
	Score    int                `json:"score"`       // computed, not persisted authoritatively
}

// PeerState is the coordinator's small in-memory/persisted projection of a
// session, per spec.md §3.
type PeerState struct {
	Endpoint string             `json:"endpoint"`
	Version  int32              `json:"version"`
	Services uint64             `json:"services"`
	LastSeen database.Timestamp `json:"last_seen"`
	BanScore int                `json:"ban_score"`
	Synced   bool               `json:"synced"`
	Height   int64              `json:"height"`
}

// OrphanBlock is a validated block whose parent is not yet known locally.
type OrphanBlock struct {
	ParentHash database.ByteArray `json:"parent_hash"`
	Hash       database.ByteArray `json:"hash"`
	Block      database.ByteArray `json:"block"`
	Added      database.Timestamp `json:"added"`
}

// BlockUtxos extracts all unspent transaction scripts  from the provided
// block.
func BlockUtxos(cp *chaincfg.Params, bb []byte) (*chainhash.Hash, []Utxo, error) {
	b, err := btcutil.NewBlockFromBytes(bb)
	if err != nil {
		return nil, nil, err
	}

	txs := b.Transactions()
	utxos := make([]Utxo, 0, len(txs))
	for _, tx := range txs {
		for _, txOut := range tx.MsgTx().TxOut {
			txCHash := tx.Hash()
			utxos = append(utxos, Utxo{
				Hash:        txCHash[:],
				SpendScript: txOut.PkScript,
				Index:       uint32(tx.Index()),
				Value:       uint64(txOut.Value),
			})
		}
	}

	return b.Hash(), utxos, nil
}
