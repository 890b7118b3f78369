package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hemicore/tbcore/database/tbcd"
)

// fakeOrphanDB stubs the subset of tbcd.Database the orphan pool touches.
type fakeOrphanDB struct {
	mtx sync.Mutex
}

func (f *fakeOrphanDB) Close() error                                             { return nil }
func (f *fakeOrphanDB) Version(ctx context.Context) (int, error)                 { return 1, nil }
func (f *fakeOrphanDB) MetadataGet(ctx context.Context, key []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeOrphanDB) MetadataPut(ctx context.Context, key, value []byte) error { return nil }
func (f *fakeOrphanDB) BlockHeaderByHash(ctx context.Context, hash []byte) (*tbcd.BlockHeader, error) {
	return nil, nil
}
func (f *fakeOrphanDB) BlockHeadersBest(ctx context.Context) ([]tbcd.BlockHeader, error) {
	return nil, nil
}
func (f *fakeOrphanDB) BlockHeadersInsert(ctx context.Context, bhs []tbcd.BlockHeader) error {
	return nil
}
func (f *fakeOrphanDB) BlockHeadersByHeight(ctx context.Context, height uint64) ([]tbcd.BlockHeader, error) {
	return nil, nil
}
func (f *fakeOrphanDB) BlocksMissing(ctx context.Context, count int) ([]tbcd.BlockIdentifier, error) {
	return nil, nil
}
func (f *fakeOrphanDB) BlockInsert(ctx context.Context, b *tbcd.Block) (int64, error) { return 0, nil }
func (f *fakeOrphanDB) BlockByHash(ctx context.Context, hash []byte) (*tbcd.Block, error) {
	return nil, nil
}
func (f *fakeOrphanDB) UTxosInsert(ctx context.Context, blockhash []byte, utxos []tbcd.Utxo) error {
	return nil
}
func (f *fakeOrphanDB) PeersStats(ctx context.Context) (int, int)                { return 0, 0 }
func (f *fakeOrphanDB) PeersInsert(ctx context.Context, peers []tbcd.Peer) error  { return nil }
func (f *fakeOrphanDB) PeerDelete(ctx context.Context, host, port string) error   { return nil }
func (f *fakeOrphanDB) PeersRandom(ctx context.Context, count int) ([]tbcd.Peer, error) {
	return nil, nil
}
func (f *fakeOrphanDB) BanPut(ctx context.Context, b *tbcd.Ban) error { return nil }
func (f *fakeOrphanDB) BanGet(ctx context.Context, endpoint string) (*tbcd.Ban, error) {
	return nil, nil
}
func (f *fakeOrphanDB) BanDelete(ctx context.Context, endpoint string) error { return nil }
func (f *fakeOrphanDB) BansList(ctx context.Context) ([]tbcd.Ban, error)    { return nil, nil }
func (f *fakeOrphanDB) SeedCacheLoad(ctx context.Context) ([]tbcd.SeedInfo, error) {
	return nil, nil
}
func (f *fakeOrphanDB) SeedCacheSave(ctx context.Context, seeds []tbcd.SeedInfo) error { return nil }
func (f *fakeOrphanDB) PeerStatePut(ctx context.Context, ps *tbcd.PeerState) error     { return nil }
func (f *fakeOrphanDB) PeerStateGet(ctx context.Context, endpoint string) (*tbcd.PeerState, error) {
	return nil, nil
}
func (f *fakeOrphanDB) PeerStateDelete(ctx context.Context, endpoint string) error { return nil }
func (f *fakeOrphanDB) PeerStatesList(ctx context.Context) ([]tbcd.PeerState, error) {
	return nil, nil
}
func (f *fakeOrphanDB) OrphanPut(ctx context.Context, o *tbcd.OrphanBlock) error { return nil }
func (f *fakeOrphanDB) OrphanDelete(ctx context.Context, parentHash, hash []byte) error {
	return nil
}
func (f *fakeOrphanDB) OrphansByParent(ctx context.Context, parentHash []byte) ([]tbcd.OrphanBlock, error) {
	return nil, nil
}
func (f *fakeOrphanDB) OrphansList(ctx context.Context) ([]tbcd.OrphanBlock, error) {
	return nil, nil
}
func (f *fakeOrphanDB) OrphanCount(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeOrphanDB) PeerMetricPut(ctx context.Context, id, metric string, value []byte) error {
	return nil
}
func (f *fakeOrphanDB) PeerMetricGet(ctx context.Context, id, metric string) ([]byte, error) {
	return nil, nil
}
func (f *fakeOrphanDB) PeerVotePut(ctx context.Context, id string, timestamp time.Time, vote []byte) error {
	return nil
}
func (f *fakeOrphanDB) PeerVotesSince(ctx context.Context, id string, since time.Time) ([][]byte, error) {
	return nil, nil
}

var _ tbcd.Database = (*fakeOrphanDB)(nil)

func TestOrphanPoolDrainBFSOrder(t *testing.T) {
	db := &fakeOrphanDB{}
	pool := newOrphanPool(db, 100)

	ctx := context.Background()
	b1 := []byte("b1")
	b2 := []byte("b2")
	b3 := []byte("b3")
	b4 := []byte("b4")

	if err := pool.Add(ctx, b1, b2, []byte("block2")); err != nil {
		t.Fatal(err)
	}
	if err := pool.Add(ctx, b2, b3, []byte("block3")); err != nil {
		t.Fatal(err)
	}
	if err := pool.Add(ctx, b2, b4, []byte("block4")); err != nil {
		t.Fatal(err)
	}

	drained := pool.Drain(ctx, b1)
	if len(drained) != 3 {
		t.Fatalf("drained %v entries, want 3", len(drained))
	}
	if string(drained[0].Hash) != "b2" {
		t.Fatalf("first drained = %v, want b2", string(drained[0].Hash))
	}
	if pool.Len() != 0 {
		t.Fatalf("pool len = %v, want 0", pool.Len())
	}
}

func TestOrphanPoolEvictsOldestAtCapacity(t *testing.T) {
	db := &fakeOrphanDB{}
	pool := newOrphanPool(db, 2)
	ctx := context.Background()

	_ = pool.Add(ctx, []byte("p1"), []byte("h1"), []byte("b1"))
	_ = pool.Add(ctx, []byte("p2"), []byte("h2"), []byte("b2"))
	_ = pool.Add(ctx, []byte("p3"), []byte("h3"), []byte("b3"))

	if pool.Len() != 2 {
		t.Fatalf("pool len = %v, want 2", pool.Len())
	}
	if _, ok := pool.byKey[orphanKey([]byte("p1"), []byte("h1"))]; ok {
		t.Fatal("expected oldest entry to be evicted")
	}
}
