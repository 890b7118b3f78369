package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hemicore/tbcore/database"
	"github.com/hemicore/tbcore/database/tbcd"
)

// memDB is a minimal in-memory tbcd.Database stub sufficient to exercise
// the discovery package's SeedCacheLoad/SeedCacheSave calls without
// standing up LevelDB.
type memDB struct {
	mtx   sync.Mutex
	seeds []tbcd.SeedInfo
}

func (m *memDB) Close() error { return nil }

func (m *memDB) Version(ctx context.Context) (int, error)                { return 1, nil }
func (m *memDB) MetadataGet(ctx context.Context, key []byte) ([]byte, error) {
	return nil, database.ErrNotFound
}
func (m *memDB) MetadataPut(ctx context.Context, key, value []byte) error { return nil }

func (m *memDB) BlockHeaderByHash(ctx context.Context, hash []byte) (*tbcd.BlockHeader, error) {
	return nil, database.ErrNotFound
}
func (m *memDB) BlockHeadersBest(ctx context.Context) ([]tbcd.BlockHeader, error) { return nil, nil }
func (m *memDB) BlockHeadersInsert(ctx context.Context, bhs []tbcd.BlockHeader) error { return nil }
func (m *memDB) BlockHeadersByHeight(ctx context.Context, height uint64) ([]tbcd.BlockHeader, error) {
	return nil, nil
}

func (m *memDB) BlocksMissing(ctx context.Context, count int) ([]tbcd.BlockIdentifier, error) {
	return nil, nil
}
func (m *memDB) BlockInsert(ctx context.Context, b *tbcd.Block) (int64, error) { return 0, nil }
func (m *memDB) BlockByHash(ctx context.Context, hash []byte) (*tbcd.Block, error) {
	return nil, database.ErrNotFound
}
func (m *memDB) UTxosInsert(ctx context.Context, blockhash []byte, utxos []tbcd.Utxo) error {
	return nil
}

func (m *memDB) PeersStats(ctx context.Context) (int, int)                { return 0, 0 }
func (m *memDB) PeersInsert(ctx context.Context, peers []tbcd.Peer) error { return nil }
func (m *memDB) PeerDelete(ctx context.Context, host, port string) error  { return nil }
func (m *memDB) PeersRandom(ctx context.Context, count int) ([]tbcd.Peer, error) {
	return nil, nil
}

func (m *memDB) BanPut(ctx context.Context, b *tbcd.Ban) error               { return nil }
func (m *memDB) BanGet(ctx context.Context, endpoint string) (*tbcd.Ban, error) {
	return nil, database.ErrNotFound
}
func (m *memDB) BanDelete(ctx context.Context, endpoint string) error { return nil }
func (m *memDB) BansList(ctx context.Context) ([]tbcd.Ban, error)     { return nil, nil }

func (m *memDB) SeedCacheLoad(ctx context.Context) ([]tbcd.SeedInfo, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]tbcd.SeedInfo, len(m.seeds))
	copy(out, m.seeds)
	return out, nil
}

func (m *memDB) SeedCacheSave(ctx context.Context, seeds []tbcd.SeedInfo) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.seeds = append([]tbcd.SeedInfo(nil), seeds...)
	return nil
}

func (m *memDB) PeerStatePut(ctx context.Context, ps *tbcd.PeerState) error { return nil }
func (m *memDB) PeerStateGet(ctx context.Context, endpoint string) (*tbcd.PeerState, error) {
	return nil, database.ErrNotFound
}
func (m *memDB) PeerStateDelete(ctx context.Context, endpoint string) error { return nil }
func (m *memDB) PeerStatesList(ctx context.Context) ([]tbcd.PeerState, error) {
	return nil, nil
}

func (m *memDB) OrphanPut(ctx context.Context, o *tbcd.OrphanBlock) error { return nil }
func (m *memDB) OrphanDelete(ctx context.Context, parentHash, hash []byte) error { return nil }
func (m *memDB) OrphansByParent(ctx context.Context, parentHash []byte) ([]tbcd.OrphanBlock, error) {
	return nil, nil
}
func (m *memDB) OrphansList(ctx context.Context) ([]tbcd.OrphanBlock, error) { return nil, nil }
func (m *memDB) OrphanCount(ctx context.Context) (int, error)                { return 0, nil }

func (m *memDB) PeerMetricPut(ctx context.Context, id, metric string, value []byte) error {
	return nil
}
func (m *memDB) PeerMetricGet(ctx context.Context, id, metric string) ([]byte, error) {
	return nil, database.ErrNotFound
}
func (m *memDB) PeerVotePut(ctx context.Context, id string, timestamp time.Time, vote []byte) error {
	return nil
}
func (m *memDB) PeerVotesSince(ctx context.Context, id string, since time.Time) ([][]byte, error) {
	return nil, nil
}

var _ tbcd.Database = (*memDB)(nil)

func TestScoreFormula(t *testing.T) {
	now := time.Now()
	si := tbcd.SeedInfo{
		Failures: 2,
		Latency:  250,
		LastSeen: database.NewTimestamp(now.Add(-3 * time.Hour)),
	}
	// 100 - 2*10 - floor(250/100) - floor(3*2) = 100 - 20 - 2 - 6 = 72
	if got := score(si, now); got != 72 {
		t.Fatalf("score = %v, want 72", got)
	}
}

func TestScoreFloorsAtZero(t *testing.T) {
	now := time.Now()
	si := tbcd.SeedInfo{
		Failures: 50,
		LastSeen: database.NewTimestamp(now),
	}
	if got := score(si, now); got != 0 {
		t.Fatalf("score = %v, want 0", got)
	}
}

func TestInvalidSeedDomainRejected(t *testing.T) {
	cfg := NewDefaultConfig([]string{"not a domain!!"}, "8333")
	db := &memDB{}
	d, err := New(cfg, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	_, err = d.resolveOne(context.Background(), "not a domain!!")
	if err == nil {
		t.Fatal("expected error for invalid seed domain")
	}
}

func TestDiscoverRejectsConcurrentCycle(t *testing.T) {
	cfg := NewDefaultConfig([]string{"seed.example.invalid"}, "8333")
	cfg.ResolveTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 0
	db := &memDB{}
	d, err := New(cfg, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	d.mtx.Lock()
	d.discoveryInFlight = true
	d.mtx.Unlock()

	if _, err := d.Discover(context.Background()); err == nil {
		t.Fatal("expected in-progress error")
	}
}
