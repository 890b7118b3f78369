// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/hemicore/tbcore/api/p2papi"
	"github.com/hemicore/tbcore/database/tbcd"
)

// SyncState is the synchronizer's top-level state, spec.md §4.4.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncSyncing
	SyncSynced
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncSyncing:
		return "syncing"
	case SyncSynced:
		return "synced"
	case SyncError:
		return "error"
	default:
		return "unknown"
	}
}

// syncError is raised when the pipeline cannot proceed, spec.md §4.4/§7.
type syncError struct{ msg string }

func (e *syncError) Error() string { return e.msg }

func newSyncError(format string, args ...any) error {
	return &syncError{msg: fmt.Sprintf(format, args...)}
}

// Blockchain is the external collaborator contract for block
// addition/verification, deliberately excluded from this core per
// spec.md §1 and referenced here by contract only.
type Blockchain interface {
	AddBlock(ctx context.Context, height uint64, hash, block []byte) error
	VerifyBlock(ctx context.Context, height uint64) error
	RemoveMempoolTransactions(ctx context.Context, block []byte) error
}

// SyncProgress is emitted after each headers batch, spec.md §4.4.
type SyncProgress struct {
	CurrentHeight uint64
	TargetHeight  uint64
	Percentage    float64
}

type headerSyncWindow struct {
	startHeight   uint64
	currentHeight uint64
	targetHeight  uint64
	headers       map[uint64]tbcd.BlockHeader
	pending       map[uint64]struct{}
}

// Synchronizer drives the local chain to match the best peer's reported
// tip via a two-phase headers-then-blocks pipeline, spec.md §4.4.
type Synchronizer struct {
	mtx sync.Mutex // sync.exclusive, spec.md §9

	cfg   *Config
	db    tbcd.Database
	chain Blockchain

	state         SyncState
	retryAttempts int

	onProgress func(SyncProgress)

	inFlight *inFlightTracker
	stats    syncStats
}

func NewSynchronizer(cfg *Config, db tbcd.Database, chain Blockchain, onProgress func(SyncProgress)) *Synchronizer {
	return &Synchronizer{
		cfg:        cfg,
		db:         db,
		chain:      chain,
		state:      SyncIdle,
		onProgress: onProgress,
		inFlight:   newInFlightTracker(),
	}
}

// ExpireStaleBlockRequests disconnects peers whose in-flight block request
// has blown past its deadline, called periodically by the coordinator's
// maintenance loop (spec.md §4.5).
func (sy *Synchronizer) ExpireStaleBlockRequests(code int) {
	for _, br := range sy.inFlight.expireStale(time.Now()) {
		br.peer.Close(code)
	}
}

// statsLoop logs the rolling sync counters every 10s until ctx is done,
// mirroring the teacher's periodic stats rollup.
func (sy *Synchronizer) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inserted, dups, bytes := sy.stats.snapshot()
			log.Infof("sync stats: %v blocks inserted, %v duplicates, %v downloaded",
				inserted, dups, humanize.Bytes(uint64(bytes)))
		}
	}
}

func (sy *Synchronizer) State() SyncState {
	sy.mtx.Lock()
	defer sy.mtx.Unlock()
	return sy.state
}

// syncPeer is the minimal view of a Peer the synchronizer needs; declared
// as an interface so tests can substitute fakes without standing up real
// connections.
type syncPeer interface {
	Endpoint() string
	Height() int64
	Services() uint64
	AverageLatency() time.Duration
	BandwidthBytesPerSecond(since time.Time) int64
	Request(ctx context.Context, cmd p2papi.Command, payload []byte, timeout time.Duration) (*p2papi.Message, error)
	Close(code int)
}

// blockRequest records which peer was asked to serve a given height and
// when that request is considered stale.
type blockRequest struct {
	peer     syncPeer
	deadline time.Time
}

// inFlightTracker is the pending-block download cache: a bounded-lifetime
// map from height to the peer asked to serve it, mirroring the teacher's
// blockPeerAdd/blockPeerExpire bookkeeping so a peer that claims a block
// and then stalls can be torn down instead of hanging the sync forever.
type inFlightTracker struct {
	mtx sync.Mutex
	m   map[uint64]blockRequest
}

func newInFlightTracker() *inFlightTracker {
	return &inFlightTracker{m: make(map[uint64]blockRequest)}
}

func (t *inFlightTracker) add(height uint64, peer syncPeer, deadline time.Time) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.m[height] = blockRequest{peer: peer, deadline: deadline}
}

func (t *inFlightTracker) remove(height uint64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.m, height)
}

// expireStale removes and returns every entry whose deadline has passed.
func (t *inFlightTracker) expireStale(now time.Time) []blockRequest {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	var stale []blockRequest
	for height, br := range t.m {
		if now.After(br.deadline) {
			stale = append(stale, br)
			delete(t.m, height)
		}
	}
	return stale
}

// syncStats accumulates the rolling counters the 10s stats rollup logs:
// blocks inserted, duplicate blocks skipped, and cumulative bytes
// downloaded, mirroring the teacher's periodic sync-progress logging.
type syncStats struct {
	blocksInserted int64
	duplicates     int64
	bytesDownload  int64
}

func (st *syncStats) addInserted(n int64)  { atomic.AddInt64(&st.blocksInserted, n) }
func (st *syncStats) addDuplicate()        { atomic.AddInt64(&st.duplicates, 1) }
func (st *syncStats) addBytes(n int64)     { atomic.AddInt64(&st.bytesDownload, n) }
func (st *syncStats) snapshot() (int64, int64, int64) {
	return atomic.LoadInt64(&st.blocksInserted), atomic.LoadInt64(&st.duplicates), atomic.LoadInt64(&st.bytesDownload)
}

// SelectPeer implements spec.md §4.4's peer pre-validation and ranking:
// connected (implicit: caller passes only connected/unbanned peers),
// height greater than local, services compatible, average bandwidth ≥
// the configured minimum; sorted by (height desc, latency asc).
func SelectPeer(ctx context.Context, peers []syncPeer, localHeight int64, requiredServices uint64, minBandwidth int64, connectedSince time.Time, timeout time.Duration) (syncPeer, error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var candidates []syncPeer
	for _, p := range peers {
		select {
		case <-sctx.Done():
			return nil, fmt.Errorf("peer selection timeout")
		default:
		}
		if p.Height() <= localHeight {
			continue
		}
		if requiredServices != 0 && p.Services()&requiredServices != requiredServices {
			continue
		}
		if p.BandwidthBytesPerSecond(connectedSince) < minBandwidth {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no eligible sync peer")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Height() != candidates[j].Height() {
			return candidates[i].Height() > candidates[j].Height()
		}
		return candidates[i].AverageLatency() < candidates[j].AverageLatency()
	})
	return candidates[0], nil
}

// StartSync is a no-op if already syncing; otherwise it marks the
// synchronizer as syncing (so concurrent calls return immediately), runs
// the full pipeline under the configured overall timeout, and retries up to
// maxRetryAttempts on failure. The mutex is held only while reading and
// updating the state, not for the duration of the pipeline.
func (sy *Synchronizer) StartSync(ctx context.Context, peer syncPeer, localHeight uint64) error {
	sy.mtx.Lock()
	if sy.state == SyncSyncing {
		sy.mtx.Unlock()
		return nil
	}
	sy.state = SyncSyncing
	sy.mtx.Unlock()

	sctx, cancel := context.WithTimeout(ctx, sy.cfg.SyncTimeout)
	defer cancel()

	go sy.statsLoop(sctx)

	err := sy.runPipeline(sctx, peer, localHeight)

	sy.mtx.Lock()
	defer sy.mtx.Unlock()
	if err == nil {
		sy.state = SyncSynced
		sy.retryAttempts = 0
		return nil
	}

	sy.state = SyncError
	sy.retryAttempts++
	if sy.retryAttempts < maxRetryAttempts {
		attempts := sy.retryAttempts
		sy.mtx.Unlock()
		log.Errorf("sync failed, retrying (%v/%v): %v", attempts, maxRetryAttempts, err)
		retryErr := sy.StartSync(ctx, peer, localHeight)
		sy.mtx.Lock()
		return retryErr
	}
	log.Errorf("sync_failed after %v attempts: %v", sy.retryAttempts, err)
	return err
}

func (sy *Synchronizer) runPipeline(ctx context.Context, peer syncPeer, localHeight uint64) error {
	target := uint64(peer.Height())
	if target <= localHeight {
		return nil
	}

	current := localHeight
	var allHeaders []tbcd.BlockHeader

	for current < target {
		batch, newCurrent, err := sy.headersBatch(ctx, peer, current, target, localHeight)
		if err != nil {
			return err
		}
		allHeaders = append(allHeaders, batch...)
		current = newCurrent

		if sy.onProgress != nil {
			pct := float64(current-localHeight) / float64(target-localHeight) * 100
			sy.onProgress(SyncProgress{CurrentHeight: current, TargetHeight: target, Percentage: pct})
		}
	}

	if err := sy.blocksPhase(ctx, peer, allHeaders); err != nil {
		return err
	}

	if sy.cfg.VerifyChainAfterSync {
		for h := uint64(1); h <= current; h++ {
			if err := sy.chain.VerifyBlock(ctx, h); err != nil {
				return newSyncError("chain verify height %v: %v", h, err)
			}
		}
	}

	return nil
}

// headersBatch requests one HEADERS_BATCH_SIZE window with retry and
// linear backoff, validates it, and applies spec.md §4.4's rewind rule on
// failure: never below startHeight, the sync's original local height.
func (sy *Synchronizer) headersBatch(ctx context.Context, peer syncPeer, current, target, startHeight uint64) ([]tbcd.BlockHeader, uint64, error) {
	end := current + headersBatchSize
	if end > target {
		end = target
	}

	var lastErr error
	for attempt := 0; attempt < maxBlockRequestTry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, current, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}

		payload, _ := json.Marshal(struct {
			StartHeight uint64 `json:"start_height"`
			EndHeight   uint64 `json:"end_height"`
		}{current, end})

		resp, err := peer.Request(ctx, p2papi.CmdGetHeaders, payload, sy.cfg.RequestTimeout)
		if err != nil {
			lastErr = err
			continue
		}

		var batch struct {
			Headers []tbcd.BlockHeader `json:"headers"`
		}
		if err := json.Unmarshal(resp.Payload, &batch); err != nil {
			lastErr = err
			continue
		}

		if err := validateHeaderBatch(batch.Headers, current); err != nil {
			rewindTo := startHeight
			if current > maxHeadersRewind && current-maxHeadersRewind > startHeight {
				rewindTo = current - maxHeadersRewind
			}
			log.Errorf("invalid header batch at %v: %v, rewinding to %v", current, err, rewindTo)
			return nil, rewindTo, nil
		}

		return batch.Headers, current + uint64(len(batch.Headers)), nil
	}
	return nil, current, newSyncError("headers batch %v-%v: %v", current, end, lastErr)
}

// validateHeaderBatch enforces spec.md §4.4's four header-chain
// invariants: first height matches expected, heights are contiguous,
// previousHash chains correctly, and timestamps strictly increase.
func validateHeaderBatch(headers []tbcd.BlockHeader, expectedStart uint64) error {
	if len(headers) == 0 {
		return nil
	}
	if headers[0].Height != expectedStart {
		return fmt.Errorf("first header height %v != expected %v", headers[0].Height, expectedStart)
	}
	for i, h := range headers {
		if i == 0 {
			continue
		}
		if h.Height != headers[i-1].Height+1 {
			return fmt.Errorf("non-contiguous height at index %v", i)
		}
		bh, err := bytes2HeaderP2P(h.Header)
		if err != nil {
			return err
		}
		prevBh, err := bytes2HeaderP2P(headers[i-1].Header)
		if err != nil {
			return err
		}
		if bh.prevHash != prevBh.hash {
			return fmt.Errorf("previousHash mismatch at height %v", h.Height)
		}
		if bh.timestamp <= prevBh.timestamp {
			return fmt.Errorf("timestamp did not strictly increase at height %v", h.Height)
		}
	}
	return nil
}

// wireHeader is the minimal parsed shape needed for chain validation;
// kept separate from the full wire.BlockHeader so header validation does
// not require reconstructing a btcutil block.
type wireHeader struct {
	hash      string
	prevHash  string
	timestamp int64
}

func bytes2HeaderP2P(raw []byte) (*wireHeader, error) {
	var h struct {
		Hash      string `json:"hash"`
		PrevHash  string `json:"prev_hash"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, err
	}
	return &wireHeader{hash: h.Hash, prevHash: h.PrevHash, timestamp: h.Timestamp}, nil
}

// blocksPhase downloads headers' corresponding blocks in serial batches
// of blocksBatchSize, each processed through micro-batches of
// maxParallelBlocks via errgroup.
func (sy *Synchronizer) blocksPhase(ctx context.Context, peer syncPeer, headers []tbcd.BlockHeader) error {
	for i := 0; i < len(headers); i += blocksBatchSize {
		end := i + blocksBatchSize
		if end > len(headers) {
			end = len(headers)
		}
		batch := headers[i:end]
		if err := sy.processBlocksInParallel(ctx, peer, batch); err != nil {
			return err
		}
	}
	return nil
}

func (sy *Synchronizer) processBlocksInParallel(ctx context.Context, peer syncPeer, batch []tbcd.BlockHeader) error {
	for i := 0; i < len(batch); i += maxParallelBlocks {
		end := i + maxParallelBlocks
		if end > len(batch) {
			end = len(batch)
		}
		micro := batch[i:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, h := range micro {
			h := h
			g.Go(func() error { return sy.fetchAndProcessBlock(gctx, peer, h) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (sy *Synchronizer) fetchAndProcessBlock(ctx context.Context, peer syncPeer, h tbcd.BlockHeader) error {
	sy.inFlight.add(h.Height, peer, time.Now().Add(sy.cfg.RequestTimeout*2))
	defer sy.inFlight.remove(h.Height)

	if _, err := sy.db.BlockByHash(ctx, h.Hash); err == nil {
		sy.stats.addDuplicate()
		return nil
	}

	payload, _ := json.Marshal(struct {
		Height uint64 `json:"height"`
	}{h.Height})

	resp, err := peer.Request(ctx, p2papi.CmdGetBlock, payload, sy.cfg.RequestTimeout)
	if err != nil {
		return newSyncError("get block %v: %v", h.Height, err)
	}

	var blk struct {
		Hash  []byte `json:"hash"`
		Block []byte `json:"block"`
	}
	if err := json.Unmarshal(resp.Payload, &blk); err != nil {
		return newSyncError("unmarshal block %v: %v", h.Height, err)
	}
	if string(blk.Hash) != string(h.Hash) {
		return newSyncError("block %v hash mismatch", h.Height)
	}

	if err := sy.chain.AddBlock(ctx, h.Height, blk.Hash, blk.Block); err != nil {
		return newSyncError("add block %v: %v", h.Height, err)
	}
	sy.stats.addInserted(1)
	sy.stats.addBytes(int64(len(blk.Block)))
	if err := sy.chain.RemoveMempoolTransactions(ctx, blk.Block); err != nil {
		log.Errorf("remove mempool transactions for block %v: %v", h.Height, err)
	}
	return nil
}
