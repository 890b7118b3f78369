package p2p

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/hemicore/tbcore/database/tbcd"
)

func header(height uint64, hash, prevHash string, ts int64) tbcd.BlockHeader {
	raw, _ := json.Marshal(struct {
		Hash      string `json:"hash"`
		PrevHash  string `json:"prev_hash"`
		Timestamp int64  `json:"timestamp"`
	}{hash, prevHash, ts})
	return tbcd.BlockHeader{Height: height, Hash: []byte(hash), Header: raw}
}

func TestValidateHeaderBatchAcceptsContiguousChain(t *testing.T) {
	batch := []tbcd.BlockHeader{
		header(100, "h100", "h99", 1000),
		header(101, "h101", "h100", 1001),
		header(102, "h102", "h101", 1002),
	}
	if err := validateHeaderBatch(batch, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateHeaderBatchRejectsBadFirstHeight(t *testing.T) {
	batch := []tbcd.BlockHeader{header(105, "h105", "h104", 1000)}
	if err := validateHeaderBatch(batch, 100); err == nil {
		t.Fatal("expected error for mismatched first height")
	}
}

func TestValidateHeaderBatchRejectsBrokenChain(t *testing.T) {
	batch := []tbcd.BlockHeader{
		header(100, "h100", "h99", 1000),
		header(101, "h101", "WRONG_PREV", 1001),
	}
	if err := validateHeaderBatch(batch, 100); err == nil {
		t.Fatal("expected error for broken previousHash chain")
	}
}

func TestValidateHeaderBatchRejectsNonIncreasingTimestamp(t *testing.T) {
	batch := []tbcd.BlockHeader{
		header(100, "h100", "h99", 1000),
		header(101, "h101", "h100", 999),
	}
	if err := validateHeaderBatch(batch, 100); err == nil {
		t.Fatal("expected error for non-increasing timestamp")
	}
}

func TestSelectPeerRanksByHeightThenLatency(t *testing.T) {
	p1 := &fakeSyncPeer{endpoint: "a", height: 200, latency: 100}
	p2 := &fakeSyncPeer{endpoint: "b", height: 300, latency: 50}
	p3 := &fakeSyncPeer{endpoint: "c", height: 300, latency: 10}

	best, err := SelectPeer(ctxBackground(), []syncPeer{p1, p2, p3}, 50, 0, 0, timeNow(), time.Second)
	if err != nil {
		t.Fatalf("SelectPeer: %v", err)
	}
	if best.Endpoint() != "c" {
		t.Fatalf("selected %v, want c\ncandidates: %v", best.Endpoint(), spew.Sdump(p1, p2, p3))
	}
}

func TestSelectPeerExcludesLowerHeight(t *testing.T) {
	p1 := &fakeSyncPeer{endpoint: "a", height: 10}
	_, err := SelectPeer(ctxBackground(), []syncPeer{p1}, 50, 0, 0, timeNow(), time.Second)
	if err == nil {
		t.Fatal("expected no-eligible-peer error")
	}
}
