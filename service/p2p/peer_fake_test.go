package p2p

import (
	"context"
	"time"

	"github.com/hemicore/tbcore/api/p2papi"
)

// fakeSyncPeer is a minimal syncPeer stand-in for tests that don't need a
// real connection.
type fakeSyncPeer struct {
	endpoint string
	height   int64
	services uint64
	latency  time.Duration
}

func (f *fakeSyncPeer) Endpoint() string           { return f.endpoint }
func (f *fakeSyncPeer) Height() int64              { return f.height }
func (f *fakeSyncPeer) Services() uint64           { return f.services }
func (f *fakeSyncPeer) AverageLatency() time.Duration { return f.latency }
func (f *fakeSyncPeer) BandwidthBytesPerSecond(since time.Time) int64 { return 1 << 30 }
func (f *fakeSyncPeer) Request(ctx context.Context, cmd p2papi.Command, payload []byte, timeout time.Duration) (*p2papi.Message, error) {
	return nil, context.DeadlineExceeded
}
func (f *fakeSyncPeer) Close(code int) {}

func ctxBackground() context.Context { return context.Background() }

func timeNow() time.Time { return time.Now() }
