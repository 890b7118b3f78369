// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package p2p

import "time"

const (
	logLevel = "INFO"

	mainnetPort = "8333"
	testnetPort = "18333"

	// Ban scoring penalties, spec.md §4.3.
	scoreInvalidInventory    = 1
	scoreRateLimitViolation  = 1
	scoreMalformedOldTx      = 1
	scoreInvalidBlock        = 20
	scorePeerVerifyFailure   = 10
	scoreHandlerException    = 1

	closeNormal            = 1000
	closeHandshakeTimeout  = 1002
	closeStaleBlockRequest = 1003
	closeBanned            = 1008

	headersBatchSize   = 2000
	blocksBatchSize    = 100
	maxParallelBlocks  = 10
	maxHeadersRewind   = 100
	maxRetryAttempts   = 3
	maxBlockRequestTry = 3
)

// Config collects every tunable named in spec.md §6's configuration-keys
// table. Network-specific defaults (seeds, port) are applied in NewServer,
// mirroring tbc.Config/NewServer's switch on cfg.Network.
type Config struct {
	LevelDBHome string
	LogLevel    string
	Network     string // "mainnet" or "testnet3"

	MaxPeers          int
	MinPeers          int
	ConnectionTimeout time.Duration
	SyncInterval      time.Duration
	BanTime           time.Duration
	MaxBanScore       int
	PruneInterval     time.Duration
	MaxOrphans        int
	MaxReorg          int
	Services          uint64
	MinPeerVersion    int32

	WhitelistedPeers []string
	BlacklistedPeers []string

	HandshakeTimeout time.Duration
	MinPingInterval  time.Duration

	RateLimitInterval time.Duration
	RateLimitMessages int
	RateLimitBytes    int64

	RequestTimeout time.Duration

	SyncTimeout              time.Duration
	PeerSelectTimeout        time.Duration
	VerifyChainAfterSync     bool // Open Question: default false, spec.md §9
	MinAverageBandwidthBytes int64

	PrometheusListenAddress string
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:                 logLevel,
		MaxPeers:                 64,
		MinPeers:                 8,
		ConnectionTimeout:        10 * time.Second,
		SyncInterval:             60 * time.Second,
		BanTime:                  24 * time.Hour,
		MaxBanScore:              100,
		PruneInterval:            time.Hour,
		MaxOrphans:               100,
		MaxReorg:                 100,
		MinPeerVersion:           70001,
		HandshakeTimeout:         10 * time.Second,
		MinPingInterval:          120 * time.Second,
		RateLimitInterval:        60 * time.Second,
		RateLimitMessages:        100,
		RateLimitBytes:           10 * 1024 * 1024,
		RequestTimeout:           30 * time.Second,
		SyncTimeout:              30 * time.Second,
		PeerSelectTimeout:        10 * time.Second,
		VerifyChainAfterSync:     false,
		MinAverageBandwidthBytes: 1 << 20, // 1 MB/s
	}
}
