// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package p2p

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/dustin/go-humanize"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hemicore/tbcore/api/p2papi"
	"github.com/hemicore/tbcore/breaker"
	"github.com/hemicore/tbcore/database"
	"github.com/hemicore/tbcore/database/tbcd"
	"github.com/hemicore/tbcore/database/tbcd/level"
	"github.com/hemicore/tbcore/discovery"
)

var log = loggo.GetLogger("p2p")

const promSubsystem = "p2p_service"

// NodeVerifier is the external node-verification collaborator invoked on
// every successful handshake, spec.md §4.5. It receives the endpoint and
// the negotiated version, services and user agent; no public key,
// signature, timestamp or tag info is passed to it. The check itself is
// outside this core's scope (cryptographic primitives, spec.md §1).
type NodeVerifier func(ctx context.Context, endpoint string, version int32, services uint64, userAgent string) error

// NodeInfoProvider supplies the live mined-blocks/voting-power/balance
// figures served by GET_NODE_INFO, spec.md §4.3. Deliberately external
// (chain and voting accounting are outside this core's scope, spec.md §1);
// when unset, or when it errors, the last values PeerMetricPut cached are
// served instead.
type NodeInfoProvider func(ctx context.Context) (mined, votingPower, balance uint64, err error)

// Server is the Node Coordinator of spec.md §4.5: it owns the peer
// table, peer-state projections, bans, orphan pool, per-peer circuit
// breakers, and the maintenance scheduler. Its shape (Config,
// NewServer, mtx-guarded maps, a Run loop wiring the peer manager and
// background loops) is carried over from service/tbc.Server.
type Server struct {
	mtx sync.RWMutex // coordinator.global, spec.md §9
	wg  sync.WaitGroup

	cfg *Config
	db  tbcd.Database

	disc *discovery.Discoverer

	peers   map[string]*Peer // endpoint -> session
	orphans *orphanPool
	sync    *Synchronizer

	verify NodeVerifier
	info   NodeInfoProvider

	whitelist map[string]struct{}
	blacklist map[string]struct{}

	metricsConnectedPeers prometheus.Gauge
	metricsBannedPeers    prometheus.Gauge
	metricsOrphans        prometheus.Gauge

	isRunning bool
}

func NewServer(cfg *Config, chain Blockchain, verify NodeVerifier) (*Server, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}

	db, err := level.New(context.Background(), cfg.LevelDBHome)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var seeds []string
	var port string
	switch cfg.Network {
	case "mainnet":
		port = mainnetPort
		seeds = []string{
			"seed.bitcoin.sipa.be",
			"dnsseed.bluematt.me",
			"dnsseed.bitcoin.dashjr.org",
			"seed.bitcoinstats.com",
			"seed.bitnodes.io",
			"seed.bitcoin.jonasschnelli.ch",
		}
	case "testnet3":
		port = testnetPort
		seeds = []string{
			"testnet-seed.bitcoin.jonasschnelli.ch",
			"seed.tbtc.petertodd.org",
			"seed.testnet.bitcoin.sprovoost.nl",
			"testnet-seed.bluematt.me",
		}
	default:
		return nil, fmt.Errorf("invalid network: %v", cfg.Network)
	}

	disc, err := discovery.New(discovery.NewDefaultConfig(seeds, port), db)
	if err != nil {
		return nil, fmt.Errorf("new discoverer: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		db:        db,
		disc:      disc,
		peers:     make(map[string]*Peer, cfg.MaxPeers),
		orphans:   newOrphanPool(db, cfg.MaxOrphans),
		verify:    verify,
		whitelist: toSet(cfg.WhitelistedPeers),
		blacklist: toSet(cfg.BlacklistedPeers),
		metricsConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "connected_peers",
			Help:      "Number of connected peer sessions.",
		}),
		metricsBannedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "banned_peers",
			Help:      "Number of banned peers.",
		}),
		metricsOrphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "orphan_blocks",
			Help:      "Number of pooled orphan blocks.",
		}),
	}
	s.sync = NewSynchronizer(cfg, db, chain, s.emitProgress)

	return s, nil
}

// SetNodeInfoProvider installs the callback GET_NODE_INFO uses for live
// mined-blocks/voting-power/balance figures. Optional; nil keeps serving
// only cached values.
func (s *Server) SetNodeInfoProvider(p NodeInfoProvider) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.info = p
}

// RecordVote persists a locally cast vote so it can be served back to
// peers through GET_VOTES (spec.md §4.3). Casting the vote itself is an
// external collaborator concern (spec.md §1).
func (s *Server) RecordVote(ctx context.Context, vote []byte) error {
	return s.db.PeerVotePut(ctx, "self", time.Now(), vote)
}

func toSet(ss []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

func (s *Server) emitProgress(p SyncProgress) {
	log.Infof("sync progress: %v/%v (%.1f%%)", p.CurrentHeight, p.TargetHeight, p.Percentage)
}

// Metrics returns the server's Prometheus collectors for registration by
// the caller (spec.md §9: metrics are passed as explicit dependencies,
// never a process-wide singleton).
func (s *Server) Metrics() []prometheus.Collector {
	return []prometheus.Collector{s.metricsConnectedPeers, s.metricsBannedPeers, s.metricsOrphans}
}

// isBanned reports whether endpoint has a live, unexpired ban record.
func (s *Server) isBanned(ctx context.Context, endpoint string) bool {
	ban, err := s.db.BanGet(ctx, endpoint)
	if err != nil {
		return false
	}
	if ban.Expired(time.Now()) {
		_ = s.db.BanDelete(ctx, endpoint)
		return false
	}
	return true
}

func (s *Server) isBlacklisted(endpoint string) bool {
	_, ok := s.blacklist[endpoint]
	return ok
}

func (s *Server) isWhitelisted(endpoint string) bool {
	_, ok := s.whitelist[endpoint]
	return ok
}

// Connect implements spec.md §4.5's connect flow: skip if already
// connected or banned or blacklisted; dial through a circuit breaker;
// handshake; run node verification; on success register in the peer
// table. The breaker is created for this call and closed when it returns,
// so failures are not carried over from one Connect call to the next.
func (s *Server) Connect(ctx context.Context, endpoint string) error {
	log.Tracef("Connect %v", endpoint)
	defer log.Tracef("Connect exit %v", endpoint)

	s.mtx.Lock()
	if _, ok := s.peers[endpoint]; ok {
		s.mtx.Unlock()
		return fmt.Errorf("already connected: %v", endpoint)
	}
	s.mtx.Unlock()

	if s.isBlacklisted(endpoint) {
		return fmt.Errorf("blacklisted: %v", endpoint)
	}
	if s.isBanned(ctx, endpoint) {
		return fmt.Errorf("banned: %v", endpoint)
	}

	br := breaker.New("connect:"+endpoint, breaker.NewDefaultConfig())
	defer br.Close()

	var peer *Peer
	err := br.Run(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
		defer cancel()

		p, err := Dial(cctx, endpoint, s.cfg, s.isWhitelisted(endpoint))
		if err != nil {
			return err
		}
		if err := p.Handshake(cctx, s.cfg.MinPeerVersion, s.cfg.Services, 0); err != nil {
			return err
		}
		if s.verify != nil {
			if err := s.verify(cctx, endpoint, p.Version(), p.Services(), p.userAgent); err != nil {
				p.AddBanScore(scorePeerVerifyFailure)
				p.Close(closeNormal)
				return fmt.Errorf("node verification failed: %w", err)
			}
		}
		peer = p
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect %v: %w", endpoint, err)
	}

	s.mtx.Lock()
	s.peers[endpoint] = peer
	s.mtx.Unlock()
	s.persistPeerState(ctx, peer)

	if peer.Services()&uint64(wire.SFNodeNetwork) != 0 {
		if out, err := p2papi.EncodeWire(p2papi.CmdGetAddr, wire.NewMsgGetAddr(), wire.ProtocolVersion); err == nil {
			if err := peer.Send(ctx, p2papi.CmdGetAddr, out.Payload); err != nil {
				log.Debugf("send getaddr to %v: %v", endpoint, err)
			}
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPeer(ctx, peer)
	}()

	log.Infof("peer:connect %v", endpoint)
	return nil
}

// persistPeerState snapshots a connected session's negotiated attributes
// into the coordinator's PeerState projection (spec.md §3), so Maintain
// and any coordinator restart can recover a view of recently seen peers.
func (s *Server) persistPeerState(ctx context.Context, p *Peer) {
	ps := &tbcd.PeerState{
		Endpoint: p.Endpoint(),
		Version:  p.Version(),
		Services: p.Services(),
		LastSeen: database.NewTimestamp(time.Now()),
		BanScore: p.BanScore(),
		Synced:   p.State() == StateReady,
		Height:   p.Height(),
	}
	if err := s.db.PeerStatePut(ctx, ps); err != nil {
		log.Debugf("persist peer state %v: %v", p.Endpoint(), err)
	}
}

func (s *Server) runPeer(ctx context.Context, p *Peer) {
	go p.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Done():
			s.mtx.Lock()
			delete(s.peers, p.Endpoint())
			s.mtx.Unlock()
			_ = s.db.PeerStateDelete(ctx, p.Endpoint())
			return
		case msg, ok := <-p.Inbound():
			if !ok {
				return
			}
			s.dispatch(ctx, p, msg)
			s.persistPeerState(ctx, p)
		}
	}
}

// dispatch handles the inventory protocol (spec.md §4.5) and the
// new-block/new-transaction gossip entry points (spec.md §4.4).
func (s *Server) dispatch(ctx context.Context, p *Peer, msg *p2papi.Message) {
	switch msg.Type {
	case p2papi.CmdPing:
		s.handlePing(ctx, p, msg)
	case p2papi.CmdInv:
		s.handleInv(ctx, p, msg)
	case p2papi.CmdGetData:
		s.handleGetData(ctx, p, msg)
	case p2papi.CmdNewBlock:
		s.handleNewBlock(ctx, p, msg)
	case p2papi.CmdBlock:
		s.handleBlock(ctx, p, msg)
	case p2papi.CmdGetHeaders:
		s.handleGetHeaders(ctx, p, msg)
	case p2papi.CmdGetBlock:
		s.handleGetBlockRequest(ctx, p, msg)
	case p2papi.CmdGetNodeInfo:
		s.handleGetNodeInfo(ctx, p, msg)
	case p2papi.CmdGetVotes:
		s.handleGetVotes(ctx, p, msg)
	case p2papi.CmdGetAddr:
		s.handleGetAddr(ctx, p, msg)
	case p2papi.CmdAddr:
		s.handleAddr(ctx, p, msg)
	default:
		log.Debugf("unhandled message %v from %v", msg.Type, p.Endpoint())
	}
}

// handlePing echoes the timestamp back as PONG so the sender's ping loop
// (spec.md §4.3) can compute a round-trip sample.
func (s *Server) handlePing(ctx context.Context, p *Peer, msg *p2papi.Message) {
	if err := p.Send(ctx, p2papi.CmdPong, msg.Payload); err != nil {
		log.Debugf("pong %v: %v", p.Endpoint(), err)
	}
}

// handleGetHeaders serves the synchronizer's height-range requests
// (spec.md §4.4) from locally stored headers.
func (s *Server) handleGetHeaders(ctx context.Context, p *Peer, msg *p2papi.Message) {
	var req p2papi.GetHeadersPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		p.AddBanScore(scoreInvalidInventory)
		return
	}

	var headers []tbcd.BlockHeader
	for h := req.StartHeight; h < req.EndHeight; h++ {
		bhs, err := s.db.BlockHeadersByHeight(ctx, h)
		if err != nil || len(bhs) == 0 {
			break
		}
		headers = append(headers, bhs[0])
	}

	pj, _ := json.Marshal(struct {
		Headers []tbcd.BlockHeader `json:"headers"`
	}{headers})
	if err := p.Reply(ctx, msg.RequestID, p2papi.CmdHeaders, pj); err != nil {
		log.Debugf("serve headers to %v: %v", p.Endpoint(), err)
	}
}

// handleGetBlockRequest serves the synchronizer's by-height block requests.
func (s *Server) handleGetBlockRequest(ctx context.Context, p *Peer, msg *p2papi.Message) {
	var req p2papi.GetBlockPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		p.AddBanScore(scoreInvalidInventory)
		return
	}

	bhs, err := s.db.BlockHeadersByHeight(ctx, uint64(req.Height))
	if err != nil || len(bhs) == 0 {
		return
	}
	b, err := s.db.BlockByHash(ctx, bhs[0].Hash)
	if err != nil {
		return
	}

	pj, _ := json.Marshal(struct {
		Hash  []byte `json:"hash"`
		Block []byte `json:"block"`
	}{b.Hash, b.Block})
	if err := p.Reply(ctx, msg.RequestID, p2papi.CmdBlock, pj); err != nil {
		log.Debugf("serve block to %v: %v", p.Endpoint(), err)
	}
}

// cachedMetric returns the last value PeerMetricPut stored for metric,
// or 0 if none is cached.
func (s *Server) cachedMetric(ctx context.Context, metric string) uint64 {
	b, err := s.db.PeerMetricGet(ctx, "self", metric)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (s *Server) storeMetric(ctx context.Context, metric string, v uint64) {
	if err := s.db.PeerMetricPut(ctx, "self", metric, []byte(strconv.FormatUint(v, 10))); err != nil {
		log.Debugf("store metric %v: %v", metric, err)
	}
}

// handleGetNodeInfo answers GET_NODE_INFO with this node's vote /
// mined-block / voting-power figures (spec.md §4.3). The live provider, if
// set, refreshes the cache on every call; a cache miss or absent provider
// falls back to the last stored value.
func (s *Server) handleGetNodeInfo(ctx context.Context, p *Peer, msg *p2papi.Message) {
	mined := s.cachedMetric(ctx, "mined_blocks")
	votingPower := s.cachedMetric(ctx, "voting_power")
	balance := s.cachedMetric(ctx, "balance")

	s.mtx.RLock()
	provider := s.info
	s.mtx.RUnlock()
	if provider != nil {
		if m, v, b, err := provider(ctx); err == nil {
			mined, votingPower, balance = m, v, b
			s.storeMetric(ctx, "mined_blocks", mined)
			s.storeMetric(ctx, "voting_power", votingPower)
			s.storeMetric(ctx, "balance", balance)
		} else {
			log.Debugf("node info provider: %v", err)
		}
	}

	var height int64
	if bhs, err := s.db.BlockHeadersBest(ctx); err == nil && len(bhs) > 0 {
		height = int64(bhs[0].Height)
	}

	ni := p2papi.NodeInfo{
		UserAgent:   "/tbcore:0.1.0/",
		Height:      height,
		MinedBlocks: mined,
		VotingPower: votingPower,
		Balance:     balance,
	}
	pj, _ := json.Marshal(ni)
	if err := p.Reply(ctx, msg.RequestID, p2papi.CmdGetNodeInfo, pj); err != nil {
		log.Debugf("reply node info to %v: %v", p.Endpoint(), err)
	}
}

// handleGetVotes answers GET_VOTES with every locally recorded vote cast
// since the requested timestamp (spec.md §4.3).
func (s *Server) handleGetVotes(ctx context.Context, p *Peer, msg *p2papi.Message) {
	var req p2papi.GetVotesPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		p.AddBanScore(scoreInvalidInventory)
		return
	}

	votes, err := s.db.PeerVotesSince(ctx, "self", time.Unix(req.SinceUnix, 0))
	if err != nil {
		log.Debugf("votes since for %v: %v", p.Endpoint(), err)
		votes = nil
	}

	pj, _ := json.Marshal(struct {
		Votes [][]byte `json:"votes"`
	}{votes})
	if err := p.Reply(ctx, msg.RequestID, p2papi.CmdGetVotes, pj); err != nil {
		log.Debugf("reply votes to %v: %v", p.Endpoint(), err)
	}
}

// handleGetAddr answers GETADDR with a sample of the address book, reusing
// the real btcsuite wire codec since this message has no JSON counterpart.
func (s *Server) handleGetAddr(ctx context.Context, p *Peer, msg *p2papi.Message) {
	peers, err := s.db.PeersRandom(ctx, 23)
	if err != nil {
		log.Debugf("getaddr %v: %v", p.Endpoint(), err)
		return
	}

	addr := wire.NewMsgAddr()
	for _, pr := range peers {
		ip := net.ParseIP(pr.Host)
		if ip == nil {
			continue
		}
		port, err := strconv.ParseUint(pr.Port, 10, 16)
		if err != nil {
			continue
		}
		na := wire.NewNetAddressIPPort(ip, uint16(port), wire.SFNodeNetwork)
		if err := addr.AddAddress(na); err != nil {
			break
		}
	}

	out, err := p2papi.EncodeWire(p2papi.CmdAddr, addr, wire.ProtocolVersion)
	if err != nil {
		log.Debugf("encode addr for %v: %v", p.Endpoint(), err)
		return
	}
	if err := p.Reply(ctx, msg.RequestID, p2papi.CmdAddr, out.Payload); err != nil {
		log.Debugf("reply addr to %v: %v", p.Endpoint(), err)
	}
}

// handleAddr absorbs an unsolicited or requested ADDR message into the
// address book.
func (s *Server) handleAddr(ctx context.Context, p *Peer, msg *p2papi.Message) {
	m, err := p2papi.DecodeWire(msg, wire.ProtocolVersion)
	if err != nil {
		p.AddBanScore(scoreInvalidInventory)
		return
	}
	addr, ok := m.(*wire.MsgAddr)
	if !ok {
		return
	}

	peers := make([]tbcd.Peer, 0, len(addr.AddrList))
	for _, na := range addr.AddrList {
		peers = append(peers, tbcd.Peer{Host: na.IP.String(), Port: strconv.Itoa(int(na.Port))})
	}
	if err := s.db.PeersInsert(ctx, peers); err != nil {
		log.Debugf("insert addr from %v: %v", p.Endpoint(), err)
	}
}

func (s *Server) handleInv(ctx context.Context, p *Peer, msg *p2papi.Message) {
	var items p2papi.InvPayload
	if err := json.Unmarshal(msg.Payload, &items); err != nil {
		p.AddBanScore(scoreInvalidInventory)
		return
	}
	var want p2papi.InvPayload
	for _, it := range items {
		known := false
		if it.Type == "block" {
			if _, err := s.db.BlockHeaderByHash(ctx, it.Hash); err == nil {
				known = true
			}
		}
		if !known {
			want = append(want, it)
		}
	}
	if len(want) == 0 {
		return
	}
	pj, _ := json.Marshal(want)
	if err := p.Send(ctx, p2papi.CmdGetData, pj); err != nil {
		log.Debugf("send getdata to %v: %v", p.Endpoint(), err)
	}
}

func (s *Server) handleGetData(ctx context.Context, p *Peer, msg *p2papi.Message) {
	var items p2papi.InvPayload
	if err := json.Unmarshal(msg.Payload, &items); err != nil {
		return
	}
	for _, it := range items {
		if it.Type != "block" {
			continue
		}
		b, err := s.db.BlockByHash(ctx, it.Hash)
		if err != nil {
			continue
		}
		pj, _ := json.Marshal(b)
		if err := p.Send(ctx, p2papi.CmdBlock, pj); err != nil {
			log.Debugf("serve block to %v: %v", p.Endpoint(), err)
		}
	}
}

func (s *Server) handleNewBlock(ctx context.Context, p *Peer, msg *p2papi.Message) {
	var nb p2papi.NewBlockPayload
	if err := json.Unmarshal(msg.Payload, &nb); err != nil {
		p.AddBanScore(scoreInvalidBlock)
		return
	}
	s.applyGossipedBlock(ctx, p, nb.Raw)
}

// handleBlock processes a BLOCK message arriving unsolicited, i.e. served
// in response to a GETDATA this node sent from handleInv rather than a
// RequestID-correlated GET_BLOCK (those are resolved in Peer.Run before
// ever reaching dispatch).
func (s *Server) handleBlock(ctx context.Context, p *Peer, msg *p2papi.Message) {
	var bp p2papi.BlockPayload
	if err := json.Unmarshal(msg.Payload, &bp); err != nil {
		p.AddBanScore(scoreInvalidBlock)
		return
	}
	raw, err := hex.DecodeString(bp.Block)
	if err != nil {
		p.AddBanScore(scoreInvalidBlock)
		return
	}
	s.applyGossipedBlock(ctx, p, raw)
}

// applyGossipedBlock implements spec.md §4.4's new-block handling shared by
// NEW_BLOCK gossip and unsolicited BLOCK deliveries: insert directly if it
// extends the local tip, trigger a resync if it's further ahead, otherwise
// stash it as an orphan.
func (s *Server) applyGossipedBlock(ctx context.Context, p *Peer, raw []byte) {
	bhs, err := s.db.BlockHeadersBest(ctx)
	if err != nil || len(bhs) == 0 {
		return
	}
	localHeight := bhs[0].Height

	var hdr struct {
		Height uint64 `json:"height"`
		Hash   []byte `json:"hash"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		p.AddBanScore(scoreInvalidBlock)
		return
	}

	switch {
	case hdr.Height == localHeight+1:
		if _, err := s.db.BlockInsert(ctx, &tbcd.Block{Hash: hdr.Hash, Block: raw}); err != nil {
			p.AddBanScore(scoreInvalidBlock)
			return
		}
		drained := s.orphans.Drain(ctx, hdr.Hash)
		for _, ob := range drained {
			_, _ = s.db.BlockInsert(ctx, &tbcd.Block{Hash: ob.Hash, Block: ob.Block})
		}
	case hdr.Height > localHeight+1:
		go func() {
			sctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
			defer cancel()
			if err := s.sync.StartSync(sctx, p, localHeight); err != nil {
				log.Errorf("resync after gossip: %v", err)
			}
		}()
	default:
		// stale or duplicate height range; stash as orphan in case it
		// precedes a reorg we haven't seen yet.
		_ = s.orphans.Add(ctx, nil, hdr.Hash, raw)
	}
}

// Broadcast fans a block or transaction out to all connected, unbanned
// peers, spec.md §4.5. isRawTx additionally requires success on at least
// ceil(peerCount*0.51) sessions.
func (s *Server) Broadcast(ctx context.Context, cmd p2papi.Command, payload []byte, isRawTx bool) error {
	s.mtx.RLock()
	targets := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.State() == StateBanned {
			continue
		}
		targets = append(targets, p)
	}
	s.mtx.RUnlock()

	successes := 0
	for _, p := range targets {
		if err := p.Send(ctx, cmd, payload); err != nil {
			log.Debugf("broadcast to %v: %v", p.Endpoint(), err)
			continue
		}
		successes++
	}

	if !isRawTx {
		return nil
	}

	required := 1
	if len(targets) > 1 {
		required = int(math.Ceil(float64(len(targets)) * 0.51))
	}
	if successes < required {
		return fmt.Errorf("broadcast reached %v/%v peers, need %v", successes, len(targets), required)
	}
	return nil
}

// Maintain runs the maintenance scheduler (spec.md §4.5): evicts stale
// peer-state projections, prunes old orphans, and persists the peer
// cache. Intended to be called by a ticker inside Run.
func (s *Server) Maintain(ctx context.Context) {
	log.Tracef("Maintain")
	defer log.Tracef("Maintain exit")

	cutoff := time.Now().Add(-2 * s.cfg.ConnectionTimeout)
	states, err := s.db.PeerStatesList(ctx)
	if err != nil {
		log.Errorf("peer states list: %v", err)
	} else {
		for _, ps := range states {
			if ps.LastSeen.Time().Before(cutoff) {
				_ = s.db.PeerStateDelete(ctx, ps.Endpoint)
			}
		}
	}

	for _, p := range s.connectedPeers() {
		s.persistPeerState(ctx, p)
	}

	s.orphans.Prune(ctx)
	s.sync.ExpireStaleBlockRequests(closeStaleBlockRequest)

	s.mtx.RLock()
	count := len(s.peers)
	s.mtx.RUnlock()
	s.metricsConnectedPeers.Set(float64(count))
	s.metricsOrphans.Set(float64(s.orphans.Len()))
}

// connectedPeers returns a snapshot of currently active sessions.
func (s *Server) connectedPeers() []*Peer {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// ensureGenesis seeds the local chain state with the network's genesis
// block and header the first time this coordinator runs against an empty
// database, mirroring service/tbc.Server's genesis insert on first boot.
// A non-empty BlockHeadersBest means this has already happened.
func (s *Server) ensureGenesis(ctx context.Context) error {
	if bhs, err := s.db.BlockHeadersBest(ctx); err == nil && len(bhs) > 0 {
		return nil
	}

	var params *chaincfg.Params
	switch s.cfg.Network {
	case "testnet3":
		params = &chaincfg.TestNet3Params
	default:
		params = &chaincfg.MainNetParams
	}

	genesis := params.GenesisBlock
	hash := genesis.Header.BlockHash()

	hj, err := json.Marshal(struct {
		Hash      string `json:"hash"`
		PrevHash  string `json:"prev_hash"`
		Timestamp int64  `json:"timestamp"`
	}{hash.String(), genesis.Header.PrevBlock.String(), genesis.Header.Timestamp.Unix()})
	if err != nil {
		return fmt.Errorf("marshal genesis header: %w", err)
	}

	bh := tbcd.BlockHeader{
		Hash:   hash[:],
		Height: 0,
		Header: hj,
	}
	if err := s.db.BlockHeadersInsert(ctx, []tbcd.BlockHeader{bh}); err != nil {
		return fmt.Errorf("insert genesis header: %w", err)
	}

	raw, err := btcutil.NewBlock(genesis).Bytes()
	if err != nil {
		return fmt.Errorf("serialize genesis block: %w", err)
	}
	if _, err := s.db.BlockInsert(ctx, &tbcd.Block{Hash: hash[:], Block: raw}); err != nil {
		return fmt.Errorf("insert genesis block: %w", err)
	}

	log.Infof("genesis bootstrapped for %v: %v", s.cfg.Network, hash)
	return nil
}

// Run bootstraps the genesis header if needed, starts the peer manager,
// maintenance scheduler and sync loop, and blocks until ctx is canceled,
// then closes the discoverer and the database (opened by NewServer). This
// mirrors service/tbc.Server.Run's graceful shutdown; Prometheus
// registration is left to the caller via Metrics.
func (s *Server) Run(ctx context.Context) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	s.mtx.Lock()
	if s.isRunning {
		s.mtx.Unlock()
		return fmt.Errorf("p2p service already running")
	}
	s.isRunning = true
	s.mtx.Unlock()
	defer func() {
		s.mtx.Lock()
		s.isRunning = false
		s.mtx.Unlock()
	}()

	defer s.db.Close()
	defer s.disc.Close()

	if err := s.ensureGenesis(ctx); err != nil {
		log.Errorf("ensure genesis: %v", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.peerManager(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.maintenanceLoop(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncLoop(ctx)
	}()

	<-ctx.Done()
	s.wg.Wait()
	return ctx.Err()
}

func (s *Server) peerManager(ctx context.Context) {
	log.Tracef("peerManager")
	defer log.Tracef("peerManager exit")

	loopTimeout := 27 * time.Second
	ticker := time.NewTicker(loopTimeout)
	defer ticker.Stop()

	for {
		s.mtx.RLock()
		active := len(s.peers)
		s.mtx.RUnlock()

		if active < s.cfg.MinPeers {
			endpoints, err := s.disc.DiscoverForever(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf("discover: %v", err)
			}
			for _, ep := range endpoints {
				if active >= s.cfg.MaxPeers {
					break
				}
				host, port, err := net.SplitHostPort(stripScheme(ep))
				if err != nil {
					continue
				}
				endpoint := net.JoinHostPort(host, port)
				if err := s.Connect(ctx, endpoint); err != nil {
					log.Debugf("connect %v: %v", endpoint, err)
					s.disc.RecordFailure(host)
					continue
				}
				active++
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func stripScheme(s string) string {
	const prefix = "https://"
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func (s *Server) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Maintain(ctx)
		}
	}
}

func (s *Server) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.sync.State() != SyncIdle {
				continue
			}
			bhs, err := s.db.BlockHeadersBest(ctx)
			if err != nil || len(bhs) == 0 {
				continue
			}
			localHeight := bhs[0].Height

			peers := s.connectedPeers()
			syncPeers := make([]syncPeer, 0, len(peers))
			for _, p := range peers {
				if p.State() == StateBanned {
					continue
				}
				syncPeers = append(syncPeers, p)
			}
			best, err := SelectPeer(ctx, syncPeers, int64(localHeight), s.cfg.Services, s.cfg.MinAverageBandwidthBytes, time.Now().Add(-time.Hour), s.cfg.PeerSelectTimeout)
			if err != nil {
				continue
			}
			log.Infof("sync peer selected: %v (%v/s)", best.Endpoint(),
				humanize.Bytes(uint64(best.BandwidthBytesPerSecond(time.Now().Add(-time.Hour)))))
			if err := s.sync.StartSync(ctx, best, localHeight); err != nil {
				log.Errorf("startSync: %v", err)
			}
		}
	}
}
