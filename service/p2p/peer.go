// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package p2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/loggo"

	"github.com/hemicore/tbcore/api/p2papi"
	"github.com/hemicore/tbcore/breaker"
)


func init() {
	loggo.ConfigureLoggers(logLevel)
}

// State is the peer session's connection state machine, spec.md §4.3.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
	StateSyncing
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateSyncing:
		return "syncing"
	case StateBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// pendingRequest is one outstanding request/response continuation, spec.md
// §4.3's request correlation map.
type pendingRequest struct {
	resp chan *p2papi.Message
}

// latencySample is one ping/pong round trip measurement.
type latencySample struct {
	at  time.Time
	rtt time.Duration
}

// rateWindow is the sliding window used by the per-session rate limiter.
type rateWindow struct {
	at    time.Time
	bytes int64
}

// Peer is one PeerSession, spec.md §3/§4.3: one duplex stream, one message
// counter, a sliding rate-limit window, a request-correlation map, a
// latency ring, a ban score, and a connection state — all mutated only
// from within its own loop and its public entry points, serialized by mtx
// (the "session.io" lock from spec.md §9).
type Peer struct {
	mtx sync.Mutex

	endpoint string
	conn     net.Conn
	enc      *json.Encoder
	dec      *json.Decoder
	br       *breaker.Breaker

	cfg *Config

	state State

	version    int32
	services   uint64
	userAgent  string
	startHeight int64

	banScore int

	sentMessages int64
	sentBytes    int64
	recvMessages int64
	recvBytes    int64

	rateWindow []rateWindow
	latency    []latencySample

	pending map[string]*pendingRequest

	whitelisted bool

	inbound chan *p2papi.Message // unsolicited messages delivered to the owner
	done    chan struct{}
	closeOnce sync.Once
}

// NewPeer constructs a session wrapping an already-open connection. conn is
// expected to come from Dial or from an inbound listener accept.
func NewPeer(endpoint string, conn net.Conn, cfg *Config, whitelisted bool) *Peer {
	p := &Peer{
		endpoint:    endpoint,
		conn:        conn,
		enc:         json.NewEncoder(conn),
		dec:         json.NewDecoder(bufio.NewReader(conn)),
		br:          breaker.New("peer:"+endpoint, breaker.NewDefaultConfig()),
		cfg:         cfg,
		state:       StateConnecting,
		pending:     make(map[string]*pendingRequest),
		inbound:     make(chan *p2papi.Message, 64),
		done:        make(chan struct{}),
		whitelisted: whitelisted,
	}
	return p
}

// Dial opens a TLS connection to endpoint and wraps it in a Peer. Per
// spec.md §6, implementations SHOULD use TLS; InsecureSkipVerify matches
// the chain-of-custody-free bootstrap trust model this core operates
// under (peer identity is established by the handshake + node
// verification step, not by certificate authority).
func Dial(ctx context.Context, endpoint string, cfg *Config, whitelisted bool) (*Peer, error) {
	log.Tracef("Dial %v", endpoint)
	defer log.Tracef("Dial exit %v", endpoint)

	d := &tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %v: %w", endpoint, err)
	}
	return NewPeer(endpoint, conn, cfg, whitelisted), nil
}

func (p *Peer) Endpoint() string { return p.endpoint }

func (p *Peer) State() State {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.mtx.Lock()
	p.state = s
	p.mtx.Unlock()
}

func (p *Peer) BanScore() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.banScore
}

// Inbound returns the channel of unsolicited messages (i.e. not resolved
// against a pending request) for the owner to dispatch.
func (p *Peer) Inbound() <-chan *p2papi.Message { return p.inbound }

// Done is closed when the session's read loop exits.
func (p *Peer) Done() <-chan struct{} { return p.done }

func randomRequestID() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Handshake performs the VERSION/VERACK round trip, spec.md §4.3, under a
// watchdog that closes the connection with code 1002 on timeout.
func (p *Peer) Handshake(ctx context.Context, version int32, services uint64, startHeight int64) error {
	log.Tracef("Handshake %v", p.endpoint)
	defer log.Tracef("Handshake exit %v", p.endpoint)

	hctx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.handshakeInner(hctx, version, services, startHeight) }()

	select {
	case err := <-done:
		if err != nil {
			p.Close(closeHandshakeTimeout)
			return err
		}
		p.setState(StateReady)
		return nil
	case <-hctx.Done():
		p.Close(closeHandshakeTimeout)
		return fmt.Errorf("handshake timeout: %v", p.endpoint)
	}
}

func (p *Peer) handshakeInner(ctx context.Context, version int32, services uint64, startHeight int64) error {
	local := p2papi.VersionPayload{Version: version, Services: services, Timestamp: time.Now().Unix(), StartHeight: startHeight, UserAgent: "/tbcore:0.1.0/"}
	versionMsg, err := p2papi.EncodeJSON(p2papi.CmdVersion, local)
	if err != nil {
		return err
	}
	if err := p.writeFrame(versionMsg); err != nil {
		return fmt.Errorf("write version: %w", err)
	}

	msg, err := p.readFrame()
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if msg.Type != p2papi.CmdVersion {
		return fmt.Errorf("expected VERSION, got %v", msg.Type)
	}
	decoded, err := p2papi.DecodeJSON(msg)
	if err != nil {
		return fmt.Errorf("decode version: %w", err)
	}
	remote := decoded.(p2papi.VersionPayload)

	p.mtx.Lock()
	p.version = remote.Version
	p.services = remote.Services
	p.userAgent = remote.UserAgent
	p.startHeight = remote.StartHeight
	p.mtx.Unlock()

	verackMsg, err := p2papi.EncodeJSON(p2papi.CmdVerAck, p2papi.VerAckPayload{})
	if err != nil {
		return err
	}
	if err := p.writeFrame(verackMsg); err != nil {
		return fmt.Errorf("write verack: %w", err)
	}

	ack, err := p.readFrame()
	if err != nil {
		return fmt.Errorf("read verack: %w", err)
	}
	if ack.Type != p2papi.CmdVerAck {
		return fmt.Errorf("expected VERACK, got %v", ack.Type)
	}

	return nil
}

func (p *Peer) writeFrame(msg *p2papi.Message) error {
	return p.enc.Encode(msg)
}

func (p *Peer) readFrame() (*p2papi.Message, error) {
	var msg p2papi.Message
	if err := p.dec.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Send fails if the session is not ready. It wraps the write in the
// per-session circuit breaker and attaches a payload checksum, spec.md
// §4.3.
func (p *Peer) Send(ctx context.Context, cmd p2papi.Command, payload []byte) error {
	p.mtx.Lock()
	state := p.state
	p.mtx.Unlock()
	if state != StateReady && state != StateSyncing {
		return fmt.Errorf("session not ready: %v", p.endpoint)
	}

	msg := &p2papi.Message{Type: cmd, Payload: payload, Checksum: p2papi.Checksum(payload)}
	err := p.br.Run(ctx, func(ctx context.Context) error {
		return p.writeFrame(msg)
	})
	if err != nil {
		return err
	}

	p.mtx.Lock()
	p.sentMessages++
	p.sentBytes += int64(len(payload))
	p.mtx.Unlock()
	return nil
}

// Reply sends cmd/payload tagged with requestID so the recipient's pending
// Request call can correlate it, without registering a continuation of its
// own.
func (p *Peer) Reply(ctx context.Context, requestID string, cmd p2papi.Command, payload []byte) error {
	p.mtx.Lock()
	state := p.state
	p.mtx.Unlock()
	if state != StateReady && state != StateSyncing {
		return fmt.Errorf("session not ready: %v", p.endpoint)
	}

	msg := &p2papi.Message{Type: cmd, RequestID: requestID, Payload: payload, Checksum: p2papi.Checksum(payload)}
	err := p.br.Run(ctx, func(ctx context.Context) error {
		return p.writeFrame(msg)
	})
	if err != nil {
		return err
	}

	p.mtx.Lock()
	p.sentMessages++
	p.sentBytes += int64(len(payload))
	p.mtx.Unlock()
	return nil
}

// Request sends cmd/payload with a fresh 32-byte request id, registers a
// pending continuation, and blocks until a response carrying that id
// arrives, timeout elapses, or the session closes.
func (p *Peer) Request(ctx context.Context, cmd p2papi.Command, payload []byte, timeout time.Duration) (*p2papi.Message, error) {
	id := randomRequestID()
	pr := &pendingRequest{resp: make(chan *p2papi.Message, 1)}

	p.mtx.Lock()
	p.pending[id] = pr
	p.mtx.Unlock()

	cleanup := func() {
		p.mtx.Lock()
		delete(p.pending, id)
		p.mtx.Unlock()
	}

	msg := &p2papi.Message{Type: cmd, RequestID: id, Payload: payload, Checksum: p2papi.Checksum(payload)}
	if err := p.br.Run(ctx, func(ctx context.Context) error { return p.writeFrame(msg) }); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-pr.resp:
		cleanup()
		if !ok {
			return nil, fmt.Errorf("disconnected: %v", p.endpoint)
		}
		return resp, nil
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("request timeout: %v %v", cmd, p.endpoint)
	case <-p.done:
		cleanup()
		return nil, fmt.Errorf("disconnected: %v", p.endpoint)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// checkRateLimit applies spec.md §4.3's sliding window: if the message
// count in the window is at or above the limit, or the summed bytes
// exceed the byte limit, the message is dropped and ban score is bumped.
func (p *Peer) checkRateLimit(size int) bool {
	now := time.Now()
	cutoff := now.Add(-p.cfg.RateLimitInterval)

	p.mtx.Lock()
	defer p.mtx.Unlock()

	kept := p.rateWindow[:0]
	var sum int64
	for _, w := range p.rateWindow {
		if w.at.After(cutoff) {
			kept = append(kept, w)
			sum += w.bytes
		}
	}
	p.rateWindow = kept

	if len(p.rateWindow) >= p.cfg.RateLimitMessages || sum+int64(size) > p.cfg.RateLimitBytes {
		p.addBanScoreLocked(scoreRateLimitViolation)
		return false
	}

	p.rateWindow = append(p.rateWindow, rateWindow{at: now, bytes: int64(size)})
	return true
}

// AddBanScore applies one of spec.md §4.3's fixed infraction penalties.
// Whitelisted endpoints accrue score (for observability) but are exempt
// from the score-induced disconnect.
func (p *Peer) AddBanScore(delta int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.addBanScoreLocked(delta)
}

func (p *Peer) addBanScoreLocked(delta int) {
	p.banScore += delta
	if p.whitelisted {
		return
	}
	if p.banScore >= p.cfg.MaxBanScore {
		p.state = StateBanned
		go p.Close(closeBanned)
	}
}

// Run drives the session's read loop: frames are decoded, rate limited,
// validated, and either resolved against a pending request or delivered
// on Inbound. It also starts the ping ticker. Run blocks until the
// connection closes or ctx is done.
func (p *Peer) Run(ctx context.Context) {
	log.Tracef("Run %v", p.endpoint)
	defer log.Tracef("Run exit %v", p.endpoint)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go p.pingLoop(pingCtx)

	defer p.Close(closeNormal)

	for {
		msg, err := p.readFrame()
		if err != nil {
			log.Debugf("read %v: %v", p.endpoint, err)
			return
		}

		if !p.checkRateLimit(len(msg.Payload)) {
			continue
		}

		if err := p2papi.Validate(msg); err != nil {
			log.Debugf("unknown/invalid message from %v: %v", p.endpoint, err)
			continue
		}

		p.mtx.Lock()
		p.recvMessages++
		p.recvBytes += int64(len(msg.Payload))
		p.mtx.Unlock()

		if msg.RequestID != "" {
			p.mtx.Lock()
			pr, ok := p.pending[msg.RequestID]
			p.mtx.Unlock()
			if ok {
				select {
				case pr.resp <- msg:
				default:
				}
				continue
			}
		}

		if msg.Type == p2papi.CmdPong {
			p.handlePong(msg)
			continue
		}

		select {
		case p.inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Peer) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MinPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pj, _ := json.Marshal(p2papi.PingPayload{Timestamp: time.Now().UnixNano()})
			if err := p.Send(ctx, p2papi.CmdPing, pj); err != nil {
				log.Debugf("ping %v: %v", p.endpoint, err)
				return
			}
		}
	}
}

func (p *Peer) handlePong(msg *p2papi.Message) {
	var pong p2papi.PingPayload
	if err := json.Unmarshal(msg.Payload, &pong); err != nil {
		return
	}
	rtt := time.Duration(time.Now().UnixNano() - pong.Timestamp)

	p.mtx.Lock()
	defer p.mtx.Unlock()
	cutoff := time.Now().Add(-60 * time.Second)
	kept := p.latency[:0]
	for _, s := range p.latency {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	kept = append(kept, latencySample{at: time.Now(), rtt: rtt})
	if len(kept) > 10 {
		kept = kept[len(kept)-10:]
	}
	p.latency = kept
}

// AverageLatency returns the sliding average of the latency ring.
func (p *Peer) AverageLatency() time.Duration {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if len(p.latency) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range p.latency {
		sum += s.rtt
	}
	return sum / time.Duration(len(p.latency))
}

// Height reports the start height the peer announced in its VERSION
// message; it is not updated after the handshake.
func (p *Peer) Height() int64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.startHeight
}

func (p *Peer) Version() int32 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.version
}

func (p *Peer) Services() uint64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.services
}

// BandwidthBytesPerSecond estimates the session's throughput from
// cumulative byte counters since creation; used by the synchronizer's
// peer pre-validation (spec.md §4.4).
func (p *Peer) BandwidthBytesPerSecond(since time.Time) int64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	elapsed := time.Since(since).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(p.recvBytes+p.sentBytes) / elapsed)
}

// Close tears down the connection, fails every pending request with a
// disconnect error, and transitions to disconnected (or leaves banned
// untouched if already set).
func (p *Peer) Close(code int) {
	p.closeOnce.Do(func() {
		log.Infof("closing session %v code=%v", p.endpoint, code)
		_ = p.conn.Close()

		p.mtx.Lock()
		if p.state != StateBanned {
			p.state = StateDisconnected
		}
		for id, pr := range p.pending {
			close(pr.resp)
			delete(p.pending, id)
		}
		p.mtx.Unlock()

		p.br.Close()
		close(p.done)
	})
}
