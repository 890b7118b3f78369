// Package discovery implements the seed discovery component of spec.md
// §4.2: DNS-based bootstrap of candidate peer addresses, ranked by a
// quality score derived from attempt history, latency, and recency, with
// persistence across restarts and a circuit breaker guarding the DNS
// resolution step itself.
//
// The shape of this file (a retrying, jittered resolution loop guarded by
// a context deadline, logged with enter/exit trace pairs) is lifted
// directly from service/tbc.(*Server).seed/seedForever.
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/loggo"

	"github.com/hemicore/tbcore/breaker"
	"github.com/hemicore/tbcore/database"
	"github.com/hemicore/tbcore/database/tbcd"
)

var log = loggo.GetLogger("discovery")

func init() {
	loggo.ConfigureLoggers("INFO")
}

// domainLabelRE validates a seed hostname is a well-formed DNS name before
// it is ever handed to the resolver.
var domainLabelRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)

// Config parameterizes seed resolution per spec.md §4.2.
type Config struct {
	Seeds          []string // DNS seed hostnames
	DefaultPort    string
	MaxPeers       int
	MaxRetries     int
	RetryDelay     time.Duration
	ResolveTimeout time.Duration
	CacheSize      int

	// BanThreshold evicts a cached seed once its failure count reaches
	// this many (spec.md §3). Zero disables failure-based eviction.
	BanThreshold int
	// CacheExpiry evicts a cached seed once it has gone this long since
	// LastSeen (spec.md §3). Zero disables expiry-based eviction.
	CacheExpiry time.Duration
	// RequiredServices filters ranked candidates down to those
	// advertising every bit set here (spec.md §4.2 step 5). Zero
	// disables filtering.
	RequiredServices uint64
}

func NewDefaultConfig(seeds []string, port string) *Config {
	return &Config{
		Seeds:            seeds,
		DefaultPort:      port,
		MaxPeers:         64,
		MaxRetries:       3,
		RetryDelay:       2 * time.Second,
		ResolveTimeout:   15 * time.Second,
		CacheSize:        512,
		BanThreshold:     10,
		CacheExpiry:      24 * time.Hour,
		RequiredServices: 0,
	}
}

// Discoverer resolves, scores, ranks, and persists candidate peer
// addresses.
type Discoverer struct {
	cfg Config
	db  tbcd.Database
	br  *breaker.Breaker

	cache *lru.Cache[string, tbcd.SeedInfo]

	mtx               sync.Mutex
	discoveryInFlight bool
}

func New(cfg *Config, db tbcd.Database) (*Discoverer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	cache, err := lru.New[string, tbcd.SeedInfo](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("new cache: %w", err)
	}
	d := &Discoverer{
		cfg:   *cfg,
		db:    db,
		br:    breaker.New("discovery", breaker.NewDefaultConfig()),
		cache: cache,
	}

	if loaded, err := db.SeedCacheLoad(context.Background()); err == nil {
		for _, si := range loaded {
			d.cache.Add(si.Address, si)
		}
	} else {
		log.Debugf("seed cache load: %v", err)
	}

	return d, nil
}

func (d *Discoverer) Close() {
	d.br.Close()
}

// score implements spec.md §4.2's quality formula:
//
//	100 − failures·10 − floor(latencyMs/100) − floor(hoursSinceLastSeen·2)
//
// floored at 0.
func score(si tbcd.SeedInfo, now time.Time) int {
	s := 100
	s -= si.Failures * 10
	s -= int(si.Latency / 100)
	hours := now.Sub(si.LastSeen.Time()).Hours()
	s -= int(hours * 2)
	if s < 0 {
		s = 0
	}
	return s
}

// resolveOne resolves a single DNS seed with retries. On success it returns
// one record per resolved address, with the rolling latency average and
// attempt count carried over from any cached record for that address. A
// failed lookup does not change any cached failure count.
func (d *Discoverer) resolveOne(ctx context.Context, seed string) ([]tbcd.SeedInfo, error) {
	log.Tracef("resolveOne %v", seed)
	defer log.Tracef("resolveOne exit %v", seed)

	if !domainLabelRE.MatchString(seed) {
		return nil, fmt.Errorf("invalid seed domain: %v", seed)
	}

	resolver := &net.Resolver{}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.cfg.RetryDelay):
			}
		}

		rctx, cancel := context.WithTimeout(ctx, d.cfg.ResolveTimeout)
		start := time.Now()
		ips, err := resolver.LookupIP(rctx, "ip", seed)
		latency := float64(time.Since(start).Milliseconds())
		cancel()
		if err != nil {
			lastErr = err
			log.Debugf("lookup %v attempt %v: %v", seed, attempt, err)
			continue
		}

		now := time.Now()
		out := make([]tbcd.SeedInfo, 0, len(ips))
		for _, ip := range ips {
			addr := ip.String()
			prev, existed := d.cache.Get(addr)
			si := tbcd.SeedInfo{
				Address:  addr,
				LastSeen: database.NewTimestamp(now),
				Latency:  latency,
			}
			if existed {
				si.Latency = (prev.Latency + latency) / 2
				si.Attempts = prev.Attempts + 1
				si.Failures = prev.Failures
				si.Services = prev.Services
			} else {
				si.Attempts = 1
			}
			out = append(out, si)
		}
		return out, nil
	}

	return nil, fmt.Errorf("resolve %v: %w", seed, lastErr)
}

// Discover runs one discovery cycle: resolves every configured seed in
// parallel through the circuit breaker, merges results into the cache,
// ranks them, persists the cache, and returns up to MaxPeers formatted
// addresses. Only one cycle runs at a time: a call made while another is in
// flight returns an error at once.
func (d *Discoverer) Discover(ctx context.Context) ([]string, error) {
	log.Tracef("Discover")
	defer log.Tracef("Discover exit")

	d.mtx.Lock()
	if d.discoveryInFlight {
		d.mtx.Unlock()
		return nil, fmt.Errorf("discovery already in progress")
	}
	d.discoveryInFlight = true
	d.mtx.Unlock()
	defer func() {
		d.mtx.Lock()
		d.discoveryInFlight = false
		d.mtx.Unlock()
	}()

	type result struct {
		infos []tbcd.SeedInfo
		err   error
	}
	results := make(chan result, len(d.cfg.Seeds))

	for _, seed := range d.cfg.Seeds {
		seed := seed
		go func() {
			var res result
			err := d.br.Run(ctx, func(ctx context.Context) error {
				infos, err := d.resolveOne(ctx, seed)
				res.infos = infos
				return err
			})
			res.err = err
			results <- res
		}()
	}

	errorsSeen := 0
	for range d.cfg.Seeds {
		r := <-results
		if r.err != nil {
			log.Errorf("seed resolve: %v", r.err)
			errorsSeen++
			continue
		}
		for _, si := range r.infos {
			d.cache.Add(si.Address, si)
		}
	}
	if len(d.cfg.Seeds) > 0 && errorsSeen == len(d.cfg.Seeds) {
		return nil, fmt.Errorf("all seeds failed to resolve")
	}

	ranked := d.rank()
	if err := d.persist(ctx); err != nil {
		log.Errorf("persist seed cache: %v", err)
	}

	if d.cfg.RequiredServices != 0 {
		filtered := ranked[:0]
		for _, si := range ranked {
			if si.Services&d.cfg.RequiredServices == d.cfg.RequiredServices {
				filtered = append(filtered, si)
			}
		}
		ranked = filtered
	}

	if len(ranked) > d.cfg.MaxPeers {
		ranked = ranked[:d.cfg.MaxPeers]
	}

	out := make([]string, 0, len(ranked))
	for _, si := range ranked {
		out = append(out, fmt.Sprintf("https://%v", net.JoinHostPort(si.Address, d.cfg.DefaultPort)))
	}
	return out, nil
}

// DiscoverForever retries Discover with jittered backoff until it
// succeeds or ctx is canceled, mirroring seedForever's hold-off pattern.
func (d *Discoverer) DiscoverForever(ctx context.Context) ([]string, error) {
	log.Tracef("DiscoverForever")
	defer log.Tracef("DiscoverForever exit")

	const minW, maxW = 5, 59
	for {
		peers, err := d.Discover(ctx)
		var msg string
		switch {
		case err != nil:
			msg = fmt.Sprintf("discover error: %v", err)
		case len(peers) == 0:
			msg = "no seed peers found"
		default:
			return peers, nil
		}

		holdOff := time.Duration(minW+rand.Intn(maxW-minW)) * time.Second
		log.Errorf("%v, retrying in %v", msg, holdOff)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(holdOff):
		}
	}
}

// rank scores every cached seed, evicts any that have expired, hit the
// score floor, or accumulated failures >= BanThreshold (spec.md §3), and
// returns the survivors sorted by descending score.
func (d *Discoverer) rank() []tbcd.SeedInfo {
	now := time.Now()
	keys := d.cache.Keys()
	infos := make([]tbcd.SeedInfo, 0, len(keys))
	for _, k := range keys {
		si, ok := d.cache.Get(k)
		if !ok {
			continue
		}
		si.Score = score(si, now)

		expired := d.cfg.CacheExpiry > 0 && now.Sub(si.LastSeen.Time()) > d.cfg.CacheExpiry
		banned := d.cfg.BanThreshold > 0 && si.Failures >= d.cfg.BanThreshold
		if expired || banned || si.Score <= 0 {
			d.cache.Remove(k)
			continue
		}

		d.cache.Add(k, si)
		infos = append(infos, si)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Score > infos[j].Score
	})
	return infos
}

func (d *Discoverer) persist(ctx context.Context) error {
	keys := d.cache.Keys()
	infos := make([]tbcd.SeedInfo, 0, len(keys))
	for _, k := range keys {
		if si, ok := d.cache.Get(k); ok {
			infos = append(infos, si)
		}
	}
	return d.db.SeedCacheSave(ctx, infos)
}

// RecordFailure increments a seed address's failure count, used by callers
// when a resolved peer address turns out unreachable at the connection
// layer (the resolution succeeding is not the same as the peer being
// live).
func (d *Discoverer) RecordFailure(addr string) {
	si, ok := d.cache.Get(addr)
	if !ok {
		si = tbcd.SeedInfo{Address: addr}
	}
	si.Failures++
	d.cache.Add(addr, si)
}
