// Package session owns the pool of perishable access credentials.
//
// Workers never hold raw credentials beyond a single fetch call: they take an
// exclusive Lease, use it, and report the outcome. All scoring and state
// transitions happen inside the pool, which is the sole serialization point
// for credential state.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harvestlab/qacrawl/internal/crawl"
	"github.com/harvestlab/qacrawl/internal/metrics"
)

// Store persists pool state so credential warm-up cost survives restarts.
type Store interface {
	Load(ctx context.Context) ([]crawl.Credential, error)
	Save(ctx context.Context, cred crawl.Credential) error
}

// Config controls pool behavior.
type Config struct {
	// DegradeAfter moves a credential to degraded after this many
	// consecutive attributed failures.
	DegradeAfter int
	// RetireAfter retires a credential after this many total failures.
	RetireAfter int
	// LowWater triggers asynchronous replenishment when the usable count
	// drops below it.
	LowWater int
	// MaxPool caps how many credentials are kept; the oldest unleased one
	// is evicted to make room.
	MaxPool int
	// MaxAge retires credentials older than this on selection.
	MaxAge time.Duration
	// MintTimeout bounds one minting attempt.
	MintTimeout time.Duration
	// MintFailureLimit marks the pool exhausted once this many consecutive
	// mint attempts fail while no usable credential exists.
	MintFailureLimit int
	// MintRetryAfter is the cool-down before an exhausted pool gives the
	// minting collaborator another chance. Exhaustion is backpressure, not
	// a terminal state.
	MintRetryAfter time.Duration
	// LeaseWait is the poll interval while a caller waits for a credential
	// to be freed or minted.
	LeaseWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.DegradeAfter <= 0 {
		c.DegradeAfter = 3
	}
	if c.RetireAfter <= 0 {
		c.RetireAfter = 8
	}
	if c.MaxPool <= 0 {
		c.MaxPool = 20
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Hour
	}
	if c.MintTimeout <= 0 {
		c.MintTimeout = 60 * time.Second
	}
	if c.MintFailureLimit <= 0 {
		c.MintFailureLimit = 3
	}
	if c.MintRetryAfter <= 0 {
		c.MintRetryAfter = 30 * time.Second
	}
	if c.LeaseWait <= 0 {
		c.LeaseWait = 250 * time.Millisecond
	}
}

// Stats is a point-in-time snapshot of pool health.
type Stats struct {
	Fresh        int     `json:"fresh"`
	Active       int     `json:"active"`
	Degraded     int     `json:"degraded"`
	Retired      int     `json:"retired"`
	Leased       int     `json:"leased"`
	AvgScore     float64 `json:"avg_score"`
	MintFailures int     `json:"mint_failures"`
}

// Pool implements crawl.Pool with score-ranked selection and exclusive
// lease semantics.
type Pool struct {
	cfg    Config
	store  Store
	minter crawl.Minter
	clock  crawl.Clock
	logger *zap.Logger

	mu           sync.Mutex
	creds        map[string]*crawl.Credential
	leased       map[string]bool
	minting      bool
	mintFailures int
	lastMintAt   time.Time
	notify       chan struct{}
}

// New constructs a Pool. store and minter may be nil (tests, dev).
func New(cfg Config, store Store, minter crawl.Minter, clock crawl.Clock, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Pool{
		cfg:    cfg,
		store:  store,
		minter: minter,
		clock:  clock,
		logger: logger,
		creds:  make(map[string]*crawl.Credential),
		leased: make(map[string]bool),
		notify: make(chan struct{}, 1),
	}
}

// Restore loads persisted credentials into the pool.
func (p *Pool) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	creds, err := p.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credential pool: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range creds {
		cred := c
		p.creds[cred.Token] = &cred
	}
	publishGauges(p.stateCountsLocked())
	p.logger.Info("credential pool restored", zap.Int("count", len(creds)))
	return nil
}

// Add inserts a credential (operator import or externally minted).
func (p *Pool) Add(ctx context.Context, cred crawl.Credential) {
	if cred.State == "" {
		cred.State = crawl.CredentialFresh
	}
	if cred.MintedAt.IsZero() {
		cred.MintedAt = p.now()
	}
	p.mu.Lock()
	p.evictForCapacityLocked()
	p.creds[cred.Token] = &cred
	counts := p.stateCountsLocked()
	p.mu.Unlock()
	publishGauges(counts)
	p.persist(ctx, cred)
	p.wake()
}

// Lease blocks until a usable credential is available, the context ends, or
// the pool is exhausted. The returned lease is exclusive: the credential is
// not handed to anyone else until Report is called.
func (p *Pool) Lease(ctx context.Context) (crawl.Lease, error) {
	for {
		p.mu.Lock()
		cred := p.selectLocked()
		if cred != nil {
			p.leased[cred.Token] = true
			cred.LastUsed = p.now()
			leasedCopy := *cred
			p.mu.Unlock()
			p.maybeReplenish()
			return &lease{pool: p, cred: leasedCopy}, nil
		}
		exhausted := p.exhaustedLocked()
		p.mu.Unlock()

		if exhausted {
			return nil, crawl.ErrPoolExhausted
		}
		p.maybeReplenish()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lease wait: %w", ctx.Err())
		case <-p.notify:
		case <-time.After(p.cfg.LeaseWait):
		}
	}
}

// Stats reports pool health for progress queries.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	var scoreSum float64
	var scored int
	for token, cred := range p.creds {
		switch cred.State {
		case crawl.CredentialFresh:
			s.Fresh++
		case crawl.CredentialActive:
			s.Active++
		case crawl.CredentialDegraded:
			s.Degraded++
		case crawl.CredentialRetired:
			s.Retired++
		}
		if cred.Usable() {
			scoreSum += cred.Score()
			scored++
		}
		if p.leased[token] {
			s.Leased++
		}
	}
	if scored > 0 {
		s.AvgScore = scoreSum / float64(scored)
	}
	s.MintFailures = p.mintFailures
	return s
}

// selectLocked picks the highest-scoring usable, unleased, unexpired
// credential. Expired credentials are retired as they are seen.
func (p *Pool) selectLocked() *crawl.Credential {
	now := p.now()
	var best *crawl.Credential
	for token, cred := range p.creds {
		if !cred.Usable() || p.leased[token] {
			continue
		}
		if now.Sub(cred.MintedAt) > p.cfg.MaxAge {
			cred.State = crawl.CredentialRetired
			continue
		}
		if best == nil || cred.Score() > best.Score() ||
			(cred.Score() == best.Score() && cred.MintedAt.After(best.MintedAt)) {
			best = cred
		}
	}
	return best
}

func (p *Pool) usableLocked() int {
	now := p.now()
	count := 0
	for _, cred := range p.creds {
		if cred.Usable() && now.Sub(cred.MintedAt) <= p.cfg.MaxAge {
			count++
		}
	}
	return count
}

func (p *Pool) exhaustedLocked() bool {
	if p.usableLocked() > 0 {
		return false
	}
	if p.minter == nil {
		return true
	}
	if p.mintFailures < p.cfg.MintFailureLimit || p.minting {
		return false
	}
	// a failing minter gets another attempt once the cool-down elapses, so
	// a resumed task can recover without a process restart
	return p.now().Sub(p.lastMintAt) < p.cfg.MintRetryAfter
}

// maybeReplenish kicks off one asynchronous mint when the pool is shallow.
// Never blocks in-flight fetches.
func (p *Pool) maybeReplenish() {
	if p.minter == nil {
		return
	}
	p.mu.Lock()
	if p.minting || p.usableLocked() >= p.cfg.LowWater {
		p.mu.Unlock()
		return
	}
	p.minting = true
	p.mu.Unlock()

	go p.mint()
}

func (p *Pool) mint() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.MintTimeout)
	defer cancel()

	cred, err := p.minter.Mint(ctx)

	p.mu.Lock()
	p.minting = false
	p.lastMintAt = p.now()
	if err != nil {
		p.mintFailures++
		failures := p.mintFailures
		p.mu.Unlock()
		p.logger.Warn("credential mint failed", zap.Error(err), zap.Int("consecutive", failures))
		p.wake()
		return
	}
	p.mintFailures = 0
	if cred.State == "" {
		cred.State = crawl.CredentialFresh
	}
	if cred.MintedAt.IsZero() {
		cred.MintedAt = p.now()
	}
	p.evictForCapacityLocked()
	p.creds[cred.Token] = &cred
	counts := p.stateCountsLocked()
	p.mu.Unlock()
	publishGauges(counts)

	p.logger.Info("credential minted", zap.Time("minted_at", cred.MintedAt))
	p.persist(context.Background(), cred)
	p.wake()
}

// evictForCapacityLocked removes the oldest unleased credential when the
// pool is full. Retired entries go first.
func (p *Pool) evictForCapacityLocked() {
	if len(p.creds) < p.cfg.MaxPool {
		return
	}
	var victim string
	var victimTime time.Time
	for token, cred := range p.creds {
		if p.leased[token] {
			continue
		}
		retired := cred.State == crawl.CredentialRetired
		if victim == "" || retired && p.creds[victim].State != crawl.CredentialRetired ||
			(retired == (p.creds[victim].State == crawl.CredentialRetired) && cred.MintedAt.Before(victimTime)) {
			victim = token
			victimTime = cred.MintedAt
		}
	}
	if victim != "" {
		delete(p.creds, victim)
	}
}

func (p *Pool) feedback(token string, success, invalidated bool) {
	p.mu.Lock()
	delete(p.leased, token)
	cred, ok := p.creds[token]
	if !ok {
		p.mu.Unlock()
		p.wake()
		return
	}
	switch {
	case invalidated:
		cred.Failures++
		cred.Consecutive++
		cred.State = crawl.CredentialRetired
	case success:
		cred.Successes++
		cred.Consecutive = 0
		if cred.State == crawl.CredentialFresh {
			cred.State = crawl.CredentialActive
		}
	default:
		cred.Failures++
		cred.Consecutive++
		if cred.Failures >= p.cfg.RetireAfter {
			cred.State = crawl.CredentialRetired
		} else if cred.Consecutive >= p.cfg.DegradeAfter {
			cred.State = crawl.CredentialDegraded
		}
	}
	updated := *cred
	counts := p.stateCountsLocked()
	p.mu.Unlock()
	publishGauges(counts)

	if updated.State == crawl.CredentialRetired || updated.State == crawl.CredentialDegraded {
		p.logger.Warn("credential downgraded",
			zap.String("state", string(updated.State)),
			zap.Int("failures", updated.Failures),
			zap.Int("consecutive", updated.Consecutive),
		)
	}
	p.persist(context.Background(), updated)
	p.wake()
}

func (p *Pool) stateCountsLocked() map[crawl.CredentialState]int {
	counts := map[crawl.CredentialState]int{
		crawl.CredentialFresh:    0,
		crawl.CredentialActive:   0,
		crawl.CredentialDegraded: 0,
		crawl.CredentialRetired:  0,
	}
	for _, cred := range p.creds {
		counts[cred.State]++
	}
	return counts
}

func publishGauges(counts map[crawl.CredentialState]int) {
	for state, n := range counts {
		metrics.SetCredentialPool(string(state), n)
	}
}

func (p *Pool) persist(ctx context.Context, cred crawl.Credential) {
	if p.store == nil {
		return
	}
	if err := p.store.Save(ctx, cred); err != nil {
		p.logger.Warn("persist credential failed", zap.Error(err))
	}
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) now() time.Time {
	if p.clock != nil {
		return p.clock.Now()
	}
	return time.Now().UTC()
}

// lease is the exclusive hold handed to a worker.
type lease struct {
	pool *Pool
	cred crawl.Credential
	once sync.Once
}

// Credential returns the leased credential value.
func (l *lease) Credential() crawl.Credential {
	return l.cred
}

// Report releases the lease with outcome feedback. Safe to call once;
// later calls are ignored.
func (l *lease) Report(success, invalidated bool) {
	l.once.Do(func() {
		l.pool.feedback(l.cred.Token, success, invalidated)
	})
}
