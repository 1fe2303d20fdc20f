package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/biz-gemini/sessiond/internal/auth"
	"github.com/biz-gemini/sessiond/internal/config"
)

const (
	// ServeMargin is how much lifetime a token must have left to be
	// handed out.
	ServeMargin = 60 * time.Second
	// RefreshThreshold triggers a proactive background refresh while
	// the current token is still being served.
	RefreshThreshold = 240 * time.Second
	// storeTTLSlack keeps distributed entries around slightly past
	// token expiry so the expiry decision stays local.
	storeTTLSlack = 60 * time.Second
)

// TokenSource mints a fresh token from the credential bundle.
type TokenSource interface {
	Mint(ctx context.Context, bundle *config.CredentialBundle) (auth.Token, error)
}

// Stats counts cache effectiveness per tier.
type Stats struct {
	ProcessHits     int64 `json:"process_hits"`
	DistributedHits int64 `json:"distributed_hits"`
	Mints           int64 `json:"mints"`
	StoreFailures   int64 `json:"store_failures"`
}

// TokenCache layers a process-wide token over a distributed store,
// collapsing concurrent misses into one mint. The distributed tier is
// authoritative: another worker's fresher token wins.
type TokenCache struct {
	source TokenSource
	store  Store // nil means memory-only

	mu    sync.RWMutex
	token *auth.Token
	stats Stats

	group singleflight.Group
	now   func() time.Time
}

// NewTokenCache builds a cache over the given source. store may be nil.
func NewTokenCache(source TokenSource, store Store) *TokenCache {
	return &TokenCache{source: source, store: store, now: time.Now}
}

func storeKey(sessionIndex string) string {
	return "jwt:" + sessionIndex
}

// Token returns a token with at least ServeMargin lifetime left,
// minting one if necessary. The distributed tier is consulted first so
// a replacement published by another worker always wins over whatever
// this process last minted; a process-tier hit is synced back to the
// store in case the shared entry expired. When the served token is
// inside RefreshThreshold a background refresh is kicked off so the
// margin is never hit under steady traffic.
func (c *TokenCache) Token(ctx context.Context, bundle *config.CredentialBundle) (auth.Token, error) {
	now := c.now()

	if token, ok := c.distributedToken(ctx, bundle, now); ok {
		c.setProcessToken(token)
		if token.Remaining(now) < RefreshThreshold {
			go c.backgroundRefresh(bundle)
		}
		return token, nil
	}

	if token, ok := c.processToken(now); ok {
		c.publish(ctx, bundle, token)
		if token.Remaining(now) < RefreshThreshold {
			go c.backgroundRefresh(bundle)
		}
		return token, nil
	}

	return c.mint(ctx, bundle)
}

// Refresh unconditionally mints a fresh token and populates both tiers.
func (c *TokenCache) Refresh(ctx context.Context, bundle *config.CredentialBundle) (auth.Token, error) {
	c.group.Forget(storeKey(bundle.SessionIndex))
	return c.mint(ctx, bundle)
}

// Invalidate drops the cached token everywhere. Call it whenever the
// underlying cookies change.
func (c *TokenCache) Invalidate(ctx context.Context, bundle *config.CredentialBundle) {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()

	if c.store != nil && bundle != nil && bundle.SessionIndex != "" {
		if err := c.store.Delete(ctx, storeKey(bundle.SessionIndex)); err != nil {
			c.countStoreFailure()
			log.WithError(err).Warn("failed to invalidate distributed token entry")
		}
	}
}

// Stats returns a snapshot of the hit/miss counters.
func (c *TokenCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *TokenCache) processToken(now time.Time) (auth.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil || now.Add(ServeMargin).After(c.token.ExpiresAt) {
		return auth.Token{}, false
	}
	c.stats.ProcessHits++
	return *c.token, true
}

func (c *TokenCache) distributedToken(ctx context.Context, bundle *config.CredentialBundle, now time.Time) (auth.Token, bool) {
	if c.store == nil || bundle == nil || bundle.SessionIndex == "" {
		return auth.Token{}, false
	}
	raw, ok, err := c.store.Get(ctx, storeKey(bundle.SessionIndex))
	if err != nil {
		c.countStoreFailure()
		log.WithError(err).Warn("distributed token lookup failed, degrading to memory-only")
		return auth.Token{}, false
	}
	if !ok {
		return auth.Token{}, false
	}
	var token auth.Token
	if err = json.Unmarshal([]byte(raw), &token); err != nil {
		log.WithError(err).Warn("discarding corrupt distributed token entry")
		return auth.Token{}, false
	}
	if now.Add(ServeMargin).After(token.ExpiresAt) {
		return auth.Token{}, false
	}
	c.mu.Lock()
	c.stats.DistributedHits++
	c.mu.Unlock()
	return token, true
}

// mint synthesizes a token through singleflight so concurrent misses
// produce a single exchange.
func (c *TokenCache) mint(ctx context.Context, bundle *config.CredentialBundle) (auth.Token, error) {
	key := "mint"
	if bundle != nil {
		key = storeKey(bundle.SessionIndex)
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		token, err := c.source.Mint(ctx, bundle)
		if err != nil {
			return nil, err
		}
		c.setProcessToken(token)
		c.publish(ctx, bundle, token)
		c.mu.Lock()
		c.stats.Mints++
		c.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return auth.Token{}, err
	}
	return v.(auth.Token), nil
}

func (c *TokenCache) backgroundRefresh(bundle *config.CredentialBundle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.mint(ctx, bundle); err != nil {
		log.WithError(err).Warn("proactive token refresh failed")
	}
}

func (c *TokenCache) setProcessToken(token auth.Token) {
	c.mu.Lock()
	c.token = &token
	c.mu.Unlock()
}

func (c *TokenCache) publish(ctx context.Context, bundle *config.CredentialBundle, token auth.Token) {
	if c.store == nil || bundle == nil || bundle.SessionIndex == "" {
		return
	}
	ttl := token.Remaining(c.now()) + storeTTLSlack
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(token)
	if err != nil {
		return
	}
	if err = c.store.SetWithTTL(ctx, storeKey(bundle.SessionIndex), string(data), ttl); err != nil {
		c.countStoreFailure()
		log.WithError(err).Warn("failed to publish token to distributed store")
	}
}

func (c *TokenCache) countStoreFailure() {
	c.mu.Lock()
	c.stats.StoreFailures++
	c.mu.Unlock()
}
