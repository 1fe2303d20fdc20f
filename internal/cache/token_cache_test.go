package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biz-gemini/sessiond/internal/auth"
	"github.com/biz-gemini/sessiond/internal/config"
)

type fakeSource struct {
	mints    int32
	lifetime time.Duration
	now      func() time.Time
}

func (f *fakeSource) Mint(_ context.Context, _ *config.CredentialBundle) (auth.Token, error) {
	n := atomic.AddInt32(&f.mints, 1)
	return auth.Token{
		Value:     fmt.Sprintf("token-%d", n),
		ExpiresAt: f.now().Add(f.lifetime),
	}, nil
}

func (f *fakeSource) count() int32 { return atomic.LoadInt32(&f.mints) }

func cacheFixture(store Store) (*TokenCache, *fakeSource, *time.Time) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	clock := &now
	source := &fakeSource{lifetime: auth.TokenLifetime, now: func() time.Time { return *clock }}
	c := NewTokenCache(source, store)
	c.now = func() time.Time { return *clock }
	return c, source, clock
}

func bundle() *config.CredentialBundle {
	return &config.CredentialBundle{SessionIndex: "42", CookieRaw: "a=1"}
}

func TestTokenMintsOnMiss(t *testing.T) {
	c, source, _ := cacheFixture(nil)

	token, err := c.Token(context.Background(), bundle())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token.Value)
	assert.Equal(t, int32(1), source.count())

	// warm hit, no second mint
	token, err = c.Token(context.Background(), bundle())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token.Value)
	assert.Equal(t, int32(1), source.count())
	assert.Equal(t, int64(1), c.Stats().ProcessHits)
}

func TestTokenRespectsServeMargin(t *testing.T) {
	c, source, clock := cacheFixture(nil)

	_, err := c.Token(context.Background(), bundle())
	require.NoError(t, err)

	// 70s of lifetime left: still above the 60s margin but inside the
	// refresh threshold, so the stale value is served.
	*clock = clock.Add(auth.TokenLifetime - 70*time.Second)
	token, err := c.Token(context.Background(), bundle())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token.Value)

	// 50s left: below the margin, a fresh token must be minted.
	*clock = clock.Add(20 * time.Second)
	token, err = c.Token(context.Background(), bundle())
	require.NoError(t, err)
	assert.NotEqual(t, "token-1", token.Value)
	assert.GreaterOrEqual(t, source.count(), int32(2))
}

func TestTokenProactiveRefreshUnderThreshold(t *testing.T) {
	c, source, clock := cacheFixture(nil)

	_, err := c.Token(context.Background(), bundle())
	require.NoError(t, err)

	// 100s left: served, but a background refresh should fire.
	*clock = clock.Add(auth.TokenLifetime - 100*time.Second)
	token, err := c.Token(context.Background(), bundle())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token.Value)

	assert.Eventually(t, func() bool {
		return source.count() >= 2
	}, 2*time.Second, 10*time.Millisecond, "background refresh never ran")
}

func TestConcurrentMissesCollapse(t *testing.T) {
	c, source, _ := cacheFixture(nil)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Token(context.Background(), bundle())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), source.count(), "concurrent misses should share one mint")
}

func TestDistributedTierSharesTokens(t *testing.T) {
	store := NewMemoryStore()
	c1, source1, _ := cacheFixture(store)

	first, err := c1.Token(context.Background(), bundle())
	require.NoError(t, err)

	// a second worker with its own process tier reads the shared entry
	c2, source2, _ := cacheFixture(store)
	got, err := c2.Token(context.Background(), bundle())
	require.NoError(t, err)
	assert.Equal(t, first.Value, got.Value)
	assert.Equal(t, int32(1), source1.count())
	assert.Equal(t, int32(0), source2.count())
	assert.Equal(t, int64(1), c2.Stats().DistributedHits)
}

func TestFresherDistributedEntryWinsOverProcessTier(t *testing.T) {
	store := NewMemoryStore()
	c, source, clock := cacheFixture(store)

	_, err := c.Token(context.Background(), bundle())
	require.NoError(t, err)

	// another worker re-mints and publishes a replacement
	shared := auth.Token{Value: "shared-token", ExpiresAt: clock.Add(auth.TokenLifetime)}
	data, err := json.Marshal(shared)
	require.NoError(t, err)
	require.NoError(t, store.SetWithTTL(context.Background(), storeKey("42"), string(data), time.Hour))

	got, err := c.Token(context.Background(), bundle())
	require.NoError(t, err)
	assert.Equal(t, "shared-token", got.Value, "the shared entry must win over the local token")
	assert.Equal(t, int32(1), source.count())
}

func TestProcessHitRestoresMissingSharedEntry(t *testing.T) {
	store := NewMemoryStore()
	c, source, _ := cacheFixture(store)

	_, err := c.Token(context.Background(), bundle())
	require.NoError(t, err)

	// the shared entry aged out while the local token is still fresh
	require.NoError(t, store.Delete(context.Background(), storeKey("42")))

	got, err := c.Token(context.Background(), bundle())
	require.NoError(t, err)
	assert.Equal(t, "token-1", got.Value)
	assert.Equal(t, int32(1), source.count())

	_, ok, err := store.Get(context.Background(), storeKey("42"))
	require.NoError(t, err)
	assert.True(t, ok, "a process hit should repopulate the shared entry")
}

func TestInvalidateClearsAllTiers(t *testing.T) {
	store := NewMemoryStore()
	c, source, _ := cacheFixture(store)

	_, err := c.Token(context.Background(), bundle())
	require.NoError(t, err)

	c.Invalidate(context.Background(), bundle())

	_, ok, err := store.Get(context.Background(), storeKey("42"))
	require.NoError(t, err)
	assert.False(t, ok, "distributed entry should be gone")

	_, err = c.Token(context.Background(), bundle())
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.count())
}

func TestCorruptDistributedEntryIgnored(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SetWithTTL(context.Background(), storeKey("42"), "{not json", time.Hour))

	c, source, _ := cacheFixture(store)
	_, err := c.Token(context.Background(), bundle())
	require.NoError(t, err)
	assert.Equal(t, int32(1), source.count())
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("store down")
}
func (failingStore) SetWithTTL(context.Context, string, string, time.Duration) error {
	return errors.New("store down")
}
func (failingStore) Delete(context.Context, string) error {
	return errors.New("store down")
}

func TestStoreOutageDegradesGracefully(t *testing.T) {
	c, source, _ := cacheFixture(failingStore{})

	token, err := c.Token(context.Background(), bundle())
	require.NoError(t, err)
	assert.NotEmpty(t, token.Value)
	assert.Equal(t, int32(1), source.count())
	assert.GreaterOrEqual(t, c.Stats().StoreFailures, int64(1))
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.SetWithTTL(context.Background(), "k", "v", time.Minute))

	_, ok, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
