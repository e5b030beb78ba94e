package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/punchamoorthee/pointledger/internal/domain"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard(t *testing.T, ttl time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	g, err := NewGuard(client, ttl)
	require.NoError(t, err)
	return g, mr
}

func TestGuardAcquiresOncePerWindow(t *testing.T) {
	g, mr := newGuard(t, 30*time.Second)
	ctx := context.Background()
	key := domain.DedupeKey{AccountID: "a", DistributionID: "d", Platform: domain.PlatformAPK, BucketMinute: 10}

	r, err := g.TryAcquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.Acquired, r)

	// Bucket is not part of the throttle key; the TTL is the window.
	key.BucketMinute = 11
	r, err = g.TryAcquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.AlreadyBilled, r)

	mr.FastForward(31 * time.Second)
	r, err = g.TryAcquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.Acquired, r)
}

func TestGuardSeparatesPlatforms(t *testing.T) {
	g, _ := newGuard(t, time.Minute)
	ctx := context.Background()

	r, err := g.TryAcquire(ctx, domain.DedupeKey{AccountID: "a", DistributionID: "d", Platform: domain.PlatformAPK})
	require.NoError(t, err)
	assert.Equal(t, domain.Acquired, r)

	r, err = g.TryAcquire(ctx, domain.DedupeKey{AccountID: "a", DistributionID: "d", Platform: domain.PlatformIPA})
	require.NoError(t, err)
	assert.Equal(t, domain.Acquired, r)
}

func TestGuardReportsUnavailable(t *testing.T) {
	g, mr := newGuard(t, time.Minute)
	mr.Close()

	_, err := g.TryAcquire(context.Background(), domain.DedupeKey{AccountID: "a"})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.ErrorIs(t, g.Ping(context.Background()), domain.ErrStorageUnavailable)
}

func TestNewGuardValidates(t *testing.T) {
	_, err := NewGuard(nil, time.Second)
	assert.Error(t, err)

	_, err = NewGuard(redis.NewClient(&redis.Options{}), 0)
	assert.Error(t, err)
}
