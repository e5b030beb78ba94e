package throttle

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/pointledger/internal/domain"
	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "pointledger:dedupe:"

// Guard is a TTL-based dedupe guard. The first caller for a key inside the
// TTL acquires it; everyone after that sees AlreadyBilled until it expires.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewGuard(client *redis.Client, ttl time.Duration) (*Guard, error) {
	if client == nil {
		return nil, errors.New("throttle: redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("throttle: ttl must be positive")
	}
	return &Guard{client: client, ttl: ttl}, nil
}

func (g *Guard) TryAcquire(ctx context.Context, key domain.DedupeKey) (domain.AcquireResult, error) {
	ok, err := g.client.SetNX(ctx, keyPrefix+key.ThrottleKey(), key.BucketMinute, g.ttl).Result()
	if err != nil {
		return 0, domain.Unavailable("throttle set", err)
	}
	if !ok {
		return domain.AlreadyBilled, nil
	}
	return domain.Acquired, nil
}

// Ping verifies the redis connection at startup.
func (g *Guard) Ping(ctx context.Context) error {
	if err := g.client.Ping(ctx).Err(); err != nil {
		return domain.Unavailable("throttle ping", err)
	}
	return nil
}
