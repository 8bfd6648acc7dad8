package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease key only if it still carries our token,
// so a holder that outlived its TTL cannot release a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a lessor backed by SET NX PX, safe across multiple worker
// processes.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Lessor = (*Redis)(nil)

// NewRedis creates a Redis-backed lessor. The caller retains ownership of
// the client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "recollect:lease:"}
}

// TryAcquire implements Lessor.
func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	full := r.prefix + key

	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lease: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Release uses a fresh context; the holder's ctx is often already
		// done by the time deferred releases run.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, r.client, []string{full}, token).Err()
	}
	return release, true, nil
}
