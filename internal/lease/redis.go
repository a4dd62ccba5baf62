package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a Locker backed by SET NX PX so lanes are shared by every server instance.
// The TTL bounds how long a crashed holder can keep a lane.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis builds a Redis locker. A zero ttl defaults to two minutes.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Redis{
		client: client,
		prefix: "lease:job:",
		ttl:    ttl,
	}
}

var _ Expiring = (*Redis)(nil)

// TTL is how long a lease survives without being released.
func (r *Redis) TTL() time.Duration { return r.ttl }

func (r *Redis) key(name string) string {
	return r.prefix + name
}

func (r *Redis) Acquire(ctx context.Context, key string) (Release, bool, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, r.key(key), token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var (
		once   sync.Once
		relErr error
	)
	return func(ctx context.Context) error {
		once.Do(func() {
			relErr = releaseScript.Run(ctx, r.client, []string{r.key(key)}, token).Err()
			if relErr == redis.Nil {
				relErr = nil
			}
		})
		return relErr
	}, true, nil
}

// releaseScript deletes the key only if it still carries our token, so an expired lease that was
// re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
