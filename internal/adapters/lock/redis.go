package lock

// redis.go — lease distribuido para varios procesos de settlement.
//
// SET key token NX PX ttl; el release solo borra si el token sigue siendo el nuestro,
// así un lease expirado y retomado por otro worker nunca se libera por error.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/alejandrodnm/satsale/internal/ports"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	defaultLeaseTTL = 30 * time.Second
	keyPrefix       = "satsale:lock:"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implementa ports.Locker sobre Redis.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis crea el Locker. ttl acota cuánto sobrevive un lease si el worker muere.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

// Acquire intenta SET NX. Si la key ya existe devuelve domain.ErrLockContention.
func (r *Redis) Acquire(ctx context.Context, key string) (ports.Lease, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, keyPrefix+key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock.Redis.Acquire: %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockContention
	}
	return &redisLease{rdb: r.rdb, key: keyPrefix + key, token: token}, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string

	once sync.Once
	err  error
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
			l.err = fmt.Errorf("lock.Redis.Release: %s: %w", l.key, err)
		}
	})
	return l.err
}
