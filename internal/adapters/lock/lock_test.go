package lock_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/satsale/internal/adapters/lock"
	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/alejandrodnm/satsale/internal/ports"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockers devuelve Local siempre y Redis si TEST_REDIS_ADDR está definido.
func lockers(t *testing.T) map[string]ports.Locker {
	t.Helper()
	out := map[string]ports.Locker{"local": lock.NewLocal()}
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { rdb.Close() })
		require.NoError(t, rdb.Ping(context.Background()).Err())
		out["redis"] = lock.NewRedis(rdb, 5*time.Second)
	}
	return out
}

func TestLocker_Contention(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "auction-" + uuid.NewString()

			lease, err := l.Acquire(ctx, key)
			require.NoError(t, err)

			_, err = l.Acquire(ctx, key)
			assert.ErrorIs(t, err, domain.ErrLockContention)

			// otra subasta no compite
			other, err := l.Acquire(ctx, key+"-other")
			require.NoError(t, err)
			require.NoError(t, other.Release(ctx))

			require.NoError(t, lease.Release(ctx))
			require.NoError(t, lease.Release(ctx), "release idempotente")

			again, err := l.Acquire(ctx, key)
			require.NoError(t, err)
			require.NoError(t, again.Release(ctx))
		})
	}
}

func TestLocal_SingleHolderUnderConcurrency(t *testing.T) {
	l := lock.NewLocal()
	ctx := context.Background()

	var holders, maxHolders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(ctx, "sale")
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrLockContention)
				return
			}
			n := holders.Add(1)
			for {
				m := maxHolders.Load()
				if n <= m || maxHolders.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			lease.Release(ctx)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxHolders.Load())
}

func TestRedis_ExpiredLeaseNotReleasedByOldHolder(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	key := "auction-" + uuid.NewString()

	l := lock.NewRedis(rdb, 50*time.Millisecond)
	old, err := l.Acquire(ctx, key)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	current, err := l.Acquire(ctx, key)
	require.NoError(t, err)

	require.NoError(t, old.Release(ctx))
	_, err = l.Acquire(ctx, key)
	assert.ErrorIs(t, err, domain.ErrLockContention, "el release viejo no borra el lease nuevo")
	require.NoError(t, current.Release(ctx))
}
