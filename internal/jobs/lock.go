package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "lock:job:"

// Locker не дает двум экземплярам сервиса одновременно выполнять одну задачу
type Locker interface {
	// TryLock false означает, что задачу уже выполняет другой экземпляр
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), acquired bool, err error)
}

// releaseScript удаляет ключ, только если он все еще наш
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker блокировка через SET NX с TTL
type RedisLocker struct {
	client redis.Cmdable
}

func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := lockKeyPrefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		// задача могла быть отменена вместе с ctx, ключ все равно нужно снять
		releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token)
	}
	return unlock, true, nil
}

// LocalLocker блокировка в пределах процесса, когда Redis не настроен
type LocalLocker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{running: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.running[name]; busy {
		return nil, false, nil
	}
	l.running[name] = struct{}{}

	return func() {
		l.mu.Lock()
		delete(l.running, name)
		l.mu.Unlock()
	}, true, nil
}
