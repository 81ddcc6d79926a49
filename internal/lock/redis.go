// Package lock provides the cross-process maintenance lock that keeps two
// reachyrag instances sharing one vector store from running save or cleanup
// at the same time.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every lock key.
const keyPrefix = "reachyrag:lock:"

// Locker is a named, TTL-bounded mutual exclusion lock.
type Locker interface {
	// TryAcquire takes the lock without waiting. It reports false when
	// another holder owns it.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	// Release drops the lock if this instance still owns it.
	Release(ctx context.Context, name string) error
}

// RedisLock implements Locker with SET NX PX and an owner-checked release.
type RedisLock struct {
	// client is the shared Redis connection.
	client *redis.Client
	// owner identifies this process; only the owner may release.
	owner string
}

var _ Locker = (*RedisLock)(nil)

// NewRedisLock returns a RedisLock owned by a fresh host:pid:random token.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, owner: newOwner()}
}

// Dial connects to addr, verifies the connection, and returns a RedisLock.
func Dial(ctx context.Context, addr, password string) (*RedisLock, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock: ping redis %s: %w", addr, err)
	}
	return NewRedisLock(client), nil
}

func newOwner() string {
	host, _ := os.Hostname()
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), hex.EncodeToString(b))
}

// TryAcquire implements Locker.
func (l *RedisLock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+name, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", name, err)
	}
	return ok, nil
}

// releaseScript deletes the key only while it still holds our owner token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release implements Locker. Releasing an expired or foreign lock is a no-op.
func (l *RedisLock) Release(ctx context.Context, name string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{keyPrefix + name}, l.owner).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock: release %s: %w", name, err)
	}
	return nil
}

// Ping checks the Redis connection. It satisfies the server's readiness pinger.
func (l *RedisLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (l *RedisLock) Close() error {
	return l.client.Close()
}
