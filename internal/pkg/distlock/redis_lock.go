package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Both scripts act only while the stored owner still matches ours.
var (
	unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)
	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLock is the run lock for deployments with Redis. The key expires
// after ttl so a crashed run cannot block the sequence forever; while a run
// holds the lock it refreshes the expiry every ttl/3.
type RedisLock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration

	mu   sync.Mutex
	stop context.CancelFunc
	done chan struct{}
}

// NewRedisLock creates a lock on key. The owner value names this host and
// process so an operator can see who holds a stuck lock.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	host, _ := os.Hostname()
	nonce := make([]byte, 8)
	rand.Read(nonce)
	return &RedisLock{
		client: client,
		key:    "drip:lock:" + key,
		owner:  fmt.Sprintf("%s/%d/%s", host, os.Getpid(), hex.EncodeToString(nonce)),
		ttl:    ttl,
	}
}

// Acquire takes the lock if it is free and starts refreshing it.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("run lock %s: %w", l.key, err)
	}
	if ok {
		l.startRefresh()
	}
	return ok, nil
}

// Release stops the refresh loop and deletes the key if we still own it.
func (l *RedisLock) Release(ctx context.Context) error {
	l.stopRefresh()
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}

// Extend sets the expiry to ttl from now. It returns ErrHeld once the key has
// expired or passed to another owner.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrHeld
	}
	return nil
}

// Holder returns the owner value currently stored, or "" when the lock is free.
func (l *RedisLock) Holder(ctx context.Context) (string, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (l *RedisLock) startRefresh() {
	every := l.ttl / 3
	if every <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.stop = cancel
	l.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := l.Extend(ctx, l.ttl); err != nil {
					// lost or unreachable; the run finishes and Release is a no-op
					return
				}
			}
		}
	}(l.done)
}

func (l *RedisLock) stopRefresh() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}
