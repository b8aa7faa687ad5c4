/**
 * @description
 * Redis run lock.
 * SET NX with a per-holder token; release only deletes the key if the token still matches.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9
 * - github.com/google/uuid
 */

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const pipelineLockKey = "kalbot:pipeline:lock"

// ErrRunInProgress is returned when another process holds the pipeline lock
var ErrRunInProgress = errors.New("pipeline run already in progress")

// releaseScript deletes the lock only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock serializes pipeline runs across processes
type RunLock struct {
	Redis *redis.Client
	TTL   time.Duration
}

func NewRunLock(redis *redis.Client, ttl time.Duration) *RunLock {
	return &RunLock{Redis: redis, TTL: ttl}
}

// Acquire takes the lock or returns ErrRunInProgress. The returned func releases it.
func (l *RunLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.Redis.SetNX(ctx, pipelineLockKey, token, l.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire pipeline lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	return func() {
		// the caller's ctx may already be cancelled
		_ = releaseScript.Run(context.Background(), l.Redis, []string{pipelineLockKey}, token).Err()
	}, nil
}
