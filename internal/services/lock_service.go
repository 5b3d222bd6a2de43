package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// LockService is a short-TTL mutual exclusion primitive backed by Redis
// SETNX. Every acquire gets an owner token; release only deletes the key
// if the token still matches, so an expired lock taken over by another
// instance is never released by the original owner.
//
// Lock failure means "skip this cycle" for jobs; callers never block.
type LockService struct {
	redis *redis.Client
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func NewLockService(redisClient *redis.Client) *LockService {
	return &LockService{redis: redisClient}
}

// Acquire returns an owner token, or ErrLockContention if the lock is
// held. Without Redis locks fail closed: guarded work is skipped.
func (s *LockService) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if s.redis == nil {
		return "", ErrDependencyUnavailable
	}

	token := uuid.NewString()
	ok, err := s.redis.SetNX(ctx, s.key(name), token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrLockContention
	}
	return token, nil
}

// Release deletes the lock only if token still owns it.
func (s *LockService) Release(ctx context.Context, name, token string) error {
	if s.redis == nil {
		return ErrDependencyUnavailable
	}
	return releaseScript.Run(ctx, s.redis, []string{s.key(name)}, token).Err()
}

func (s *LockService) key(name string) string {
	return fmt.Sprintf("lock:%s", name)
}
