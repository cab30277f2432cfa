package server

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Presence records which users hold at least one live session.
type Presence interface {
	// Online marks a session of userID live and reports whether it is the
	// user's first.
	Online(ctx context.Context, userID uint) (bool, error)
	// Offline drops a session of userID and reports whether it was the last.
	Offline(ctx context.Context, userID uint) (bool, error)
	// Touch extends the registration of a live user.
	Touch(ctx context.Context, userID uint) error
	List(ctx context.Context) ([]uint, error)
	Close() error
}

// MemoryPresence counts sessions per user in process.
type MemoryPresence struct {
	mu       sync.Mutex
	sessions map[uint]int
}

// NewMemoryPresence returns an empty registry.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{sessions: make(map[uint]int)}
}

func (p *MemoryPresence) Online(_ context.Context, userID uint) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[userID]++
	return p.sessions[userID] == 1, nil
}

func (p *MemoryPresence) Offline(_ context.Context, userID uint) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.sessions[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(p.sessions, userID)
		return true, nil
	}
	p.sessions[userID] = n - 1
	return false, nil
}

func (p *MemoryPresence) Touch(context.Context, uint) error { return nil }

func (p *MemoryPresence) List(context.Context) ([]uint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := make([]uint, 0, len(p.sessions))
	for id := range p.sessions {
		users = append(users, id)
	}
	slices.Sort(users)
	return users, nil
}

func (p *MemoryPresence) Close() error { return nil }

const presenceKeyPrefix = "resichat:presence:"

func presenceKey(userID uint) string {
	return presenceKeyPrefix + strconv.FormatUint(uint64(userID), 10)
}

// lastSession reports whether a decremented session counter means the user
// has no session left. A counter whose key expired is recreated below zero.
func lastSession(n int64) bool {
	return n <= 0
}

// RedisPresence keeps a session counter per user in Redis so every node
// shares one view. Counters expire after ttl unless touched, which clears
// users whose node died without announcing them offline.
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisPresence connects to addr and verifies the connection.
func NewRedisPresence(ctx context.Context, addr, password string, ttl time.Duration) (*RedisPresence, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisPresence{rdb: rdb, ttl: ttl}, nil
}

func (p *RedisPresence) Online(ctx context.Context, userID uint) (bool, error) {
	key := presenceKey(userID)
	pipe := p.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrap(err, "presence online")
	}
	return incr.Val() == 1, nil
}

func (p *RedisPresence) Offline(ctx context.Context, userID uint) (bool, error) {
	key := presenceKey(userID)
	n, err := p.rdb.Decr(ctx, key).Result()
	if err != nil {
		return false, errors.Wrap(err, "presence offline")
	}
	if !lastSession(n) {
		return false, nil
	}
	if err := p.rdb.Del(ctx, key).Err(); err != nil {
		return true, errors.Wrap(err, "presence clear")
	}
	return true, nil
}

func (p *RedisPresence) Touch(ctx context.Context, userID uint) error {
	return errors.Wrap(p.rdb.Expire(ctx, presenceKey(userID), p.ttl).Err(), "presence touch")
}

func (p *RedisPresence) List(ctx context.Context) ([]uint, error) {
	var users []uint
	iter := p.rdb.Scan(ctx, 0, presenceKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id, err := strconv.ParseUint(strings.TrimPrefix(iter.Val(), presenceKeyPrefix), 10, 64)
		if err != nil {
			continue
		}
		users = append(users, uint(id))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "presence scan")
	}
	slices.Sort(users)
	return users, nil
}

func (p *RedisPresence) Close() error {
	return p.rdb.Close()
}
