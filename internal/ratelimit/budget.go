// Package ratelimit shares an upstream request quota between processes
// through Redis. Interactive traffic gets a reserved pool; background traffic
// only uses the shared remainder.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultWindowSize = time.Second
	DefaultKeyTTL     = 2 * time.Second // window + buffer
)

// Priority selects the pool a request draws from.
type Priority int

const (
	// PriorityHigh draws from the reserved pool, then the shared pool.
	PriorityHigh Priority = iota
	// PriorityLow draws from the shared pool only.
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// consumeScript atomically checks the total and pool counters and
// increments both. High priority overflows into the shared pool.
var consumeScript = redis.NewScript(`
	local cost = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local reservedBudget = tonumber(ARGV[3])
	local sharedBudget = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])
	local high = ARGV[6] == '1'

	local total = tonumber(redis.call('GET', KEYS[1]) or '0')
	local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
	local shared = tonumber(redis.call('GET', KEYS[3]) or '0')

	if total + cost > totalBudget then
		return {0, total}
	end

	local pool
	if high and reserved + cost <= reservedBudget then
		pool = KEYS[2]
	elseif shared + cost <= sharedBudget then
		pool = KEYS[3]
	else
		return {0, total}
	end

	redis.call('INCRBY', KEYS[1], cost)
	redis.call('EXPIRE', KEYS[1], ttl)
	redis.call('INCRBY', pool, cost)
	redis.call('EXPIRE', pool, ttl)
	return {1, total + cost}
`)

// SharedBudget counts requests per fixed window in Redis so every process
// talking to the same upstream stays under one quota.
type SharedBudget struct {
	redis    redis.Cmdable
	name     string
	total    int
	reserved int
	shared   int
	window   time.Duration
	keyTTL   time.Duration
	now      func() time.Time
}

// SharedBudgetConfig holds configuration for a shared budget.
type SharedBudgetConfig struct {
	// Redis is required; the budget has no local fallback.
	Redis redis.Cmdable

	// Name namespaces the Redis keys, e.g. "indexer".
	Name string

	// Total is the number of requests allowed per window.
	Total int

	// Reserved is the part of Total only high priority callers may use.
	Reserved int

	WindowSize time.Duration
	KeyTTL     time.Duration
	Now        func() time.Time
}

// Usage is the consumption of the current window.
type Usage struct {
	TotalUsed    int       `json:"totalUsed"`
	ReservedUsed int       `json:"reservedUsed"`
	SharedUsed   int       `json:"sharedUsed"`
	Total        int       `json:"total"`
	Reserved     int       `json:"reserved"`
	Shared       int       `json:"shared"`
	WindowStart  time.Time `json:"windowStart"`
}

// Validate checks if the configuration is valid.
func (c *SharedBudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Name == "" {
		return errors.New("budget name is required")
	}
	if c.Total <= 0 {
		return errors.New("total budget must be positive")
	}
	if c.Reserved < 0 {
		return errors.New("reserved budget cannot be negative")
	}
	if c.Reserved > c.Total {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", c.Reserved, c.Total)
	}
	return nil
}

// NewSharedBudget creates a budget with the given configuration.
func NewSharedBudget(cfg *SharedBudgetConfig) (*SharedBudget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	b := &SharedBudget{
		redis:    cfg.Redis,
		name:     cfg.Name,
		total:    cfg.Total,
		reserved: cfg.Reserved,
		shared:   cfg.Total - cfg.Reserved,
		window:   cfg.WindowSize,
		keyTTL:   cfg.KeyTTL,
		now:      cfg.Now,
	}
	if b.window <= 0 {
		b.window = DefaultWindowSize
	}
	if b.keyTTL < b.window {
		b.keyTTL = b.window + time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

func (b *SharedBudget) windowStart() time.Time {
	return b.now().Truncate(b.window)
}

func (b *SharedBudget) keys(start time.Time) (total, reserved, shared string) {
	ts := strconv.FormatInt(start.UnixMilli(), 10)
	prefix := "budget:" + b.name + ":"
	return prefix + "total:" + ts, prefix + "reserved:" + ts, prefix + "shared:" + ts
}

// TryConsume takes cost from the pool for priority. When denied it returns
// the time until the next window. A Redis error is returned as is and the
// caller decides whether to proceed.
func (b *SharedBudget) TryConsume(ctx context.Context, cost int, priority Priority) (bool, time.Duration, error) {
	if cost <= 0 {
		return true, 0, nil
	}

	start := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(start)

	high := "0"
	if priority == PriorityHigh {
		high = "1"
	}
	ttl := int(b.keyTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	result, err := consumeScript.Run(ctx, b.redis, []string{totalKey, reservedKey, sharedKey},
		cost, b.total, b.reserved, b.shared, ttl, high).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("budget %s: %w", b.name, err)
	}
	if result[0] == 1 {
		return true, 0, nil
	}
	return false, b.untilNextWindow(start), nil
}

func (b *SharedBudget) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(b.window).Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	// Land inside the next window
	return wait + time.Millisecond
}

// Usage returns the consumption of the current window.
func (b *SharedBudget) Usage(ctx context.Context) (*Usage, error) {
	start := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(start)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("budget %s: %w", b.name, err)
	}

	return &Usage{
		TotalUsed:    intOrZero(totalCmd),
		ReservedUsed: intOrZero(reservedCmd),
		SharedUsed:   intOrZero(sharedCmd),
		Total:        b.total,
		Reserved:     b.reserved,
		Shared:       b.shared,
		WindowStart:  start,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}
