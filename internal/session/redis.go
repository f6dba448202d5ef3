package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bull/ragsworth/internal/domain"
)

const (
	defaultPrefix = "rag:session:"
	defaultTTL    = 24 * time.Hour
)

// RedisOptions configures a Redis store.
type RedisOptions struct {
	MaxTurns int
	// TTL expires idle sessions; it is refreshed on every append.
	TTL    time.Duration
	Prefix string
}

// Redis is a durable Store keeping each session as a Redis list of JSON
// encoded turns.
type Redis struct {
	client   redis.UniversalClient
	maxTurns int
	ttl      time.Duration
	prefix   string
}

var _ Store = (*Redis)(nil)

// NewRedis creates a store on an existing client.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	return &Redis{
		client:   client,
		maxTurns: opts.MaxTurns,
		ttl:      opts.TTL,
		prefix:   opts.Prefix,
	}
}

func (r *Redis) key(sessionID string) string {
	return r.prefix + sessionID
}

// Append implements Store. Push, trim and expiry run in one MULTI/EXEC
// transaction.
func (r *Redis) Append(ctx context.Context, sessionID string, turns ...domain.Turn) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty session id", domain.ErrInvalidRequest)
	}
	if len(turns) == 0 {
		return nil
	}

	values := make([]any, len(turns))
	for i, e := range entries(turns) {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode turn: %w", err)
		}
		values[i] = data
	}

	key := r.key(sessionID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, int64(-r.maxTurns), -1)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: append session: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// Get implements Store. The list is trimmed by count on append; turns left
// at its head without the start of their Append group are skipped here.
func (r *Redis) Get(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	raw, err := r.client.LRange(ctx, r.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read session: %v", domain.ErrUnavailable, err)
	}

	stored := make([]entry, 0, len(raw))
	for _, item := range raw {
		var e entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("%w: decode turn: %v", domain.ErrInternal, err)
		}
		stored = append(stored, e)
	}

	history := trim(stored, r.maxTurns)
	turns := make([]domain.Turn, len(history))
	for i, e := range history {
		turns[i] = e.Turn
	}
	return turns, nil
}

// Clear implements Store.
func (r *Redis) Clear(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: clear session: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
