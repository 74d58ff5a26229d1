package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// txRetries bounds optimistic-lock retries on concurrent writers.
const txRetries = 3

// RedisOptions configure the Redis driver.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	TTL          time.Duration
	MaxTurns     int
	MaxTurnBytes int
}

// Redis is a Store backed by Redis, for deployments where sessions must
// survive a gateway restart or be shared across replicas. Records are JSON
// values under a prefixed key; the key TTL is the sliding session TTL, so
// expiry needs no sweeping at all.
type Redis struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	maxTurns     int
	maxTurnBytes int
}

// NewRedis creates a Redis-backed Store and verifies connectivity.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.MaxTurnBytes <= 0 {
		opts.MaxTurnBytes = DefaultMaxTurnBytes
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "voxhall:session:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{
		client:       client,
		prefix:       opts.KeyPrefix,
		ttl:          opts.TTL,
		maxTurns:     opts.MaxTurns,
		maxTurnBytes: opts.MaxTurnBytes,
	}, nil
}

func (s *Redis) key(tenantID, sessionID string) string {
	return s.prefix + sessionKey(tenantID, sessionID)
}

// load fetches and decodes the record, refreshing its TTL. A missing key
// yields a zero record.
func (s *Redis) load(ctx context.Context, key string) (record, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, fmt.Errorf("redis get: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, false, fmt.Errorf("decode session record: %w", err)
	}

	// Reads slide the TTL just like writes.
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return record{}, false, fmt.Errorf("redis expire: %w", err)
	}
	return rec, true, nil
}

// mutate applies fn to the record under WATCH-based optimistic locking.
func (s *Redis) mutate(ctx context.Context, key string, fn func(rec *record)) error {
	txn := func(tx *redis.Tx) error {
		var rec record
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode session record: %w", err)
			}
		}

		fn(&rec)

		out, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encode session record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < txRetries; i++ {
		err = s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis session update contended: %w", err)
}

func (s *Redis) Append(ctx context.Context, tenantID, sessionID string, turn Turn) error {
	turn.Text = Redact(turn.Text, s.maxTurnBytes)
	return s.mutate(ctx, s.key(tenantID, sessionID), func(rec *record) {
		rec.appendTurn(turn, s.maxTurns)
	})
}

func (s *Redis) Turns(ctx context.Context, tenantID, sessionID string) ([]Turn, error) {
	rec, ok, err := s.load(ctx, s.key(tenantID, sessionID))
	if err != nil || !ok {
		return nil, err
	}
	return rec.Turns, nil
}

func (s *Redis) ContextPrefix(ctx context.Context, tenantID, sessionID string) (Context, error) {
	rec, ok, err := s.load(ctx, s.key(tenantID, sessionID))
	if err != nil || !ok {
		return Context{}, err
	}
	return Context{Summary: rec.Summary, Intent: rec.Intent, Turns: rec.Turns}, nil
}

func (s *Redis) SetIntent(ctx context.Context, tenantID, sessionID, intent string) error {
	return s.mutate(ctx, s.key(tenantID, sessionID), func(rec *record) {
		rec.Intent = intent
	})
}

func (s *Redis) Clear(ctx context.Context, tenantID, sessionID string) error {
	if err := s.client.Del(ctx, s.key(tenantID, sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
