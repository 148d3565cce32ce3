// Package redisstore implements the shared session store on Redis: one hash
// per call refreshed with EXPIRE on every write, and a set holding the
// identifiers of active calls.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openchlai/ai-sub002/internal/store"
)

// Default key layout
const (
	DefaultKeyPrefix = "callstream:session:"
	DefaultActiveKey = "callstream:active"
)

// Config holds Redis connection settings
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	ActiveKey string
	TTL       time.Duration
}

// Store is a store.Store backed by Redis
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	activeKey string
	ttl       time.Duration
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := NewFromClient(client, cfg)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewFromClient wraps an existing client. The Store takes ownership and
// closes it on Close.
func NewFromClient(client redis.UniversalClient, cfg Config) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.ActiveKey == "" {
		cfg.ActiveKey = DefaultActiveKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = store.DefaultTTL
	}
	return &Store{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		activeKey: cfg.ActiveKey,
		ttl:       cfg.TTL,
	}
}

func (s *Store) key(callID string) string {
	return s.keyPrefix + callID
}

// Save replaces the call's hash, refreshes its expiry and updates the active
// set in a single MULTI/EXEC transaction
func (s *Store) Save(ctx context.Context, rec store.Record) error {
	values := make(map[string]interface{}, len(rec.Fields))
	for k, v := range rec.Fields {
		values[k] = v
	}

	key := s.key(rec.CallID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values)
		}
		pipe.Expire(ctx, key, s.ttl)
		if rec.Active {
			pipe.SAdd(ctx, s.activeKey, rec.CallID)
		} else {
			pipe.SRem(ctx, s.activeKey, rec.CallID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: save %s: %w", rec.CallID, err)
	}
	return nil
}

// Load reads the call's hash and active-set membership
func (s *Store) Load(ctx context.Context, callID string) (store.Record, error) {
	var (
		fields *redis.MapStringStringCmd
		member *redis.BoolCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, s.key(callID))
		member = pipe.SIsMember(ctx, s.activeKey, callID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return store.Record{}, fmt.Errorf("redisstore: load %s: %w", callID, err)
	}

	values := fields.Val()
	if len(values) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	return store.Record{CallID: callID, Fields: values, Active: member.Val()}, nil
}

// ActiveIDs returns the members of the active set in sorted order
func (s *Store) ActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: active ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisstore: ping: %w", err)
	}
	return nil
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}
