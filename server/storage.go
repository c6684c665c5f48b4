package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists session records keyed by session id.
type Store interface {
	Load(ctx context.Context, id string) (map[string]any, bool, error)
	Save(ctx context.Context, id string, values map[string]any, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// Records are kept JSON encoded so every backend hands back the same shapes.
func encodeRecord(values map[string]any) ([]byte, error) {
	b, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return b, nil
}

func decodeRecord(b []byte) (map[string]any, error) {
	values := map[string]any{}
	if err := json.Unmarshal(b, &values); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return values, nil
}

type memoryRecord struct {
	data      []byte
	expiresAt time.Time
}

// memorySweepInterval bounds how often Save scans for expired records.
const memorySweepInterval = time.Minute

// MemoryStore keeps session records in process memory. Expired records are
// dropped on read and swept from Save at most once per memorySweepInterval.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]memoryRecord
	now       func() time.Time
	nextSweep time.Time
}

// NewMemoryStore constructs the store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord), now: time.Now}
}

// Load returns the record for id unless it is missing or expired.
func (s *MemoryStore) Load(_ context.Context, id string) (map[string]any, bool, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.now().After(rec.expiresAt) {
		s.mu.Lock()
		delete(s.records, id)
		s.mu.Unlock()
		return nil, false, nil
	}
	values, err := decodeRecord(rec.data)
	if err != nil {
		return nil, false, err
	}
	return values, true, nil
}

// Save stores or replaces a record.
func (s *MemoryStore) Save(_ context.Context, id string, values map[string]any, ttl time.Duration) error {
	data, err := encodeRecord(values)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !now.Before(s.nextSweep) {
		for k, rec := range s.records {
			if now.After(rec.expiresAt) {
				delete(s.records, k)
			}
		}
		s.nextSweep = now.Add(memorySweepInterval)
	}
	s.records[id] = memoryRecord{data: data, expiresAt: now.Add(ttl)}
	return nil
}

// Delete removes a record.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Len reports how many records are held, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

const redisKeyPrefix = "oauth_tester:session:"

// RedisStore keeps session records in Redis with a per-key TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the redis URL and checks the connection.
func NewRedisStore(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: rdb}, nil
}

// Load returns the record for id.
func (s *RedisStore) Load(ctx context.Context, id string) (map[string]any, bool, error) {
	b, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	values, err := decodeRecord(b)
	if err != nil {
		return nil, false, err
	}
	return values, true, nil
}

// Save stores a record with ttl.
func (s *RedisStore) Save(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	data, err := encodeRecord(values)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+id, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a record.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// NewStore builds the backend selected in cfg.
func NewStore(ctx context.Context, cfg SessionsConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
