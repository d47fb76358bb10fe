package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"marginalia/internal/annotation"
)

const maxPatchAttempts = 5

// Redis stores snapshots as JSON values that expire after ttl.
type Redis struct {
	client        *redis.Client
	prefix        string
	changedPrefix string
	ttl           time.Duration
}

// NewRedis connects to redisURL and checks the connection.
func NewRedis(redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client, ttl), nil
}

func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{
		client:        client,
		prefix:        "marginalia:snapshot:",
		changedPrefix: "marginalia:changed:",
		ttl:           ttl,
	}
}

func (s *Redis) key(documentID string) string {
	return s.prefix + documentID
}

// changedKey holds the unix nanos of the document's last Patch or Invalidate.
func (s *Redis) changedKey(documentID string) string {
	return s.changedPrefix + documentID
}

func (s *Redis) markChanged(ctx context.Context, pipe redis.Cmdable, documentID string) *redis.StatusCmd {
	return pipe.Set(ctx, s.changedKey(documentID), time.Now().UnixNano(), changeWindow)
}

// watch runs txf optimistically, retrying while other writers touch keys.
func (s *Redis) watch(ctx context.Context, op string, txf func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxPatchAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}
	return fmt.Errorf("%s: too many concurrent writers", op)
}

func (s *Redis) Get(ctx context.Context, documentID string) (Snapshot, bool, error) {
	raw, err := s.client.Get(ctx, s.key(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *Redis) Put(ctx context.Context, snapshot Snapshot) error {
	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = time.Now()
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	changedKey := s.changedKey(snapshot.DocumentID)
	txf := func(tx *redis.Tx) error {
		nanos, err := tx.Get(ctx, changedKey).Int64()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		case stale(snapshot, time.Unix(0, nanos)):
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key(snapshot.DocumentID), data, s.ttl)
			return nil
		})
		return err
	}
	return s.watch(ctx, "save snapshot", txf, changedKey)
}

// Patch rewrites the snapshot inside an optimistic transaction so a
// concurrent Put is never overwritten with stale records.
func (s *Redis) Patch(ctx context.Context, documentID string, records []annotation.Record) error {
	key := s.key(documentID)
	if err := s.markChanged(ctx, s.client, documentID).Err(); err != nil {
		return fmt.Errorf("patch snapshot: %w", err)
	}
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("unmarshal snapshot: %w", err)
		}
		if !snap.apply(records) {
			return nil
		}
		snap.StoredAt = time.Now()
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		ttl, err := tx.TTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			ttl = s.ttl
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	return s.watch(ctx, "patch snapshot "+documentID, txf, key)
}

func (s *Redis) Invalidate(ctx context.Context, documentID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(documentID))
		s.markChanged(ctx, pipe, documentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	return nil
}

func (s *Redis) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan snapshots: %w", err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
