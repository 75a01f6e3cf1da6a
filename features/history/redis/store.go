// Package redis implements history.Store on Redis. Instances are stored as
// JSON documents; optimistic concurrency uses WATCH/MULTI on the instance key
// and a sorted set indexes active instances by sequence number.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/relay/runtime/relay/history"
)

const (
	defaultPrefix = "relay"
	clientName    = "history-redis"
)

type (
	// Options configures the Redis history store.
	Options struct {
		// Redis is the connection backing the store. Required.
		Redis *goredis.Client
		// Prefix namespaces every key. Defaults to "relay".
		Prefix string
	}

	// Store implements history.Store.
	Store struct {
		rdb    *goredis.Client
		prefix string
	}
)

var _ history.Store = (*Store)(nil)

// New returns a Redis-backed store.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: opts.Redis, prefix: prefix}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return clientName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Create implements history.Store.
func (s *Store) Create(ctx context.Context, inst *history.Instance) error {
	if inst == nil || inst.ID == "" {
		return errors.New("instance id is required")
	}
	key := s.instanceKey(inst.ID)
	seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	rec := inst.Clone()
	now := time.Now().UTC()
	rec.Seq = seq
	rec.Version = 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}
	err = s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return history.ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.ZAdd(ctx, s.activeKey(), goredis.Z{Score: float64(seq), Member: rec.ID})
			return nil
		})
		return err
	}, key)
	switch {
	case errors.Is(err, goredis.TxFailedErr):
		return history.ErrExists
	case err != nil:
		return err
	}
	inst.Seq = rec.Seq
	inst.Version = rec.Version
	inst.CreatedAt = rec.CreatedAt
	inst.UpdatedAt = rec.UpdatedAt
	return nil
}

// Load implements history.Store.
func (s *Store) Load(ctx context.Context, id string) (*history.Instance, error) {
	data, err := s.rdb.Get(ctx, s.instanceKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, history.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// Save implements history.Store.
func (s *Store) Save(ctx context.Context, inst *history.Instance) error {
	if inst == nil || inst.ID == "" {
		return errors.New("instance id is required")
	}
	key := s.instanceKey(inst.ID)
	rec := inst.Clone()
	rec.Version = inst.Version + 1
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}
	err = s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return history.ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decode(raw)
		if err != nil {
			return err
		}
		if cur.Version != inst.Version {
			return history.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			if rec.Active() {
				p.ZAdd(ctx, s.activeKey(), goredis.Z{Score: float64(rec.Seq), Member: rec.ID})
			} else {
				p.ZRem(ctx, s.activeKey(), rec.ID)
			}
			return nil
		})
		return err
	}, key)
	switch {
	case errors.Is(err, goredis.TxFailedErr):
		return history.ErrConflict
	case err != nil:
		return err
	}
	inst.Version = rec.Version
	inst.UpdatedAt = rec.UpdatedAt
	return nil
}

// ListActive implements history.Store.
func (s *Store) ListActive(ctx context.Context) ([]*history.Instance, error) {
	ids, err := s.rdb.ZRange(ctx, s.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*history.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.Load(ctx, id)
		if errors.Is(err, history.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if inst.Active() {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *Store) instanceKey(id string) string { return s.prefix + ":instance:" + id }
func (s *Store) seqKey() string               { return s.prefix + ":seq" }
func (s *Store) activeKey() string            { return s.prefix + ":active" }

func decode(data []byte) (*history.Instance, error) {
	var inst history.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return &inst, nil
}
