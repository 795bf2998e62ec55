package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Batch accumulates repository writes and applies them as one atomic
// multi-command transaction. Callers queue domain-level operations; the key
// layout never leaks out of this package.
type Batch struct {
	ops []func(ctx context.Context, pipe redis.Pipeliner)
	err error
}

func NewBatch() *Batch {
	return &Batch{}
}

// Len reports how many operations are queued. An empty batch is a no-op and
// callers may skip applying it.
func (b *Batch) Len() int {
	return len(b.ops)
}

func (b *Batch) setJSON(key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		if b.err == nil {
			b.err = fmt.Errorf("marshal %s: %w", key, err)
		}
		return
	}
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, key, raw, 0)
	})
}

func (b *Batch) hsetJSON(hash, field string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		if b.err == nil {
			b.err = fmt.Errorf("marshal %s/%s: %w", hash, field, err)
		}
		return
	}
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HSet(ctx, hash, field, raw)
	})
}

func (b *Batch) del(keys ...string) {
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, keys...)
	})
}

func (b *Batch) hdel(hash string, fields ...string) {
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HDel(ctx, hash, fields...)
	})
}

// ReplaceUserLooks overwrites the user's private look collection wholesale.
// The private collection is never partially patched.
func (b *Batch) ReplaceUserLooks(email string, looks []Look) {
	if looks == nil {
		looks = []Look{}
	}
	b.setJSON(looksKey(email), looks)
}

func (b *Batch) ReplaceUserLookboards(email string, boards []Lookboard) {
	if boards == nil {
		boards = []Lookboard{}
	}
	b.setJSON(lookboardsKey(email), boards)
}

func (b *Batch) SetOverrides(email string, overrides Overrides) {
	if overrides == nil {
		overrides = Overrides{}
	}
	b.setJSON(overridesKey(email), overrides)
}

func (b *Batch) UpsertPublicLook(look Look) {
	b.hsetJSON(publicLooksHashKey, LookID(look.ID), look)
}

func (b *Batch) DeletePublicLooks(ids ...int64) {
	if len(ids) == 0 {
		return
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = LookID(id)
	}
	b.hdel(publicLooksHashKey, fields...)
}

func (b *Batch) UpsertPublicLookboard(board Lookboard) {
	b.hsetJSON(publicLookboardsHashKey, LookID(board.ID), board)
}

func (b *Batch) DeletePublicLookboards(ids ...int64) {
	if len(ids) == 0 {
		return
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = LookID(id)
	}
	b.hdel(publicLookboardsHashKey, fields...)
}

// UpsertBoardIndex rewrites the denormalized publicId lookup copy of a board.
func (b *Batch) UpsertBoardIndex(board Lookboard) {
	b.setJSON(publicIDKey(board.PublicID), board)
}

func (b *Batch) DeleteBoardIndex(publicID string) {
	b.del(publicIDKey(publicID))
}

func (b *Batch) DeleteInstance(id string) {
	b.del(instanceKey(id))
}

func (b *Batch) DeleteInstanceSet(publicID string) {
	b.del(instancesForBoardKey(publicID))
}

// Apply runs every queued operation in one atomic transaction.
func (s *Store) Apply(ctx context.Context, b *Batch) error {
	if b.err != nil {
		return b.err
	}
	if b.Len() == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range b.ops {
			op(ctx, pipe)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	return nil
}

// ApplyGuarded commits the batch only if the user's collection version still
// equals readVersion, and bumps the version inside the same transaction.
// Returns ErrVersionConflict when a concurrent commit for the same user won
// the read-then-write race.
func (s *Store) ApplyGuarded(ctx context.Context, email string, readVersion int64, b *Batch) error {
	if b.err != nil {
		return b.err
	}
	key := versionKey(email)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Int64()
		if err == redis.Nil {
			current = 0
		} else if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		if current != readVersion {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, op := range b.ops {
				op(ctx, pipe)
			}
			pipe.Incr(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil && !errors.Is(err, ErrVersionConflict) {
		return fmt.Errorf("apply guarded batch: %w", err)
	}
	return err
}
