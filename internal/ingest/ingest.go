// Package ingest reassembles large import payloads that the transport's body
// limit forces the client to split. Chunks are stored under short-lived keys
// and the expensive synchronization diff runs once, after all pieces arrived.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"lookboard/api/internal/store"
	"lookboard/api/internal/syncer"
)

type Service struct {
	store    *store.Store
	engine   *syncer.Engine
	chunkTTL time.Duration
}

func New(s *store.Store, engine *syncer.Engine, chunkTTL time.Duration) *Service {
	return &Service{store: s, engine: engine, chunkTTL: chunkTTL}
}

// ChunkCounts says how many slices of each type the client uploaded for one
// import.
type ChunkCounts struct {
	Looks      int `json:"looks"`
	Lookboards int `json:"lookboards"`
}

// SaveChunk stores one bounded-size slice. Chunks are independent of upload
// order and safe to resend: rewriting the same slice is idempotent.
func (s *Service) SaveChunk(ctx context.Context, email, importID string, index int, chunkType string, data json.RawMessage) error {
	email = store.CanonicalEmail(email)
	if email == "" || importID == "" {
		return errors.New("email and importId are required")
	}
	if chunkType != store.ChunkTypeLooks && chunkType != store.ChunkTypeLookboards {
		return fmt.Errorf("unknown chunk type %q", chunkType)
	}
	if index < 0 {
		return errors.New("chunk index must not be negative")
	}
	return s.store.SaveChunk(ctx, email, importID, chunkType, index, data, s.chunkTTL)
}

// CommitChunks reassembles every stored slice of both types, hands the
// flattened arrays to the synchronization engine, and deletes the chunk keys
// regardless of the commit outcome. Missing or expired slices are treated as
// absent data.
func (s *Service) CommitChunks(ctx context.Context, email, importID string, counts ChunkCounts, overrides store.Overrides) error {
	email = store.CanonicalEmail(email)
	if email == "" || importID == "" {
		return errors.New("email and importId are required")
	}

	looks, err := reassemble[store.Look](ctx, s.store, email, importID, store.ChunkTypeLooks, counts.Looks)
	if err != nil {
		return err
	}
	boards, err := reassemble[store.Lookboard](ctx, s.store, email, importID, store.ChunkTypeLookboards, counts.Lookboards)
	if err != nil {
		return err
	}

	defer s.store.DeleteChunks(ctx, email, importID, counts.Looks, counts.Lookboards)

	return s.engine.Commit(ctx, email, looks, boards, overrides)
}

// reassemble flattens the stored slices of one type. A zero count skips the
// fetch entirely (a multi-get with zero keys is never issued); slices that
// fail to decode are logged and skipped like any other corrupt scan entry.
func reassemble[T any](ctx context.Context, s *store.Store, email, importID, chunkType string, count int) ([]T, error) {
	if count <= 0 {
		return nil, nil
	}
	chunks, err := s.Chunks(ctx, email, importID, chunkType, count)
	if err != nil {
		return nil, err
	}
	var items []T
	for i, chunk := range chunks {
		if chunk == nil {
			continue
		}
		var slice []T
		if err := json.Unmarshal(chunk, &slice); err != nil {
			log.Printf("skipping corrupt %s chunk %d of import %s: %v", chunkType, i, importID, err)
			continue
		}
		items = append(items, slice...)
	}
	return items, nil
}
