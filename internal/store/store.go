// Package store is the single authority over the external key/value store.
// Every other package reads and writes through it; partition and index
// invariants are enforced here and in the synchronization engine, never
// re-implemented per endpoint.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound marks an entity, instance, or user that is absent or expired.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt marks a directly requested record that failed to deserialize.
	ErrCorrupt = errors.New("corrupt record")
	// ErrVersionConflict marks a guarded commit that lost the read-then-write
	// race against a concurrent commit for the same user.
	ErrVersionConflict = errors.New("version conflict")
)

type Store struct {
	client *redis.Client
}

func New(redisURL string) (*Store, error) {
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

	return &Store{client: client}, nil
}

// NewWithClient creates a store from an existing Redis client.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// decodeValue deserializes one stored record. It is the one deserialization
// path for the whole store: callers get either a value or a corruption
// signal, never a type branch.
func decodeValue[T any](raw string, out *T) bool {
	return json.Unmarshal([]byte(raw), out) == nil
}

// getJSON reads a single required record. A missing key is ErrNotFound and a
// record that fails to parse is ErrCorrupt. Direct reads are hard errors,
// unlike collection scans which skip bad entries.
func getJSON[T any](ctx context.Context, s *Store, key string, out *T) error {
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if !decodeValue(raw, out) {
		return fmt.Errorf("%w: %s", ErrCorrupt, key)
	}
	return nil
}

// Per-user collections

// UserLooks returns the user's private look collection. A missing key is an
// empty collection.
func (s *Store) UserLooks(ctx context.Context, email string) ([]Look, error) {
	var looks []Look
	err := getJSON(ctx, s, looksKey(email), &looks)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return looks, err
}

// UserLookboards returns the user's private lookboard collection.
func (s *Store) UserLookboards(ctx context.Context, email string) ([]Lookboard, error) {
	var boards []Lookboard
	err := getJSON(ctx, s, lookboardsKey(email), &boards)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return boards, err
}

// Overrides returns the user's look overrides map. A missing key is an empty
// map.
func (s *Store) Overrides(ctx context.Context, email string) (Overrides, error) {
	var overrides Overrides
	err := getJSON(ctx, s, overridesKey(email), &overrides)
	if errors.Is(err, ErrNotFound) {
		return Overrides{}, nil
	}
	if err != nil {
		return nil, err
	}
	if overrides == nil {
		overrides = Overrides{}
	}
	return overrides, nil
}

// CollectionVersion returns the monotonic commit version for a user's
// collections. A user who has never committed is at version 0.
func (s *Store) CollectionVersion(ctx context.Context, email string) (int64, error) {
	version, err := s.client.Get(ctx, versionKey(email)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", versionKey(email), err)
	}
	return version, nil
}

// Global public hashes

// PublicLooks returns every look in the global public hash. Entries that fail
// to deserialize are logged and skipped so the rest of the hash stays
// servable.
func (s *Store) PublicLooks(ctx context.Context) ([]Look, error) {
	fields, err := s.client.HGetAll(ctx, publicLooksHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", publicLooksHashKey, err)
	}
	looks := make([]Look, 0, len(fields))
	for field, raw := range fields {
		var look Look
		if !decodeValue(raw, &look) {
			log.Printf("skipping corrupt entry %s in %s", field, publicLooksHashKey)
			continue
		}
		looks = append(looks, look)
	}
	return looks, nil
}

// PublicLookboards returns every lookboard in the global public hash,
// skipping corrupt entries.
func (s *Store) PublicLookboards(ctx context.Context) ([]Lookboard, error) {
	fields, err := s.client.HGetAll(ctx, publicLookboardsHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", publicLookboardsHashKey, err)
	}
	boards := make([]Lookboard, 0, len(fields))
	for field, raw := range fields {
		var board Lookboard
		if !decodeValue(raw, &board) {
			log.Printf("skipping corrupt entry %s in %s", field, publicLookboardsHashKey)
			continue
		}
		boards = append(boards, board)
	}
	return boards, nil
}

// publicId index

// BoardByPublicID resolves a share-link token to its denormalized lookboard
// copy without scanning any collection.
func (s *Store) BoardByPublicID(ctx context.Context, publicID string) (Lookboard, error) {
	var board Lookboard
	err := getJSON(ctx, s, publicIDKey(publicID), &board)
	return board, err
}

// Share instances

func (s *Store) Instance(ctx context.Context, id string) (Instance, error) {
	var instance Instance
	err := getJSON(ctx, s, instanceKey(id), &instance)
	return instance, err
}

// CreateInstance writes the instance record with its retention TTL and adds
// its id to the board's instance set in one atomic batch.
func (s *Store) CreateInstance(ctx context.Context, instance Instance, ttl time.Duration) error {
	raw, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, instanceKey(instance.ID), raw, ttl)
		pipe.SAdd(ctx, instancesForBoardKey(instance.LookboardPublicID), instance.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create instance %s: %w", instance.ID, err)
	}
	return nil
}

// UpdateInstance rewrites an existing instance record preserving whatever TTL
// remains. An update must never extend or reset the retention clock.
func (s *Store) UpdateInstance(ctx context.Context, instance Instance) error {
	raw, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	if err := s.client.Set(ctx, instanceKey(instance.ID), raw, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update instance %s: %w", instance.ID, err)
	}
	return nil
}

// InstanceIDsForBoard returns the ids of every share instance layered on the
// given board. Used for cascade deletion when the board goes away.
func (s *Store) InstanceIDsForBoard(ctx context.Context, publicID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, instancesForBoardKey(publicID)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", instancesForBoardKey(publicID), err)
	}
	return ids, nil
}

// Users

func (s *Store) User(ctx context.Context, email string) (User, error) {
	var user User
	err := getJSON(ctx, s, userKey(email), &user)
	return user, err
}

func (s *Store) SaveUser(ctx context.Context, user User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := s.client.Set(ctx, userKey(user.Email), raw, 0).Err(); err != nil {
		return fmt.Errorf("save user %s: %w", user.Email, err)
	}
	return nil
}

func (s *Store) AddPendingUser(ctx context.Context, email string) error {
	if err := s.client.SAdd(ctx, pendingUsersKey, email).Err(); err != nil {
		return fmt.Errorf("add pending user: %w", err)
	}
	return nil
}

func (s *Store) RemovePendingUser(ctx context.Context, email string) error {
	if err := s.client.SRem(ctx, pendingUsersKey, email).Err(); err != nil {
		return fmt.Errorf("remove pending user: %w", err)
	}
	return nil
}

func (s *Store) PendingUsers(ctx context.Context) ([]string, error) {
	emails, err := s.client.SMembers(ctx, pendingUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", pendingUsersKey, err)
	}
	return emails, nil
}

// Ingestion chunks

// SaveChunk stores one bounded-size import slice under a key namespaced by
// (email, importId, chunkType, index) with a short expiration.
func (s *Store) SaveChunk(ctx context.Context, email, importID, chunkType string, index int, data json.RawMessage, ttl time.Duration) error {
	key := chunkKey(email, importID, chunkType, index)
	if err := s.client.Set(ctx, key, []byte(data), ttl).Err(); err != nil {
		return fmt.Errorf("save chunk %s: %w", key, err)
	}
	return nil
}

// Chunks fetches count slices of one type in a single multi-get. Missing or
// expired slices come back as nil entries; a count of zero skips the fetch
// entirely.
func (s *Store) Chunks(ctx context.Context, email, importID, chunkType string, count int) ([]json.RawMessage, error) {
	if count <= 0 {
		return nil, nil
	}
	keys := make([]string, count)
	for i := range keys {
		keys[i] = chunkKey(email, importID, chunkType, i)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget chunks: %w", err)
	}
	chunks := make([]json.RawMessage, 0, count)
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			chunks = append(chunks, nil)
			continue
		}
		chunks = append(chunks, json.RawMessage(raw))
	}
	return chunks, nil
}

// DeleteChunks removes all chunk keys for an import. Best-effort: an error
// here never fails the commit, the keys expire on their own anyway.
func (s *Store) DeleteChunks(ctx context.Context, email, importID string, lookCount, boardCount int) {
	keys := make([]string, 0, lookCount+boardCount)
	for i := 0; i < lookCount; i++ {
		keys = append(keys, chunkKey(email, importID, ChunkTypeLooks, i))
	}
	for i := 0; i < boardCount; i++ {
		keys = append(keys, chunkKey(email, importID, ChunkTypeLookboards, i))
	}
	if len(keys) == 0 {
		return
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		log.Printf("chunk cleanup for import %s failed: %v", importID, err)
	}
}

const (
	ChunkTypeLooks      = "looks"
	ChunkTypeLookboards = "lookboards"
)

// Misc

func (s *Store) Logo(ctx context.Context) (string, error) {
	logo, err := s.client.Get(ctx, logoKey).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", logoKey, err)
	}
	return logo, nil
}

func (s *Store) SaveLogo(ctx context.Context, dataURI string) error {
	if err := s.client.Set(ctx, logoKey, dataURI, 0).Err(); err != nil {
		return fmt.Errorf("save logo: %w", err)
	}
	return nil
}

// PrivateCollectionEmails lists every user that has a private collection of
// the given kind ("looks" or "lookboards"). Used by administrative repair
// jobs only.
func (s *Store) PrivateCollectionEmails(ctx context.Context, kind string) ([]string, error) {
	keys, err := s.client.Keys(ctx, kind+":*").Result()
	if err != nil {
		return nil, fmt.Errorf("keys %s:*: %w", kind, err)
	}
	emails := make([]string, 0, len(keys))
	for _, key := range keys {
		emails = append(emails, key[len(kind)+1:])
	}
	return emails, nil
}

// LookID renders a look id the way hash fields and override keys expect it.
func LookID(id int64) string {
	return strconv.FormatInt(id, 10)
}
