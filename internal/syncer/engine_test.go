package syncer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lookboard/api/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { client.Close() })
	s := store.NewWithClient(client)
	return New(s), s, m
}

func privateLook(id int64, email string) store.Look {
	return store.Look{
		ID:         id,
		Model:      "nova",
		Visibility: store.VisibilityPrivate,
		CreatedBy:  email,
		CreatedAt:  1700000000000,
	}
}

func publicLook(id int64, email string) store.Look {
	look := privateLook(id, email)
	look.Visibility = store.VisibilityPublic
	return look
}

func privateBoard(id int64, publicID, email string, lookIDs ...int64) store.Lookboard {
	return store.Lookboard{
		ID:         id,
		PublicID:   publicID,
		Title:      "Spring",
		LookIDs:    lookIDs,
		Visibility: store.VisibilityPrivate,
		CreatedBy:  email,
		CreatedAt:  1700000000000,
	}
}

func publicBoard(id int64, publicID, email string, lookIDs ...int64) store.Lookboard {
	board := privateBoard(id, publicID, email, lookIDs...)
	board.Visibility = store.VisibilityPublic
	return board
}

func publicLookIDs(t *testing.T, s *store.Store) map[int64]store.Look {
	t.Helper()
	looks, err := s.PublicLooks(context.Background())
	if err != nil {
		t.Fatalf("PublicLooks failed: %v", err)
	}
	byID := make(map[int64]store.Look, len(looks))
	for _, look := range looks {
		byID[look.ID] = look
	}
	return byID
}

func TestCommitStoresPrivateAndPublicPartitions(t *testing.T) {
	engine, s, _ := newTestEngine(t)
	ctx := context.Background()

	looks := []store.Look{privateLook(1, "a@x.com"), publicLook(2, "a@x.com")}
	boards := []store.Lookboard{privateBoard(10, "pb-10", "a@x.com", 1, 2)}
	if err := engine.Commit(ctx, "a@x.com", looks, boards, store.Overrides{}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	private, err := s.UserLooks(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("UserLooks failed: %v", err)
	}
	if len(private) != 1 || private[0].ID != 1 {
		t.Fatalf("unexpected private looks: %+v", private)
	}

	public := publicLookIDs(t, s)
	if _, ok := public[2]; !ok {
		t.Fatal("public look 2 missing from hash")
	}
	if _, ok := public[1]; ok {
		t.Fatal("private look 1 leaked into public hash")
	}

	board, err := s.BoardByPublicID(ctx, "pb-10")
	if err != nil {
		t.Fatalf("index lookup failed: %v", err)
	}
	if board.ID != 10 {
		t.Fatalf("unexpected indexed board: %+v", board)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	engine, s, _ := newTestEngine(t)
	ctx := context.Background()

	looks := []store.Look{privateLook(1, "a@x.com"), publicLook(2, "a@x.com")}
	boards := []store.Lookboard{publicBoard(10, "pb-10", "a@x.com", 1, 2)}
	overrides := store.Overrides{"1": {FinalImage: "https://cdn/x.png"}}

	if err := engine.Commit(ctx, "a@x.com", looks, boards, overrides); err != nil {
		t.Fatalf("first Commit failed: %v", err)
	}
	versionAfterFirst, _ := s.CollectionVersion(ctx, "a@x.com")

	if err := engine.Commit(ctx, "a@x.com", looks, boards, overrides); err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}
	versionAfterSecond, _ := s.CollectionVersion(ctx, "a@x.com")

	// An identical resubmission is an empty delta: no batch, no version bump.
	if versionAfterFirst != versionAfterSecond {
		t.Fatalf("second commit was not a no-op: version %d -> %d", versionAfterFirst, versionAfterSecond)
	}

	private, _ := s.UserLooks(ctx, "a@x.com")
	if len(private) != 1 {
		t.Fatalf("unexpected private looks after resubmission: %+v", private)
	}
	public := publicLookIDs(t, s)
	if len(public) != 1 {
		t.Fatalf("unexpected public looks after resubmission: %+v", public)
	}
}

func TestPartitionExclusivityOnVisibilityFlip(t *testing.T) {
	engine, s, _ := newTestEngine(t)
	ctx := context.Background()

	// user A has looks:{a@x.com} = [L1(private)]
	if err := engine.Commit(ctx, "a@x.com", []store.Look{privateLook(1, "a@x.com")}, nil, nil); err != nil {
		t.Fatalf("seed Commit failed: %v", err)
	}

	// submits newLooks=[L1 with visibility public]
	if err := engine.Commit(ctx, "a@x.com", []store.Look{publicLook(1, "a@x.com")}, nil, nil); err != nil {
		t.Fatalf("flip Commit failed: %v", err)
	}

	private, _ := s.UserLooks(ctx, "a@x.com")
	if len(private) != 0 {
		t.Fatalf("expected empty private collection, got %+v", private)
	}
	public := publicLookIDs(t, s)
	if _, ok := public[1]; !ok {
		t.Fatal("look 1 missing from public hash after flip")
	}
}

func TestStalePublicCopyDeletedWhenPrivateWins(t *testing.T) {
	engine, s, m := newTestEngine(t)
	ctx := context.Background()

	// Stale public copy owned by the user, plus the same id resubmitted
	// private: the submitted state wins, no duplicate survives.
	stale, _ := json.Marshal(publicLook(1, "a@x.com"))
	m.HSet("public_looks_hash", "1", string(stale))

	if err := engine.Commit(ctx, "a@x.com", []store.Look{privateLook(1, "a@x.com")}, nil, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	public := publicLookIDs(t, s)
	if _, ok := public[1]; ok {
		t.Fatal("stale public copy survived")
	}
	private, _ := s.UserLooks(ctx, "a@x.com")
	if len(private) != 1 || private[0].Visibility != store.VisibilityPrivate {
		t.Fatalf("unexpected private collection: %+v", private)
	}
}

func TestDeleteCompletenessAcrossPartitions(t *testing.T) {
	engine, s, _ := newTestEngine(t)
	ctx := context.Background()

	looks := []store.Look{privateLook(1, "a@x.com"), publicLook(2, "a@x.com")}
	if err := engine.Commit(ctx, "a@x.com", looks, nil, nil); err != nil {
		t.Fatalf("seed Commit failed: %v", err)
	}

	// Submit empty state: both looks are deleted regardless of partition.
	if err := engine.Commit(ctx, "a@x.com", nil, nil, nil); err != nil {
		t.Fatalf("delete Commit failed: %v", err)
	}

	private, _ := s.UserLooks(ctx, "a@x.com")
	if len(private) != 0 {
		t.Fatalf("private partition not emptied: %+v", private)
	}
	public := publicLookIDs(t, s)
	if len(public) != 0 {
		t.Fatalf("public partition not emptied: %+v", public)
	}
}

func TestCommitDoesNotDisturbOtherUsers(t *testing.T) {
	engine, s, _ := newTestEngine(t)
	ctx := context.Background()

	if err := engine.Commit(ctx, "b@x.com", []store.Look{publicLook(50, "b@x.com")}, nil, nil); err != nil {
		t.Fatalf("seed Commit for b failed: %v", err)
	}
	if err := engine.Commit(ctx, "a@x.com", []store.Look{publicLook(1, "a@x.com")}, nil, nil); err != nil {
		t.Fatalf("Commit for a failed: %v", err)
	}

	// a submits empty state; b's public look must survive.
	if err := engine.Commit(ctx, "a@x.com", nil, nil, nil); err != nil {
		t.Fatalf("delete Commit failed: %v", err)
	}

	public := publicLookIDs(t, s)
	if _, ok := public[50]; !ok {
		t.Fatal("another user's public look was deleted")
	}
	if _, ok := public[1]; ok {
		t.Fatal("a's deleted look survived")
	}
}

func TestCrossUserPublicLooksPassThrough(t *testing.T) {
	engine, s, _ := newTestEngine(t)
	ctx := context.Background()

	// b's public look arrives embedded in a's payload (the client fetched it
	// for a board reference). It is folded into the public hash and never
	// written to a's private collection.
	foreign := publicLook(50, "b@x.com")
	foreign.Model = "updated-by-refresh"
	payload := []store.Look{privateLook(1, "a@x.com"), foreign}

	if err := engine.Commit(ctx, "a@x.com", payload, nil, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	private, _ := s.UserLooks(ctx, "a@x.com")
	if len(private) != 1 || private[0].ID != 1 {
		t.Fatalf("foreign look leaked into private collection: %+v", private)
	}
	public := publicLookIDs(t, s)
	if got := public[50].Model; got != "updated-by-refresh" {
		t.Fatalf("pass-through write missing, model = %q", got)
	}
}

func TestPublicIDIndexFollowsBoardUpdates(t *testing.T) {
	engine, s, _ := newTestEngine(t)
	ctx := context.Background()

	board := publicBoard(10, "pb-10", "a@x.com", 1)
	if err := engine.Commit(ctx, "a@x.com", nil, []store.Lookboard{board}, nil); err != nil {
		t.Fatalf("seed Commit failed: %v", err)
	}

	board.Title = "Summer"
	if err := engine.Commit(ctx, "a@x.com", nil, []store.Lookboard{board}, nil); err != nil {
		t.Fatalf("update Commit failed: %v", err)
	}

	indexed, err := s.BoardByPublicID(ctx, "pb-10")
	if err != nil {
		t.Fatalf("index lookup failed: %v", err)
	}
	if indexed.Title != "Summer" {
		t.Fatalf("index stale, title = %q", indexed.Title)
	}
}

func TestPrivateBoardIsStillIndexed(t *testing.T) {
	engine, s, _ := newTestEngine(t)
	ctx := context.Background()

	board := privateBoard(10, "pb-10", "a@x.com", 1)
	if err := engine.Commit(ctx, "a@x.com", nil, []store.Lookboard{board}, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if _, err := s.BoardByPublicID(ctx, "pb-10"); err != nil {
		t.Fatalf("private board must be resolvable by publicId: %v", err)
	}
}

func TestDeletedBoardCascadesInstances(t *testing.T) {
	engine, s, m := newTestEngine(t)
	ctx := context.Background()

	board := publicBoard(10, "abc123", "a@x.com", 1)
	if err := engine.Commit(ctx, "a@x.com", nil, []store.Lookboard{board}, nil); err != nil {
		t.Fatalf("seed Commit failed: %v", err)
	}

	for _, id := range []string{"inst_1", "inst_2", "inst_3"} {
		instance := store.Instance{ID: id, LookboardPublicID: "abc123", SharedBy: "a@x.com"}
		if err := s.CreateInstance(ctx, instance, 90*24*time.Hour); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}
	}

	// Owner deletes the board by submitting a state without it.
	if err := engine.Commit(ctx, "a@x.com", nil, nil, nil); err != nil {
		t.Fatalf("delete Commit failed: %v", err)
	}

	for _, id := range []string{"inst_1", "inst_2", "inst_3"} {
		if _, err := s.Instance(ctx, id); err != store.ErrNotFound {
			t.Fatalf("instance %s survived cascade: %v", id, err)
		}
	}
	if m.Exists("instances_for_board:abc123") {
		t.Fatal("instance index set survived cascade")
	}
	if _, err := s.BoardByPublicID(ctx, "abc123"); err != store.ErrNotFound {
		t.Fatalf("publicId index entry survived: %v", err)
	}
}

func TestVisibilityFlipKeepsBoardIndexAndInstances(t *testing.T) {
	engine, s, _ := newTestEngine(t)
	ctx := context.Background()

	board := publicBoard(10, "pb-10", "a@x.com", 1)
	if err := engine.Commit(ctx, "a@x.com", nil, []store.Lookboard{board}, nil); err != nil {
		t.Fatalf("seed Commit failed: %v", err)
	}
	instance := store.Instance{ID: "inst_1", LookboardPublicID: "pb-10", SharedBy: "a@x.com"}
	if err := s.CreateInstance(ctx, instance, time.Hour); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	board.Visibility = store.VisibilityPrivate
	if err := engine.Commit(ctx, "a@x.com", nil, []store.Lookboard{board}, nil); err != nil {
		t.Fatalf("flip Commit failed: %v", err)
	}

	// The board survives under the same publicId, so its share links do too.
	if _, err := s.Instance(ctx, "inst_1"); err != nil {
		t.Fatalf("instance deleted on visibility flip: %v", err)
	}
	indexed, err := s.BoardByPublicID(ctx, "pb-10")
	if err != nil {
		t.Fatalf("index entry deleted on visibility flip: %v", err)
	}
	if indexed.Visibility != store.VisibilityPrivate {
		t.Fatalf("index not updated, visibility = %q", indexed.Visibility)
	}

	boards, _ := s.PublicLookboards(ctx)
	if len(boards) != 0 {
		t.Fatalf("board still in public hash after flip: %+v", boards)
	}
}

func TestOverridesWrittenWithCommit(t *testing.T) {
	engine, s, _ := newTestEngine(t)
	ctx := context.Background()

	overrides := store.Overrides{"1": {FinalImage: "https://cdn/alt.png"}}
	if err := engine.Commit(ctx, "a@x.com", []store.Look{privateLook(1, "a@x.com")}, nil, overrides); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	stored, err := s.Overrides(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("Overrides failed: %v", err)
	}
	if stored["1"].FinalImage != "https://cdn/alt.png" {
		t.Fatalf("override not stored: %+v", stored)
	}
}

func TestNilOverridesLeaveStoredOnesAlone(t *testing.T) {
	engine, s, _ := newTestEngine(t)
	ctx := context.Background()

	overrides := store.Overrides{"1": {FinalImage: "https://cdn/alt.png"}}
	if err := engine.Commit(ctx, "a@x.com", []store.Look{privateLook(1, "a@x.com")}, nil, overrides); err != nil {
		t.Fatalf("seed Commit failed: %v", err)
	}

	if err := engine.Commit(ctx, "a@x.com", []store.Look{privateLook(1, "a@x.com"), privateLook(2, "a@x.com")}, nil, nil); err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}

	stored, _ := s.Overrides(ctx, "a@x.com")
	if stored["1"].FinalImage != "https://cdn/alt.png" {
		t.Fatalf("stored overrides lost: %+v", stored)
	}
}

func TestCommitEmailNormalization(t *testing.T) {
	engine, s, _ := newTestEngine(t)
	ctx := context.Background()

	if err := engine.Commit(ctx, "  A@X.com ", []store.Look{privateLook(1, "a@x.com")}, nil, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	private, _ := s.UserLooks(ctx, "a@x.com")
	if len(private) != 1 {
		t.Fatalf("collection not keyed by canonical email: %+v", private)
	}
}

func TestRebuildNormalizesPartitions(t *testing.T) {
	engine, s, m := newTestEngine(t)
	ctx := context.Background()

	// A look stranded in the wrong partition: marked public but sitting in
	// the private collection (manual edit or old bug).
	stranded, _ := json.Marshal([]store.Look{publicLook(1, "a@x.com")})
	m.Set("looks:a@x.com", string(stranded))

	if err := engine.Rebuild(ctx, "a@x.com"); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	private, _ := s.UserLooks(ctx, "a@x.com")
	if len(private) != 0 {
		t.Fatalf("public look left in private collection: %+v", private)
	}
	public := publicLookIDs(t, s)
	if _, ok := public[1]; !ok {
		t.Fatal("public look missing from hash after rebuild")
	}
}
