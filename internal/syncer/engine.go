// Package syncer reconciles a user's complete submitted look/lookboard state
// against the stored private and public partitions. It computes the minimal
// set of repository writes (upserts, deletions, index rebuilds, share-instance
// cascade cleanup) and applies them as one atomic, version-guarded batch.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lookboard/api/internal/store"
)

const commitRetries = 3

type Engine struct {
	store *store.Store
}

func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Commit takes the complete desired post-state of a user's owned looks and
// lookboards (not a patch) and moves the store to it without disturbing other
// users' entities. Re-running with an unchanged payload is a no-op, so client
// retries after a network failure are safe. A nil overrides map leaves the
// stored overrides untouched.
func (e *Engine) Commit(ctx context.Context, email string, newLooks []store.Look, newBoards []store.Lookboard, overrides store.Overrides) error {
	email = store.CanonicalEmail(email)
	if email == "" {
		return errors.New("email is required")
	}

	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		err := e.commitOnce(ctx, email, newLooks, newBoards, overrides)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		// Concurrent commit for the same user won the race; re-read and retry.
		lastErr = err
	}
	return lastErr
}

func (e *Engine) commitOnce(ctx context.Context, email string, newLooks []store.Look, newBoards []store.Lookboard, overrides store.Overrides) error {
	// Read phase. Any failure here aborts before a single write is issued.
	version, err := e.store.CollectionVersion(ctx, email)
	if err != nil {
		return err
	}
	oldPrivateLooks, err := e.store.UserLooks(ctx, email)
	if err != nil {
		return err
	}
	publicLooks, err := e.store.PublicLooks(ctx)
	if err != nil {
		return err
	}
	oldPrivateBoards, err := e.store.UserLookboards(ctx, email)
	if err != nil {
		return err
	}
	publicBoards, err := e.store.PublicLookboards(ctx)
	if err != nil {
		return err
	}
	storedOverrides, err := e.store.Overrides(ctx, email)
	if err != nil {
		return err
	}

	lookPlan := diffLooks(email, oldPrivateLooks, publicLooks, newLooks)
	boardPlan := diffBoards(email, oldPrivateBoards, publicBoards, newBoards)

	// A deleted board must not leave orphaned, still-resolvable share links:
	// collect every instance hanging off each deleted board before writing.
	cascade := make(map[string][]string, len(boardPlan.deletedPublicIDs))
	for _, publicID := range boardPlan.deletedPublicIDs {
		ids, err := e.store.InstanceIDsForBoard(ctx, publicID)
		if err != nil {
			return err
		}
		cascade[publicID] = ids
	}

	batch := store.NewBatch()

	if lookPlan.privateChanged {
		batch.ReplaceUserLooks(email, lookPlan.newPrivate)
	}
	for _, look := range lookPlan.publicUpserts {
		batch.UpsertPublicLook(look)
	}
	batch.DeletePublicLooks(lookPlan.publicDeletes...)

	if boardPlan.privateChanged {
		batch.ReplaceUserLookboards(email, boardPlan.newPrivate)
	}
	for _, board := range boardPlan.publicUpserts {
		batch.UpsertPublicLookboard(board)
	}
	batch.DeletePublicLookboards(boardPlan.publicDeletes...)

	for _, board := range boardPlan.indexUpserts {
		batch.UpsertBoardIndex(board)
	}
	for _, publicID := range boardPlan.deletedPublicIDs {
		batch.DeleteBoardIndex(publicID)
		for _, id := range cascade[publicID] {
			batch.DeleteInstance(id)
		}
		batch.DeleteInstanceSet(publicID)
	}

	if overrides != nil && !jsonEqual(normalizeOverrides(overrides), normalizeOverrides(storedOverrides)) {
		batch.SetOverrides(email, overrides)
	}

	// Identical resubmission produces an empty delta everywhere; skip the
	// transaction (and the version bump) entirely.
	if batch.Len() == 0 {
		return nil
	}
	return e.store.ApplyGuarded(ctx, email, version, batch)
}

type lookDelta struct {
	newPrivate     []store.Look
	privateChanged bool
	publicUpserts  []store.Look
	publicDeletes  []int64
}

// diffLooks partitions the submitted state and computes the look delta.
// Submitted entries created by other users pass through into the public hash
// unchanged (the client may re-submit cross-user public content it fetched);
// they are never written to any private collection.
func diffLooks(email string, oldPrivate, public, submitted []store.Look) lookDelta {
	oldPublicOwned := make(map[int64]store.Look)
	publicByID := make(map[int64]store.Look, len(public))
	for _, look := range public {
		publicByID[look.ID] = look
		if look.CreatedBy == email {
			oldPublicOwned[look.ID] = look
		}
	}

	oldAllIDs := make(map[int64]struct{}, len(oldPrivate)+len(oldPublicOwned))
	for _, look := range oldPrivate {
		oldAllIDs[look.ID] = struct{}{}
	}
	for id := range oldPublicOwned {
		oldAllIDs[id] = struct{}{}
	}

	var newPrivate []store.Look
	var publicCandidates []store.Look
	newOwnedIDs := make(map[int64]struct{})
	newPrivateIDs := make(map[int64]struct{})
	for _, look := range submitted {
		switch {
		case look.CreatedBy == email && look.Visibility == store.VisibilityPublic:
			newOwnedIDs[look.ID] = struct{}{}
			publicCandidates = append(publicCandidates, look)
		case look.CreatedBy == email:
			newOwnedIDs[look.ID] = struct{}{}
			newPrivateIDs[look.ID] = struct{}{}
			newPrivate = append(newPrivate, look)
		case look.Visibility == store.VisibilityPublic:
			publicCandidates = append(publicCandidates, look)
		}
	}

	delta := lookDelta{newPrivate: newPrivate}

	// Whichever copy appears in the submitted state wins an id collision
	// across partitions; the stale opposite-partition copy is deleted here.
	for id := range oldAllIDs {
		_, stillOwned := newOwnedIDs[id]
		_, wasPublic := oldPublicOwned[id]
		_, nowPrivate := newPrivateIDs[id]
		if wasPublic && (!stillOwned || nowPrivate) {
			delta.publicDeletes = append(delta.publicDeletes, id)
		}
	}

	for _, look := range publicCandidates {
		if stored, ok := publicByID[look.ID]; ok && jsonEqual(look, stored) {
			continue
		}
		delta.publicUpserts = append(delta.publicUpserts, look)
	}

	delta.privateChanged = !jsonEqual(normalizeLooks(newPrivate), normalizeLooks(oldPrivate))
	return delta
}

type boardDelta struct {
	newPrivate       []store.Lookboard
	privateChanged   bool
	publicUpserts    []store.Lookboard
	publicDeletes    []int64
	indexUpserts     []store.Lookboard
	deletedPublicIDs []string
}

// diffBoards mirrors diffLooks and additionally diffs the publicId set to
// keep the publicId → lookboard index consistent. Boards never pass through
// for other users.
func diffBoards(email string, oldPrivate, public, submitted []store.Lookboard) boardDelta {
	oldAll := make(map[int64]store.Lookboard)
	oldPublicOwned := make(map[int64]store.Lookboard)
	publicByID := make(map[int64]store.Lookboard, len(public))
	for _, board := range public {
		publicByID[board.ID] = board
		if board.CreatedBy == email {
			oldPublicOwned[board.ID] = board
			oldAll[board.ID] = board
		}
	}
	for _, board := range oldPrivate {
		oldAll[board.ID] = board
	}

	var newPrivate []store.Lookboard
	var newPublic []store.Lookboard
	newOwned := make(map[int64]store.Lookboard)
	newPrivateIDs := make(map[int64]struct{})
	newPublicIDSet := make(map[string]struct{})
	for _, board := range submitted {
		if board.CreatedBy != email {
			continue
		}
		newOwned[board.ID] = board
		newPublicIDSet[board.PublicID] = struct{}{}
		if board.Visibility == store.VisibilityPublic {
			newPublic = append(newPublic, board)
		} else {
			newPrivateIDs[board.ID] = struct{}{}
			newPrivate = append(newPrivate, board)
		}
	}

	delta := boardDelta{newPrivate: newPrivate}

	for id, old := range oldAll {
		_, stillOwned := newOwned[id]
		if !stillOwned {
			delta.deletedPublicIDs = append(delta.deletedPublicIDs, old.PublicID)
		}
		_, wasPublic := oldPublicOwned[id]
		_, nowPrivate := newPrivateIDs[id]
		if wasPublic && (!stillOwned || nowPrivate) {
			delta.publicDeletes = append(delta.publicDeletes, id)
		}
	}
	// A board whose publicId survives in the submitted state is not deleted,
	// even if its record changed partition.
	delta.deletedPublicIDs = filterSurviving(delta.deletedPublicIDs, newPublicIDSet)

	for _, board := range newPublic {
		if stored, ok := publicByID[board.ID]; ok && jsonEqual(board, stored) {
			continue
		}
		delta.publicUpserts = append(delta.publicUpserts, board)
	}

	// The index entry tracks the latest committed copy of every owned board,
	// public or private: private boards are still shareable by publicId.
	for id, board := range newOwned {
		if old, ok := oldAll[id]; ok && jsonEqual(board, old) {
			continue
		}
		delta.indexUpserts = append(delta.indexUpserts, board)
	}

	delta.privateChanged = !jsonEqual(normalizeBoards(newPrivate), normalizeBoards(oldPrivate))
	return delta
}

func filterSurviving(publicIDs []string, surviving map[string]struct{}) []string {
	out := publicIDs[:0]
	for _, id := range publicIDs {
		if _, ok := surviving[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func normalizeLooks(looks []store.Look) []store.Look {
	if looks == nil {
		return []store.Look{}
	}
	return looks
}

func normalizeBoards(boards []store.Lookboard) []store.Lookboard {
	if boards == nil {
		return []store.Lookboard{}
	}
	return boards
}

func normalizeOverrides(overrides store.Overrides) store.Overrides {
	if overrides == nil {
		return store.Overrides{}
	}
	return overrides
}

func jsonEqual(a, b any) bool {
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(rawA) == string(rawB)
}

// Rebuild re-commits a user's current merged state through the normal diff
// path. Administrative repair: it normalizes partition placement and the
// publicId index without changing any entity.
func (e *Engine) Rebuild(ctx context.Context, email string) error {
	email = store.CanonicalEmail(email)
	privateLooks, err := e.store.UserLooks(ctx, email)
	if err != nil {
		return err
	}
	publicLooks, err := e.store.PublicLooks(ctx)
	if err != nil {
		return err
	}
	privateBoards, err := e.store.UserLookboards(ctx, email)
	if err != nil {
		return err
	}
	publicBoards, err := e.store.PublicLookboards(ctx)
	if err != nil {
		return err
	}

	looks := append([]store.Look{}, privateLooks...)
	for _, look := range publicLooks {
		if look.CreatedBy == email {
			looks = append(looks, look)
		}
	}
	boards := append([]store.Lookboard{}, privateBoards...)
	for _, board := range publicBoards {
		if board.CreatedBy == email {
			boards = append(boards, board)
		}
	}
	if err := e.Commit(ctx, email, looks, boards, nil); err != nil {
		return fmt.Errorf("rebuild %s: %w", email, err)
	}
	return nil
}
