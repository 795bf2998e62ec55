package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"lookboard/api/internal/authpw"
	"lookboard/api/internal/config"
	"lookboard/api/internal/ingest"
	"lookboard/api/internal/share"
	"lookboard/api/internal/store"
	"lookboard/api/internal/syncer"
)

type Service struct {
	cfg    config.Config
	store  *store.Store
	engine *syncer.Engine
	ingest *ingest.Service
	share  *share.Service
	auth   *authpw.Service
}

func New(cfg config.Config, s *store.Store) *Service {
	engine := syncer.New(s)
	return &Service{
		cfg:    cfg,
		store:  s,
		engine: engine,
		ingest: ingest.New(s, engine, cfg.ChunkTTL),
		share:  share.New(s, cfg.InstanceTTL),
		auth:   authpw.NewService(s),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// UserData is the merged view one stylist works from: their own private
// entities plus everything public, and their overrides.
type UserData struct {
	Looks      []store.Look      `json:"looks"`
	Lookboards []store.Lookboard `json:"lookboards"`
	Overrides  store.Overrides   `json:"overrides"`
}

func (s *Service) Data(ctx context.Context, email string) (UserData, error) {
	email = store.CanonicalEmail(email)
	if email == "" {
		return UserData{}, validationError("email is required")
	}

	privateLooks, err := s.store.UserLooks(ctx, email)
	if err != nil {
		return UserData{}, err
	}
	publicLooks, err := s.store.PublicLooks(ctx)
	if err != nil {
		return UserData{}, err
	}
	privateBoards, err := s.store.UserLookboards(ctx, email)
	if err != nil {
		return UserData{}, err
	}
	publicBoards, err := s.store.PublicLookboards(ctx)
	if err != nil {
		return UserData{}, err
	}
	overrides, err := s.store.Overrides(ctx, email)
	if err != nil {
		return UserData{}, err
	}

	data := UserData{
		Looks:      append(append([]store.Look{}, privateLooks...), publicLooks...),
		Lookboards: append(append([]store.Lookboard{}, privateBoards...), publicBoards...),
		Overrides:  overrides,
	}
	return data, nil
}

// /data actions

func (s *Service) SaveChunk(ctx context.Context, email, importID string, index int, chunkType string, data json.RawMessage) error {
	if store.CanonicalEmail(email) == "" || importID == "" {
		return validationError("email and importId are required")
	}
	if chunkType != store.ChunkTypeLooks && chunkType != store.ChunkTypeLookboards {
		return validationError("chunkType must be %q or %q", store.ChunkTypeLooks, store.ChunkTypeLookboards)
	}
	if index < 0 {
		return validationError("chunkIndex must not be negative")
	}
	return s.ingest.SaveChunk(ctx, email, importID, index, chunkType, data)
}

func (s *Service) CommitChunks(ctx context.Context, email, importID string, counts ingest.ChunkCounts, overrides store.Overrides) error {
	if store.CanonicalEmail(email) == "" || importID == "" {
		return validationError("email and importId are required")
	}
	return s.ingest.CommitChunks(ctx, email, importID, counts, overrides)
}

func (s *Service) SaveOverrides(ctx context.Context, email string, overrides store.Overrides) error {
	email = store.CanonicalEmail(email)
	if email == "" {
		return validationError("email is required")
	}
	batch := store.NewBatch()
	batch.SetOverrides(email, overrides)
	return s.store.Apply(ctx, batch)
}

// /board actions

func (s *Service) ShareBoard(ctx context.Context, in share.CreateInput) (store.Instance, error) {
	in.SharedBy = store.CanonicalEmail(in.SharedBy)
	if in.SharedBy == "" || in.PublicID == "" {
		return store.Instance{}, validationError("email and publicId are required")
	}
	return s.share.CreateInstance(ctx, in)
}

func (s *Service) UpdateInstance(ctx context.Context, instanceID string, in share.UpdateInput) (store.Instance, error) {
	if instanceID == "" {
		return store.Instance{}, validationError("instanceId is required")
	}
	return s.share.UpdateInstance(ctx, instanceID, in)
}

// DuplicateBoard copies the board behind publicId into the caller's private
// collection under a fresh id and publicId.
func (s *Service) DuplicateBoard(ctx context.Context, email, publicID string) (store.Lookboard, error) {
	email = store.CanonicalEmail(email)
	if email == "" || publicID == "" {
		return store.Lookboard{}, validationError("email and publicId are required")
	}
	source, err := s.store.BoardByPublicID(ctx, publicID)
	if err != nil {
		return store.Lookboard{}, err
	}

	username := email
	if user, err := s.store.User(ctx, email); err == nil {
		username = user.Username
	}

	newPublicID, err := gonanoid.New()
	if err != nil {
		return store.Lookboard{}, fmt.Errorf("allocate publicId: %w", err)
	}
	copyBoard := source
	copyBoard.ID = time.Now().UnixMilli()
	copyBoard.PublicID = newPublicID
	copyBoard.Title = source.Title + " (copy)"
	copyBoard.CreatedAt = copyBoard.ID
	copyBoard.Visibility = store.VisibilityPrivate
	copyBoard.CreatedBy = email
	copyBoard.CreatedByUsername = username
	copyBoard.LookIDs = append([]int64{}, source.LookIDs...)

	looks, boards, err := s.ownedState(ctx, email)
	if err != nil {
		return store.Lookboard{}, err
	}
	boards = append(boards, copyBoard)
	if err := s.engine.Commit(ctx, email, looks, boards, nil); err != nil {
		return store.Lookboard{}, err
	}
	return copyBoard, nil
}

// UpdateBoard rewrites the mutable fields of one owned board. Identity fields
// (id, publicId, creator, createdAt) come from the stored copy; the update is
// routed through the synchronization engine so partition and index invariants
// hold in exactly one place.
func (s *Service) UpdateBoard(ctx context.Context, email string, submitted store.Lookboard) (store.Lookboard, error) {
	email = store.CanonicalEmail(email)
	if email == "" || submitted.PublicID == "" {
		return store.Lookboard{}, validationError("email and publicId are required")
	}
	stored, err := s.store.BoardByPublicID(ctx, submitted.PublicID)
	if err != nil {
		return store.Lookboard{}, err
	}
	if store.CanonicalEmail(stored.CreatedBy) != email {
		return store.Lookboard{}, ownershipError("only the board's creator may modify it")
	}

	updated := stored
	updated.Title = submitted.Title
	updated.Note = submitted.Note
	if submitted.LookIDs != nil {
		updated.LookIDs = submitted.LookIDs
	}
	if submitted.Visibility != "" {
		updated.Visibility = submitted.Visibility
	}

	looks, boards, err := s.ownedState(ctx, email)
	if err != nil {
		return store.Lookboard{}, err
	}
	replaced := false
	for i := range boards {
		if boards[i].ID == updated.ID {
			boards[i] = updated
			replaced = true
		}
	}
	if !replaced {
		boards = append(boards, updated)
	}
	if err := s.engine.Commit(ctx, email, looks, boards, nil); err != nil {
		return store.Lookboard{}, err
	}
	return updated, nil
}

// AddVariationToLook appends a generated asset to an owned look's variation
// list.
func (s *Service) AddVariationToLook(ctx context.Context, email string, lookID int64, variation string) (store.Look, error) {
	email = store.CanonicalEmail(email)
	if email == "" || variation == "" {
		return store.Look{}, validationError("email and variation are required")
	}

	looks, boards, err := s.ownedState(ctx, email)
	if err != nil {
		return store.Look{}, err
	}
	index := -1
	for i := range looks {
		if looks[i].ID == lookID {
			index = i
			break
		}
	}
	if index == -1 {
		// The look exists publicly but belongs to someone else, or not at all.
		if s.publicLookExists(ctx, lookID) {
			return store.Look{}, ownershipError("only the look's creator may modify it")
		}
		return store.Look{}, notFoundError("look %d not found", lookID)
	}

	looks[index].Variations = append(looks[index].Variations, variation)
	if err := s.engine.Commit(ctx, email, looks, boards, nil); err != nil {
		return store.Look{}, err
	}
	return looks[index], nil
}

// AcceptMainImageProposal records a viewer-local main-image substitution in
// the caller's overrides. The canonical look is never mutated.
func (s *Service) AcceptMainImageProposal(ctx context.Context, email string, lookID int64, finalImage string) (store.Overrides, error) {
	email = store.CanonicalEmail(email)
	if email == "" || finalImage == "" {
		return nil, validationError("email and finalImage are required")
	}
	overrides, err := s.store.Overrides(ctx, email)
	if err != nil {
		return nil, err
	}
	overrides[store.LookID(lookID)] = store.LookOverride{FinalImage: finalImage}
	batch := store.NewBatch()
	batch.SetOverrides(email, overrides)
	if err := s.store.Apply(ctx, batch); err != nil {
		return nil, err
	}
	return overrides, nil
}

// ownedState loads the caller's complete owned entity set across both
// partitions, the shape the synchronization engine takes as input.
func (s *Service) ownedState(ctx context.Context, email string) ([]store.Look, []store.Lookboard, error) {
	privateLooks, err := s.store.UserLooks(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	publicLooks, err := s.store.PublicLooks(ctx)
	if err != nil {
		return nil, nil, err
	}
	privateBoards, err := s.store.UserLookboards(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	publicBoards, err := s.store.PublicLookboards(ctx)
	if err != nil {
		return nil, nil, err
	}

	looks := append([]store.Look{}, privateLooks...)
	for _, look := range publicLooks {
		if store.CanonicalEmail(look.CreatedBy) == email {
			looks = append(looks, look)
		}
	}
	boards := append([]store.Lookboard{}, privateBoards...)
	for _, board := range publicBoards {
		if store.CanonicalEmail(board.CreatedBy) == email {
			boards = append(boards, board)
		}
	}
	return looks, boards, nil
}

func (s *Service) publicLookExists(ctx context.Context, lookID int64) bool {
	public, err := s.store.PublicLooks(ctx)
	if err != nil {
		return false
	}
	for _, look := range public {
		if look.ID == lookID {
			return true
		}
	}
	return false
}

// Share resolution

func (s *Service) ResolvePublicBoard(ctx context.Context, publicID string) (share.Resolved, error) {
	return s.share.ResolvePublicBoard(ctx, publicID)
}

func (s *Service) ResolveInstance(ctx context.Context, instanceID string) (share.Resolved, error) {
	return s.share.ResolveInstance(ctx, instanceID)
}

// Auth

func (s *Service) Register(ctx context.Context, req authpw.RegisterRequest) (store.User, error) {
	if store.CanonicalEmail(req.Email) == "" || req.Username == "" || req.Password == "" {
		return store.User{}, validationError("email, username, and password are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, validationError("password must be at least 8 characters")
	}
	user, err := s.auth.Register(ctx, req)
	if errors.Is(err, authpw.ErrEmailTaken) {
		return store.User{}, validationError("%s", err.Error())
	}
	if err != nil {
		return store.User{}, err
	}
	user.PasswordHash = ""
	return user, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (authpw.LoginResult, error) {
	result, err := s.auth.Login(ctx, email, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return authpw.LoginResult{}, ownershipError("invalid email or password")
	}
	return result, err
}

// Admin

func (s *Service) ApproveUser(ctx context.Context, email string) (store.User, error) {
	email = store.CanonicalEmail(email)
	if email == "" {
		return store.User{}, validationError("email is required")
	}
	user, err := s.store.User(ctx, email)
	if err != nil {
		return store.User{}, err
	}
	user.Status = store.UserStatusApproved
	if err := s.store.SaveUser(ctx, user); err != nil {
		return store.User{}, err
	}
	if err := s.store.RemovePendingUser(ctx, email); err != nil {
		return store.User{}, err
	}
	user.PasswordHash = ""
	return user, nil
}

// MigrateLooks re-commits users' current state through the normal diff path,
// normalizing partition placement after manual store edits or old bugs. With
// an empty email it repairs every user that has any owned content.
func (s *Service) MigrateLooks(ctx context.Context, email string) (int, error) {
	if email != "" {
		return 1, s.engine.Rebuild(ctx, email)
	}

	emails := map[string]struct{}{}
	for _, kind := range []string{"looks", "lookboards"} {
		found, err := s.store.PrivateCollectionEmails(ctx, kind)
		if err != nil {
			return 0, err
		}
		for _, e := range found {
			emails[e] = struct{}{}
		}
	}
	publicLooks, err := s.store.PublicLooks(ctx)
	if err != nil {
		return 0, err
	}
	for _, look := range publicLooks {
		emails[store.CanonicalEmail(look.CreatedBy)] = struct{}{}
	}
	publicBoards, err := s.store.PublicLookboards(ctx)
	if err != nil {
		return 0, err
	}
	for _, board := range publicBoards {
		emails[store.CanonicalEmail(board.CreatedBy)] = struct{}{}
	}

	migrated := 0
	for e := range emails {
		if e == "" {
			continue
		}
		if err := s.engine.Rebuild(ctx, e); err != nil {
			return migrated, err
		}
		migrated++
	}
	return migrated, nil
}

// ReindexBoards rebuilds the publicId → lookboard index from the canonical
// partitions, repairing any index drift in one atomic batch.
func (s *Service) ReindexBoards(ctx context.Context) (int, error) {
	batch := store.NewBatch()
	count := 0

	emails, err := s.store.PrivateCollectionEmails(ctx, "lookboards")
	if err != nil {
		return 0, err
	}
	for _, email := range emails {
		boards, err := s.store.UserLookboards(ctx, email)
		if err != nil {
			return 0, err
		}
		for _, board := range boards {
			batch.UpsertBoardIndex(board)
			count++
		}
	}
	publicBoards, err := s.store.PublicLookboards(ctx)
	if err != nil {
		return 0, err
	}
	for _, board := range publicBoards {
		batch.UpsertBoardIndex(board)
		count++
	}

	if err := s.store.Apply(ctx, batch); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Service) UpdateLogo(ctx context.Context, dataURI string) error {
	if dataURI == "" {
		return validationError("logo is required")
	}
	return s.store.SaveLogo(ctx, dataURI)
}

func (s *Service) Logo(ctx context.Context) (string, error) {
	return s.store.Logo(ctx)
}

func (s *Service) AdminToken() string {
	return s.cfg.AdminToken
}
