// Package share manages ephemeral, expiring shared-view instances that layer
// client feedback on top of an immutable lookboard.
package share

import (
	"context"
	"errors"
	"time"

	"lookboard/api/internal/store"
	"lookboard/api/internal/util"
)

type Service struct {
	store       *store.Store
	instanceTTL time.Duration
}

func New(s *store.Store, instanceTTL time.Duration) *Service {
	return &Service{store: s, instanceTTL: instanceTTL}
}

type CreateInput struct {
	PublicID         string
	SharedBy         string
	SharedByUsername string
	ClientName       string
	Title            string
	Note             string
}

// CreateInstance allocates an opaque share token for the board behind
// publicId. The record expires after the retention window unless the parent
// board is deleted first, which removes it eagerly.
func (s *Service) CreateInstance(ctx context.Context, in CreateInput) (store.Instance, error) {
	if in.PublicID == "" {
		return store.Instance{}, errors.New("publicId is required")
	}
	board, err := s.store.BoardByPublicID(ctx, in.PublicID)
	if err != nil {
		return store.Instance{}, err
	}

	instance := store.Instance{
		ID:                util.NewID("inst"),
		LookboardPublicID: board.PublicID,
		SharedBy:          store.CanonicalEmail(in.SharedBy),
		SharedByUsername:  in.SharedByUsername,
		ClientName:        in.ClientName,
		CreatedAt:         time.Now().UnixMilli(),
		Feedbacks:         map[string]string{},
		Comments:          map[string][]store.Comment{},
		Title:             in.Title,
		Note:              in.Note,
	}
	if err := s.store.CreateInstance(ctx, instance, s.instanceTTL); err != nil {
		return store.Instance{}, err
	}
	return instance, nil
}

type UpdateInput struct {
	// Nil means "leave as is"; a non-nil map replaces the stored one
	// wholesale, it is never deep-merged.
	Feedbacks map[string]string
	Comments  map[string][]store.Comment
}

// UpdateInstance merges the provided fields into an existing instance and
// rewrites it with its remaining TTL intact: feedback never extends or resets
// the retention clock.
func (s *Service) UpdateInstance(ctx context.Context, id string, in UpdateInput) (store.Instance, error) {
	instance, err := s.store.Instance(ctx, id)
	if err != nil {
		return store.Instance{}, err
	}
	if in.Feedbacks != nil {
		instance.Feedbacks = in.Feedbacks
	}
	if in.Comments != nil {
		instance.Comments = in.Comments
	}
	if err := s.store.UpdateInstance(ctx, instance); err != nil {
		return store.Instance{}, err
	}
	return instance, nil
}

// Resolved is a share link's full view: the board template, its looks in
// board order, the creator's overrides, and (for feedback-enabled links)
// the instance carrying the client's reactions.
type Resolved struct {
	Lookboard store.Lookboard `json:"lookboard"`
	Looks     []store.Look    `json:"looks"`
	Instance  *store.Instance `json:"instance,omitempty"`
	Overrides store.Overrides `json:"overrides"`
}

// ResolveInstance follows instance → board publicId → looks. NotFound if the
// instance expired or its backing board was deleted after sharing.
func (s *Service) ResolveInstance(ctx context.Context, id string) (Resolved, error) {
	instance, err := s.store.Instance(ctx, id)
	if err != nil {
		return Resolved{}, err
	}
	resolved, err := s.ResolvePublicBoard(ctx, instance.LookboardPublicID)
	if err != nil {
		return Resolved{}, err
	}
	resolved.Instance = &instance
	return resolved, nil
}

// ResolvePublicBoard is the view-only variant: same look resolution, no
// instance and no feedback capability.
func (s *Service) ResolvePublicBoard(ctx context.Context, publicID string) (Resolved, error) {
	board, err := s.store.BoardByPublicID(ctx, publicID)
	if err != nil {
		return Resolved{}, err
	}

	creator := store.CanonicalEmail(board.CreatedBy)
	private, err := s.store.UserLooks(ctx, creator)
	if err != nil {
		return Resolved{}, err
	}
	public, err := s.store.PublicLooks(ctx)
	if err != nil {
		return Resolved{}, err
	}
	overrides, err := s.store.Overrides(ctx, creator)
	if err != nil {
		return Resolved{}, err
	}

	byID := make(map[int64]store.Look, len(private)+len(public))
	for _, look := range public {
		byID[look.ID] = look
	}
	for _, look := range private {
		byID[look.ID] = look
	}

	looks := make([]store.Look, 0, len(board.LookIDs))
	for _, id := range board.LookIDs {
		if look, ok := byID[id]; ok {
			looks = append(looks, look)
		}
	}

	return Resolved{Lookboard: board, Looks: looks, Overrides: overrides}, nil
}
