package store

import "strings"

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Look is a single composited fashion image/video plus its metadata and
// product references. A look's canonical copy lives either in its creator's
// private collection or in the global public hash, never both.
type Look struct {
	ID                int64    `json:"id"`
	Model             string   `json:"model"`
	Products          []string `json:"products"`
	FinalImage        string   `json:"finalImage"`
	Variations        []string `json:"variations"`
	CreatedAt         int64    `json:"createdAt"`
	Visibility        string   `json:"visibility"`
	CreatedBy         string   `json:"createdBy"`
	CreatedByUsername string   `json:"createdByUsername"`
	Tags              []string `json:"tags,omitempty"`
}

// Lookboard is a named, ordered collection of look ids, shareable via a
// stable publicId. The publicId is immutable once created and is the only
// identifier exposed in share links.
type Lookboard struct {
	ID                int64   `json:"id"`
	PublicID          string  `json:"publicId"`
	Title             string  `json:"title"`
	Note              string  `json:"note,omitempty"`
	LookIDs           []int64 `json:"lookIds"`
	CreatedAt         int64   `json:"createdAt"`
	Visibility        string  `json:"visibility"`
	CreatedBy         string  `json:"createdBy"`
	CreatedByUsername string  `json:"createdByUsername"`
}

// Comment is one piece of client feedback attached to a look inside a shared
// instance.
type Comment struct {
	Author    string `json:"author,omitempty"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
}

// Instance is an ephemeral, client-specific share token layering feedback on
// top of an immutable lookboard. It expires on a fixed retention window and
// is deleted eagerly when its parent lookboard is deleted.
type Instance struct {
	ID                string               `json:"id"`
	LookboardPublicID string               `json:"lookboardPublicId"`
	SharedBy          string               `json:"sharedBy"`
	SharedByUsername  string               `json:"sharedByUsername,omitempty"`
	ClientName        string               `json:"clientName,omitempty"`
	CreatedAt         int64                `json:"createdAt"`
	Feedbacks         map[string]string    `json:"feedbacks,omitempty"`
	Comments          map[string][]Comment `json:"comments,omitempty"`
	Title             string               `json:"title,omitempty"`
	Note              string               `json:"note,omitempty"`
}

// LookOverride is a viewer's local visual substitution for one look. It never
// mutates the canonical look.
type LookOverride struct {
	FinalImage string `json:"finalImage"`
}

// Overrides maps a look id (as a decimal string) to its override.
type Overrides map[string]LookOverride

const (
	UserStatusApproved = "approved"
	UserStatusPending  = "pending"
)

type User struct {
	Email        string `json:"email"`
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash,omitempty"`
	Role         string `json:"role"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"createdAt"`
}

// CanonicalEmail normalizes a user identity to the canonical partition key
// used for all per-user collections.
func CanonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
