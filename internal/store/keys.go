package store

import "fmt"

// Key layout on the external store. The Store is the only package that
// issues raw commands against these keys.
const (
	publicLooksHashKey      = "public_looks_hash"
	publicLookboardsHashKey = "public_lookboards_hash"
	pendingUsersKey         = "pending_users"
	logoKey                 = "app_logo"
)

func userKey(email string) string {
	return "user:" + email
}

func looksKey(email string) string {
	return "looks:" + email
}

func lookboardsKey(email string) string {
	return "lookboards:" + email
}

func overridesKey(email string) string {
	return "user_overrides:" + email
}

func versionKey(email string) string {
	return "version:" + email
}

func publicIDKey(publicID string) string {
	return "publicId:" + publicID
}

func instanceKey(id string) string {
	return "instance:" + id
}

func instancesForBoardKey(publicID string) string {
	return "instances_for_board:" + publicID
}

func chunkKey(email, importID, chunkType string, index int) string {
	return fmt.Sprintf("import:%s:%s:%s:%d", email, importID, chunkType, index)
}
