package rbac

type Role string
type Action string

const (
	RoleStylist Role = "stylist"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleStylist:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleStylist, RoleAdmin:
		return Role(role)
	default:
		return RoleStylist
	}
}
