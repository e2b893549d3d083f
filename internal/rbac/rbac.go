// Package rbac maps review roles onto the actions the API guards.
package rbac

type Role string
type Action string

const (
	RoleReviewer Role = "reviewer"
	RoleWriter   Role = "writer"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionAnnotate Action = "annotate"
	ActionUpload   Action = "upload"
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleWriter:
		return action == ActionRead || action == ActionAnnotate || action == ActionUpload || action == ActionModerate
	case RoleReviewer:
		return action == ActionRead || action == ActionAnnotate
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleReviewer, RoleWriter, RoleAdmin:
		return Role(role)
	default:
		return RoleReviewer
	}
}
