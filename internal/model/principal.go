package model

// Permission names one of the four token capabilities.
type Permission string

const (
	PermCreate Permission = "create"
	PermRead   Permission = "read"
	PermUpdate Permission = "update"
	PermDelete Permission = "delete"
)

// Permissions is the capability set carried by an integration token.
type Permissions struct {
	Create bool `json:"create"`
	Read   bool `json:"read"`
	Update bool `json:"update"`
	Delete bool `json:"delete"`
}

// FullPermissions is what a session principal implicitly holds.
func FullPermissions() Permissions {
	return Permissions{Create: true, Read: true, Update: true, Delete: true}
}

// Allows reports whether p grants perm.
func (p Permissions) Allows(perm Permission) bool {
	switch perm {
	case PermCreate:
		return p.Create
	case PermRead:
		return p.Read
	case PermUpdate:
		return p.Update
	case PermDelete:
		return p.Delete
	}
	return false
}

// Any reports whether at least one permission is granted.
func (p Permissions) Any() bool {
	return p.Create || p.Read || p.Update || p.Delete
}

// PrincipalKind tells session principals apart from integration tokens.
type PrincipalKind string

const (
	PrincipalSession PrincipalKind = "session"
	PrincipalToken   PrincipalKind = "token"
)

// Principal is the acting identity resolved by the auth layer.
type Principal struct {
	UserID      int
	Kind        PrincipalKind
	TokenName   string
	Permissions Permissions
}

// SessionPrincipal builds a full-rights principal for a logged-in user.
func SessionPrincipal(userID int) Principal {
	return Principal{UserID: userID, Kind: PrincipalSession, Permissions: FullPermissions()}
}

// TokenPrincipal builds a principal limited to the token's permissions.
func TokenPrincipal(userID int, token IntegrationToken) Principal {
	return Principal{
		UserID:      userID,
		Kind:        PrincipalToken,
		TokenName:   token.Name,
		Permissions: token.Permissions,
	}
}

// Can reports whether the principal holds perm.
func (p Principal) Can(perm Permission) bool {
	return p.Permissions.Allows(perm)
}
