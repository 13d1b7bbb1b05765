package model

import "slices"

// AppriseMode selects how Apprise notifications leave the server.
type AppriseMode string

const (
	// ApprisePackage runs the local apprise executable.
	ApprisePackage AppriseMode = "package"
	// AppriseStateless POSTs to an Apprise API server.
	AppriseStateless AppriseMode = "stateless"
)

// User is an operator account together with its notification preferences
// and integration tokens.
type User struct {
	ID                  int                `json:"id"`
	Username            string             `json:"username"`
	Password            string             `json:"password"` // bcrypt hash
	Email               string             `json:"email,omitempty"`
	Roles               []string           `json:"roles"`
	EmailAlert          bool               `json:"emailAlert"`
	AppriseAlert        bool               `json:"appriseAlert"`
	AppriseServices     []string           `json:"appriseServices"`
	AppriseMode         AppriseMode        `json:"appriseMode"`
	AppriseStatelessURL string             `json:"appriseStatelessURL,omitempty"`
	Tokens              []IntegrationToken `json:"tokens,omitempty"`
}

// IntegrationToken is an API credential owned by a user. Only a bcrypt hash of
// the secret half is stored; the plaintext is returned once at creation.
type IntegrationToken struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	TokenHash   string      `json:"token"`
	Creation    int64       `json:"creation"`
	Expiration  *int64      `json:"expiration,omitempty"`
	Permissions Permissions `json:"permissions"`
}

// Expired reports whether the token is past its expiration at unix time now.
func (t *IntegrationToken) Expired(now int64) bool {
	return t.Expiration != nil && *t.Expiration <= now
}

// CloneUsers returns a deep copy of users.
func CloneUsers(users []User) []User {
	if users == nil {
		return nil
	}
	out := make([]User, len(users))
	for i, u := range users {
		u.Roles = slices.Clone(u.Roles)
		u.AppriseServices = slices.Clone(u.AppriseServices)
		if u.Tokens != nil {
			tokens := make([]IntegrationToken, len(u.Tokens))
			copy(tokens, u.Tokens)
			for j := range tokens {
				if tokens[j].Expiration != nil {
					v := *tokens[j].Expiration
					tokens[j].Expiration = &v
				}
			}
			u.Tokens = tokens
		}
		out[i] = u
	}
	return out
}

// FindUser returns the index of the user with the given id, or -1.
func FindUser(users []User, id int) int {
	for i := range users {
		if users[i].ID == id {
			return i
		}
	}
	return -1
}

// NextUserID mirrors NextRepositoryID for the Users collection.
func NextUserID(users []User) int {
	next := -1
	for _, u := range users {
		if u.ID > next {
			next = u.ID
		}
	}
	return next + 1
}
