// Package auth provides the credential oracle shared by the IMAP and SMTP
// front ends. An authenticator answers a single question: do this username
// and password belong together.
package auth

import (
	"fmt"

	"petrel/internal/conf"
)

type Authenticator interface {
	// Authenticate returns true when the credentials are valid. An error
	// means the backend itself failed, not that the password was wrong.
	Authenticate(username, password string) (bool, error)
}

// FromConfig builds the authenticator selected by the auth section.
func FromConfig(cfg *conf.Config) (Authenticator, error) {
	switch cfg.Auth.Backend {
	case "static", "":
		return NewStatic(cfg.Auth.Users), nil
	case "file":
		return NewFile(cfg.Auth.File)
	case "ldap":
		return NewLDAP(cfg.Auth.LDAP.URL, cfg.Auth.LDAP.BaseDN), nil
	default:
		return nil, fmt.Errorf("unknown auth backend %q", cfg.Auth.Backend)
	}
}

// Static authenticates against an in-memory username to password map.
type Static struct {
	users map[string]string
}

func NewStatic(users map[string]string) *Static {
	if users == nil {
		users = map[string]string{}
	}
	return &Static{users: users}
}

func (s *Static) Authenticate(username, password string) (bool, error) {
	want, ok := s.users[username]
	if !ok {
		return false, nil
	}
	return want == password, nil
}
