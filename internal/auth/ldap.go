package auth

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// LDAP authenticates by attempting a simple bind against a directory
// server. Several bind-DN shapes are tried in order because Active
// Directory accepts UPN and DOMAIN\user forms while generic directories
// want a full DN.
type LDAP struct {
	url    string
	baseDN string

	// dial is swappable for tests.
	dial func(url string) (ldapConn, error)
}

type ldapConn interface {
	Bind(username, password string) error
	Close() error
}

func NewLDAP(url, baseDN string) *LDAP {
	return &LDAP{
		url:    url,
		baseDN: baseDN,
		dial: func(url string) (ldapConn, error) {
			return ldap.DialURL(url)
		},
	}
}

func (l *LDAP) Authenticate(username, password string) (bool, error) {
	// An empty password would turn a simple bind into an anonymous bind,
	// which directories report as success.
	if password == "" {
		return false, nil
	}

	domain := domainFromBaseDN(l.baseDN)
	candidates := []string{
		fmt.Sprintf("%s@%s", username, domain),
		fmt.Sprintf("CN=%s,CN=Users,%s", username, l.baseDN),
		fmt.Sprintf("%s\\%s", domain, username),
		username,
	}

	conn, err := l.dial(l.url)
	if err != nil {
		return false, fmt.Errorf("ldap dial %s: %w", l.url, err)
	}
	defer func() { _ = conn.Close() }()

	for _, dn := range candidates {
		if err := conn.Bind(dn, password); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// domainFromBaseDN turns "DC=example,DC=com" into "example.com".
func domainFromBaseDN(baseDN string) string {
	var parts []string
	for _, rdn := range strings.Split(baseDN, ",") {
		rdn = strings.TrimSpace(rdn)
		if v, ok := strings.CutPrefix(rdn, "DC="); ok {
			parts = append(parts, v)
		} else if v, ok := strings.CutPrefix(rdn, "dc="); ok {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return baseDN
	}
	return strings.Join(parts, ".")
}
