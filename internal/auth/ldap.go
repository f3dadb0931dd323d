/*
mailgate - a programmable SMTP mail transfer agent and delivery pipeline.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package auth

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// LDAPCheck authenticates by binding to a directory server as the
// candidate user, either through a DN template or a search-then-bind
// lookup (spec.md §4.7 DOMAIN STACK, "directory-backed accounts").
// Each Check call opens a short-lived connection: LDAP binds are rare
// enough on the SMTP auth path that pooling isn't worth the
// complexity the teacher's own auth.ldap carries for its read-side
// connection reuse.
type LDAPCheck struct {
	url            string
	tlsConfig      *tls.Config
	startTLS       bool
	requestTimeout time.Duration

	dnTemplate     string
	baseDN         string
	filterTemplate string

	mu sync.Mutex
}

func NewLDAPCheck(url, dnTemplate, baseDN, filterTemplate string, startTLS bool, tlsConfig *tls.Config) *LDAPCheck {
	return &LDAPCheck{
		url:            url,
		tlsConfig:      tlsConfig,
		startTLS:       startTLS,
		requestTimeout: time.Minute,
		dnTemplate:     dnTemplate,
		baseDN:         baseDN,
		filterTemplate: filterTemplate,
	}
}

func (a *LDAPCheck) connect() (*ldap.Conn, error) {
	conn, err := ldap.DialURL(a.url, ldap.DialWithTLSConfig(a.tlsConfig))
	if err != nil {
		return nil, fmt.Errorf("auth: ldap: %w", err)
	}
	conn.SetTimeout(a.requestTimeout)
	if a.startTLS {
		if err := conn.StartTLS(a.tlsConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("auth: ldap starttls: %w", err)
		}
	}
	return conn, nil
}

func (a *LDAPCheck) resolveDN(conn *ldap.Conn, username string) (string, error) {
	if a.dnTemplate != "" {
		return strings.ReplaceAll(a.dnTemplate, "{username}", username), nil
	}

	req := ldap.NewSearchRequest(
		a.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, 0, false,
		strings.ReplaceAll(a.filterTemplate, "{username}", ldap.EscapeFilter(username)),
		[]string{"dn"}, nil)
	res, err := conn.Search(req)
	if err != nil {
		return "", fmt.Errorf("auth: ldap search: %w", err)
	}
	if len(res.Entries) != 1 {
		return "", ErrUnknownCredentials
	}
	return res.Entries[0].DN, nil
}

// Check implements CredentialCheck.
func (a *LDAPCheck) Check(username, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	dn, err := a.resolveDN(conn, username)
	if err != nil {
		return err
	}

	if err := conn.Bind(dn, password); err != nil {
		return ErrUnknownCredentials
	}
	return nil
}

// Exists reports whether username resolves to a directory entry,
// without binding as that user (spec.md §4.6 DOMAIN STACK,
// "user_exists" object predicate). It binds anonymously to perform
// the lookup, which requires the directory to allow anonymous search;
// a dnTemplate-only configuration (no baseDN/filter) can't answer this
// and always reports true, since any username maps to a bindable DN
// by construction.
func (a *LDAPCheck) Exists(username string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dnTemplate != "" {
		return true
	}

	conn, err := a.connect()
	if err != nil {
		return false
	}
	defer conn.Close()

	_, err = a.resolveDN(conn, username)
	return err == nil
}
