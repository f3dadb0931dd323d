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
	"bufio"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
)

// ErrUnknownCredentials is returned by every CredentialCheck
// implementation for both "no such user" and "wrong password", so
// callers can't distinguish account enumeration from a bad password
// (spec.md §4.7, Design Note on auth error uniformity).
var ErrUnknownCredentials = errors.New("auth: unknown credentials")

// shadowEntry is one /etc/shadow line, fields beyond name/hash unused
// by authentication but kept for completeness when re-parsing a file.
type shadowEntry struct {
	name string
	hash string
}

// ShadowCheck authenticates against a shadow(5)-format password
// database, hashing the candidate password with the scheme tag
// embedded in the stored hash via GehirnInc/crypt (spec.md §4.7
// DOMAIN STACK, "system accounts").
type ShadowCheck struct {
	path string

	mu      sync.Mutex
	entries map[string]shadowEntry
}

func NewShadowCheck(path string) *ShadowCheck {
	return &ShadowCheck{path: path}
}

func (s *ShadowCheck) load() (map[string]shadowEntry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := make(map[string]shadowEntry)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 2 {
			continue
		}
		entries[fields[0]] = shadowEntry{name: fields[0], hash: fields[1]}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Check implements CredentialCheck.
func (s *ShadowCheck) Check(username, password string) error {
	s.mu.Lock()
	entries, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	entry, ok := entries[username]
	if !ok {
		return ErrUnknownCredentials
	}
	switch entry.hash {
	case "", "*", "!", "!!":
		return ErrUnknownCredentials
	}

	crypter := crypt.NewFromHash(entry.hash)
	if crypter == nil {
		return ErrUnknownCredentials
	}
	if err := crypter.Verify(entry.hash, []byte(password)); err != nil {
		return ErrUnknownCredentials
	}
	return nil
}

// Exists reports whether username has a usable account entry, without
// checking any password (spec.md §4.6 DOMAIN STACK, "user_exists"
// object predicate).
func (s *ShadowCheck) Exists(username string) bool {
	s.mu.Lock()
	entries, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return false
	}
	entry, ok := entries[username]
	if !ok {
		return false
	}
	switch entry.hash {
	case "", "*", "!", "!!":
		return false
	}
	return true
}
