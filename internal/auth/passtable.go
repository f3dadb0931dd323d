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
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// PassTable authenticates against a flat "username:bcrypt-hash" file,
// an administrator-managed account store that doesn't require a
// system user or a directory server (spec.md §4.7 DOMAIN STACK,
// "composable credential backends"). Each line is username, a colon,
// then a bcrypt hash as produced by CreateUser/golang.org/x/crypto/bcrypt.
type PassTable struct {
	path string

	mu sync.Mutex
}

func NewPassTable(path string) *PassTable {
	return &PassTable{path: path}
}

func (p *PassTable) load() (map[string]string, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		entries[user] = hash
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Check implements CredentialCheck.
func (p *PassTable) Check(username, password string) error {
	p.mu.Lock()
	entries, err := p.load()
	p.mu.Unlock()
	if err != nil {
		return err
	}

	hash, ok := entries[username]
	if !ok {
		return ErrUnknownCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrUnknownCredentials
	}
	return nil
}

// Exists implements UserExister.
func (p *PassTable) Exists(username string) bool {
	p.mu.Lock()
	entries, err := p.load()
	p.mu.Unlock()
	if err != nil {
		return false
	}
	_, ok := entries[username]
	return ok
}

// AppendUser bcrypt-hashes password at the default cost and appends a
// "username:hash" line to the backing file, creating it if absent.
// Used by account-management tooling, not by the SMTP auth path.
func (p *PassTable) AppendUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: passtable: hashing password: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("auth: passtable: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s:%s\n", username, hash); err != nil {
		return fmt.Errorf("auth: passtable: %w", err)
	}
	return nil
}
