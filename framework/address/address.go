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

// Package address implements mailbox and domain parsing shared by the
// event parser, the mail context and the transports: a validated
// `local@domain` mailbox (spec.md §3, "Address") plus the domain/
// address-literal grammar used by HELO/EHLO.
package address

import (
	"errors"
	"net"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalid is returned for any mailbox or domain that fails to parse.
var ErrInvalid = errors.New("address: invalid syntax")

// Address is a validated mailbox of the form local@domain. The empty
// reverse-path ("<>") is the Empty value; the zero value is not
// IsEmpty.
type Address struct {
	full   string
	local  string
	domain string
	empty  bool
}

// Empty is the canonical "<>" reverse-path address.
var Empty = Address{empty: true}

// Parse validates s as a mailbox. An empty string parses to Empty only
// when allowEmpty is true (MAIL FROM:<> is legal, RCPT TO:<> is not).
func Parse(s string, allowEmpty bool) (Address, error) {
	if s == "" {
		if allowEmpty {
			return Empty, nil
		}
		return Address{}, ErrInvalid
	}

	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return Address{}, ErrInvalid
	}

	local := s[:at]
	domain := s[at+1:]

	if !validLocalPart(local) {
		return Address{}, ErrInvalid
	}
	if !ValidDomain(domain) && !isAddressLiteral(domain) {
		return Address{}, ErrInvalid
	}

	normDomain := strings.ToLower(domain)
	return Address{
		full:   local + "@" + normDomain,
		local:  local,
		domain: normDomain,
	}, nil
}

func validLocalPart(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if r <= ' ' || r == 0x7f {
			return false
		}
		switch r {
		case '@', '\\', '"', '<', '>', ',', ';', ':':
			return false
		}
	}
	return true
}

func isAddressLiteral(domain string) bool {
	if !strings.HasPrefix(domain, "[") || !strings.HasSuffix(domain, "]") {
		return false
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(domain, "["), "]")
	inner = strings.TrimPrefix(inner, "IPv6:")
	return net.ParseIP(inner) != nil
}

// ValidDomain reports whether s is a syntactically valid DNS domain
// name (HELO argument grammar, RFC 5321 §4.1.2). Non-ASCII
// characters in a label are accepted as-is; no IDNA or Unicode
// normalization is applied.
func ValidDomain(s string) bool {
	if s == "" || len(s) > 255 {
		return false
	}
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return false
	}
	labels := strings.Split(s, ".")
	for _, label := range labels {
		if !validLabel(label) {
			return false
		}
	}
	return true
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, r := range label {
		if r > 127 {
			// Internationalized label: non-ASCII runes are accepted
			// unchecked; any IDNA ToASCII conversion is left to the
			// resolver.
			continue
		}
		if !(r == '-' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return true
}

// NormalizeDomain applies Unicode NFC normalization, used before
// comparing internationalized HELO/EHLO domains or SMTPUTF8 mailboxes.
func NormalizeDomain(s string) string {
	return norm.NFC.String(strings.ToLower(s))
}

// UnwrapLiteral strips the [ ] (and optional IPv6: tag) from an EHLO
// address literal, returning the bare IP text.
func UnwrapLiteral(s string) (string, bool) {
	if !isAddressLiteral(s) {
		return "", false
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	return strings.TrimPrefix(inner, "IPv6:"), true
}

func (a Address) Full() string {
	if a.empty {
		return ""
	}
	return a.full
}

func (a Address) LocalPart() string { return a.local }
func (a Address) Domain() string    { return a.domain }
func (a Address) IsEmpty() bool     { return a.empty }

func (a Address) String() string {
	if a.empty {
		return "<>"
	}
	return a.full
}

// Equal reports whether two addresses are the same mailbox; canonical
// string form (local part case-sensitive, domain case-folded) is the
// identity used by Envelope.Rcpt set-membership (spec.md §3).
func (a Address) Equal(b Address) bool {
	if a.empty || b.empty {
		return a.empty == b.empty
	}
	return a.full == b.full
}
