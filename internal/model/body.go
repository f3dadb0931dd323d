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

package model

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// BodyKind tags the Body sum type (spec.md §3): Empty, Raw (verbatim
// received octets) or Parsed (structured headers + segments).
type BodyKind int

const (
	BodyEmpty BodyKind = iota
	BodyRaw
	BodyParsed
)

// Mail is the structured form a Parsed Body carries: a header plus
// the unparsed remainder, mirroring spec.md's "Parsed form carries
// structured headers and body segments". Full MIME-tree fidelity is
// out of scope (spec.md §1 Non-goals); this is intentionally a
// single-level header/body split with a raw-bytes fallback.
type Mail struct {
	Header textproto.Header
	Rest   string
}

// Body is the sum type Empty | Raw(string) | Parsed(Mail). The zero
// value is Empty.
type Body struct {
	kind   BodyKind
	raw    string
	parsed Mail
}

func EmptyBody() Body           { return Body{kind: BodyEmpty} }
func RawBody(s string) Body     { return Body{kind: BodyRaw, raw: s} }
func ParsedBody(m Mail) Body    { return Body{kind: BodyParsed, parsed: m} }

func (b Body) Kind() BodyKind { return b.kind }
func (b Body) Parsed() (Mail, bool) {
	if b.kind != BodyParsed {
		return Mail{}, false
	}
	return b.parsed, true
}

// Raw reconstructs the verbatim byte form from either representation,
// the invariant spec.md §3 calls out explicitly: "transport must be
// able to reconstruct a raw form from either".
func (b Body) Raw() string {
	switch b.kind {
	case BodyEmpty:
		return ""
	case BodyRaw:
		return b.raw
	case BodyParsed:
		var buf bytes.Buffer
		_ = textproto.WriteHeader(&buf, b.parsed.Header)
		return buf.String() + b.parsed.Rest
	default:
		return ""
	}
}

// Parse lazily splits a Raw body on the first CRLFCRLF boundary into
// a Parsed form, used by the rule engine when a stage reads/writes
// headers (spec.md §4.6, "triggers lazy parse"). On any parse failure
// the original Raw body is preserved unchanged (the raw-bytes
// fallback required by spec.md §1).
func (b Body) Parse() Body {
	if b.kind != BodyRaw {
		return b
	}
	r := bufio.NewReader(strings.NewReader(b.raw))
	hdr, err := textproto.ReadHeader(r)
	if err != nil {
		return b
	}
	rest, _ := readAll(r)
	return ParsedBody(Mail{Header: hdr, Rest: rest})
}

func readAll(r *bufio.Reader) (string, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	return buf.String(), err
}
