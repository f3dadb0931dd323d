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

// Package buffer holds raw message octets accumulated during DATA. It
// backs the Raw form of Body (spec.md §3) and is what the Parsed form
// reconstructs back into when a transport needs the original bytes.
package buffer

import (
	"strings"
)

// Buffer is an append-only builder for one message body. CRLF
// normalization is done by the caller (event parser) before Append;
// Buffer only appends each line followed by a single "\n", as
// required for the working-queue on-disk representation (spec.md
// §4.5, Data/DataLine).
type Buffer struct {
	b strings.Builder
}

func (buf *Buffer) Append(line string) {
	buf.b.WriteString(line)
	buf.b.WriteByte('\n')
}

func (buf *Buffer) String() string { return buf.b.String() }
func (buf *Buffer) Len() int       { return buf.b.Len() }
func (buf *Buffer) Reset()         { buf.b.Reset() }
