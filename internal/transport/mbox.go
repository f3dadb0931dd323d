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

package transport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Mbox delivers into one classic mbox-format file per recipient
// mailbox name, holding an flock(2) exclusive lock for the duration
// of the append so concurrent deliveries (or a reading MUA) never
// interleave messages (spec.md §4.14, "mbox transport").
type Mbox struct {
	dir string
}

func NewMbox(dir string) *Mbox { return &Mbox{dir: dir} }

func (m *Mbox) Name() string { return "mbox" }

func (m *Mbox) Deliver(ctx context.Context, msg Message) Result {
	mailbox := mailboxName(msg.Rcpt)
	path := filepath.Join(m.dir, mailbox)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Temporary(fmt.Sprintf("mbox: open %s: %v", path, err))
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return Temporary(fmt.Sprintf("mbox: lock %s: %v", path, err))
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From %s %s\n", msg.From, time.Now().UTC().Format(time.ANSIC))
	buf.Write(escapeFromLines(msg.Raw))
	if !bytes.HasSuffix(msg.Raw, []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	if _, err := f.Write(buf.Bytes()); err != nil {
		return Temporary(fmt.Sprintf("mbox: write %s: %v", path, err))
	}
	if err := f.Sync(); err != nil {
		return Temporary(fmt.Sprintf("mbox: sync %s: %v", path, err))
	}
	return OK()
}

func mailboxName(rcpt string) string {
	at := strings.IndexByte(rcpt, '@')
	if at < 0 {
		return rcpt
	}
	return rcpt[:at]
}

// escapeFromLines prefixes any body line starting with "From " with
// "> ", the standard mbox quoting convention so the next message's
// envelope line is never ambiguous with in-body text.
func escapeFromLines(raw []byte) []byte {
	lines := bytes.Split(raw, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(line, []byte("From ")) {
			lines[i] = append([]byte("> "), line...)
		}
	}
	return bytes.Join(lines, []byte("\n"))
}
