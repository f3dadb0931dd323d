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
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/emersion/go-maildir"
)

// Maildir delivers each recipient into its own per-user maildir
// (spec.md §4.14, "maildir transport"), relying on emersion/go-maildir
// for the tmp/new/cur dance (unique filename, rename into new) that
// makes delivery crash-safe without mailgate reimplementing it.
type Maildir struct {
	root string
}

func NewMaildir(root string) *Maildir { return &Maildir{root: root} }

func (m *Maildir) Name() string { return "maildir" }

func (m *Maildir) dirFor(rcpt string) maildir.Dir {
	at := strings.IndexByte(rcpt, '@')
	user := rcpt
	if at >= 0 {
		user = rcpt[:at]
	}
	return maildir.Dir(filepath.Join(m.root, user))
}

func (m *Maildir) Deliver(ctx context.Context, msg Message) Result {
	dir := m.dirFor(msg.Rcpt)
	if err := dir.Init(); err != nil {
		return Temporary(fmt.Sprintf("maildir: init: %v", err))
	}

	delivery, err := dir.Delivery()
	if err != nil {
		return Temporary(fmt.Sprintf("maildir: delivery: %v", err))
	}

	if _, err := delivery.Write(msg.Raw); err != nil {
		delivery.Abort()
		return Temporary(fmt.Sprintf("maildir: write: %v", err))
	}
	if err := delivery.Close(); err != nil {
		return Temporary(fmt.Sprintf("maildir: close: %v", err))
	}
	return OK()
}
