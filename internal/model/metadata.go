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
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MessageMetadata is assigned exactly once, on the RcptTo -> Data
// transition (spec.md §3). MessageID must be filesystem-safe and
// globally unique per process (spec.md §6).
type MessageMetadata struct {
	MessageID string
	Timestamp time.Time
	Skipped   *Status
	Retry     uint32
}

var msgCounter uint64
var pid = os.Getpid()

// NewMessageID combines a monotonic per-process counter, the pid and
// a millisecond timestamp with a UUID suffix for extra collision
// safety, satisfying spec.md §6's "globally unique per process"
// requirement with margin to spare across process restarts sharing a
// queue directory.
func NewMessageID() string {
	n := atomic.AddUint64(&msgCounter, 1)
	return fmt.Sprintf("%d.%d.%d.%s", time.Now().UnixMilli(), pid, n, uuid.NewString()[:8])
}
