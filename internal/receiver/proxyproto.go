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

package receiver

import (
	"net"
	"time"

	proxyprotocol "github.com/c0va23/go-proxyprotocol"
)

// wrapProxyProtocol unwraps the PROXY protocol header (v1/v2) on every
// accepted connection before the SMTP greeting is written, so a
// listener sitting behind a load balancer still sees the real client
// address in ConnectionContext.RemoteAddr (SPEC_FULL.md §6). Plain
// listeners are returned unchanged.
func wrapProxyProtocol(l net.Listener) net.Listener {
	return proxyprotocol.NewListener(l, 5*time.Second)
}
