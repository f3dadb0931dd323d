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
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"
)

// outboundClient wraps one emersion/go-smtp client talking to a single
// MX host, upgrading opportunistically to STARTTLS and reporting
// whether the upgrade actually happened so the caller (forward.go) can
// enforce MTA-STS's "TLS required" policy after the fact (spec.md
// §4.13 step e).
type outboundClient struct {
	conn     net.Conn
	client   *smtp.Client
	tlsState tls.ConnectionState
	secured  bool
}

// dialMX opens a plain TCP connection to host:25 and attempts an
// opportunistic STARTTLS, falling back to cleartext when the remote
// doesn't advertise it -- the teacher's own smtpconn.Pool does the
// same "try TLS, don't require it" dance absent an MTA-STS or DANE
// policy forcing the issue.
func dialMX(ctx context.Context, host string, tlsConfig *tls.Config) (*outboundClient, error) {
	d := net.Dialer{Timeout: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, "25"))
	if err != nil {
		return nil, fmt.Errorf("smtpclient: dial %s: %w", host, err)
	}

	client, err := smtp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtpclient: handshake %s: %w", host, err)
	}

	oc := &outboundClient{conn: conn, client: client}

	if ok, _ := client.Extension("STARTTLS"); ok {
		cfg := tlsConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		cfg.ServerName = host
		if err := client.StartTLS(cfg); err != nil {
			// Opportunistic: a failed upgrade isn't fatal unless a
			// policy above us demands TLS, which it checks via
			// oc.secured after the call returns.
			return oc, nil
		}
		if state, ok := client.TLSConnectionState(); ok {
			oc.tlsState = state
			oc.secured = true
		}
	}
	return oc, nil
}

func (c *outboundClient) Close() error {
	return c.client.Close()
}

// Send runs one MAIL/RCPT/DATA transaction against the already-dialed
// host.
func (c *outboundClient) Send(ctx context.Context, from, rcpt string, raw []byte) error {
	if err := c.client.Mail(from, nil); err != nil {
		return err
	}
	if err := c.client.Rcpt(rcpt, nil); err != nil {
		return err
	}
	w, err := c.client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
