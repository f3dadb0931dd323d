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

// Package dns declares the Resolver contract the forward transport
// (spec.md §4.13, C15) depends on. The DNS resolver itself is an
// external collaborator (spec.md §1); this package only defines the
// opaque interface plus one concrete implementation backed by
// miekg/dns for use outside of tests.
package dns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// MX is a single mail-exchanger record, priority-ordered ascending.
type MX struct {
	Host string
	Pref uint16
}

// Resolver is the opaque DNS collaborator injected into the forward
// transport. Implementations must return records already sorted by
// ascending preference for LookupMX.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]MX, error)
	LookupHost(ctx context.Context, host string) ([]net.IP, error)
	LookupAddr(ctx context.Context, ip net.IP) ([]string, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Default returns a Resolver backed by miekg/dns talking to the
// system-configured resolvers (/etc/resolv.conf).
func Default() Resolver {
	cfg, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		cfg = &mdns.ClientConfig{Servers: []string{"127.0.0.1"}, Port: "53"}
	}
	return &miekgResolver{cfg: cfg, client: &mdns.Client{Timeout: 5 * time.Second}}
}

type miekgResolver struct {
	cfg    *mdns.ClientConfig
	client *mdns.Client
}

func (r *miekgResolver) server() string {
	if len(r.cfg.Servers) == 0 {
		return "127.0.0.1:53"
	}
	return net.JoinHostPort(r.cfg.Servers[0], r.cfg.Port)
}

func (r *miekgResolver) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(domain), mdns.TypeMX)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server())
	if err != nil {
		return nil, fmt.Errorf("dns: MX lookup for %s: %w", domain, err)
	}

	out := make([]MX, 0, len(in.Answer))
	for _, rr := range in.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			out = append(out, MX{Host: trimFQDN(mx.Mx), Pref: mx.Preference})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pref < out[j].Pref })
	return out, nil
}

func (r *miekgResolver) LookupHost(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		m := new(mdns.Msg)
		m.SetQuestion(mdns.Fqdn(host), qtype)
		m.RecursionDesired = true
		in, _, err := r.client.ExchangeContext(ctx, m, r.server())
		if err != nil {
			continue
		}
		for _, rr := range in.Answer {
			switch v := rr.(type) {
			case *mdns.A:
				ips = append(ips, v.A)
			case *mdns.AAAA:
				ips = append(ips, v.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("dns: no A/AAAA records for %s", host)
	}
	return ips, nil
}

// LookupTXT resolves the TXT records for name, used by DKIM/SPF-style
// checks (spec.md §4.6's DOMAIN STACK message-authentication objects)
// that validate against published key/policy records.
func (r *miekgResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), mdns.TypeTXT)
	m.RecursionDesired = true
	in, _, err := r.client.ExchangeContext(ctx, m, r.server())
	if err != nil {
		return nil, fmt.Errorf("dns: TXT lookup for %s: %w", name, err)
	}
	var out []string
	for _, rr := range in.Answer {
		if txt, ok := rr.(*mdns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

func (r *miekgResolver) LookupAddr(ctx context.Context, ip net.IP) ([]string, error) {
	revName, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return nil, err
	}
	m := new(mdns.Msg)
	m.SetQuestion(revName, mdns.TypePTR)
	m.RecursionDesired = true
	in, _, err := r.client.ExchangeContext(ctx, m, r.server())
	if err != nil {
		return nil, err
	}
	var names []string
	for _, rr := range in.Answer {
		if ptr, ok := rr.(*mdns.PTR); ok {
			names = append(names, trimFQDN(ptr.Ptr))
		}
	}
	return names, nil
}

// IsNullMX reports whether the MX set published by a domain is the
// explicit refusal record defined in RFC 7505 (spec.md §4.13 step c).
func IsNullMX(records []MX) bool {
	if len(records) != 1 {
		return false
	}
	return records[0].Host == "" || records[0].Host == "."
}

func trimFQDN(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
