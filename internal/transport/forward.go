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
	"strings"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mtasts"
	"golang.org/x/sync/errgroup"

	"github.com/mailgate/mailgate/framework/dns"
)

// maxConcurrentMXAttempts bounds how many MX hosts for one domain are
// dialed in parallel (SPEC_FULL.md §5, "per-domain MX attempts run
// concurrently, bounded").
const maxConcurrentMXAttempts = 3

// Forward delivers to the recipient domain's MX hosts directly
// (spec.md §4.13-§4.14, "forward transport"), the module foxcpp-maddy
// calls remote delivery. It walks the MX list in preference order,
// enforcing RFC 7505 null-MX refusal and an optional MTA-STS policy
// fetched through mtastsGet before ever dialing a host.
type Forward struct {
	resolver  dns.Resolver
	mtastsGet func(ctx context.Context, domain string) (*mtasts.Policy, error)
	tlsConfig *tls.Config
	helo      string
}

// NewForward wires a Forward transport against resolver for MX/A
// lookups and cache for MTA-STS policy documents (spec.md §4.13 DOMAIN
// STACK). cache may be nil, in which case MTA-STS is not enforced --
// every MX is treated as policy-less.
func NewForward(resolver dns.Resolver, cache *mtasts.Cache, helo string) *Forward {
	f := &Forward{resolver: resolver, tlsConfig: &tls.Config{}, helo: helo}
	if cache != nil {
		f.mtastsGet = cache.Get
	}
	return f
}

func (f *Forward) Name() string { return "forward" }

func (f *Forward) Deliver(ctx context.Context, msg Message) Result {
	if msg.ForwardIP != nil {
		return f.tryHost(ctx, msg.ForwardIP.String(), nil, msg)
	}
	if msg.ForwardDomain != "" {
		return f.tryHost(ctx, msg.ForwardDomain, nil, msg)
	}

	domain := domainOf(msg.Rcpt)
	if domain == "" {
		return Permanent(fmt.Sprintf("forward: %q has no domain part", msg.Rcpt))
	}

	var policy *mtasts.Policy
	if f.mtastsGet != nil {
		p, err := f.mtastsGet(ctx, domain)
		if err != nil && err != mtasts.ErrNoPolicy {
			// A transient MTA-STS fetch failure should not block
			// delivery; absence of a usable policy degrades to
			// opportunistic TLS, same as no policy at all.
			policy = nil
		} else {
			policy = p
		}
	}

	records, err := f.resolver.LookupMX(ctx, domain)
	if err != nil {
		return Temporary(fmt.Sprintf("forward: MX lookup %s: %v", domain, err))
	}
	if len(records) == 0 {
		records = []dns.MX{{Host: domain, Pref: 0}}
	}
	if dns.IsNullMX(records) {
		return Permanent(fmt.Sprintf("forward: %s publishes a null MX (RFC 7505)", domain))
	}

	return f.tryAll(ctx, domain, records, policy, msg)
}

// tryAll dials up to maxConcurrentMXAttempts MX hosts for domain at
// once, in preference order, returning as soon as one succeeds and
// cancelling the rest (SPEC_FULL.md §5). A result is picked in
// priority order even though attempts race: OK beats Permanent beats
// Temporary, so any host's success wins, and otherwise the first
// permanent refusal in preference order is reported.
func (f *Forward) tryAll(ctx context.Context, domain string, records []dns.MX, policy *mtasts.Policy, msg Message) Result {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(gctx)
	g.SetLimit(maxConcurrentMXAttempts)

	results := make([]Result, len(records))
	skipped := make([]bool, len(records))

	for i, mx := range records {
		i, mx := i, mx
		if policy != nil && !policy.Match(mx.Host) && policy.Mode == mtasts.ModeEnforce {
			skipped[i] = true
			results[i] = Temporary(fmt.Sprintf("MX %s not covered by MTA-STS policy for %s", mx.Host, domain))
			continue
		}
		g.Go(func() error {
			res := f.tryHost(gctx, mx.Host, policy, msg)
			results[i] = res
			if res.Kind == ResultOK {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Kind == ResultOK {
			return r
		}
	}
	for _, r := range results {
		if r.Kind == ResultPermanent {
			return r
		}
	}
	for i, r := range results {
		if !skipped[i] {
			return Temporary(fmt.Sprintf("forward: %s", r.Reason))
		}
	}
	return Temporary(fmt.Sprintf("forward: no usable MX for %s", domain))
}

func (f *Forward) tryHost(ctx context.Context, host string, policy *mtasts.Policy, msg Message) Result {
	client, err := dialMX(ctx, host, f.tlsConfig)
	if err != nil {
		return Temporary(err.Error())
	}
	defer client.Close()

	if policy != nil && policy.Mode == mtasts.ModeEnforce && !client.secured {
		return Temporary(fmt.Sprintf("forward: %s refused TLS but MTA-STS enforces it", host))
	}

	if err := client.Send(ctx, msg.From, msg.Rcpt, msg.Raw); err != nil {
		if isPermanentSMTPError(err) {
			return Permanent(fmt.Sprintf("forward: %s: %v", host, err))
		}
		return Temporary(fmt.Sprintf("forward: %s: %v", host, err))
	}
	return OK()
}

func domainOf(rcpt string) string {
	at := strings.IndexByte(rcpt, '@')
	if at < 0 || at == len(rcpt)-1 {
		return ""
	}
	return rcpt[at+1:]
}

// isPermanentSMTPError reports whether err carries a 5xx SMTP status,
// which the teacher's remote target treats as non-retryable.
func isPermanentSMTPError(err error) bool {
	if serr, ok := err.(*smtp.SMTPError); ok {
		return serr.Code >= 500 && serr.Code < 600
	}
	return false
}
