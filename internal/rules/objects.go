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

package rules

import (
	"bufio"
	"context"
	"net"
	"os"
	"regexp"
	"strings"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/dkim"

	"github.com/mailgate/mailgate/framework/dns"
)

// Matcher is the common shape of the object types spec.md §4.6 names
// for rule authors to build allow/deny lists from: IP ranges, FQDNs,
// regexes and file-backed sets of any of those, composed into groups.
type Matcher interface {
	Match(subject string) bool
}

// CIDRMatcher matches an IP address string against a fixed set of
// network prefixes.
type CIDRMatcher struct {
	nets []*net.IPNet
}

func NewCIDRMatcher(cidrs ...string) (*CIDRMatcher, error) {
	m := &CIDRMatcher{}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			ip := net.ParseIP(c)
			if ip == nil {
				return nil, err
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			n = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		m.nets = append(m.nets, n)
	}
	return m, nil
}

func (m *CIDRMatcher) Match(subject string) bool {
	ip := net.ParseIP(subject)
	if ip == nil {
		return false
	}
	for _, n := range m.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// FQDNMatcher matches a domain name exactly, case-insensitively.
type FQDNMatcher struct {
	set map[string]struct{}
}

func NewFQDNMatcher(domains ...string) *FQDNMatcher {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[normalizeCase(d)] = struct{}{}
	}
	return &FQDNMatcher{set: set}
}

func normalizeCase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func (m *FQDNMatcher) Match(subject string) bool {
	_, ok := m.set[normalizeCase(subject)]
	return ok
}

// RegexMatcher matches subject against a compiled pattern.
type RegexMatcher struct {
	re *regexp.Regexp
}

func NewRegexMatcher(pattern string) (*RegexMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexMatcher{re: re}, nil
}

func (m *RegexMatcher) Match(subject string) bool { return m.re.MatchString(subject) }

// GroupMatcher is the disjunction of several matchers (spec.md §4.6,
// "group objects combine matchers of mixed kinds").
type GroupMatcher struct {
	members []Matcher
}

func NewGroupMatcher(members ...Matcher) *GroupMatcher { return &GroupMatcher{members: members} }

func (g *GroupMatcher) Match(subject string) bool {
	for _, m := range g.members {
		if m.Match(subject) {
			return true
		}
	}
	return false
}

// FileMatcher matches a literal value against one entry per line of a
// file (spec.md §4.6's "file-of-T" object), blank lines and
// "#"-prefixed comments ignored. The file is re-read on every Match
// rather than cached: the Lua VM backing a script is rebuilt once per
// connection anyway (spec.md §4.6, "sticky state does not outlive the
// connection"), so a long-running process still picks up edits to the
// file on the very next connection without an explicit reload path.
type FileMatcher struct {
	path string
}

func NewFileMatcher(path string) *FileMatcher { return &FileMatcher{path: path} }

func (m *FileMatcher) Match(subject string) bool {
	f, err := os.Open(m.path)
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == subject {
			return true
		}
	}
	return false
}

// SPFResult mirrors blitiri.com.ar/go/spf's outcome enum, named so
// scripts don't need to import the SPF package's own types.
type SPFResult int

const (
	SPFNone SPFResult = iota
	SPFNeutral
	SPFPass
	SPFFail
	SPFSoftFail
	SPFTempError
	SPFPermError
)

// SPFCheck evaluates the Sender Policy Framework record for ip/helo
// against mailFrom (spec.md §4.6's DOMAIN STACK SPF object). The SPF
// library resolves through the system resolver; the resolver held
// here is not used for SPF lookups.
type SPFCheck struct {
	resolver dns.Resolver
}

func NewSPFCheck(resolver dns.Resolver) *SPFCheck { return &SPFCheck{resolver: resolver} }

func (c *SPFCheck) Check(ctx context.Context, ip net.IP, helo, mailFrom string) (SPFResult, error) {
	// blitiri.com.ar/go/spf resolves directly via the system resolver;
	// c.resolver is kept for callers that need to log/trace the same
	// MX-lookup path the forward transport uses, not for SPF's own
	// lookups.
	res, err := spf.CheckHostWithSender(ip, helo, mailFrom, spf.WithContext(ctx))
	return fromSPFResult(res), err
}

func fromSPFResult(res spf.Result) SPFResult {
	switch res {
	case spf.None:
		return SPFNone
	case spf.Neutral:
		return SPFNeutral
	case spf.Pass:
		return SPFPass
	case spf.Fail:
		return SPFFail
	case spf.SoftFail:
		return SPFSoftFail
	case spf.TempError:
		return SPFTempError
	case spf.PermError:
		return SPFPermError
	default:
		return SPFNone
	}
}

// DKIMVerification mirrors one entry of go-msgauth/dkim's own result
// slice, named so scripts don't need to import the DKIM package's own
// types (spec.md §4.6 DOMAIN STACK, message-authentication objects).
type DKIMVerification struct {
	Domain     string
	Identifier string
	Pass       bool
	TempFail   bool
}

// DKIMCheck verifies the DKIM-Signature headers present on a message's
// raw bytes against the signing domain's published public key,
// resolved through the same Resolver the forward transport and
// SPFCheck share.
type DKIMCheck struct {
	resolver dns.Resolver
}

func NewDKIMCheck(resolver dns.Resolver) *DKIMCheck { return &DKIMCheck{resolver: resolver} }

// Verify parses raw as a full RFC 5322 message (headers + body) and
// returns one DKIMVerification per DKIM-Signature header found.
func (c *DKIMCheck) Verify(ctx context.Context, raw []byte) ([]DKIMVerification, error) {
	verifications, err := dkim.VerifyWithOptions(strings.NewReader(string(raw)), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return c.resolver.LookupTXT(ctx, domain)
		},
	})
	if err != nil {
		return nil, err
	}

	out := make([]DKIMVerification, 0, len(verifications))
	for _, v := range verifications {
		out = append(out, DKIMVerification{
			Domain:     v.Domain,
			Identifier: v.Identifier,
			Pass:       v.Err == nil,
			TempFail:   v.Err != nil && dkim.IsTempFail(v.Err),
		})
	}
	return out, nil
}
