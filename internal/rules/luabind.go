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
	"context"
	"net"

	lua "github.com/yuin/gopher-lua"

	"github.com/mailgate/mailgate/framework/address"
)

// UserExister is the one predicate a CredentialCheck backend needs to
// expose for the user_exists object (spec.md §4.6 DOMAIN STACK).
type UserExister interface {
	Exists(username string) bool
}

// registerObjects installs the object-predicate vocabulary spec.md §9
// asks a faithful reimplementation to preserve, built on top of the
// Matcher types in objects.go, plus the SPF, DKIM and user_exists
// predicates named in SPEC_FULL.md's A7 section. spfCheck, dkimCheck
// and userExists may all be nil, in which case spf_check always
// reports "none", dkim_verify always reports false, and user_exists
// always reports false -- a policy script that never calls them is
// unaffected.
func registerObjects(L *lua.LState, spfCheck *SPFCheck, dkimCheck *DKIMCheck, userExists UserExister) {
	L.SetGlobal("in_cidr", L.NewFunction(luaInCIDR))
	L.SetGlobal("in_fqdn", L.NewFunction(luaInFQDN))
	L.SetGlobal("matches_regex", L.NewFunction(luaMatchesRegex))
	L.SetGlobal("in_file", L.NewFunction(luaInFile))
	L.SetGlobal("is_email", L.NewFunction(luaIsEmail))
	L.SetGlobal("spf_check", spfCheckFunc(L, spfCheck))
	L.SetGlobal("dkim_verify", dkimVerifyFunc(L, dkimCheck))
	L.SetGlobal("user_exists", userExistsFunc(L, userExists))
}

func variadicStrings(L *lua.LState, from int) []string {
	top := L.GetTop()
	out := make([]string, 0, top-from+1)
	for i := from; i <= top; i++ {
		out = append(out, L.CheckString(i))
	}
	return out
}

// luaInCIDR: in_cidr(ip, cidr1, cidr2, ...)
func luaInCIDR(L *lua.LState) int {
	subject := L.CheckString(1)
	m, err := NewCIDRMatcher(variadicStrings(L, 2)...)
	L.Push(lua.LBool(err == nil && m.Match(subject)))
	return 1
}

// luaInFQDN: in_fqdn(domain, d1, d2, ...), case-insensitive exact
// match against the listed domains.
func luaInFQDN(L *lua.LState) int {
	subject := L.CheckString(1)
	m := NewFQDNMatcher(variadicStrings(L, 2)...)
	L.Push(lua.LBool(m.Match(subject)))
	return 1
}

// luaMatchesRegex: matches_regex(value, pattern)
func luaMatchesRegex(L *lua.LState) int {
	subject := L.CheckString(1)
	m, err := NewRegexMatcher(L.CheckString(2))
	L.Push(lua.LBool(err == nil && m.Match(subject)))
	return 1
}

// luaInFile: in_file(value, path)
func luaInFile(L *lua.LState) int {
	subject := L.CheckString(1)
	m := NewFileMatcher(L.CheckString(2))
	L.Push(lua.LBool(m.Match(subject)))
	return 1
}

func luaIsEmail(L *lua.LState) int {
	_, err := address.Parse(L.CheckString(1), false)
	L.Push(lua.LBool(err == nil))
	return 1
}

func spfCheckFunc(L *lua.LState, spfCheck *SPFCheck) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		if spfCheck == nil {
			L.Push(lua.LString("none"))
			return 1
		}
		ip := net.ParseIP(L.CheckString(1))
		helo := L.CheckString(2)
		sender := L.CheckString(3)
		if ip == nil {
			L.Push(lua.LString("none"))
			return 1
		}
		res, _ := spfCheck.Check(context.Background(), ip, helo, sender)
		L.Push(lua.LString(spfResultName(res)))
		return 1
	})
}

func spfResultName(res SPFResult) string {
	switch res {
	case SPFPass:
		return "pass"
	case SPFFail:
		return "fail"
	case SPFSoftFail:
		return "softfail"
	case SPFNeutral:
		return "neutral"
	case SPFTempError:
		return "temperror"
	case SPFPermError:
		return "permerror"
	default:
		return "none"
	}
}

// dkimVerifyFunc: dkim_verify(raw_message) -> true if at least one
// DKIM-Signature header on raw_message verifies against its signing
// domain's published key. A nil dkimCheck (no resolver wired) or a
// lookup error both report false rather than raising a Lua error, so
// a script can use it as a plain boolean guard.
func dkimVerifyFunc(L *lua.LState, dkimCheck *DKIMCheck) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		if dkimCheck == nil {
			L.Push(lua.LBool(false))
			return 1
		}
		verifications, err := dkimCheck.Verify(context.Background(), []byte(L.CheckString(1)))
		if err != nil {
			L.Push(lua.LBool(false))
			return 1
		}
		for _, v := range verifications {
			if v.Pass {
				L.Push(lua.LBool(true))
				return 1
			}
		}
		L.Push(lua.LBool(false))
		return 1
	})
}

func userExistsFunc(L *lua.LState, userExists UserExister) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		if userExists == nil {
			L.Push(lua.LBool(false))
			return 1
		}
		L.Push(lua.LBool(userExists.Exists(L.CheckString(1))))
		return 1
	})
}
