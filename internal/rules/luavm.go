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
	"fmt"
	"net"

	lua "github.com/yuin/gopher-lua"

	"github.com/mailgate/mailgate/internal/model"
)

// stageFunc names the global Lua function invoked for each stage
// (spec.md §4.6 stage names, lowercased to match scripting convention
// rather than the Go identifiers).
func stageFunc(stage Stage) string {
	switch stage {
	case StageConnect:
		return "on_connect"
	case StageHelo:
		return "on_helo"
	case StageMail:
		return "on_mail"
	case StageRcpt:
		return "on_rcpt"
	case StagePreQ:
		return "on_preq"
	case StagePostQ:
		return "on_postq"
	case StageDelivery:
		return "on_delivery"
	default:
		return ""
	}
}

// LuaVM is the reference PolicyVM implementation (spec.md §4.6's
// "script engine is swappable" is satisfied by any PolicyVM; this one
// is the one mailgate ships). Source is a single script defining zero
// or more of the on_* globals; missing stages default to Continue.
type LuaVM struct {
	source string
	state  *lua.LState

	spfCheck   *SPFCheck
	dkimCheck  *DKIMCheck
	userExists UserExister
}

// NewLuaVM compiles source once; Eval reuses the resulting *lua.LState
// across stages within one connection, and Reset recreates it so
// script-local globals don't leak between connections. spfCheck,
// dkimCheck and userExists back the spf_check/dkim_verify/user_exists
// object predicates (SPEC_FULL.md A7); any of them may be nil.
func NewLuaVM(source string, spfCheck *SPFCheck, dkimCheck *DKIMCheck, userExists UserExister) (*LuaVM, error) {
	vm := &LuaVM{source: source, spfCheck: spfCheck, dkimCheck: dkimCheck, userExists: userExists}
	if err := vm.load(); err != nil {
		return nil, err
	}
	return vm, nil
}

func (v *LuaVM) load() error {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	registerObjects(L, v.spfCheck, v.dkimCheck, v.userExists)
	if err := L.DoString(v.source); err != nil {
		L.Close()
		return fmt.Errorf("rules: loading policy script: %w", err)
	}
	v.state = L
	return nil
}

// Eval implements PolicyVM.
func (v *LuaVM) Eval(stage Stage, ctx *model.MailContext, view ServerView) (model.Status, []Operation) {
	fname := stageFunc(stage)
	if fname == "" {
		return model.Continue(), nil
	}
	fn := v.state.GetGlobal(fname)
	if fn == lua.LNil {
		return model.Continue(), nil
	}

	ctxTable := mailContextToLua(v.state, ctx)
	srvTable := v.state.NewTable()
	if view != nil {
		srvTable.RawSetString("domain", lua.LString(view.Domain()))
	}

	if err := v.state.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, ctxTable, srvTable); err != nil {
		return model.Deny(""), []Operation{{Kind: OpLog, Message: "rules: script error: " + err.Error()}}
	}

	ret := v.state.Get(-1)
	v.state.Pop(1)
	return decodeStatus(ret)
}

// Reset recompiles the script into a fresh interpreter state (spec.md
// §4.6: sticky state and any script-local mutable global must not
// survive into the next connection).
func (v *LuaVM) Reset() {
	if v.state != nil {
		v.state.Close()
	}
	_ = v.load()
}

func decodeStatus(ret lua.LValue) (model.Status, []Operation) {
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return model.Continue(), nil
	}
	kind := lua.LVAsString(tbl.RawGetString("status"))
	switch kind {
	case "accept":
		return model.Accept(), nil
	case "faccept":
		return model.Faccept(), nil
	case "block":
		return model.Block(), nil
	case "deny":
		code := lua.LVAsString(tbl.RawGetString("code"))
		return model.Deny(code), nil
	case "quarantine":
		path := lua.LVAsString(tbl.RawGetString("path"))
		return model.Quarantine(path), nil
	case "delegated":
		delegator := lua.LVAsString(tbl.RawGetString("delegator"))
		return model.Delegated(delegator), nil
	default:
		return model.Continue(), nil
	}
}

// mailContextToLua exposes the subset of MailContext a script may
// read: HELO, MAIL FROM, RCPT TO list and the remote IP (port
// stripped). Scripts
// never get write access to the Go struct directly; mutation happens
// through the returned status/operations only (spec.md §4.6's
// "sandboxed" requirement).
func mailContextToLua(L *lua.LState, ctx *model.MailContext) *lua.LTable {
	ctx.RLock()
	defer ctx.RUnlock()

	t := L.NewTable()
	t.RawSetString("helo", lua.LString(ctx.Envelope.Helo))
	t.RawSetString("mail_from", lua.LString(ctx.Envelope.MailFrom.Full()))
	t.RawSetString("is_secured", lua.LBool(ctx.Connection.IsSecured))
	t.RawSetString("is_authenticated", lua.LBool(ctx.Connection.IsAuthenticated))
	t.RawSetString("raw_body", lua.LString(ctx.Body.Raw()))
	if ctx.Connection.RemoteAddr != nil {
		remote := ctx.Connection.RemoteAddr.String()
		if host, _, err := net.SplitHostPort(remote); err == nil {
			remote = host
		}
		t.RawSetString("remote_addr", lua.LString(remote))
	}

	rcpts := L.NewTable()
	for _, r := range ctx.Envelope.Rcpt {
		rcpts.Append(lua.LString(r.Address.Full()))
	}
	t.RawSetString("rcpt", rcpts)

	return t
}
