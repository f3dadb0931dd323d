package rules

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/mailgate/mailgate/framework/address"
	"github.com/mailgate/mailgate/internal/model"
)

func newLuaCtx() *model.MailContext {
	ctx := model.NewMailContext(&net.TCPAddr{IP: net.ParseIP("192.0.2.10")}, "mail.example.com", model.KindOpportunistic)
	ctx.Envelope.Helo = "client.example.com"
	from, _ := address.Parse("sender@example.com", true)
	ctx.Envelope.MailFrom = from
	return ctx
}

func TestLuaVMMissingStageFunctionContinues(t *testing.T) {
	vm, err := NewLuaVM(`function on_connect() return {status = "accept"} end`, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewLuaVM: %v", err)
	}
	st, _ := vm.Eval(StageHelo, newLuaCtx(), fakeView{"example.com"})
	if st.Kind != model.StatusContinue {
		t.Fatalf("expected Continue for an undefined stage function, got %v", st.Kind)
	}
}

func TestLuaVMDecodesEachStatusKind(t *testing.T) {
	cases := []struct {
		script string
		kind   model.StatusKind
	}{
		{`function on_connect() return {status = "accept"} end`, model.StatusAccept},
		{`function on_connect() return {status = "faccept"} end`, model.StatusFaccept},
		{`function on_connect() return {status = "block"} end`, model.StatusBlock},
		{`function on_connect() return {status = "deny", code = "550 5.7.1 no"} end`, model.StatusDeny},
		{`function on_connect() return {status = "quarantine", path = "spam"} end`, model.StatusQuarantine},
		{`function on_connect() return {status = "delegated", delegator = "smart-host"} end`, model.StatusDelegated},
		{`function on_connect() return {status = "bogus"} end`, model.StatusContinue},
	}
	for _, c := range cases {
		vm, err := NewLuaVM(c.script, nil, nil, nil)
		if err != nil {
			t.Fatalf("NewLuaVM(%q): %v", c.script, err)
		}
		st, _ := vm.Eval(StageConnect, newLuaCtx(), fakeView{"example.com"})
		if st.Kind != c.kind {
			t.Fatalf("script %q: expected kind %v, got %v", c.script, c.kind, st.Kind)
		}
	}
}

func TestLuaVMSeesHeloAndMailFrom(t *testing.T) {
	vm, err := NewLuaVM(`
		function on_mail(ctx, srv)
			if ctx.helo == "client.example.com" and ctx.mail_from == "sender@example.com" then
				return {status = "accept"}
			end
			return {status = "block"}
		end
	`, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewLuaVM: %v", err)
	}
	st, _ := vm.Eval(StageMail, newLuaCtx(), fakeView{"example.com"})
	if st.Kind != model.StatusAccept {
		t.Fatalf("expected script to see the right helo/mail_from and accept, got %v", st.Kind)
	}
}

func TestLuaVMScriptErrorBecomesDeny(t *testing.T) {
	vm, err := NewLuaVM(`function on_connect() error("boom") end`, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewLuaVM: %v", err)
	}
	st, ops := vm.Eval(StageConnect, newLuaCtx(), fakeView{"example.com"})
	if st.Kind != model.StatusDeny {
		t.Fatalf("expected a script runtime error to map to Deny, got %v", st.Kind)
	}
	if len(ops) != 1 || ops[0].Kind != OpLog {
		t.Fatalf("expected a log operation describing the script error, got %+v", ops)
	}
}

func TestLuaVMResetClearsGlobalState(t *testing.T) {
	vm, err := NewLuaVM(`
		seen = false
		function on_connect()
			if seen then return {status = "block"} end
			seen = true
			return {status = "accept"}
		end
	`, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewLuaVM: %v", err)
	}
	first, _ := vm.Eval(StageConnect, newLuaCtx(), fakeView{"example.com"})
	if first.Kind != model.StatusAccept {
		t.Fatalf("expected first call to accept, got %v", first.Kind)
	}
	second, _ := vm.Eval(StageConnect, newLuaCtx(), fakeView{"example.com"})
	if second.Kind != model.StatusBlock {
		t.Fatalf("expected the mutated global to persist within one connection, got %v", second.Kind)
	}

	vm.Reset()
	third, _ := vm.Eval(StageConnect, newLuaCtx(), fakeView{"example.com"})
	if third.Kind != model.StatusAccept {
		t.Fatalf("expected Reset to clear script-local globals between connections, got %v", third.Kind)
	}
}

func TestLuaInCIDRPredicate(t *testing.T) {
	vm, err := NewLuaVM(`
		function on_connect(ctx)
			if in_cidr(ctx.remote_addr, "192.0.2.0/24") then
				return {status = "accept"}
			end
			return {status = "block"}
		end
	`, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewLuaVM: %v", err)
	}
	st, _ := vm.Eval(StageConnect, newLuaCtx(), fakeView{"example.com"})
	if st.Kind != model.StatusAccept {
		t.Fatalf("expected remote_addr inside the CIDR to accept, got %v", st.Kind)
	}
}

func TestLuaInFQDNPredicate(t *testing.T) {
	vm, err := NewLuaVM(`
		function on_helo(ctx)
			if in_fqdn(ctx.helo, "client.example.com", "other.example.com") then
				return {status = "accept"}
			end
			return {status = "block"}
		end
	`, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewLuaVM: %v", err)
	}
	st, _ := vm.Eval(StageHelo, newLuaCtx(), fakeView{"example.com"})
	if st.Kind != model.StatusAccept {
		t.Fatalf("expected a listed HELO to accept, got %v", st.Kind)
	}
}

func TestLuaMatchesRegexPredicate(t *testing.T) {
	vm, err := NewLuaVM(`
		function on_mail(ctx)
			if matches_regex(ctx.mail_from, "^sender@") then
				return {status = "accept"}
			end
			return {status = "block"}
		end
	`, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewLuaVM: %v", err)
	}
	st, _ := vm.Eval(StageMail, newLuaCtx(), fakeView{"example.com"})
	if st.Kind != model.StatusAccept {
		t.Fatalf("expected the regex to match mail_from, got %v", st.Kind)
	}
}

func TestLuaInFilePredicate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocklist.txt")
	if err := os.WriteFile(path, []byte("client.example.com\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	vm, err := NewLuaVM(`
		function on_helo(ctx)
			if in_file(ctx.helo, "`+path+`") then
				return {status = "block"}
			end
			return {status = "accept"}
		end
	`, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewLuaVM: %v", err)
	}
	st, _ := vm.Eval(StageHelo, newLuaCtx(), fakeView{"example.com"})
	if st.Kind != model.StatusBlock {
		t.Fatalf("expected the listed HELO to be blocked, got %v", st.Kind)
	}
}

func TestLuaIsEmailPredicate(t *testing.T) {
	vm, err := NewLuaVM(`
		function on_mail(ctx)
			if is_email(ctx.mail_from) then
				return {status = "accept"}
			end
			return {status = "block"}
		end
	`, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewLuaVM: %v", err)
	}
	st, _ := vm.Eval(StageMail, newLuaCtx(), fakeView{"example.com"})
	if st.Kind != model.StatusAccept {
		t.Fatalf("expected a well-formed address to satisfy is_email, got %v", st.Kind)
	}
}

type fakeUserExister struct{ known map[string]bool }

func (f fakeUserExister) Exists(username string) bool { return f.known[username] }

func TestLuaUserExistsPredicateUsesBackend(t *testing.T) {
	vm, err := NewLuaVM(`
		function on_rcpt(ctx)
			if user_exists("alice") and not user_exists("nobody") then
				return {status = "accept"}
			end
			return {status = "block"}
		end
	`, nil, nil, fakeUserExister{known: map[string]bool{"alice": true}})
	if err != nil {
		t.Fatalf("NewLuaVM: %v", err)
	}
	st, _ := vm.Eval(StageRcpt, newLuaCtx(), fakeView{"example.com"})
	if st.Kind != model.StatusAccept {
		t.Fatalf("expected user_exists to reflect the backend, got %v", st.Kind)
	}
}

func TestSpfCheckFuncWithoutBackendReportsNone(t *testing.T) {
	vm, err := NewLuaVM(`
		function on_mail(ctx)
			local res = spf_check("192.0.2.10", ctx.helo, ctx.mail_from)
			if res == "none" then
				return {status = "accept"}
			end
			return {status = "block"}
		end
	`, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewLuaVM: %v", err)
	}
	st, _ := vm.Eval(StageMail, newLuaCtx(), fakeView{"example.com"})
	if st.Kind != model.StatusAccept {
		t.Fatalf("expected a nil SPFCheck to always report none, got %v", st.Kind)
	}
}

func TestDkimVerifyFuncWithoutBackendReportsFalse(t *testing.T) {
	vm, err := NewLuaVM(`
		function on_postq(ctx)
			if dkim_verify(ctx.raw_body) then
				return {status = "accept"}
			end
			return {status = "block"}
		end
	`, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewLuaVM: %v", err)
	}
	st, _ := vm.Eval(StagePostQ, newLuaCtx(), fakeView{"example.com"})
	if st.Kind != model.StatusBlock {
		t.Fatalf("expected a nil DKIMCheck to always report false, got %v", st.Kind)
	}
}
