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

package event

import (
	"encoding/base64"
	"strings"

	"github.com/mailgate/mailgate/framework/address"
	"github.com/mailgate/mailgate/internal/reply"
)

// Parser is configured with the local command-line length cap (spec.md
// §4.2 and Design Note (iv): default 88, never silently clamped below
// whatever the caller configured).
type Parser struct {
	CommandLineMax int
}

func NewParser(commandLineMax int) *Parser {
	if commandLineMax <= 0 {
		commandLineMax = 88
	}
	return &Parser{CommandLineMax: commandLineMax}
}

func fail(code reply.Code) ParseResult { return ParseResult{ReplyCode: string(code)} }
func ok(e Event) ParseResult           { return ParseResult{Event: e} }

// ParseCmd implements spec.md §4.2's command parsing.
func (p *Parser) ParseCmd(line string) ParseResult {
	if line == "" {
		return fail(reply.Code500)
	}
	if len(line) > p.CommandLineMax {
		return fail(reply.Code500)
	}
	if line[0] == ' ' || line[0] == '\t' {
		return fail(reply.Code501)
	}

	verb, rest := splitVerb(line)
	upper := strings.ToUpper(verb)

	switch upper {
	case "HELO":
		return p.parseHelo(rest)
	case "EHLO":
		return p.parseEhlo(rest)
	case "MAIL":
		return p.parseMail(rest)
	case "RCPT":
		return p.parseRcpt(rest)
	case "DATA":
		return p.parseNoArgs(rest, KData)
	case "RSET":
		return p.parseNoArgs(rest, KRset)
	case "NOOP":
		return ok(Event{Kind: KNoop})
	case "QUIT":
		return p.parseNoArgs(rest, KQuit)
	case "VRFY":
		return p.parseOneArg(rest, KVrfy)
	case "EXPN":
		return p.parseOneArg(rest, KExpn)
	case "HELP":
		return p.parseHelp(rest)
	case "STARTTLS":
		return p.parseNoArgs(rest, KStartTLS)
	case "AUTH":
		return p.parseAuth(rest)
	default:
		return fail(reply.Code500)
	}
}

func splitVerb(line string) (verb, rest string) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimLeft(line[i+1:], " \t")
}

func (p *Parser) parseNoArgs(rest string, kind Kind) ParseResult {
	if rest != "" {
		return fail(reply.Code501)
	}
	return ok(Event{Kind: kind})
}

func (p *Parser) parseOneArg(rest string, kind Kind) ParseResult {
	if rest == "" || strings.ContainsAny(rest, " \t") {
		return fail(reply.Code501)
	}
	return ok(Event{Kind: kind, Arg: rest})
}

func (p *Parser) parseHelp(rest string) ParseResult {
	if strings.ContainsAny(rest, " \t") {
		return fail(reply.Code501)
	}
	return ok(Event{Kind: KHelp, Arg: rest})
}

func (p *Parser) parseHelo(rest string) ParseResult {
	if rest == "" || strings.ContainsAny(rest, " \t") {
		return fail(reply.Code501)
	}
	if !address.ValidDomain(rest) {
		return fail(reply.Code501)
	}
	return ok(Event{Kind: KHelo, Domain: rest})
}

func (p *Parser) parseEhlo(rest string) ParseResult {
	if rest == "" || strings.ContainsAny(rest, " \t") {
		return fail(reply.Code501)
	}
	if lit, isLiteral := address.UnwrapLiteral(rest); isLiteral {
		return ok(Event{Kind: KEhlo, Domain: lit})
	}
	if !address.ValidDomain(rest) {
		return fail(reply.Code501)
	}
	return ok(Event{Kind: KEhlo, Domain: rest})
}

func (p *Parser) parseMail(rest string) ParseResult {
	const prefix = "FROM:"
	if !strings.HasPrefix(strings.ToUpper(rest), prefix) {
		return fail(reply.Code501)
	}
	rest = rest[len(prefix):]

	pathStr, paramStr, err := splitPathAndParams(rest)
	if err != nil {
		return fail(reply.Code501)
	}

	addr, ok2 := parsePath(pathStr, true)
	if !ok2 {
		return fail(reply.Code501)
	}

	ev := Event{Kind: KMail, ReversePath: addr}

	seenBody := false
	for _, param := range paramStr {
		key, val := splitParam(param)
		switch strings.ToUpper(key) {
		case "BODY":
			if seenBody {
				return fail(reply.Code501)
			}
			seenBody = true
			switch strings.ToUpper(val) {
			case "7BIT":
				ev.BodyType = Body7Bit
			case "8BITMIME":
				ev.BodyType = Body8BitMIME
			default:
				return fail(reply.Code501)
			}
		case "SMTPUTF8":
			if val != "" {
				return fail(reply.Code501)
			}
			ev.SMTPUTF8 = true
		default:
			return fail(reply.Code504)
		}
	}

	return ok(ev)
}

func (p *Parser) parseRcpt(rest string) ParseResult {
	const prefix = "TO:"
	if !strings.HasPrefix(strings.ToUpper(rest), prefix) {
		return fail(reply.Code501)
	}
	rest = rest[len(prefix):]

	pathStr, paramStr, err := splitPathAndParams(rest)
	if err != nil {
		return fail(reply.Code501)
	}

	addr, ok2 := parsePath(pathStr, false)
	if !ok2 {
		return fail(reply.Code501)
	}

	ev := Event{Kind: KRcpt, ForwardPath: addr}

	for _, param := range paramStr {
		key, val := splitParam(param)
		switch strings.ToUpper(key) {
		case "SMTPUTF8":
			if val != "" {
				return fail(reply.Code501)
			}
			ev.SMTPUTF8 = true
		default:
			return fail(reply.Code504)
		}
	}

	return ok(ev)
}

func splitParam(param string) (key, val string) {
	i := strings.IndexByte(param, '=')
	if i < 0 {
		return param, ""
	}
	return param[:i], param[i+1:]
}

// splitPathAndParams separates "<path> PARAM1 PARAM2" into the bracketed
// path and the param tokens.
func splitPathAndParams(s string) (path string, params []string, err error) {
	s = strings.TrimLeft(s, " \t")
	if !strings.HasPrefix(s, "<") {
		return "", nil, errBadSyntax
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return "", nil, errBadSyntax
	}
	path = s[1:end]
	tail := strings.TrimSpace(s[end+1:])
	if tail == "" {
		return path, nil, nil
	}
	return path, strings.Fields(tail), nil
}

var errBadSyntax = &syntaxError{}

type syntaxError struct{}

func (e *syntaxError) Error() string { return "event: malformed path" }

// parsePath validates a reverse-path/forward-path body (already
// stripped of angle brackets), accepting and ignoring source-route
// A-d-l prefixes (spec.md §4.2, "Path parser").
func parsePath(path string, allowEmpty bool) (string, bool) {
	if path == "" {
		if allowEmpty {
			return "", true
		}
		return "", false
	}
	if strings.HasPrefix(path, "@") {
		if i := strings.IndexByte(path, ':'); i >= 0 {
			path = path[i+1:]
		} else {
			return "", false
		}
	}
	if _, err := address.Parse(path, allowEmpty); err != nil {
		return "", false
	}
	return path, true
}

func (p *Parser) parseAuth(rest string) ParseResult {
	if rest == "" {
		return fail(reply.Code501)
	}
	mech, tail := splitVerb(rest)
	if mech == "" {
		return fail(reply.Code501)
	}

	ev := Event{Kind: KAuth, Mechanism: mech}
	if tail == "" {
		return ok(ev)
	}
	if tail == "=" {
		ev.HasInitialResp = true
		ev.InitialResponse = ""
		return ok(ev)
	}
	if strings.ContainsAny(tail, " \t") {
		return fail(reply.Code501)
	}
	if _, err := base64.StdEncoding.DecodeString(tail); err != nil {
		return fail(reply.Code501)
	}
	ev.HasInitialResp = true
	ev.InitialResponse = tail
	return ok(ev)
}

// DataResult is ParseData's output: either a DataLine payload or the
// DataEnd marker.
type DataResult struct {
	Kind  Kind // KDataLine or KDataEnd
	Line  string
}

// ParseData implements spec.md §4.2's data parsing: "." alone ends the
// message; dot-stuffing is undone on any other line.
func ParseData(line string) DataResult {
	if line == "." {
		return DataResult{Kind: KDataEnd}
	}
	if len(line) >= 2 && line[0] == '.' {
		return DataResult{Kind: KDataLine, Line: line[1:]}
	}
	return DataResult{Kind: KDataLine, Line: line}
}
