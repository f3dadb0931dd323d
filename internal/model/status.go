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

// StatusKind is the rule engine's stage outcome (spec.md §3, "Status").
type StatusKind int

const (
	StatusContinue StatusKind = iota
	StatusAccept
	StatusFaccept
	StatusDeny
	StatusBlock
	StatusQuarantine
	StatusDelegated
)

func (k StatusKind) String() string {
	switch k {
	case StatusContinue:
		return "continue"
	case StatusAccept:
		return "accept"
	case StatusFaccept:
		return "faccept"
	case StatusDeny:
		return "deny"
	case StatusBlock:
		return "block"
	case StatusQuarantine:
		return "quarantine"
	case StatusDelegated:
		return "delegated"
	default:
		return "unknown"
	}
}

// Status is the tagged outcome a rule-engine stage evaluation
// produces. DenyCode is only meaningful for StatusDeny; Quarantine is
// only meaningful for StatusQuarantine.
type Status struct {
	Kind        StatusKind
	DenyCode    string // symbolic reply identifier, empty = default deny code
	Quarantine  string // destination folder name
	Delegator   string // name of the external delegate service
}

func Continue() Status  { return Status{Kind: StatusContinue} }
func Accept() Status    { return Status{Kind: StatusAccept} }
func Faccept() Status   { return Status{Kind: StatusFaccept} }
func Deny(code string) Status { return Status{Kind: StatusDeny, DenyCode: code} }
func Block() Status     { return Status{Kind: StatusBlock} }
func Quarantine(path string) Status { return Status{Kind: StatusQuarantine, Quarantine: path} }
func Delegated(delegator string) Status { return Status{Kind: StatusDelegated, Delegator: delegator} }

// Sticky reports whether a stage result must be remembered and
// replayed for all subsequent stage evaluations in the session
// (spec.md §4.6, "Sticky skip").
func (s Status) Sticky() bool {
	switch s.Kind {
	case StatusFaccept, StatusBlock, StatusDelegated, StatusQuarantine:
		return true
	default:
		return false
	}
}

// IsDeny reports whether s should terminate the current transaction.
func (s Status) IsDeny() bool { return s.Kind == StatusDeny }
