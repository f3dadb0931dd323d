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

import (
	"net"
	"time"

	"github.com/mailgate/mailgate/framework/address"
)

// TransferKind tags the Transfer sum type (spec.md §3).
type TransferKind int

const (
	TransferForward TransferKind = iota
	TransferDeliver
	TransferMbox
	TransferMaildir
	TransferNone
)

// ForwardTargetKind distinguishes the two ForwardTarget variants.
type ForwardTargetKind int

const (
	ForwardDomain ForwardTargetKind = iota
	ForwardIP
)

type ForwardTarget struct {
	Kind   ForwardTargetKind
	Domain string
	IP     net.IP
}

// Transfer is the recipient's delivery method, mutable and
// script-writable (spec.md §3).
type Transfer struct {
	Kind   TransferKind
	Target ForwardTarget // valid only when Kind == TransferForward
}

func DeliverTransfer() Transfer { return Transfer{Kind: TransferDeliver} }
func MboxTransfer() Transfer    { return Transfer{Kind: TransferMbox} }
func MaildirTransfer() Transfer { return Transfer{Kind: TransferMaildir} }
func NoneTransfer() Transfer    { return Transfer{Kind: TransferNone} }
func ForwardToDomain(domain string) Transfer {
	return Transfer{Kind: TransferForward, Target: ForwardTarget{Kind: ForwardDomain, Domain: domain}}
}
func ForwardToIP(ip net.IP) Transfer {
	return Transfer{Kind: TransferForward, Target: ForwardTarget{Kind: ForwardIP, IP: ip}}
}

// EmailStatusKind tags the EmailTransferStatus sum type.
type EmailStatusKind int

const (
	StatusWaiting EmailStatusKind = iota
	StatusSent
	StatusHeldBack
	StatusFailed
)

// EmailTransferStatus is the per-recipient delivery status (spec.md
// §3). Transitions are monotonic toward Sent or Failed; HeldBack may
// be re-entered with a strictly increasing RetryCount.
type EmailTransferStatus struct {
	Kind       EmailStatusKind
	At         time.Time // valid when Kind == StatusSent
	RetryCount uint32    // valid when Kind == StatusHeldBack
	Reason     string    // valid when Kind == StatusFailed
}

func Waiting() EmailTransferStatus { return EmailTransferStatus{Kind: StatusWaiting} }
func Sent(at time.Time) EmailTransferStatus {
	return EmailTransferStatus{Kind: StatusSent, At: at}
}
func HeldBack(retryCount uint32) EmailTransferStatus {
	return EmailTransferStatus{Kind: StatusHeldBack, RetryCount: retryCount}
}
func Failed(reason string) EmailTransferStatus {
	return EmailTransferStatus{Kind: StatusFailed, Reason: reason}
}

// IsTerminal reports whether the status can no longer change within
// the current delivery attempt (spec.md §3 invariant 3).
func (s EmailTransferStatus) IsTerminal() bool {
	return s.Kind == StatusSent || s.Kind == StatusFailed
}

// Recipient pairs an envelope address with its mutable transfer
// method and status (spec.md §3). Identity for set-membership is the
// Address alone.
type Recipient struct {
	Address        address.Address
	TransferMethod Transfer
	EmailStatus    EmailTransferStatus
}

func NewRecipient(addr address.Address) *Recipient {
	return &Recipient{
		Address:        addr,
		TransferMethod: DeliverTransfer(),
		EmailStatus:    Waiting(),
	}
}
