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

// Package auth implements the SASL server-side bridge (spec.md §4.7,
// C8): it wraps emersion/go-sasl's Server state machine into the
// transaction package's AuthStepper contract, and provides three
// credential backends (shadow crypt(3), LDAP bind and a bcrypt
// password table).
package auth

import (
	"errors"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/mailgate/mailgate/internal/metrics"
)

// ErrUnsupportedMechanism is returned when the client requests a
// mechanism the server was not configured to offer (spec.md §4.7,
// mapped by the caller to AuthMechanismNotSupported).
var ErrUnsupportedMechanism = errors.New("auth: unsupported SASL mechanism")

// CredentialCheck validates a username/password pair against a
// backend (spec.md §4.7 DOMAIN STACK, "pluggable credential check").
type CredentialCheck interface {
	Check(username, password string) error
}

// Bridge adapts a sasl.Server into transaction.AuthStepper's
// (challenge, done, ok, err) shape; go-sasl reports failure as
// done=true with a non-nil err, which Start/Step here translate into
// ok=false rather than leaving the caller to inspect err itself.
//
// The transaction driver constructs one Bridge per AUTH command
// before it knows the mechanism (its AuthStepper factory takes no
// arguments), so the underlying sasl.Server is built lazily on the
// first Start call instead of at construction.
type Bridge struct {
	creds       CredentialCheck
	enableLogin bool
	identityFn  func(username string)

	server sasl.Server
}

// Mechanisms lists the SASL mechanism names this bridge can create a
// server for, driven by the credential check supplied at construction.
func Mechanisms(creds CredentialCheck, enableLogin bool) []string {
	if creds == nil {
		return nil
	}
	mechs := []string{sasl.Plain}
	if enableLogin {
		mechs = append(mechs, sasl.Login)
	}
	return mechs
}

// NewBridge builds a Bridge that authenticates against creds;
// identityFn receives the authenticated username once Start/Step
// reports ok=true.
func NewBridge(creds CredentialCheck, enableLogin bool, identityFn func(username string)) *Bridge {
	return &Bridge{creds: creds, enableLogin: enableLogin, identityFn: identityFn}
}

func (b *Bridge) build(mechanism string) (sasl.Server, error) {
	switch strings.ToUpper(mechanism) {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return errors.New("auth: identity must match username")
			}
			if err := b.creds.Check(username, password); err != nil {
				return err
			}
			b.identityFn(username)
			return nil
		}), nil
	case sasl.Login:
		if !b.enableLogin {
			return nil, ErrUnsupportedMechanism
		}
		return sasl.NewLoginServer(func(username, password string) error {
			if err := b.creds.Check(username, password); err != nil {
				return err
			}
			b.identityFn(username)
			return nil
		}), nil
	default:
		return nil, ErrUnsupportedMechanism
	}
}

// Start implements transaction.AuthStepper. A build failure (unknown
// or disabled mechanism) is surfaced through err rather than folded
// into ok=false, so the driver can map it to AuthMechanismNotSupported
// instead of Auth535InvalidCredentials (spec.md §4.5).
func (b *Bridge) Start(mechanism string, initial []byte) (challenge []byte, done bool, ok bool, err error) {
	srv, berr := b.build(mechanism)
	if berr != nil {
		return nil, true, false, berr
	}
	b.server = srv
	return b.step(initial)
}

// Step implements transaction.AuthStepper.
func (b *Bridge) Step(response []byte) (challenge []byte, done bool, ok bool, err error) {
	return b.step(response)
}

func (b *Bridge) step(input []byte) (challenge []byte, done bool, ok bool, err error) {
	challenge, done, serr := b.server.Next(input)
	if serr != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("failed").Inc()
		return nil, true, false, nil
	}
	if done {
		metrics.AuthAttemptsTotal.WithLabelValues("ok").Inc()
		return nil, true, true, nil
	}
	return challenge, false, false, nil
}
