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

// Package config implements the Config builder (spec.md §9, "Builder
// state-machine for Config"). Configuration FILE parsing is out of
// scope (spec.md §1); this package only shapes the in-memory object a
// caller assembles before starting the receiver. Every field has
// either a default or an explicit With* setter, and Build is total
// once the required fields (Domain, QueuesDir, at least one Listener)
// are set.
package config

import (
	"crypto/tls"
	"fmt"
	"time"
)

// ListenerKind mirrors spec.md §4.4's connection kind.
type ListenerKind int

const (
	KindOpportunistic ListenerKind = iota // port 25
	KindSubmission                        // port 587, STARTTLS advertised
	KindTunneled                          // port 465, TLS immediately
)

// TLSLevel controls whether/when STARTTLS is offered and required
// (spec.md §4.5 transitions reference "tls level").
type TLSLevel int

const (
	TLSNone TLSLevel = iota
	TLSMay
	TLSEncrypt
)

// Listener describes one bound address and its protocol posture.
type Listener struct {
	Address string
	Kind    ListenerKind
	Proxied bool // unwrap the PROXY protocol before the SMTP greeting
}

// Limits groups the numeric policy knobs named across spec.md §4.4,
// §4.5, §5.
type Limits struct {
	SoftErrorCount  uint32
	HardErrorCount  uint32
	RcptCountMax    int
	AuthAttemptsMax int // < 0 disables the cap
	CommandLineMax  int // default 88, spec.md Design Note (iv)
	DataLineMax     int // default 1000
	ClientCountMax  int
	StateTimeout    map[string]time.Duration
	HandshakeTimeout time.Duration
	ErrorDelay      time.Duration
}

// QueuesConfig groups the on-disk queue knobs (spec.md §4.12).
type QueuesConfig struct {
	Dir               string
	DeferredCronPeriod time.Duration
	DeferredRetryMax   int
}

// Config is the immutable, fully-resolved object the receiver,
// processors and scheduler are constructed from.
type Config struct {
	Domain            string
	Listeners         []Listener
	TLS               *tls.Config
	TLSLevel          TLSLevel
	PerSNIMinVersion  map[string]uint16
	DisableEHLO       bool
	EnableDangerousAuthInClair bool
	AuthMechanisms    []string
	Limits            Limits
	Queues            QueuesConfig
	ThreadPoolReceiver int
	ThreadPoolProcessing int
	ThreadPoolDelivery int
}

// Builder implements the typestate-lite pattern described in spec.md
// §9: every With* call is optional, defaults are pre-populated, and
// Build() validates only the handful of fields that have no sane
// default (Domain, Queues.Dir, at least one Listener).
type Builder struct {
	cfg Config
}

// New seeds a Builder with every documented default.
func New() *Builder {
	return &Builder{cfg: Config{
		TLSLevel: TLSMay,
		Limits: Limits{
			SoftErrorCount:  3,
			HardErrorCount:  10,
			RcptCountMax:    1000,
			AuthAttemptsMax: 3,
			CommandLineMax:  88,
			DataLineMax:     1000,
			ClientCountMax:  1024,
			StateTimeout:    map[string]time.Duration{},
			HandshakeTimeout: 10 * time.Second,
			ErrorDelay:      5 * time.Second,
		},
		Queues: QueuesConfig{
			DeferredCronPeriod: 10 * time.Second,
			DeferredRetryMax:   100,
		},
		ThreadPoolReceiver:   16,
		ThreadPoolProcessing: 4,
		ThreadPoolDelivery:   4,
	}}
}

func (b *Builder) WithDomain(domain string) *Builder {
	b.cfg.Domain = domain
	return b
}

func (b *Builder) WithListener(l Listener) *Builder {
	b.cfg.Listeners = append(b.cfg.Listeners, l)
	return b
}

func (b *Builder) WithTLS(cfg *tls.Config, level TLSLevel) *Builder {
	b.cfg.TLS = cfg
	b.cfg.TLSLevel = level
	return b
}

func (b *Builder) WithQueuesDir(dir string) *Builder {
	b.cfg.Queues.Dir = dir
	return b
}

func (b *Builder) WithAuthMechanisms(mechs ...string) *Builder {
	b.cfg.AuthMechanisms = mechs
	return b
}

func (b *Builder) WithLimits(l Limits) *Builder {
	b.cfg.Limits = l
	return b
}

func (b *Builder) WithDisableEHLO(v bool) *Builder {
	b.cfg.DisableEHLO = v
	return b
}

func (b *Builder) WithThreadPools(receiver, processing, delivery int) *Builder {
	b.cfg.ThreadPoolReceiver = receiver
	b.cfg.ThreadPoolProcessing = processing
	b.cfg.ThreadPoolDelivery = delivery
	return b
}

// Build validates the required fields and returns the immutable
// Config, or an error naming the first missing requirement.
func (b *Builder) Build() (*Config, error) {
	if b.cfg.Domain == "" {
		return nil, fmt.Errorf("config: Domain is required")
	}
	if b.cfg.Queues.Dir == "" {
		return nil, fmt.Errorf("config: Queues.Dir is required")
	}
	if len(b.cfg.Listeners) == 0 {
		return nil, fmt.Errorf("config: at least one listener is required")
	}
	cfg := b.cfg
	return &cfg, nil
}
