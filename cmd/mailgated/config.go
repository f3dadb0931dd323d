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

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/mailgate/mailgate/framework/config"
)

// fileConfig is the on-disk shape mailgated.toml decodes into. Config
// FILE parsing lives here, outside framework/config, per SPEC_FULL.md
// A2/A10: the core library only ever sees the typestate Builder.
type fileConfig struct {
	Domain string `toml:"domain"`

	Listeners []struct {
		Address string `toml:"address"`
		Kind    string `toml:"kind"` // "opportunistic", "submission", "tunneled"
		Proxied bool   `toml:"proxied"`
	} `toml:"listeners"`

	TLS struct {
		CertFile string `toml:"cert_file"`
		KeyFile  string `toml:"key_file"`
		Level    string `toml:"level"` // "none", "may", "encrypt"
	} `toml:"tls"`

	Auth struct {
		Mechanisms  []string `toml:"mechanisms"`
		ShadowFile  string   `toml:"shadow_file"`
		PassFile    string   `toml:"pass_file"`
		LDAPURL     string   `toml:"ldap_url"`
		LDAPDN      string   `toml:"ldap_dn_template"`
		LDAPBaseDN  string   `toml:"ldap_base_dn"`
		LDAPFilter  string   `toml:"ldap_filter_template"`
		EnableLogin bool     `toml:"enable_login"`
	} `toml:"auth"`

	Limits struct {
		SoftErrorCount  uint32 `toml:"soft_error_count"`
		HardErrorCount  uint32 `toml:"hard_error_count"`
		RcptCountMax    int    `toml:"rcpt_count_max"`
		AuthAttemptsMax int    `toml:"auth_attempts_max"`
		CommandLineMax  int    `toml:"command_line_max"`
		DataLineMax     int    `toml:"data_line_max"`
		ClientCountMax  int    `toml:"client_count_max"`
		ErrorDelaySec   int    `toml:"error_delay_seconds"`
	} `toml:"limits"`

	Queues struct {
		Dir                   string `toml:"dir"`
		DeferredCronPeriodSec int    `toml:"deferred_cron_period_seconds"`
		DeferredRetryMax      int    `toml:"deferred_retry_max"`
	} `toml:"queues"`

	Threads struct {
		Receiver   int `toml:"receiver"`
		Processing int `toml:"processing"`
		Delivery   int `toml:"delivery"`
	} `toml:"threads"`

	Rules struct {
		LuaFile string `toml:"lua_file"`
	} `toml:"rules"`

	Transports struct {
		MboxDir    string `toml:"mbox_dir"`
		MaildirDir string `toml:"maildir_dir"`
	} `toml:"transports"`

	Metrics struct {
		Address string `toml:"address"`
	} `toml:"metrics"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var fc fileConfig
	dec := toml.NewDecoder(f)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fc, nil
}

func listenerKind(s string) config.ListenerKind {
	switch s {
	case "submission":
		return config.KindSubmission
	case "tunneled":
		return config.KindTunneled
	default:
		return config.KindOpportunistic
	}
}

func tlsLevel(s string) config.TLSLevel {
	switch s {
	case "none":
		return config.TLSNone
	case "encrypt":
		return config.TLSEncrypt
	default:
		return config.TLSMay
	}
}

// buildConfig turns a decoded fileConfig into the immutable
// framework/config.Config the receiver and processors are built
// around, applying the file's domain, queue dir, listeners, auth
// mechanisms, limits and thread pools (zero values fall back to the
// Builder's defaults). The [tls] section is not applied here: run()
// loads the certificate and sets Config.TLS and TLSLevel afterwards.
func buildConfig(fc *fileConfig) (*config.Config, error) {
	b := config.New().WithDomain(fc.Domain).WithQueuesDir(fc.Queues.Dir)

	for _, l := range fc.Listeners {
		b = b.WithListener(config.Listener{
			Address: l.Address,
			Kind:    listenerKind(l.Kind),
			Proxied: l.Proxied,
		})
	}

	if len(fc.Auth.Mechanisms) > 0 {
		b = b.WithAuthMechanisms(fc.Auth.Mechanisms...)
	}

	cfg := config.Limits{
		SoftErrorCount:  fc.Limits.SoftErrorCount,
		HardErrorCount:  fc.Limits.HardErrorCount,
		RcptCountMax:    fc.Limits.RcptCountMax,
		AuthAttemptsMax: fc.Limits.AuthAttemptsMax,
		CommandLineMax:  fc.Limits.CommandLineMax,
		DataLineMax:     fc.Limits.DataLineMax,
		ClientCountMax:  fc.Limits.ClientCountMax,
		StateTimeout:    map[string]time.Duration{},
		HandshakeTimeout: 10 * time.Second,
		ErrorDelay:      time.Duration(fc.Limits.ErrorDelaySec) * time.Second,
	}
	if cfg.SoftErrorCount == 0 {
		cfg.SoftErrorCount = 3
	}
	if cfg.HardErrorCount == 0 {
		cfg.HardErrorCount = 10
	}
	if cfg.RcptCountMax == 0 {
		cfg.RcptCountMax = 1000
	}
	if cfg.AuthAttemptsMax == 0 {
		cfg.AuthAttemptsMax = 3
	}
	if cfg.CommandLineMax == 0 {
		cfg.CommandLineMax = 88
	}
	if cfg.DataLineMax == 0 {
		cfg.DataLineMax = 1000
	}
	if cfg.ClientCountMax == 0 {
		cfg.ClientCountMax = 1024
	}
	if cfg.ErrorDelay == 0 {
		cfg.ErrorDelay = 5 * time.Second
	}
	b = b.WithLimits(cfg)

	recv, proc, deliv := fc.Threads.Receiver, fc.Threads.Processing, fc.Threads.Delivery
	if recv == 0 {
		recv = 16
	}
	if proc == 0 {
		proc = 4
	}
	if deliv == 0 {
		deliv = 4
	}
	b = b.WithThreadPools(recv, proc, deliv)

	return b.Build()
}
