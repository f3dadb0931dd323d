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

// Command mailgated is the mailgate process entrypoint (SPEC_FULL.md
// A10): it parses mailgated.toml and the command line, wires a
// framework/config.Config and every collaborator the core library
// leaves pluggable (credential backend, policy VM factory, delivery
// transports), and runs the receiver, working, delivery and deferred
// pools until interrupted.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxcpp/go-mtasts"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/mailgate/mailgate/framework/config"
	"github.com/mailgate/mailgate/framework/dns"
	"github.com/mailgate/mailgate/framework/log"
	"github.com/mailgate/mailgate/internal/auth"
	"github.com/mailgate/mailgate/internal/deferred"
	"github.com/mailgate/mailgate/internal/delivery"
	"github.com/mailgate/mailgate/internal/metrics"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/queuestore"
	"github.com/mailgate/mailgate/internal/receiver"
	"github.com/mailgate/mailgate/internal/rules"
	"github.com/mailgate/mailgate/internal/transport"
	"github.com/mailgate/mailgate/internal/working"
)

func main() {
	app := &cli.App{
		Name:  "mailgated",
		Usage: "programmable SMTP mail transfer agent and delivery pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "mailgated.toml",
				Usage: "path to the mailgated TOML configuration file",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug-level logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "mailgated:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	lg := log.New("mailgated")
	lg.Debug = c.Bool("debug")

	fc, err := loadFileConfig(c.String("config"))
	if err != nil {
		return err
	}

	cfg, err := buildConfig(fc)
	if err != nil {
		return fmt.Errorf("mailgated: %w", err)
	}

	if fc.TLS.CertFile != "" && fc.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(fc.TLS.CertFile, fc.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("mailgated: loading TLS keypair: %w", err)
		}
		cfg.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
		cfg.TLSLevel = tlsLevel(fc.TLS.Level)
	}

	store := queuestore.New(fc.Queues.Dir)
	if err := store.Init(); err != nil {
		return fmt.Errorf("mailgated: %w", err)
	}

	creds := buildCredentialCheck(fc)
	policyFactory, err := buildPolicyFactory(fc, creds)
	if err != nil {
		return fmt.Errorf("mailgated: %w", err)
	}

	registry := buildTransportRegistry(fc, cfg.Domain)

	workingNotify := make(chan string, 1024)
	deliveryNotify := make(chan string, 1024)

	srv := receiver.New(cfg, store, lg.With(map[string]interface{}{"subsystem": "receiver"}), policyFactory, creds, fc.Auth.EnableLogin)
	srv.WorkingNotify = workingNotify
	srv.DeliveryNotify = deliveryNotify

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workingProc := &working.Processor{
		Store:          store,
		PolicyFactory:  policyFactory,
		View:           domainView{cfg.Domain},
		Log:            lg.With(map[string]interface{}{"subsystem": "working"}),
		DeliveryNotify: deliveryNotify,
		Workers:        cfg.ThreadPoolProcessing,
	}
	deliveryProc := &delivery.Processor{
		Store:         store,
		PolicyFactory: policyFactory,
		View:          domainView{cfg.Domain},
		Log:           lg.With(map[string]interface{}{"subsystem": "delivery"}),
		Registry:      registry,
		ServerDomain:  cfg.Domain,
		Workers:       cfg.ThreadPoolDelivery,
	}
	scheduler := &deferred.Scheduler{
		Store:    store,
		Registry: registry,
		Log:      lg.With(map[string]interface{}{"subsystem": "deferred"}),
		Period:   time.Duration(nonZero(fc.Queues.DeferredCronPeriodSec, 10)) * time.Second,
		RetryMax: uint32(nonZero(fc.Queues.DeferredRetryMax, 100)),
	}

	go workingProc.Run(ctx, workingNotify)
	go deliveryProc.Run(ctx, deliveryNotify)
	go scheduler.Run(ctx)
	go observeQueueDepths(ctx, store, scheduler.Period)

	if fc.Metrics.Address != "" {
		go serveMetrics(fc.Metrics.Address, lg)
	}

	listeners, err := bindListeners(cfg.Listeners, cfg.TLS)
	if err != nil {
		return fmt.Errorf("mailgated: %w", err)
	}
	for i, l := range listeners {
		l, lc := l, cfg.Listeners[i]
		go func() {
			if err := srv.Serve(l, lc); err != nil {
				lg.Errorf("listener %s stopped: %v", lc.Address, err)
			}
		}()
	}

	waitForSignal()
	cancel()
	for _, l := range listeners {
		_ = l.Close()
	}
	return nil
}

// bindListeners opens one net.Listener per configured listener,
// upgrading KindTunneled (port 465 style) listeners to TLS immediately
// since that posture never goes through the STARTTLS transition
// (spec.md §4.4, §4.5).
func bindListeners(ls []config.Listener, tlsConfig *tls.Config) ([]net.Listener, error) {
	out := make([]net.Listener, 0, len(ls))
	for _, lc := range ls {
		if lc.Kind == config.KindTunneled {
			if tlsConfig == nil {
				return nil, fmt.Errorf("listener %s: tunneled requires tls.cert_file/key_file", lc.Address)
			}
			l, err := tls.Listen("tcp", lc.Address, tlsConfig)
			if err != nil {
				return nil, fmt.Errorf("listener %s: %w", lc.Address, err)
			}
			out = append(out, l)
			continue
		}
		l, err := net.Listen("tcp", lc.Address)
		if err != nil {
			return nil, fmt.Errorf("listener %s: %w", lc.Address, err)
		}
		out = append(out, l)
	}
	return out, nil
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// domainView is the minimal rules.ServerView every pool constructs its
// own rules.Engine against (spec.md §4.6); it never changes after
// startup so one value is shared across every Engine instance.
type domainView struct{ domain string }

func (v domainView) Domain() string { return v.domain }

func buildCredentialCheck(fc *fileConfig) auth.CredentialCheck {
	var checks multiCheck
	if fc.Auth.ShadowFile != "" {
		checks = append(checks, auth.NewShadowCheck(fc.Auth.ShadowFile))
	}
	if fc.Auth.PassFile != "" {
		checks = append(checks, auth.NewPassTable(fc.Auth.PassFile))
	}
	if fc.Auth.LDAPURL != "" {
		checks = append(checks, auth.NewLDAPCheck(fc.Auth.LDAPURL, fc.Auth.LDAPDN, fc.Auth.LDAPBaseDN, fc.Auth.LDAPFilter, false, nil))
	}
	if len(checks) == 0 {
		return nil
	}
	return checks
}

// multiCheck tries each backend in order, first success wins (spec.md
// §4.7 DOMAIN STACK, "composable credential backends").
type multiCheck []auth.CredentialCheck

func (m multiCheck) Check(username, password string) error {
	var lastErr error
	for _, c := range m {
		if err := c.Check(username, password); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = auth.ErrUnknownCredentials
	}
	return lastErr
}

// Exists implements rules.UserExister by asking every backend that
// offers the predicate; used by buildPolicyFactory so a policy
// script's user_exists() sees the union of configured backends.
func (m multiCheck) Exists(username string) bool {
	for _, c := range m {
		if ue, ok := c.(interface{ Exists(string) bool }); ok && ue.Exists(username) {
			return true
		}
	}
	return false
}

func buildPolicyFactory(fc *fileConfig, creds auth.CredentialCheck) (func() (rules.PolicyVM, error), error) {
	if fc.Rules.LuaFile == "" {
		return func() (rules.PolicyVM, error) { return noopVM{}, nil }, nil
	}
	source, err := os.ReadFile(fc.Rules.LuaFile)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	resolver := dns.Default()
	spfCheck := rules.NewSPFCheck(resolver)
	dkimCheck := rules.NewDKIMCheck(resolver)

	var userExister rules.UserExister
	if ue, ok := creds.(rules.UserExister); ok {
		userExister = ue
	}

	src := string(source)
	return func() (rules.PolicyVM, error) {
		return rules.NewLuaVM(src, spfCheck, dkimCheck, userExister)
	}, nil
}

// noopVM is the policy VM used when no rules file is configured: every
// stage returns the zero Status (Continue), so mail flows straight
// through to delivery exactly as if no policy existed.
type noopVM struct{}

func (noopVM) Eval(stage rules.Stage, ctx *model.MailContext, view rules.ServerView) (model.Status, []rules.Operation) {
	return model.Status{}, nil
}
func (noopVM) Reset() {}

func buildTransportRegistry(fc *fileConfig, domain string) delivery.Registry {
	registry := delivery.Registry{}

	resolver := dns.Default()
	mtastsCache := mtasts.NewFSCache(os.TempDir())
	registry[model.TransferForward] = transport.NewForward(resolver, mtastsCache, domain)

	if fc.Transports.MboxDir != "" {
		registry[model.TransferMbox] = transport.NewMbox(fc.Transports.MboxDir)
	}
	if fc.Transports.MaildirDir != "" {
		registry[model.TransferMaildir] = transport.NewMaildir(fc.Transports.MaildirDir)
	}
	return registry
}

// observeQueueDepths refreshes the queue-depth gauges on the same
// period as the deferred scheduler's sweep (internal/metrics).
func observeQueueDepths(ctx context.Context, store *queuestore.Store, period time.Duration) {
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ObserveQueueDepths(store)
		}
	}
}

func serveMetrics(addr string, lg log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	lg.Printf("metrics: listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		lg.Error("metrics: server stopped", err)
	}
}
