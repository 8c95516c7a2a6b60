// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The xmppd command runs an XMPP server that accepts client, server, and
// external component connections.
//
// For more information try running:
//
//     xmppd --help
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/component"
	"mellium.im/xmppd/config"
	"mellium.im/xmppd/event"
	"mellium.im/xmppd/offline"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/s2s"
	"mellium.im/xmppd/server"
	"mellium.im/xmppd/session"
	"mellium.im/xmppd/tlsprovider"
)

// Version is set at build time.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "xmppd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = "/etc/xmppd/xmppd.yaml"
		debug      bool
		version    bool
	)
	flags := pflag.NewFlagSet("xmppd", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", configPath, "path to the configuration file")
	flags.BoolVar(&debug, "debug", debug, "turns on debug logging")
	flags.BoolVar(&version, "version", version, "prints the version and exits")
	switch err := flags.Parse(os.Args[1:]); err {
	case pflag.ErrHelp:
		return nil
	case nil:
	default:
		return err
	}
	if version {
		fmt.Println("xmppd", Version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if debug {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	env, closeStore, err := newEnv(cfg, log)
	if err != nil {
		return err
	}

	var opts []server.Option
	if cfg.Listeners.Client != "" {
		opts = append(opts, server.ClientAddr(cfg.Listeners.Client))
	}
	if cfg.Listeners.Server != "" {
		opts = append(opts, server.ServerAddr(cfg.Listeners.Server))
	}
	if cfg.Listeners.Component != "" {
		opts = append(opts, server.ComponentAddr(cfg.Listeners.Component))
	}
	if len(opts) == 0 {
		/* #nosec */
		_ = closeStore()
		return errors.New("no listeners configured")
	}
	opts = append(opts,
		server.HandshakeTimeout(time.Duration(cfg.Timeouts.Handshake)),
		server.IdleTimeout(time.Duration(cfg.Timeouts.Idle)),
		server.WriteTimeout(time.Duration(cfg.Timeouts.Write)),
		server.Logger(log),
	)
	srv := server.New(env, opts...)

	log.WithFields(logrus.Fields{
		"version": Version,
		"domains": cfg.Domains,
	}).Info("starting xmppd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if err := env.TLS.Reload(); err != nil {
				log.WithError(err).Warn("reloading certificate")
			}
		}
	}()

	served := make(chan error, 1)
	go func() {
		served <- srv.ListenAndServe()
	}()

	select {
	case err = <-served:
		// A listener failed before any signal; stop the remaining sessions.
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, server.ErrServerClosed) {
		log.WithError(serr).Warn("shutdown")
	}
	if err != nil && !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	return nil
}

// newEnv builds the collaborators shared by every session.
// The returned function closes the offline store if the server never ran.
func newEnv(cfg *config.Config, log *logrus.Logger) (*session.Env, func() error, error) {
	store, err := openStore(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	var tlsOpts []tlsprovider.Option
	if cfg.TLS.Roots != "" {
		tlsOpts = append(tlsOpts, tlsprovider.Roots(cfg.TLS.Roots))
	}
	tlsOpts = append(tlsOpts, tlsprovider.Logger(log))
	certs := tlsprovider.New(cfg.TLS.Cert, cfg.TLS.Key, tlsOpts...)
	watchCertificates(certs, log)

	secret := []byte(cfg.Dialback.Secret)
	if len(secret) == 0 {
		// Keys issued before a restart can no longer be verified.
		secret = []byte(uuid.NewString())
		log.Warn("no dialback secret configured, generated a temporary one")
	}

	table := router.NewTable()
	dialer := &s2s.Dialer{
		Local:   cfg.Domains[0],
		Secret:  secret,
		Table:   table,
		TLS:     certs,
		Timeout: time.Duration(cfg.Timeouts.Dial),
		Logger:  log,
	}
	r := router.New(table,
		router.LocalDomains(cfg.Domains...),
		router.Offline(store),
		router.Remote(dialer),
		router.Logger(log),
	)
	dialer.Unprocessed = r.Unprocessed

	components := component.NewManager(table,
		component.Secrets(cfg.Components),
		component.Reserved(cfg.Domains...),
		component.Logger(log),
	)

	bus := event.New(log)
	bus.Subscribe(func(e event.Event) error {
		log.WithFields(logrus.Fields{
			"event":   e.Type.String(),
			"session": e.SessionID,
			"kind":    e.Kind,
			"jid":     e.JID.String(),
		}).Debug("session event")
		return nil
	})

	conflict := session.Replace
	if cfg.ResourceConflict == config.ConflictReject {
		conflict = session.Reject
	}

	env := &session.Env{
		Domains:        cfg.Domains,
		Table:          table,
		Router:         r,
		Components:     components,
		Auth:           auth.New(auth.NewStatic(cfg.Users)),
		TLS:            certs,
		Offline:        store,
		Events:         bus,
		Verifier:       dialer,
		DialbackSecret: secret,
		Logger:         log,
		Settings: session.Settings{
			RequireTLS:       cfg.TLS.Required,
			Compression:      cfg.Compression,
			ResourceConflict: conflict,
			MaxStanzaSize:    cfg.Limits.MaxStanzaSize,
			MaxDepth:         cfg.Limits.MaxDepth,
			WriteTimeout:     time.Duration(cfg.Timeouts.Write),
		},
	}
	return env, store.Close, nil
}

// watchCertificates logs every certificate change, including a reload that
// leaves TLS disabled.
func watchCertificates(p *tlsprovider.Provider, log *logrus.Logger) {
	p.Subscribe(func() {
		log.WithField("enabled", p.Enabled()).Info("certificate changed")
	})
}

func openStore(cfg *config.Config, log *logrus.Logger) (offline.Store, error) {
	opts := []offline.Option{
		offline.Limit(cfg.Offline.Limit),
		offline.Logger(log),
	}
	switch cfg.Offline.Driver {
	case config.DriverSQLite:
		return offline.OpenSQLite(cfg.Offline.Path, 0, opts...)
	default:
		return offline.NewMemory(opts...), nil
	}
}
