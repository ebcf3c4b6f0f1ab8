// Package targets implements the data-publishing components of the
// pipeline: the RTR servers over plain TCP and TLS, and the HTTP endpoint
// serving the JSON feed format.
package targets

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/sumkincpp/rtrtr/pipeline"
	"github.com/sumkincpp/rtrtr/rtr/state"
	"github.com/sumkincpp/rtrtr/server"
	"github.com/sumkincpp/rtrtr/utils/selfsignedcert"
)

// RtrTcp serves the payload set of its source unit over the RTR protocol
// on plain TCP.
type RtrTcp struct {
	Type        string   `mapstructure:"type"`
	Source      string   `mapstructure:"source"`
	Listen      []string `mapstructure:"listen"`
	Refresh     uint32   `mapstructure:"refresh"`
	Retry       uint32   `mapstructure:"retry"`
	Expire      uint32   `mapstructure:"expire"`
	HistorySize int      `mapstructure:"history-size"`
	// SessionID pins the session id; a fresh random one is chosen per
	// process lifetime when unset.
	SessionID *uint16 `mapstructure:"session-id"`
}

func (t *RtrTcp) SourceName() string { return t.Source }

func (t *RtrTcp) Run(ctx context.Context, comp *pipeline.Component, source *pipeline.Link) error {
	return runRtr(ctx, comp, source, rtrRunOptions{
		listen:      t.Listen,
		timers:      server.Timers{Refresh: t.Refresh, Retry: t.Retry, Expire: t.Expire},
		historySize: t.HistorySize,
		sessionID:   t.SessionID,
	})
}

// RtrTls is the RTR target with the byte stream wrapped in TLS.
type RtrTls struct {
	Type        string   `mapstructure:"type"`
	Source      string   `mapstructure:"source"`
	Listen      []string `mapstructure:"listen"`
	Refresh     uint32   `mapstructure:"refresh"`
	Retry       uint32   `mapstructure:"retry"`
	Expire      uint32   `mapstructure:"expire"`
	HistorySize int      `mapstructure:"history-size"`
	SessionID   *uint16  `mapstructure:"session-id"`
	Certificate string   `mapstructure:"certificate"`
	Key         string   `mapstructure:"key"`
	// SelfSign generates a throwaway certificate instead of loading one,
	// for lab setups.
	SelfSign bool `mapstructure:"self-sign"`
}

func (t *RtrTls) SourceName() string { return t.Source }

func (t *RtrTls) Run(ctx context.Context, comp *pipeline.Component, source *pipeline.Link) error {
	var certificate tls.Certificate
	if t.SelfSign {
		generated, err := selfsignedcert.GenerateCertificate()
		if err != nil {
			return fmt.Errorf("rtr-tls target %q: failed to generate certificate: %w", comp.Name, err)
		}
		certificate = *generated
	} else {
		if t.Certificate == "" || t.Key == "" {
			return fmt.Errorf("rtr-tls target %q needs certificate and key unless self-sign is set", comp.Name)
		}
		loaded, err := tls.LoadX509KeyPair(
			comp.ResolvePath(t.Certificate),
			comp.ResolvePath(t.Key),
		)
		if err != nil {
			return fmt.Errorf("rtr-tls target %q: failed to load tls certificate: %w", comp.Name, err)
		}
		certificate = loaded
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}

	return runRtr(ctx, comp, source, rtrRunOptions{
		listen:      t.Listen,
		timers:      server.Timers{Refresh: t.Refresh, Retry: t.Retry, Expire: t.Expire},
		historySize: t.HistorySize,
		sessionID:   t.SessionID,
		tlsConfig:   tlsConfig,
	})
}

type rtrRunOptions struct {
	listen      []string
	timers      server.Timers
	historySize int
	sessionID   *uint16
	tlsConfig   *tls.Config
}

// runRtr is the serve loop shared by the TCP and TLS variants: allocate
// the session state, bring up the listeners, and feed every new version of
// the source into the cache and out to the connected clients.
func runRtr(
	ctx context.Context,
	comp *pipeline.Component,
	source *pipeline.Link,
	opts rtrRunOptions,
) error {
	if len(opts.listen) == 0 {
		return fmt.Errorf("rtr target %q needs at least one listen address", comp.Name)
	}
	defer source.Close()

	session, err := pickSession(opts.sessionID)
	if err != nil {
		return err
	}
	cache := state.New(session, 0, opts.historySize)
	srv := server.NewServer(&server.ServerOptions{
		Logger: comp.Logger,
		Name:   comp.Name,
		Cache:  cache,
		Timers: opts.timers,
	})

	listeners := make([]net.Listener, 0, len(opts.listen))
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()
	for _, addr := range opts.listen {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("rtr target %q: cannot listen on %s: %w", comp.Name, addr, err)
		}
		if opts.tlsConfig != nil {
			l = tls.NewListener(l, opts.tlsConfig)
		}
		comp.Logger.Info("rtr target listening",
			zap.Stringer("address", l.Addr()),
			zap.Uint16("session", session))
		listeners = append(listeners, l)
		go func(l net.Listener) {
			_ = srv.Serve(ctx, l)
		}(l)
	}

	for {
		set, _, err := source.Updated(ctx)
		if err != nil {
			// gone or cancelled either way: end RTR sessions and leave
			srv.Shutdown()
			return nil
		}
		if _, published := cache.Push(set); published {
			srv.Notify()
		}
	}
}

func pickSession(configured *uint16) (uint16, error) {
	if configured != nil {
		return *configured, nil
	}
	var raw [2]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0, fmt.Errorf("cannot pick a session id: %w", err)
	}
	return binary.BigEndian.Uint16(raw[:]), nil
}
