// funksiyachi-server answers identity and quota queries of the
// function platform over QUIC.
//
// Configuration comes from FUNKSIYACHI_* environment variables, flags
// override them. Send SIGUSR1 to dump the in-memory metrics to stderr.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/floss-uz-community/funksiyachi"
	"github.com/floss-uz-community/funksiyachi/internal/config"
	"github.com/floss-uz-community/funksiyachi/internal/gateway"
	"github.com/floss-uz-community/funksiyachi/pkg/auth"
	"github.com/floss-uz-community/funksiyachi/pkg/identity"
	"github.com/floss-uz-community/funksiyachi/pkg/projects"
	"github.com/hashicorp/go-metrics"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		config.Exitf("funksiyachi-server: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadServer(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	handler := config.LogHandler(cfg.Level())
	logger := slog.New(handler)
	slog.SetDefault(logger)

	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	dump := metrics.DefaultInmemSignal(sink)
	defer dump.Stop()

	tlsConf, err := serverTLS(cfg, logger)
	if err != nil {
		return err
	}

	verifier, err := identity.New(
		identity.WithEndpoint(cfg.GitHubUserURL),
		identity.WithUserAgent(cfg.GitHubUserAgent),
		identity.WithTimeout(cfg.GitHubTimeout),
		identity.WithLog(handler),
		identity.WithMetricSink(sink),
	)
	if err != nil {
		return err
	}

	store, err := projects.Open(cfg.DBPath,
		projects.WithLog(handler),
		projects.WithMetricSink(sink),
	)
	if err != nil {
		return err
	}

	authz, err := auth.New(verifier, store,
		auth.WithLog(handler),
		auth.WithMetricSink(sink),
	)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer authz.Close()

	srv, err := funksiyachi.Listen(cfg.ListenAddr, tlsConf,
		funksiyachi.WithLog(handler),
		funksiyachi.WithMetricSink(sink),
	)
	if err != nil {
		return err
	}
	gateway.Register(srv, authz, projects.MaxProjectsPerUser, logger)

	ctx, stop := notifyContext()
	defer stop()

	logger.Info("serving", "addr", srv.Addr().String(), "db", cfg.DBPath)
	err = srv.Serve(ctx)
	logger.Info("shutting down")
	shutdownErr := srv.Shutdown()

	if errors.Is(err, context.Canceled) || errors.Is(err, funksiyachi.ErrShutdown) {
		err = nil
	}
	return errors.Join(err, shutdownErr)
}

func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serverTLS(cfg config.ServerConfig, logger *slog.Logger) (*tls.Config, error) {
	if cfg.TLSCert != "" {
		return funksiyachi.ServerTLSConfig(cfg.TLSCert, cfg.TLSKey)
	}
	logger.Warn("no TLS certificate configured, serving the embedded development certificate")
	return funksiyachi.LoopbackServerTLSConfig()
}
