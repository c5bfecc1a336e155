package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bilalesi/auth-vault/internal/authn"
	"github.com/bilalesi/auth-vault/internal/consent"
	"github.com/bilalesi/auth-vault/internal/exchange"
	"github.com/bilalesi/auth-vault/internal/httpapi"
	"github.com/bilalesi/auth-vault/internal/idp"
	"github.com/bilalesi/auth-vault/internal/obslog"
	"github.com/bilalesi/auth-vault/internal/revoke"
	"github.com/bilalesi/auth-vault/internal/vault"
	"github.com/bilalesi/auth-vault/internal/vault/rediskv"
	"github.com/bilalesi/auth-vault/internal/vault/sqlstore"
	"github.com/bilalesi/auth-vault/internal/vaultcrypto"
)

type serveOptions struct {
	listenAddr    string
	telemetryAddr string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags]",
		Short:   "Launch the token vault service",
		Example: "authvaultd serve --listen-addr :8080",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			return runServe(options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.listenAddr, "listen-addr", "", "HTTP listen address (overrides AUTH_MANAGER_LISTEN_ADDR)")
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", "", "Telemetry (metrics) listen address")

	return cmd
}

func openStorage(c Config, logger obslog.Logger, key []byte) (vault.Storage, error) {
	switch c.VaultStorage {
	case "redis":
		cfg := &rediskv.Config{Addrs: []string{net.JoinHostPort(c.RedisHost, c.RedisPort)}, Password: c.RedisPassword}
		return cfg.Open(logger, key)
	default:
		dsn, err := parsePostgresURL(c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		cfg := &sqlstore.Postgres{
			Host:     dsn.Host,
			Port:     dsn.Port,
			User:     dsn.User,
			Password: dsn.Password,
			Database: dsn.Database,
			SSLMode:  dsn.SSLMode,
		}
		return cfg.Open(logger, key)
	}
}

func runServe(options serveOptions) error {
	c := ConfigFromEnv()
	if options.listenAddr != "" {
		c.ListenAddr = options.listenAddr
	}
	if err := c.Validate(); err != nil {
		return err
	}

	slogLogger, err := newLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := obslog.NewSlogLogger(slogLogger)
	logger.Infof("config issuer: %s", c.Issuer)
	logger.Infof("config storage: %s", c.VaultStorage)

	key, err := vaultcrypto.LoadKey(c.EncryptionKeyHex)
	if err != nil {
		return fmt.Errorf("invalid config: AUTH_MANAGER_TOKEN_VAULT_ENCRYPTION_KEY: %w", err)
	}

	storage, err := openStorage(c, logger, key)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer storage.Close()

	ctx := context.Background()
	idpClient, err := (&idp.Config{
		Issuer:       c.Issuer,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Realm:        c.Realm,
	}).Open(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize idp client: %w", err)
	}

	authenticator := authn.New(idpClient)
	consentCoordinator := consent.New(storage, idpClient, c.CallbackURL, c.OfflineTTL, logger)
	exchangeEngine := exchange.New(storage, idpClient, key, c.OfflineTTL, c.RefreshTTL, logger)
	revokeCoordinator := revoke.New(storage, idpClient, key, logger)

	server := httpapi.New(authenticator, consentCoordinator, exchangeEngine, revokeCoordinator, storage, logger)
	router := httpapi.NewRouter(server)

	var apiHandler http.Handler = router
	apiHandler = handlers.RecoveryHandler()(apiHandler)
	apiHandler = handlers.CombinedLoggingHandler(os.Stdout, apiHandler)

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register go runtime metrics: %w", err)
	}
	if err := prometheusRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %w", err)
	}
	telemetryRouter := http.NewServeMux()
	telemetryRouter.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
	telemetryRouter.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	var gr run.Group

	httpSrv := &http.Server{Addr: c.ListenAddr, Handler: apiHandler}
	defer httpSrv.Close()
	if err := addServerRunner(&gr, "http", httpSrv, logger); err != nil {
		return err
	}

	if options.telemetryAddr != "" {
		telemetrySrv := &http.Server{Addr: options.telemetryAddr, Handler: telemetryRouter}
		defer telemetrySrv.Close()
		if err := addServerRunner(&gr, "telemetry", telemetrySrv, logger); err != nil {
			return err
		}
	}

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Infof("%v, shutdown now", err)
	}
	return nil
}

// addServerRunner registers an HTTP server's listen/serve and
// graceful-shutdown lifecycle with gr, following the one-listener-per-run.Group-actor
// shape the service uses for every listener it opens.
func addServerRunner(gr *run.Group, name string, srv *http.Server, logger obslog.Logger) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", name, srv.Addr, err)
	}

	gr.Add(func() error {
		logger.Infof("listening (%s) on %s", name, srv.Addr)
		return srv.Serve(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		logger.Debugf("starting graceful shutdown (%s)", name)
		if err := srv.Shutdown(ctx); err != nil {
			logger.Errorf("graceful shutdown (%s): %v", name, err)
		}
	})
	return nil
}
