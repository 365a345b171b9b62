package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/numtide/harmonia/pkg/cache"
	"github.com/numtide/harmonia/pkg/config"
	"github.com/numtide/harmonia/pkg/daemon"
	"github.com/numtide/harmonia/pkg/lock/local"
	"github.com/numtide/harmonia/pkg/prometheus"
	"github.com/numtide/harmonia/pkg/server"
	"github.com/numtide/harmonia/pkg/signer"
)

// shutdownGrace bounds how long a draining server waits for in-flight
// requests before closing their connections.
const shutdownGrace = 30 * time.Second

func serveCommand() *cli.Command {
	defaults := config.Default()

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve the local nix store as a binary cache over http",
		Action:  serveAction(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "The address to listen on: \"host:port\" or \"unix:<path>\"",
				Sources: cli.EnvVars("HARMONIA_BIND"),
				Value:   defaults.Bind,
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "The number of request workers",
				Sources: cli.EnvVars("HARMONIA_WORKERS"),
				Value:   defaults.Workers,
			},
			&cli.IntFlag{
				Name:    "max-connection-rate",
				Usage:   "How many concurrent requests each worker admits",
				Sources: cli.EnvVars("HARMONIA_MAX_CONNECTION_RATE"),
				Value:   defaults.MaxConnectionRate,
			},
			&cli.IntFlag{
				Name:    "priority",
				Usage:   "The priority advertised in /nix-cache-info; lower wins",
				Sources: cli.EnvVars("HARMONIA_PRIORITY"),
				Value:   defaults.Priority,
			},
			&cli.StringSliceFlag{
				Name:    "sign-key-path",
				Usage:   "Set to the path of a secret signing key, once per key",
				Sources: cli.EnvVars("HARMONIA_SIGN_KEY_PATHS"),
			},
			&cli.StringFlag{
				Name:    "virtual-nix-store",
				Usage:   "The store directory advertised in narinfo output",
				Sources: cli.EnvVars("HARMONIA_VIRTUAL_NIX_STORE"),
				Value:   defaults.VirtualNixStore,
			},
			&cli.StringFlag{
				Name:    "real-nix-store",
				Usage:   "The store directory read from disk; empty means the same as the virtual one",
				Sources: cli.EnvVars("HARMONIA_REAL_NIX_STORE"),
			},
			&cli.StringFlag{
				Name:    "tls-cert-path",
				Usage:   "Path to a PEM certificate chain; enables built-in TLS together with --tls-key-path",
				Sources: cli.EnvVars("HARMONIA_TLS_CERT_PATH"),
			},
			&cli.StringFlag{
				Name:    "tls-key-path",
				Usage:   "Path to a PEM private key; enables built-in TLS together with --tls-cert-path",
				Sources: cli.EnvVars("HARMONIA_TLS_KEY_PATH"),
			},
			&cli.StringFlag{
				Name:    "daemon-socket",
				Usage:   "The nix-daemon unix socket to dial",
				Sources: cli.EnvVars("HARMONIA_DAEMON_SOCKET"),
				Value:   defaults.DaemonSocketPath,
			},
			&cli.IntFlag{
				Name:    "max-connections",
				Usage:   "How many daemon connections the pool may hold open",
				Sources: cli.EnvVars("HARMONIA_MAX_CONNECTIONS"),
				Value:   defaults.MaxConnections,
			},
			&cli.StringFlag{
				Name:    "nix-log-dir",
				Usage:   "The directory build logs are read from",
				Sources: cli.EnvVars("HARMONIA_NIX_LOG_DIR"),
				Value:   defaults.NixLogDir,
			},
		},
	}
}

// resolveConfig layers the serve configuration: built-in defaults, then the
// TOML file named by --config / CONFIG_FILE, then any flag or environment
// value the operator set explicitly.
func resolveConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.Root().String("config"))
	if err != nil {
		return config.Config{}, err
	}

	if cmd.IsSet("bind") {
		cfg.Bind = cmd.String("bind")
	}

	if cmd.IsSet("workers") {
		cfg.Workers = int(cmd.Int("workers"))
	}

	if cmd.IsSet("max-connection-rate") {
		cfg.MaxConnectionRate = int(cmd.Int("max-connection-rate"))
	}

	if cmd.IsSet("priority") {
		cfg.Priority = int(cmd.Int("priority"))
	}

	if cmd.IsSet("sign-key-path") {
		cfg.SignKeyPaths = cmd.StringSlice("sign-key-path")
	}

	if cmd.IsSet("virtual-nix-store") {
		cfg.VirtualNixStore = cmd.String("virtual-nix-store")
	}

	if cmd.IsSet("real-nix-store") {
		cfg.RealNixStore = cmd.String("real-nix-store")
	}

	if cmd.IsSet("tls-cert-path") {
		cfg.TLSCertPath = cmd.String("tls-cert-path")
	}

	if cmd.IsSet("tls-key-path") {
		cfg.TLSKeyPath = cmd.String("tls-key-path")
	}

	if cmd.IsSet("daemon-socket") {
		cfg.DaemonSocketPath = cmd.String("daemon-socket")
	}

	if cmd.IsSet("max-connections") {
		cfg.MaxConnections = int(cmd.Int("max-connections"))
	}

	if cmd.IsSet("nix-log-dir") {
		cfg.NixLogDir = cmd.String("nix-log-dir")
	}

	// SIGN_KEY_PATHS appends to, rather than replaces, the configured keys
	// so a deployment can add a rotation key without editing the file.
	if extra := os.Getenv("SIGN_KEY_PATHS"); extra != "" {
		cfg.SignKeyPaths = append(cfg.SignKeyPaths, strings.Fields(extra)...)
	}

	cfg.ApplyDefaults()

	return cfg, nil
}

func serveAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().
			Str("cmd", "serve").
			Str("instance_id", uuid.NewString()).
			Logger()

		ctx = logger.WithContext(ctx)

		cfg, err := resolveConfig(cmd)
		if err != nil {
			return fmt.Errorf("error loading the configuration: %w", err)
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("error validating the configuration: %w", err)
		}

		keys, err := signer.LoadSecretKeys(cfg.SignKeyPaths)
		if err != nil {
			return fmt.Errorf("error loading the signing keys: %w", err)
		}

		sgnr, err := signer.New(keys)
		if err != nil {
			return err
		}

		publicKeys := make([]*signer.PublicKey, 0, len(keys))
		for _, k := range keys {
			publicKeys = append(publicKeys, k.Public())
		}

		registry, prometheusShutdown, err := prometheus.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
		if err != nil {
			return fmt.Errorf("error setting up Prometheus metrics: %w", err)
		}

		defer func() {
			if err := prometheusShutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("error shutting down Prometheus metrics")
			}
		}()

		daemonLogs := make(chan daemon.LogMessage, 64)

		client := daemon.NewClient(daemon.PoolConfig{
			SocketPath:     cfg.DaemonSocketPath,
			MaxConnections: cfg.MaxConnections,
			Logs:           daemonLogs,
		})

		c := cache.New(client, sgnr, cfg.VirtualNixStore, cfg.RealNixStore, local.NewLocker())

		srv := server.New(logger, c, server.Options{
			Priority:          cfg.Priority,
			Version:           Version,
			PublicKeys:        publicKeys,
			MaxConnectionRate: cfg.Workers * cfg.MaxConnectionRate,
			Gatherer:          registry,
			LogDir:            cfg.NixLogDir,
		})

		registry.MustRegister(client.Metrics(), srv.Collector())

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Handler:           otelhttp.NewHandler(srv, "harmonia"),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			err := autoMaxProcs(gctx, 30*time.Second, logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})

		g.Go(func() error {
			drainDaemonLogs(gctx, logger, daemonLogs)

			return nil
		})

		g.Go(func() error {
			return listenAndServe(logger, httpServer, cfg)
		})

		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()

			var result *multierror.Error

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				result = multierror.Append(result, fmt.Errorf("error shutting down the HTTP server: %w", err))
			}

			if err := client.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("error closing the daemon pool: %w", err))
			}

			return result.ErrorOrNil()
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return FatalRuntimeError{Err: err}
		}

		return nil
	}
}

// listenAndServe binds cfg.Bind (TCP or unix socket, with or without TLS)
// and serves until the server is shut down.
func listenAndServe(logger zerolog.Logger, httpServer *http.Server, cfg config.Config) error {
	var (
		ln  net.Listener
		err error
	)

	if path, ok := cfg.IsUnixBind(); ok {
		// A previous unclean exit leaves the socket file behind; bind fails
		// unless it is removed first.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error removing the stale socket %q: %w", path, err)
		}

		ln, err = net.Listen("unix", path)
	} else {
		ln, err = net.Listen("tcp", cfg.Bind)
	}

	if err != nil {
		return fmt.Errorf("error binding %q: %w", cfg.Bind, err)
	}

	logger.Info().
		Str("bind", cfg.Bind).
		Bool("tls", cfg.HasTLS()).
		Msg("server started")

	if cfg.HasTLS() {
		err = httpServer.ServeTLS(ln, cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		err = httpServer.Serve(ln)
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// drainDaemonLogs forwards framed stderr messages from the daemon
// connections into the process log until ctx is cancelled.
func drainDaemonLogs(ctx context.Context, logger zerolog.Logger, logs <-chan daemon.LogMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-logs:
			if m.Kind == daemon.LogNext && m.Text != "" {
				logger.Debug().Str("source", "nix-daemon").Msg(m.Text)
			}
		}
	}
}
