package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	altsrc "github.com/urfave/cli-altsrc/v3"
)

// Version defines the version of the binary, and is meant to be set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

// FatalRuntimeError wraps an error that occurred after startup completed
// successfully; main exits 2 for these instead of 1.
type FatalRuntimeError struct{ Err error }

func (e FatalRuntimeError) Error() string { return e.Err.Error() }
func (e FatalRuntimeError) Unwrap() error { return e.Err }

// New returns the harmonia-cache root command.
func New() *cli.Command {
	var otelShutdown func(context.Context) error

	var configPath string

	flagSources := func(configFileKey, envVar string) cli.ValueSourceChain {
		return cli.NewValueSourceChain(
			toml.TOML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			cli.EnvVar(envVar),
		)
	}

	return &cli.Command{
		Name:    "harmonia-cache",
		Usage:   "Serve a local Nix store as an HTTP(S) binary cache",
		Version: Version,
		After: func(ctx context.Context, _ *cli.Command) error {
			if otelShutdown != nil {
				return otelShutdown(ctx)
			}

			return nil
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			lvl, err := parseLogFilter(cmd.String("log-level"))
			if err != nil {
				return ctx, err
			}

			var output io.Writer = os.Stdout

			if term.IsTerminal(int(os.Stdout.Fd())) {
				output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
			}

			ctx = zerolog.New(output).
				Level(lvl).
				With().
				Timestamp().
				Logger().
				WithContext(ctx)

			otelShutdown, err = setupOTelSDK(ctx, cmd)
			if err != nil {
				return ctx, err
			}

			(zerolog.Ctx(ctx)).
				Info().
				Str("log_level", lvl.String()).
				Msg("logger created")

			return ctx, nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name: "log-level",
				Usage: "Set the log filter; the leading level applies globally " +
					"(per-module overrides in the filter are accepted and ignored)",
				Sources: flagSources("log.level", "HARMONIA_LOG"),
				Value:   "info,access=debug",
				Validator: func(filter string) error {
					_, err := parseLogFilter(filter)

					return err
				},
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Enable Open-Telemetry tracing.",
				Sources: flagSources("opentelemetry.enabled", "OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name: "otel-grpc-url",
				Usage: "Configure OpenTelemetry gRPC URL; omit to emit traces " +
					"to stdout when tracing is enabled.",
				Sources: flagSources("opentelemetry.grpc-url", "OTEL_GRPC_URL"),
				Value:   "",
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the configuration file (toml)",
				Sources:     cli.EnvVars("CONFIG_FILE"),
				Destination: &configPath,
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
		},
	}
}

// parseLogFilter parses an env_logger-style filter such as
// "info,access=debug": the first bare token is the global level, and any
// "module=level" overrides are tolerated but not applied, since zerolog has
// one process-wide level.
func parseLogFilter(filter string) (zerolog.Level, error) {
	global := "info"

	for _, tok := range strings.Split(filter, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		if name, lvl, ok := strings.Cut(tok, "="); ok {
			if _, err := zerolog.ParseLevel(lvl); err != nil {
				return zerolog.NoLevel, fmt.Errorf("log filter %q: module %q: %w", filter, name, err)
			}

			continue
		}

		global = tok
	}

	lvl, err := zerolog.ParseLevel(global)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log filter %q: %w", filter, err)
	}

	return lvl, nil
}
