// Package config defines Harmonia's static process configuration: the
// TOML document shape, the defaults applied when a field is absent, and
// the validation a malformed file or flag combination fails with at
// startup.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInvalidBind is returned when Bind is neither "host:port" nor "unix:<path>".
var ErrInvalidBind = errors.New("config: bind must be \"host:port\" or \"unix:<path>\"")

// ErrNoSignKeys is returned when SignKeyPaths is empty; Harmonia cannot
// serve a narinfo it cannot sign.
var ErrNoSignKeys = errors.New("config: sign_key_paths must name at least one secret key file")

// ErrWorkersNonPositive is returned when Workers is <= 0.
var ErrWorkersNonPositive = errors.New("config: workers must be a positive integer")

// Config is Harmonia's static process configuration, loaded from a TOML
// file (optionally layered under CLI flags and environment variables by
// cmd.New) and never mutated after startup.
type Config struct {
	// Bind is "host:port" for TCP or "unix:<path>" for a UNIX socket.
	Bind string `toml:"bind"`
	// Workers is the number of cooperative HTTP worker loops.
	Workers int `toml:"workers"`
	// MaxConnectionRate bounds concurrently admitted requests per worker.
	MaxConnectionRate int `toml:"max_connection_rate"`
	// Priority is advertised in /nix-cache-info; lower wins against other
	// substituters.
	Priority int `toml:"priority"`
	// SignKeyPaths lists secret key files, each holding one or more
	// "<name>:<base64>" lines (see pkg/signer). At least one is required.
	SignKeyPaths []string `toml:"sign_key_paths"`
	// VirtualNixStore is the store directory advertised in narinfo and
	// /nix-cache-info; RealNixStore defaults to it when left empty.
	VirtualNixStore string `toml:"virtual_nix_store"`
	// RealNixStore is the store directory actually present on disk, read
	// for /serve and for the nix-daemon socket's own store paths.
	RealNixStore string `toml:"real_nix_store"`
	// TLSCertPath and TLSKeyPath, given together, enable built-in TLS
	// termination; left empty, Harmonia serves plain HTTP (for a reverse
	// proxy to terminate instead).
	TLSCertPath string `toml:"tls_cert_path"`
	TLSKeyPath  string `toml:"tls_key_path"`
	// DaemonSocketPath is the nix-daemon UNIX socket to dial; overridden by
	// the HARMONIA_DAEMON_SOCKET environment variable.
	DaemonSocketPath string `toml:"daemon_socket_path"`
	// MaxConnections bounds how many daemon connections the pool opens.
	MaxConnections int `toml:"max_connections"`
	// NixLogDir is the state directory GET /log/{drv} reads build logs from,
	// sharded the way `nix-store -l` lays them out: <dir>/<hashpart[:2]>/<hashpart[2:]-name>.drv[.bz2].
	NixLogDir string `toml:"nix_log_dir"`
}

// Default returns a Config with every field the spec allows to default
// populated; callers then overlay a parsed file and flags/env on top.
func Default() Config {
	return Config{
		Bind:              "[::]:5000",
		Workers:           4,
		MaxConnectionRate: 256,
		Priority:          30,
		VirtualNixStore:   "/nix/store",
		RealNixStore:      "/nix/store",
		DaemonSocketPath:  "/nix/var/nix/daemon-socket/socket",
		MaxConnections:    16,
		NixLogDir:         "/nix/var/log/nix/drvs",
	}
}

// Load reads and decodes a TOML config file at path into a Config seeded
// with Default(). An empty real_nix_store means the same as the virtual
// one.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %q: %w", path, err)
	}

	cfg.ApplyDefaults()

	return cfg, nil
}

// ApplyDefaults fills the fields whose defaults derive from other fields;
// callers that overlay flag or environment values re-run it afterwards.
func (c *Config) ApplyDefaults() {
	if c.RealNixStore == "" {
		c.RealNixStore = c.VirtualNixStore
	}
}

// Validate reports a startup ConfigError-class problem: an unparsable bind
// address, zero signing keys, or a non-positive worker count.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return ErrWorkersNonPositive
	}

	if len(c.SignKeyPaths) == 0 {
		return ErrNoSignKeys
	}

	if !strings.HasPrefix(c.Bind, "unix:") && !strings.Contains(c.Bind, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidBind, c.Bind)
	}

	return nil
}

// IsUnixBind reports whether Bind names a UNIX socket path rather than a
// TCP address, and returns the socket path with its "unix:" prefix
// stripped.
func (c Config) IsUnixBind() (path string, ok bool) {
	if rest, found := strings.CutPrefix(c.Bind, "unix:"); found {
		return rest, true
	}

	return "", false
}

// HasTLS reports whether both TLS cert and key paths are configured.
func (c Config) HasTLS() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}
