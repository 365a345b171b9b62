package helper

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrInputTooShort is returned when a filename is too short to shard.
var ErrInputTooShort = errors.New("is less than 3 characters long")

// BuildLogPath returns the on-disk location of a derivation's build log
// under logDir, sharded by the first two characters of the derivation
// basename the way nix-store lays them out: "<dir>/<drv[0:2]>/<drv[2:]>".
// The caller appends ".bz2" to probe for a compressed-at-rest log.
func BuildLogPath(logDir, drvBasename string) (string, error) {
	if len(drvBasename) < 3 {
		return "", fmt.Errorf("drv=%q: %w", drvBasename, ErrInputTooShort)
	}

	return filepath.Join(logDir, drvBasename[0:2], drvBasename[2:]), nil
}
