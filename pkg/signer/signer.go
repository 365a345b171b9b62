// Package signer loads Ed25519 binary-cache signing keys in Nix's own
// "<name>:<Base64 of raw key bytes>" line format and produces/verifies the
// fingerprint signatures narinfo `Sig:` lines carry.
package signer

import (
	"bufio"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrMalformedKey is returned when a key line isn't "<name>:<base64>".
var ErrMalformedKey = errors.New("signer: malformed key line")

// ErrWrongKeySize is returned when a decoded key isn't the Ed25519 size
// Nix's key format expects.
var ErrWrongKeySize = errors.New("signer: wrong key size")

// Fingerprint computes the exact message an Ed25519 signature is taken
// over. references must already be absolute store paths in the daemon's
// own order; an empty slice yields a trailing empty field, matching Nix's
// own behavior for packages with no references.
func Fingerprint(storePath, narHash string, narSize uint64, references []string) string {
	return fmt.Sprintf("1;%s;%s;%d;%s", storePath, narHash, narSize, strings.Join(references, ","))
}

// SecretKey is one named Ed25519 signing key.
type SecretKey struct {
	Name string
	key  ed25519.PrivateKey
}

// PublicKey is one named Ed25519 verification key.
type PublicKey struct {
	Name string
	key  ed25519.PublicKey
}

func parseKeyLine(line string) (name string, raw []byte, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, nil
	}

	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", nil, fmt.Errorf("%w: %q", ErrMalformedKey, line)
	}

	name = line[:idx]

	raw, err = base64.StdEncoding.DecodeString(line[idx+1:])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %q: %w", ErrMalformedKey, line, err)
	}

	return name, raw, nil
}

// ParseSecretKey parses a single "<name>:<base64>" line holding a 64-byte
// Ed25519 seed+public-key pair, as produced by
// `nix-store --generate-binary-cache-key`.
func ParseSecretKey(line string) (*SecretKey, error) {
	name, raw, err := parseKeyLine(line)
	if err != nil {
		return nil, err
	}

	if name == "" {
		return nil, nil //nolint:nilnil // blank line, caller skips it
	}

	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: secret key %q is %d bytes, want %d",
			ErrWrongKeySize, name, len(raw), ed25519.PrivateKeySize)
	}

	return &SecretKey{Name: name, key: ed25519.PrivateKey(raw)}, nil
}

// ParsePublicKey parses a single "<name>:<base64>" line holding a 32-byte
// Ed25519 public key.
func ParsePublicKey(line string) (*PublicKey, error) {
	name, raw, err := parseKeyLine(line)
	if err != nil {
		return nil, err
	}

	if name == "" {
		return nil, nil //nolint:nilnil // blank line, caller skips it
	}

	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key %q is %d bytes, want %d",
			ErrWrongKeySize, name, len(raw), ed25519.PublicKeySize)
	}

	return &PublicKey{Name: name, key: ed25519.PublicKey(raw)}, nil
}

// Sign returns a complete "<name>:<base64(signature)>" Sig-line value.
func (k *SecretKey) Sign(fingerprint string) string {
	sig := ed25519.Sign(k.key, []byte(fingerprint))

	return k.Name + ":" + base64.StdEncoding.EncodeToString(sig)
}

// Public derives the PublicKey half of k.
func (k *SecretKey) Public() *PublicKey {
	pub, _ := k.key.Public().(ed25519.PublicKey)

	return &PublicKey{Name: k.Name, key: pub}
}

// String renders k in the "<name>:<base64>" form Nix's
// trusted-public-keys setting expects.
func (k *PublicKey) String() string {
	return k.Name + ":" + base64.StdEncoding.EncodeToString(k.key)
}

// Verify reports whether sig (a "<name>:<base64>" Sig-line value) is a
// valid signature over fingerprint under k. A name mismatch returns false
// rather than an error, since callers try every trusted key in turn.
func (k *PublicKey) Verify(fingerprint, sig string) bool {
	idx := strings.IndexByte(sig, ':')
	if idx < 0 {
		return false
	}

	name, sigB64 := sig[:idx], sig[idx+1:]
	if name != k.Name {
		return false
	}

	raw, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}

	return ed25519.Verify(k.key, []byte(fingerprint), raw)
}

func parseKeyLines[K any](r io.Reader, parse func(string) (*K, error)) ([]*K, error) {
	var keys []*K

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		k, err := parse(scanner.Text())
		if err != nil {
			return nil, err
		}

		if k != nil {
			keys = append(keys, k)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

func loadKeyFile[K any](path string, parse func(string) (*K, error)) ([]*K, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	defer f.Close()

	return parseKeyLines(f, parse)
}

// LoadSecretKeys reads every non-blank line from each path as a secret key.
// Multiple keys, whether on one line each within a file or spread across
// files, all become active simultaneously.
func LoadSecretKeys(paths []string) ([]*SecretKey, error) {
	var keys []*SecretKey

	for _, path := range paths {
		ks, err := loadKeyFile(path, ParseSecretKey)
		if err != nil {
			return nil, err
		}

		keys = append(keys, ks...)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("signer: no secret keys loaded from %v", paths)
	}

	return keys, nil
}

// LoadPublicKeys reads every non-blank line from each path as a public key.
func LoadPublicKeys(paths []string) ([]*PublicKey, error) {
	var keys []*PublicKey

	for _, path := range paths {
		ks, err := loadKeyFile(path, ParsePublicKey)
		if err != nil {
			return nil, err
		}

		keys = append(keys, ks...)
	}

	return keys, nil
}

// Signer signs every narinfo with all of its active secret keys, so that
// key rotation never needs downtime: old and new keys are simply both
// present until every client has picked up the new public key.
type Signer struct {
	keys []*SecretKey
}

// New constructs a Signer from already-loaded keys.
func New(keys []*SecretKey) (*Signer, error) {
	if len(keys) == 0 {
		return nil, errors.New("signer: at least one secret key is required")
	}

	return &Signer{keys: keys}, nil
}

// Sign returns one complete Sig-line value per active key.
func (s *Signer) Sign(fingerprint string) []string {
	sigs := make([]string, len(s.keys))
	for i, k := range s.keys {
		sigs[i] = k.Sign(fingerprint)
	}

	return sigs
}

// Verify reports whether at least one of sigs validates under any of
// trusted for fingerprint.
func Verify(fingerprint string, sigs []string, trusted []*PublicKey) bool {
	for _, sig := range sigs {
		for _, key := range trusted {
			if key.Verify(fingerprint, sig) {
				return true
			}
		}
	}

	return false
}
