// Package cache is the request-orchestration layer between the HTTP engine
// (pkg/server) and the nix-daemon (pkg/daemon): it resolves a hash part to a
// store path, turns a daemon PathInfo into a signed Narinfo, and hands back
// a streaming NAR reader. It never persists anything -- the daemon is
// authoritative per request.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/numtide/harmonia/pkg/daemon"
	"github.com/numtide/harmonia/pkg/lock"
	"github.com/numtide/harmonia/pkg/nar"
	"github.com/numtide/harmonia/pkg/narinfo"
	"github.com/numtide/harmonia/pkg/signer"
	"github.com/numtide/harmonia/pkg/storepath"
)

// ErrNotFound is returned when a hash part or NAR hash does not resolve to a
// currently-valid store path.
var ErrNotFound = errors.New("cache: path not found")

// Client is the subset of *daemon.Client the cache layer needs. It exists
// so pkg/server's integration tests can run against an in-memory fake
// instead of a real nix-daemon socket.
type Client interface {
	IsValidPath(ctx context.Context, path string) (bool, error)
	QueryPathFromHashPart(ctx context.Context, hashPart string) (string, error)
	QueryPathInfo(ctx context.Context, path string) (*daemon.PathInfo, error)
	NarFromPath(ctx context.Context, path string) (io.ReadCloser, error)
}

// Cache wires a daemon Client, a multi-key Signer, and the configured store
// directories into the operations pkg/server's handlers need.
type Cache struct {
	client          Client
	signer          *signer.Signer
	virtualStoreDir string
	realStoreDir    string

	// coalesce serializes concurrent lookups of the same hash part: the
	// first caller does its daemon round trip while followers wait on the
	// same key, then each follower does its own round trip in turn (results
	// are never shared, since PathInfo is never cached across requests), so
	// at most one lookup per hash part is in flight at a time.
	coalesce lock.Locker
}

// New constructs a Cache. signer may be nil only for read paths that never
// produce narinfo (e.g. a future /serve-only deployment); BuildNarinfo
// panics if called against a nil signer.
func New(client Client, sgnr *signer.Signer, virtualStoreDir, realStoreDir string, coalesce lock.Locker) *Cache {
	return &Cache{
		client:          client,
		signer:          sgnr,
		virtualStoreDir: virtualStoreDir,
		realStoreDir:    realStoreDir,
		coalesce:        coalesce,
	}
}

// VirtualStoreDir returns the store directory advertised to clients.
func (c *Cache) VirtualStoreDir() string { return c.virtualStoreDir }

// RealStoreDir returns the store directory actually present on disk.
func (c *Cache) RealStoreDir() string { return c.realStoreDir }

// Resolved is the result of resolving a hash part: the full store path and
// its daemon-reported metadata, fetched together so callers never see a
// path without its info or vice versa.
type Resolved struct {
	Path storepath.Path
	Info *daemon.PathInfo
}

// Resolve turns a 32-character hash part into a full store path and its
// PathInfo. Concurrent lookups of the same hash part run one at a time, each
// with its own daemon round trip. Returns ErrNotFound if the hash part is unknown or the
// daemon reports the resolved path invalid.
func (c *Cache) Resolve(ctx context.Context, hashPart string) (*Resolved, error) {
	if err := c.coalesce.Lock(ctx, hashPart, 0); err != nil {
		return nil, fmt.Errorf("cache: coalescing lock for %q: %w", hashPart, err)
	}
	defer func() { _ = c.coalesce.Unlock(ctx, hashPart) }()

	full, err := c.client.QueryPathFromHashPart(ctx, hashPart)
	if err != nil {
		return nil, fmt.Errorf("cache: resolving hash part %q: %w", hashPart, err)
	}

	if full == "" {
		return nil, fmt.Errorf("%w: hash part %q", ErrNotFound, hashPart)
	}

	path, err := storepath.Parse(c.realStoreDir, full)
	if err != nil {
		return nil, fmt.Errorf("cache: daemon returned unparseable path %q: %w", full, err)
	}

	info, err := c.client.QueryPathInfo(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("cache: querying path info for %q: %w", full, err)
	}

	if info == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, full)
	}

	return &Resolved{Path: path, Info: info}, nil
}

// ResolveNAR resolves a GET /nar/<hash>.nar URL's hash segment back to a
// store path, re-querying the daemon for its current PathInfo and confirming
// the NarHash the request asked for still matches before the caller streams
// anything. A mismatch means the store has since replaced the path (e.g. a
// rebuild) between the client fetching the narinfo and fetching its NAR, and
// is reported as ErrNotFound exactly like an unknown hash part.
func (c *Cache) ResolveNAR(ctx context.Context, hash string) (*Resolved, error) {
	hashPart, wantNarHash, ok := SplitNarHash(hash)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no resolvable hash-part prefix", ErrNotFound, hash)
	}

	r, err := c.Resolve(ctx, hashPart)
	if err != nil {
		return nil, err
	}

	if NarHashNixBase32(r.Info.NarHash) != wantNarHash {
		return nil, fmt.Errorf("%w: narhash mismatch for %q", ErrNotFound, hash)
	}

	return r, nil
}

// NarHashNixBase32 extracts the bare NixBase32 digest from a PathInfo's
// NarHash field, tolerating both the "sha256:<base32>" form the daemon
// normally sends and a bare digest.
func NarHashNixBase32(narHash string) string {
	if _, rest, ok := strings.Cut(narHash, ":"); ok {
		return rest
	}

	return narHash
}

// narURL renders the narinfo URL field as "nar/<hashpart>-<narhash>.nar[.<ext>]",
// the same narinfo-hash-prefixed form nix-serve has always used (see
// pkg/nar.URL.Normalize) and the only one pkg/nar.HashPattern accepts besides
// a bare 52-char hash. The prefix is what lets a later, otherwise stateless
// GET /nar/<hash>.nar request resolve back to a store path: the daemon has
// no "look up by NAR hash" operation, only QueryPathFromHashPart and
// QueryPathInfo by full path, so the hash part has to ride
// along in the URL Harmonia itself hands out.
func narURL(hashPart, narHash, ext string) string {
	base := "nar/" + hashPart + "-" + NarHashNixBase32(narHash) + ".nar"
	if ext != "" {
		base += "." + ext
	}

	return base
}

// SplitNarHash splits a /nar/ URL hash segment produced by narURL back into
// the store-path hash part and the NixBase32 NAR hash. ok is false if hash
// doesn't carry the 32-character hash-part prefix narURL always attaches,
// which means it cannot have come from this implementation's own narinfo.
func SplitNarHash(hash string) (hashPart, narHash string, ok bool) {
	const hashPartLen = storepath.HashPartLen

	if len(hash) <= hashPartLen+1 {
		return "", "", false
	}

	sep := hash[hashPartLen]
	if sep != '-' && sep != '_' {
		return "", "", false
	}

	return hash[:hashPartLen], hash[hashPartLen+1:], true
}

// BuildNarinfo renders r into a narinfo.Info using the virtual store
// directory for StorePath and basenames (not full paths) for
// References/Deriver, and signs the result with every active key.
// compression names the at-rest compression advertised in the URL; pass
// nar.CompressionTypeNone for transparent-HTTP-compression deployments,
// the only mode this implementation serves.
func (c *Cache) BuildNarinfo(r *Resolved, compression nar.CompressionType) *narinfo.Info {
	if c.signer == nil {
		panic("cache: BuildNarinfo called without a configured signer")
	}

	references := make([]string, 0, len(r.Info.References))

	for _, ref := range r.Info.References {
		references = append(references, filepath.Base(ref))
	}

	ext := compression.ToFileExtension()

	info := &narinfo.Info{
		StorePath:   c.virtualStoreDir + "/" + r.Path.Base(),
		URL:         narURL(r.Path.HashPart(), r.Info.NarHash, ext),
		Compression: string(compression),
		NarHash:     r.Info.NarHash,
		NarSize:     r.Info.NarSize,
		References:  references,
		CA:          r.Info.CA,
	}

	if compression == nar.CompressionTypeNone || compression == "" {
		info.Compression = string(nar.CompressionTypeNone)
	}

	if r.Info.Deriver != "" {
		info.Deriver = filepath.Base(r.Info.Deriver)
	}

	fingerprint := signer.Fingerprint(info.StorePath, r.Info.NarHash, r.Info.NarSize, fullReferences(c.virtualStoreDir, r.Info.References))
	info.Sigs = c.signer.Sign(fingerprint)

	return info
}

// fullReferences re-qualifies basenames back to full virtual-store paths
// for fingerprint computation, since the fingerprint is defined over full
// paths while Narinfo.References holds basenames.
func fullReferences(virtualStoreDir string, references []string) []string {
	full := make([]string, len(references))
	for i, ref := range references {
		full[i] = virtualStoreDir + "/" + filepath.Base(ref)
	}

	return full
}

// NAR streams the raw NAR bytes for the resolved store path, straight from
// the daemon socket through to the caller -- never materialized in memory.
func (c *Cache) NAR(ctx context.Context, path storepath.Path) (io.ReadCloser, error) {
	return c.client.NarFromPath(ctx, path.String())
}

// ListingFor derives the `.ls` JSON listing for a store path by running the
// NAR reader in pure event mode over the streamed daemon reply -- it never
// materializes file content.
func (c *Cache) ListingFor(ctx context.Context, path storepath.Path) (*nar.Listing, error) {
	rc, err := c.NAR(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return nar.DeriveListing(rc)
}
