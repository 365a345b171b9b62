// Package storepath implements Nix store path parsing, formatting and the
// derived-path sum type used to address either a concrete output or a
// derivation plus a set of wanted outputs.
package storepath

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/numtide/harmonia/pkg/nixbase32"
)

// HashPartLen is the fixed length, in characters, of a store path's
// NixBase32-encoded hash part (20 raw bytes, truncated SHA-256).
const HashPartLen = 32

// ErrInvalidPath is returned when a string does not have the shape
// "<storeDir>/<hashpart>-<name>".
var ErrInvalidPath = errors.New("storepath: invalid store path")

// ErrInvalidName is returned when the name component contains characters
// Nix does not allow in store path names.
var ErrInvalidName = errors.New("storepath: invalid name")

// maxBaseLen bounds the "<hashpart>-<name>" basename; with the 32-char
// hash part and its separator, names may be at most 178 bytes.
const maxBaseLen = 211

// Path is an immutable, parsed Nix store path.
type Path struct {
	storeDir string
	hashPart string
	name     string
}

// StoreDir returns the store root this path was parsed against, e.g. "/nix/store".
func (p Path) StoreDir() string { return p.storeDir }

// HashPart returns the 32-character NixBase32 hash part, without the trailing dash.
func (p Path) HashPart() string { return p.hashPart }

// Name returns the name portion after the hash part, e.g. "hello-2.12.1".
func (p Path) Name() string { return p.name }

// Base returns "<hashpart>-<name>", the path's final path component.
func (p Path) Base() string { return p.hashPart + "-" + p.name }

// String returns the full absolute path, "<storeDir>/<hashpart>-<name>".
func (p Path) String() string {
	if p.hashPart == "" {
		return ""
	}

	return p.storeDir + "/" + p.Base()
}

// IsZero reports whether p is the zero value.
func (p Path) IsZero() bool { return p.hashPart == "" }

// validNameChar mirrors Nix's libutil isValidPathName character class.
func validNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '+', c == '-', c == '.', c == '_', c == '?', c == '=':
		return true
	default:
		return false
	}
}

// Parse parses s, a full absolute store path, validating that it lives under
// storeDir and that its hash part and name are well formed. It does not
// verify the hash part actually decodes to 20 bytes of NixBase32 data beyond
// its length and alphabet (Nix itself does not verify this is a real SHA-256
// either -- it is opaque to everything except the producer).
func Parse(storeDir, s string) (Path, error) {
	prefix := storeDir + "/"
	if !strings.HasPrefix(s, prefix) {
		return Path{}, fmt.Errorf("%w: %q is not under %q", ErrInvalidPath, s, storeDir)
	}

	base := s[len(prefix):]

	return parseBase(storeDir, base)
}

// ParseBase parses "<hashpart>-<name>" (no store directory prefix), the form
// used for hash-part lookups and NAR URLs.
func ParseBase(storeDir, base string) (Path, error) { return parseBase(storeDir, base) }

func parseBase(storeDir, base string) (Path, error) {
	if len(base) < HashPartLen+2 {
		return Path{}, fmt.Errorf("%w: %q too short", ErrInvalidPath, base)
	}

	if base[HashPartLen] != '-' {
		return Path{}, fmt.Errorf("%w: missing '-' after hash part in %q", ErrInvalidPath, base)
	}

	hashPart := base[:HashPartLen]
	for i := 0; i < len(hashPart); i++ {
		if strings.IndexByte(nixbase32.Alphabet, hashPart[i]) < 0 {
			return Path{}, fmt.Errorf("%w: invalid hash part %q", ErrInvalidPath, hashPart)
		}
	}

	if len(base) > maxBaseLen {
		return Path{}, fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidName, base, maxBaseLen)
	}

	name := base[HashPartLen+1:]
	if name == "" {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	if name[0] == '.' {
		return Path{}, fmt.Errorf("%w: %q starts with '.'", ErrInvalidName, name)
	}

	for i := 0; i < len(name); i++ {
		if !validNameChar(name[i]) {
			return Path{}, fmt.Errorf("%w: %q contains invalid character %q", ErrInvalidName, name, name[i])
		}
	}

	return Path{storeDir: storeDir, hashPart: hashPart, name: name}, nil
}

// New constructs a Path directly from its parts, validating them the same
// way Parse does.
func New(storeDir, hashPart, name string) (Path, error) {
	return parseBase(storeDir, hashPart+"-"+name)
}

// OutputSpec names the set of derivation outputs wanted by a DerivedPath. The
// zero value is an empty explicit set; use AllOutputs() for Nix's "^*"/"all"
// wildcard.
type OutputSpec struct {
	all   bool
	names map[string]struct{}
}

// AllOutputs returns the wildcard "all outputs" spec.
func AllOutputs() OutputSpec { return OutputSpec{all: true} }

// SomeOutputs returns an explicit, named output set.
func SomeOutputs(names ...string) OutputSpec {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}

	return OutputSpec{names: m}
}

// IsAll reports whether this is the wildcard output set.
func (o OutputSpec) IsAll() bool { return o.all }

// Names returns the explicit output names in sorted order. Empty (a non-nil,
// zero-length slice) when IsAll is true.
func (o OutputSpec) Names() []string {
	names := make([]string, 0, len(o.names))
	for n := range o.names {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// String renders the output spec the way Nix's CLI does: "^*" for all, or
// "^out,bin" for an explicit set.
func (o OutputSpec) String() string {
	if o.all {
		return "^*"
	}

	if len(o.names) == 0 {
		return ""
	}

	return "^" + strings.Join(o.Names(), ",")
}

// Derived is a DerivedPath: either a concrete, already-built Opaque store
// path, or a Drv (a .drv derivation path) plus the Outputs wanted from it.
// Exactly one of Opaque or Drv is set, mirroring Nix's std::variant.
type Derived struct {
	Opaque  *Path
	Drv     *Path
	Outputs OutputSpec
}

// NewOpaque wraps a concrete store path as a DerivedPath.
func NewOpaque(p Path) Derived { return Derived{Opaque: &p} }

// NewBuilt wraps a derivation path plus its wanted outputs as a DerivedPath.
func NewBuilt(drv Path, outputs OutputSpec) Derived {
	return Derived{Drv: &drv, Outputs: outputs}
}

// IsOpaque reports whether this DerivedPath names a concrete store path
// directly rather than a derivation to realize.
func (d Derived) IsOpaque() bool { return d.Opaque != nil }

// String renders the DerivedPath the way Nix's CLI does: the opaque path
// verbatim, or "<drvpath>^<outputs>" for a built path.
func (d Derived) String() string {
	if d.Opaque != nil {
		return d.Opaque.String()
	}

	if d.Drv == nil {
		return ""
	}

	return d.Drv.String() + d.Outputs.String()
}
