package nar

import (
	"fmt"
	"io"
)

// Listing is the top-level `.ls` JSON body: a version tag plus the root node.
type Listing struct {
	Version int          `json:"version"`
	Root    ListingEntry `json:"root"`
}

// ListingEntry is one node in a `.ls` listing, keyed by path in its parent's
// Entries map. Executable is a pointer so regular files always render the
// field (false included) while symlinks and directories omit it entirely.
// narOffset is intentionally never populated.
type ListingEntry struct {
	Type       string                  `json:"type"`
	Size       int64                   `json:"size,omitempty"`
	Executable *bool                   `json:"executable,omitempty"`
	Target     string                  `json:"target,omitempty"`
	Entries    map[string]ListingEntry `json:"entries,omitempty"`
}

// DeriveListing runs the reader in pure event mode (file content is drained
// but never buffered or written anywhere) to build the `.ls` listing.
func DeriveListing(r io.Reader) (*Listing, error) {
	rd, err := NewReader(r)
	if err != nil {
		return nil, err
	}

	defer rd.Close()

	root, err := listingNode(rd)
	if err != nil {
		return nil, err
	}

	return &Listing{Version: 1, Root: root}, nil
}

func listingNode(rd *Reader) (ListingEntry, error) {
	e, err := rd.Next()
	if err != nil {
		return ListingEntry{}, err
	}

	switch e.Kind {
	case EventRegular:
		for {
			ce, err := rd.Next()
			if err != nil {
				return ListingEntry{}, err
			}

			if ce.Kind == EventFileEnd {
				break
			}
		}

		executable := e.Executable

		return ListingEntry{Type: "regular", Size: e.Size, Executable: &executable}, nil

	case EventSymlink:
		return ListingEntry{Type: "symlink", Target: e.Target}, nil

	case EventDirectory:
		entries := map[string]ListingEntry{}

		for {
			ee, err := rd.Next()
			if err != nil {
				return ListingEntry{}, err
			}

			if ee.Kind == EventEndDirectory {
				break
			}

			if ee.Kind != EventEntry {
				return ListingEntry{}, fmt.Errorf("%w: expected entry, got kind %d", ErrMalformed, ee.Kind)
			}

			child, err := listingNode(rd)
			if err != nil {
				return ListingEntry{}, err
			}

			entries[ee.Name] = child

			end, err := rd.Next()
			if err != nil {
				return ListingEntry{}, err
			}

			if end.Kind != EventEndEntry {
				return ListingEntry{}, fmt.Errorf("%w: expected end-entry, got kind %d", ErrMalformed, end.Kind)
			}
		}

		return ListingEntry{Type: "directory", Entries: entries}, nil

	default:
		return ListingEntry{}, fmt.Errorf("%w: unexpected top-level event kind %d", ErrMalformed, e.Kind)
	}
}
