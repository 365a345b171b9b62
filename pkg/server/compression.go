package server

import (
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/numtide/harmonia/pkg/zstd"
)

// transportEncodings lists the Content-Encoding tokens this server can
// produce for NAR bodies, in preference order: zstd first, with br and
// gzip offered for clients that don't advertise zstd support. zstd and br
// use the same libraries pkg/nar imports for decompressing at-rest data,
// here in the opposite direction for HTTP transport; gzip comes from
// klauspost/compress.
var transportEncodings = []string{"zstd", "br", "gzip"}

// negotiateEncoding picks the first of transportEncodings present in an
// Accept-Encoding header, treating "*" as accepting the preferred encoding.
// An empty result means "identity" -- no transport compression.
func negotiateEncoding(acceptEncoding string) string {
	accepted := make(map[string]bool)

	for _, part := range strings.Split(acceptEncoding, ",") {
		part = strings.TrimSpace(part)

		name, params, _ := strings.Cut(part, ";")
		name = strings.TrimSpace(name)

		if name == "" {
			continue
		}

		if strings.ReplaceAll(params, " ", "") == "q=0" {
			continue
		}

		accepted[name] = true
	}

	if accepted["*"] {
		return transportEncodings[0]
	}

	for _, enc := range transportEncodings {
		if accepted[enc] {
			return enc
		}
	}

	return ""
}

// compressWriteCloser is what every supported transport compressor
// implements: write compressed bytes, and flush/finalize on Close.
type compressWriteCloser interface {
	io.Writer
	Close() error
}

// newCompressWriter wraps w with a streaming compressor for encoding. ok is
// false for "" or an unrecognized token, in which case w is returned
// unwrapped.
func newCompressWriter(w io.Writer, encoding string) (compressWriteCloser, bool) {
	switch encoding {
	case "zstd":
		return zstd.NewPooledWriter(w), true
	case "br":
		return brotli.NewWriter(w), true
	case "gzip":
		return gzip.NewWriter(w), true
	default:
		return nil, false
	}
}
