package server

import (
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/numtide/harmonia/pkg/cache"
	"github.com/numtide/harmonia/pkg/helper"
	"github.com/numtide/harmonia/pkg/nar"
)

// getLog serves GET /log/{drvbasename}: build logs live under LogDir,
// sharded by the first two hash-part characters the way `nix-store -l`
// itself lays them out, and may be stored bzip2-compressed.
func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	drv := chi.URLParam(r, "drv")
	if !strings.HasSuffix(drv, ".drv") {
		drv += ".drv"
	}

	if strings.Contains(drv, "/") || strings.Contains(drv, "..") {
		s.writeForbidden(w, r)

		return
	}

	plainPath, err := helper.BuildLogPath(s.opts.LogDir, drv)
	if err != nil {
		s.writeError(w, r, cache.ErrNotFound)

		return
	}

	path, compressed := plainPath, false

	if _, err := os.Stat(path); err != nil {
		path, compressed = plainPath+".bz2", true

		if _, err := os.Stat(path); err != nil {
			s.writeError(w, r, cache.ErrNotFound)

			return
		}
	}

	f, err := os.Open(path)
	if err != nil {
		s.writeError(w, r, err)

		return
	}
	defer f.Close()

	w.Header().Set(contentType, contentTypeText)

	var body io.Reader = f

	acceptsBzip2 := strings.Contains(r.Header.Get("Accept-Encoding"), "bzip2")

	switch {
	case !compressed:
		// Already plain text.
	case acceptsBzip2:
		w.Header().Set(contentEncoding, "bzip2")
	default:
		rc, err := nar.DecompressReader(r.Context(), f, nar.CompressionTypeBzip2)
		if err != nil {
			s.writeError(w, r, err)

			return
		}
		defer rc.Close()

		body = rc
	}

	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		s.logger.Debug().Err(err).Str("drv", drv).Msg("streaming build log")
	}
}
