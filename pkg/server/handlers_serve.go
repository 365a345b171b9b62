package server

import (
	"html"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/numtide/harmonia/pkg/cache"
)

// getServe serves GET /serve/{hash}/{tail...}: direct file access inside a
// resolved store path. Path traversal and symlinks escaping the store
// path's real location are rejected with 403; a directory target serves
// index.html if present, else a plain listing.
func (s *Server) getServe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash := chi.URLParam(r, "hash")
	tail := chi.URLParam(r, "*")

	resolved, err := s.cache.Resolve(ctx, hash)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	base := filepath.Join(s.cache.RealStoreDir(), resolved.Path.Base())

	target := filepath.Join(base, filepath.FromSlash(tail))
	if !isWithin(base, target) {
		s.writeForbidden(w, r)

		return
	}

	real, err := filepath.EvalSymlinks(target)
	if err != nil {
		s.writeError(w, r, cache.ErrNotFound)

		return
	}

	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		s.writeError(w, r, cache.ErrNotFound)

		return
	}

	if !isWithin(realBase, real) {
		s.writeForbidden(w, r)

		return
	}

	info, err := os.Stat(real)
	if err != nil {
		s.writeError(w, r, cache.ErrNotFound)

		return
	}

	if info.IsDir() {
		s.serveDir(w, r, real, r.URL.Path)

		return
	}

	s.serveFile(w, r, real)
}

// isWithin reports whether target is base itself or a descendant of it,
// comparing cleaned paths rather than string prefixes so "/nix/store-evil"
// can't be mistaken for a child of "/nix/store".
func isWithin(base, target string) bool {
	base = filepath.Clean(base)
	target = filepath.Clean(target)

	if target == base {
		return true
	}

	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, real string) {
	f, err := os.Open(real)
	if err != nil {
		s.writeError(w, r, cache.ErrNotFound)

		return
	}
	defer f.Close()

	if ct := mime.TypeByExtension(filepath.Ext(real)); ct != "" {
		w.Header().Set(contentType, ct)
	}

	http.ServeContent(w, r, filepath.Base(real), time.Time{}, f)
}

func (s *Server) serveDir(w http.ResponseWriter, r *http.Request, dir, urlPath string) {
	if idx := filepath.Join(dir, "index.html"); fileExists(idx) {
		s.serveFile(w, r, idx)

		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}

		names = append(names, name)
	}

	sort.Strings(names)

	if !strings.HasSuffix(urlPath, "/") {
		urlPath += "/"
	}

	w.Header().Set(contentType, "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte("<!DOCTYPE html><html><body><ul>\n"))

	for _, name := range names {
		href := path.Join(urlPath, name)
		_, _ = w.Write([]byte(`<li><a href="` + html.EscapeString(href) + `">` + html.EscapeString(name) + "</a></li>\n"))
	}

	_, _ = w.Write([]byte("</ul></body></html>\n"))
}

func fileExists(p string) bool {
	info, err := os.Stat(p)

	return err == nil && !info.IsDir()
}
