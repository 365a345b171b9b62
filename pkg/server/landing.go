package server

import (
	"html/template"
	"net/http"
)

// landingTemplate renders GET /'s human-facing page: enough for an
// operator to copy the substituter and trusted-public-keys lines into a
// client's nix.conf.
var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Harmonia</title></head>
<body>
<h1>Harmonia</h1>
<p>This is a Nix binary cache. Point a Nix client at it with:</p>
<pre>extra-substituters = {{.BaseURL}}
{{- if .PublicKeys}}
extra-trusted-public-keys = {{range $i, $k := .PublicKeys}}{{if $i}} {{end}}{{$k}}{{end}}
{{- end}}
</pre>
<p>Store directory: <code>{{.StoreDir}}</code></p>
<p>Priority: {{.Priority}}</p>
<p><a href="/nix-cache-info">/nix-cache-info</a> &middot; <a href="/metrics">/metrics</a> &middot; <a href="/health">/health</a></p>
</body>
</html>
`))

type landingData struct {
	BaseURL    string
	StoreDir   string
	Priority   int
	PublicKeys []string
}

func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	keys := make([]string, 0, len(s.opts.PublicKeys))

	for _, k := range s.opts.PublicKeys {
		keys = append(keys, k.String())
	}

	baseURL := "http://" + r.Host

	if r.TLS != nil {
		baseURL = "https://" + r.Host
	}

	data := landingData{
		BaseURL:    baseURL,
		StoreDir:   s.cache.VirtualStoreDir(),
		Priority:   s.opts.Priority,
		PublicKeys: keys,
	}

	w.Header().Set(contentType, "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if err := landingTemplate.Execute(w, data); err != nil {
		s.logger.Error().Err(err).Msg("rendering landing page")
	}
}
