package http

import (
	"html/template"
	"net/http"
)

// indexTemplate is a minimal channel grid. The full front-end lives
// outside this service; this page is enough to click a channel and play.
var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>fritztv</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
       margin: 0; padding: 20px; background: #0d0d0d; color: #fff; }
h1 { text-align: center; font-size: 2rem; }
.grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(160px, 1fr));
        gap: 16px; max-width: 1200px; margin: 0 auto; }
.card { background: #1a1a1a; padding: 20px; border-radius: 12px; text-decoration: none;
        color: #fff; text-align: center; border: 1px solid rgba(255,255,255,0.05); }
.card:hover { background: #252525; }
.group { color: #a0a0a0; font-size: 0.8rem; }
</style>
</head>
<body>
<h1>fritztv</h1>
<div class="grid">
{{range .}}<a class="card" href="/stream/{{.ID}}.mp4">
<div>{{.Name}}</div>
{{if .Group}}<div class="group">{{.Group}}</div>{{end}}
</a>
{{end}}</div>
</body>
</html>
`))

// index renders the channel grid.
func (h *Handlers) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, h.catalog.Channels()); err != nil {
		h.logger.Warn("rendering index failed")
	}
}
