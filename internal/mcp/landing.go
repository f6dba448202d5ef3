package mcp

import (
	"html/template"
	"net/http"
)

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Name}}</title>
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif; background: #f8fafc; color: #0f172a; margin: 0; padding: 3rem 1rem; }
  .card { max-width: 640px; margin: 0 auto; background: #fff; border: 1px solid #e2e8f0; border-radius: 10px; padding: 2rem; }
  h1 { font-size: 1.5rem; margin: 0 0 0.25rem; }
  .subtitle { color: #475569; margin: 0 0 1.5rem; }
  .section-title { font-size: 0.75rem; text-transform: uppercase; letter-spacing: 0.08em; color: #64748b; margin: 1.25rem 0 0.5rem; }
  code { font-family: "SF Mono", Menlo, monospace; font-size: 0.9rem; color: #4338ca; }
  li { margin-bottom: 0.35rem; }
</style>
</head>
<body>
<div class="card">
  <h1>{{.Name}}</h1>
  <p class="subtitle">Retrieval augmented question answering over your documents via the Model Context Protocol.</p>

  <div class="section-title">Index</div>
  <p><code>{{.Kind}}</code>, {{.Dimension}} dimensions, <code>{{.Metric}}</code> metric</p>

  <div class="section-title">Tools</div>
  <ul>
    <li><code>ask</code> answers a question from the indexed passages</li>
    <li><code>search</code> returns the best matching passages</li>
    <li><code>delete_document</code> removes a document from the index</li>
    <li><code>index_status</code> describes the index and the pipelines</li>
  </ul>

  <div class="section-title">Endpoints</div>
  <ul>
    <li><a href="/mcp"><code>/mcp</code></a> MCP Streamable HTTP</li>
    <li><a href="/health"><code>/health</code></a> health check</li>
    <li><a href="/metrics"><code>/metrics</code></a> Prometheus metrics</li>
  </ul>
</div>
</body>
</html>`))

type landingData struct {
	Name      string
	Kind      string
	Dimension int
	Metric    string
}

// NewLandingHandler returns an HTTP handler that serves the landing page at /.
func NewLandingHandler(name string, p Pipeline) http.HandlerFunc {
	if name == "" {
		name = "ragsworth"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		idx := p.Index()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		landingTemplate.Execute(w, landingData{
			Name:      name,
			Kind:      idx.Kind(),
			Dimension: idx.Dimension(),
			Metric:    string(idx.Metric()),
		})
	}
}
