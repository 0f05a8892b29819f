package handlers

import (
	"html/template"
	"net/http"
)

type docsLink struct {
	Path        string
	Description string
}

type docsPage struct {
	Title string
	Links []docsLink
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.10.0/swagger-ui.css">
    <style>
        body { margin: 0; padding: 0; font-family: sans-serif; }
        nav.quick { padding: 12px 20px; background: #1f4e5f; color: #fff; }
        nav.quick a { color: #cde8f0; margin-right: 18px; }
    </style>
</head>
<body>
    <nav class="quick">
        <strong>{{.Title}}</strong>
        {{range .Links}}<a href="{{.Path}}" title="{{.Description}}">{{.Path}}</a>{{end}}
    </nav>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.10.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            window.ui = SwaggerUIBundle({
                url: "/api/docs/openapi.json",
                dom_id: '#swagger-ui',
                deepLinking: true,
                presets: [SwaggerUIBundle.presets.apis]
            });
        };
    </script>
</body>
</html>`))

// SwaggerUI serves the interactive documentation page for the diagnostics API
func SwaggerUI(w http.ResponseWriter, r *http.Request) {
	page := docsPage{
		Title: "Water Quality ETL Diagnostics API",
		Links: []docsLink{
			{Path: "/api/runs", Description: "Pipeline runs, newest first"},
			{Path: "/api/runs/latest", Description: "Latest run with its QC findings"},
			{Path: "/health", Description: "API and database health"},
			{Path: "/metrics", Description: "Prometheus metrics"},
			{Path: "/api/docs/openapi.json", Description: "OpenAPI document"},
		},
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := docsTemplate.Execute(w, page); err != nil {
		http.Error(w, "failed to render documentation", http.StatusInternalServerError)
	}
}
