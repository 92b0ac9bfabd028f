package handlers

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
)

//go:embed openapi.json
var openAPISpec []byte

// openAPIInfo is the part of the embedded document the docs page needs.
type openAPIInfo struct {
	Info struct {
		Title   string `json:"title"`
		Version string `json:"version"`
	} `json:"info"`
	Paths map[string]json.RawMessage `json:"paths"`
}

func loadOpenAPIInfo() openAPIInfo {
	var doc openAPIInfo
	if err := json.Unmarshal(openAPISpec, &doc); err != nil {
		panic(fmt.Sprintf("handlers: embedded openapi.json: %v", err))
	}
	return doc
}

var apiInfo = loadOpenAPIInfo()

const redocTemplate = `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <title>%s %s</title>
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <style>
      body { margin: 0; padding: 0; }
      redoc { display: block; height: 100vh; }
    </style>
  </head>
  <body>
    <redoc spec-url="/v1/openapi.json"></redoc>
    <script src="https://cdn.jsdelivr.net/npm/redoc@2.2.0/bundles/redoc.standalone.js"></script>
  </body>
</html>`

var redocHTML = fmt.Sprintf(redocTemplate, html.EscapeString(apiInfo.Info.Title), html.EscapeString(apiInfo.Info.Version))

// OpenAPIJSON serves the embedded description of the ghost endpoints.
func (a *App) OpenAPIJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPISpec)
}

func (a *App) OpenAPIDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(redocHTML))
}
