package web

import "embed"

// staticFiles bundles the informational pages served on reserved paths.
//
//go:embed static/*
var staticFiles embed.FS

// Index returns the HTML page served at the server root.
func Index() ([]byte, error) {
	return staticFiles.ReadFile("static/index.html")
}
