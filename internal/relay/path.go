package relay

import "path"

// reservedPaths serve static informational responses and can never host a
// rendezvous.
var reservedPaths = map[string]struct{}{
	"/":            {},
	"/version":     {},
	"/help":        {},
	"/favicon.ico": {},
	"/robots.txt":  {},
}

// NormalizePath resolves a raw request path against the server root and
// strips the trailing slash, keeping root itself intact. The result is the
// rendezvous key.
func NormalizePath(raw string) string {
	return path.Clean("/" + raw)
}

// IsReserved reports whether a normalised path belongs to the reserved set.
func IsReserved(pathname string) bool {
	_, ok := reservedPaths[pathname]
	return ok
}
