package auth

// publicPaths bypass authentication and tenant resolution.
var publicPaths = map[string]bool{
	"/health":         true,
	"/health/db":      true,
	"/metrics":        true,
	"/api/auth/login": true,
	"/ws":             true,
}

// IsPublicPath reports whether the route path is served without credentials.
// The websocket endpoint authenticates its own query-string token.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
