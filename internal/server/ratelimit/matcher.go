package ratelimit

import (
	"net/http"
	"strings"
)

// MatchEndpoint resolves the rate limit configuration for a request.
// The liveness probe is never limited. Exact path+method matches win;
// otherwise the longest matching "/"-terminated prefix applies, so
// per-item operator routes like /api/items/{id}/cancel share one
// bucket class. A nil result means the caller's default limit applies.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if path == "/healthz" && method == http.MethodGet {
		return &EndpointConfig{Path: path, Method: method} // zero limit = unlimited
	}

	var prefix *EndpointConfig
	for i := range configs {
		config := &configs[i]
		if config.Method != method {
			continue
		}
		if config.Path == path {
			return config
		}
		if strings.HasSuffix(config.Path, "/") && strings.HasPrefix(path, config.Path) {
			if prefix == nil || len(config.Path) > len(prefix.Path) {
				prefix = config
			}
		}
	}
	return prefix
}
