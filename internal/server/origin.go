// Package server normalizes and validates HTTP origins for WebSocket and
// long-poll requests to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// originPolicy decides whether a request's Origin header is acceptable. It is
// built once from configuration; a "*" entry allows every origin, which is
// also the shipped default.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	log      *zap.Logger
}

func newOriginPolicy(origins []string, log *zap.Logger) *originPolicy {
	p := &originPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		log:     log,
	}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}
		p.allowed[normalized] = struct{}{}
	}

	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// check reports whether the request's origin is allowed and logs blocked
// attempts. When every origin is allowed, requests without an Origin header
// (non-browser clients) pass as well.
func (p *originPolicy) check(r *http.Request) bool {
	if p.allowAll {
		return true
	}

	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		p.log.Warn("blocked request without origin header")
		return false
	}

	normalized, ok := normalizeOrigin(originHeader)
	if !ok {
		p.log.Warn("blocked request with malformed origin", zap.String("origin", originHeader))
		return false
	}

	if _, exists := p.allowed[normalized]; exists {
		return true
	}

	p.log.Warn("blocked request from disallowed origin", zap.String("origin", originHeader))
	return false
}
