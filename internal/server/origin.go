package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which browser origins may open a WebSocket. It is
// built once per Server from Config.AllowedOrigins; "*" admits any
// well-formed http or https origin.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   *slog.Logger
}

func newOriginPolicy(origins []string, logger *slog.Logger) originPolicy {
	p := originPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		logger:  logger,
	}

	for _, raw := range origins {
		switch origin := strings.TrimSpace(raw); origin {
		case "":
		case "*":
			p.allowAll = true
		default:
			canonical, ok := canonicalOrigin(origin)
			if !ok {
				logger.Warn("ignoring invalid origin in configuration", "origin", raw)
				continue
			}
			p.allowed[canonical] = struct{}{}
		}
	}
	return p
}

// canonicalOrigin reduces origin to lower-case scheme://host[:port].
func canonicalOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}

// checkOrigin is the upgrader's CheckOrigin. Requests without an Origin
// header are refused.
func (p originPolicy) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	origin, ok := canonicalOrigin(header)
	if ok {
		if _, listed := p.allowed[origin]; listed || p.allowAll {
			return true
		}
	}

	p.logger.Warn("blocked websocket connection from disallowed origin", "origin", header, "remote_addr", r.RemoteAddr)
	return false
}
