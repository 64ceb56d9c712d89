package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

func (s *StudioServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts requests without an Origin header (CLI and test
// clients) and browser origins whose scheme and host match an allowed
// origin. An allowed origin without a port matches any port.
func (s *StudioServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return false
	}

	allowed := s.allowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost", "https://localhost"}
	}
	for _, a := range allowed {
		if originMatches(o, a) {
			return true
		}
	}
	return false
}

func originMatches(o *url.URL, allowed string) bool {
	a, err := url.Parse(strings.TrimRight(allowed, "/"))
	if err != nil || !strings.EqualFold(a.Scheme, o.Scheme) {
		return false
	}
	if a.Port() == "" {
		return strings.EqualFold(a.Hostname(), o.Hostname())
	}
	return strings.EqualFold(a.Host, o.Host)
}
