package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorizeRequest accepts the token as ?token= (for EventSource clients,
// which cannot set headers) or as a bearer header.
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" && secureEqual(t, s.cfg.Token) {
		return true
	}
	t := bearerToken(r.Header.Get("Authorization"))
	return t != "" && secureEqual(t, s.cfg.Token)
}

func bearerToken(authHeader string) string {
	const prefix = "Bearer "
	authHeader = strings.TrimSpace(authHeader)
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
