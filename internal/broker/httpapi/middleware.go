package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bdobrica/sekisho/internal/broker/audit"
	"github.com/bdobrica/sekisho/internal/broker/token"
)

// authedHandler is a handler that runs with a verified identity.
type authedHandler func(w http.ResponseWriter, r *http.Request, id *token.Identity)

// authed wraps a handler with bearer verification. Missing bearer is 401,
// invalid or expired is 403, per the broker error model.
func (s *Server) authed(h authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		id, err := s.issuer.Verify(r.Context(), raw)
		if errors.Is(err, token.ErrTokenInvalid) {
			s.audit.Record(r.Context(), audit.Event{
				Kind:    audit.KindTokenVerify,
				Subject: r.URL.Path,
				Outcome: "denied",
				Error:   "invalid_token",
			})
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
			return
		}
		if err != nil {
			s.internalError(w, r, err)
			return
		}

		h(w, r, id)
	})
}

// bearerToken extracts the Authorization bearer value.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, value, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || value == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}
