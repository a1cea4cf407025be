package auth

import (
	"net/http"
	"strings"

	"github.com/groupcord/backend/model"
	"github.com/rs/zerolog"
)

const (
	// SessionCookie is the cookie name carrying the HTTP session id.
	SessionCookie = "SESSION"
)

// Binder resolves a verified identity from a handshake request. It tries
// the bearer token first, then the session cookie established by a prior
// login. Absence of identity is a valid outcome, never an error: the
// connection proceeds unauthenticated and identity-requiring operations
// get rejected downstream.
type Binder struct {
	auth   *Authenticator
	logger zerolog.Logger
}

func NewBinder(auth *Authenticator, logger *zerolog.Logger) *Binder {
	return &Binder{
		auth:   auth,
		logger: logger.With().Str("component", "binder").Logger(),
	}
}

// Resolve extracts the identity from r, or nil when no usable credential
// material is present.
func (b *Binder) Resolve(r *http.Request) *model.Identity {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimPrefix(header, "Bearer ")
		ident, err := b.auth.VerifyToken(token)
		if err == nil {
			return ident
		}
		b.logger.Warn().Err(err).Msg("bearer token rejected")
	}

	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if ident := b.auth.sessions.Get(cookie.Value); ident != nil {
			return ident
		}
		b.logger.Warn().Msg("session cookie does not match a live session")
	}

	b.logger.Warn().Str("remote", r.RemoteAddr).Msg("handshake without identity")
	return nil
}
