// Package auth verifies the HS256 bearer tokens presented when a websocket
// connection is opened.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/canvasrelay/internal/errs"
	"github.com/agentworkforce/canvasrelay/internal/membership"
)

// MsgInvalidToken is the only message clients see for any token failure.
const MsgInvalidToken = "Authentication error: Invalid token."

// Identity is the authenticated caller of one connection.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
}

// claims are the token fields issued by the account service. exp and nbf are
// enforced only when present.
type claims struct {
	UserID json.RawMessage `json:"id"`
	Email  string          `json:"email"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// FromRequest reads the token from the Authorization header, falling back to
// the token query parameter which browsers use for websocket upgrades.
func FromRequest(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Authenticate verifies raw. The returned error always matches
// errs.ErrUnauthenticated and carries MsgInvalidToken; the specific reason is
// kept as its cause for logging.
func (a *Authenticator) Authenticate(raw string) (Identity, error) {
	identity, reason := a.parse(raw)
	if reason != nil {
		return Identity{}, errs.Wrap(errs.ErrUnauthenticated, MsgInvalidToken, reason)
	}
	return identity, nil
}

func (a *Authenticator) parse(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, errors.New("no token provided")
	}
	if len(a.secret) == 0 {
		return Identity{}, errors.New("no signing secret configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	var c claims
	if _, err := parser.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return Identity{}, err
	}
	userID, err := membership.UserIDFromJSON(c.UserID)
	if err != nil || userID == "" {
		return Identity{}, errors.New("missing id claim")
	}
	return Identity{UserID: userID, Email: c.Email}, nil
}
