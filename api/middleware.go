package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/controlplane/store"
)

// defaultSessionTTL bounds control-plane sessions. A session covers the
// whole onboarding flow, so it lives longer than a data-plane token.
const defaultSessionTTL = 24 * time.Hour

// SessionCodec signs and verifies control-plane session tokens. The session
// token identifies a user within exactly one tenant; it is distinct from
// the data-plane tokens minted by the auth bridge.
type SessionCodec struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionCodec creates a SessionCodec.
func NewSessionCodec(secret, issuer string) *SessionCodec {
	if issuer == "" {
		issuer = "controlplane"
	}
	return &SessionCodec{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    defaultSessionTTL,
		now:    time.Now,
	}
}

// Issue signs a session token.
func (c *SessionCodec) Issue(s store.Session) (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"sub":      s.UserID.String(),
		"email":    s.Email,
		"tenantId": s.TenantID.String(),
		"iss":      c.issuer,
		"iat":      now.Unix(),
		"exp":      now.Add(c.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Parse verifies a session token and reconstructs the session.
func (c *SessionCodec) Parse(tokenStr string) (*store.Session, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithIssuer(c.issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(func() time.Time { return c.now() }))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: bad session token", store.ErrUnauthorized)
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: bad session token", store.ErrUnauthorized)
	}

	sub, _ := mc["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, fmt.Errorf("%w: bad session token", store.ErrUnauthorized)
	}
	tid, _ := mc["tenantId"].(string)
	tenantID, err := uuid.Parse(tid)
	if err != nil {
		return nil, fmt.Errorf("%w: bad session token", store.ErrUnauthorized)
	}
	email, _ := mc["email"].(string)
	if email == "" {
		return nil, fmt.Errorf("%w: bad session token", store.ErrUnauthorized)
	}

	return &store.Session{UserID: userID, Email: email, TenantID: tenantID}, nil
}

// Middleware holds request middleware shared by all handlers.
type Middleware struct {
	sessions *SessionCodec
}

// NewMiddleware creates a Middleware.
func NewMiddleware(sessions *SessionCodec) *Middleware {
	return &Middleware{sessions: sessions}
}

// RequireSession authenticates the Authorization bearer token and attaches
// the session to the request context.
func (m *Middleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		session, err := m.sessions.Parse(tokenStr)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(SetSessionContext(r.Context(), session)))
	})
}
