// Package authbridge mints short-lived data-plane tokens from control-plane
// sessions. Downstream services verify tokens locally without a directory
// round trip.
package authbridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/controlplane/store"
)

// ErrInvalidToken is returned by Verify for any token that fails signature,
// expiry, or claim checks.
var ErrInvalidToken = errors.New("authbridge: invalid token")

// defaultTokenTTL keeps data-plane tokens short-lived; callers re-issue from
// their control-plane session as needed.
const defaultTokenTTL = 15 * time.Minute

// Claims is the verified content of a data-plane token.
type Claims struct {
	UserID     uuid.UUID  `json:"userId"`
	Email      string     `json:"email"`
	TenantSlug string     `json:"tenantSlug"`
	Role       store.Role `json:"role"`
}

// UserSummary is the caller-facing description of the token subject.
type UserSummary struct {
	ID         uuid.UUID  `json:"id"`
	Email      string     `json:"email"`
	TenantSlug string     `json:"tenantSlug"`
	Role       store.Role `json:"role"`
}

// TokenResult pairs a signed token with its subject summary.
type TokenResult struct {
	Token string      `json:"token"`
	User  UserSummary `json:"userSummary"`
}

// Bridge issues and verifies HS256 tokens scoped to a single tenant.
type Bridge struct {
	tenants store.TenantStore
	members store.MembershipStore
	secret  []byte
	issuer  string
	ttl     time.Duration
	now     func() time.Time
}

// New creates a Bridge. secret signs and verifies all tokens; issuer is
// stamped into the iss claim.
func New(tenants store.TenantStore, members store.MembershipStore, secret, issuer string) (*Bridge, error) {
	if secret == "" {
		return nil, errors.New("authbridge: signing secret is required")
	}
	if issuer == "" {
		issuer = "controlplane"
	}
	return &Bridge{
		tenants: tenants,
		members: members,
		secret:  []byte(secret),
		issuer:  issuer,
		ttl:     defaultTokenTTL,
		now:     time.Now,
	}, nil
}

// IssueToken mints a token for the session against the named tenant. The
// session must belong to that exact tenant, the tenant must be ACTIVE, and
// the user must hold a membership; any mismatch is a hard reject, never a
// fallback to another tenant.
func (b *Bridge) IssueToken(ctx context.Context, session store.Session, tenantSlug string) (*TokenResult, error) {
	tenant, err := b.tenants.GetBySlug(ctx, tenantSlug)
	if err != nil {
		return nil, fmt.Errorf("load tenant %q: %w", tenantSlug, err)
	}
	if tenant.ID != session.TenantID {
		return nil, fmt.Errorf("%w: session does not own tenant %q", store.ErrUnauthorized, tenantSlug)
	}
	if tenant.Status != store.TenantActive {
		return nil, fmt.Errorf("%w: tenant %q is not active", store.ErrForbidden, tenantSlug)
	}
	membership, err := b.members.GetByTenantUser(ctx, tenant.ID, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: no membership for tenant %q", store.ErrForbidden, tenantSlug)
	}

	now := b.now()
	claims := jwt.MapClaims{
		"sub":        session.UserID.String(),
		"email":      session.Email,
		"tenantSlug": tenant.Slug,
		"role":       string(membership.Role),
		"iss":        b.issuer,
		"iat":        now.Unix(),
		"exp":        now.Add(b.ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return &TokenResult{
		Token: token,
		User: UserSummary{
			ID:         session.UserID,
			Email:      session.Email,
			TenantSlug: tenant.Slug,
			Role:       membership.Role,
		},
	}, nil
}

// Verify parses and validates a token and returns its claims. Every failure
// mode collapses to ErrInvalidToken so callers cannot distinguish the reason.
func (b *Bridge) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return b.secret, nil
	}, jwt.WithIssuer(b.issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(func() time.Time { return b.now() }))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, _ := mc["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, ErrInvalidToken
	}
	email, _ := mc["email"].(string)
	slug, _ := mc["tenantSlug"].(string)
	role, _ := mc["role"].(string)
	if email == "" || slug == "" || !store.ValidRoles[store.Role(role)] {
		return nil, ErrInvalidToken
	}

	return &Claims{
		UserID:     userID,
		Email:      email,
		TenantSlug: slug,
		Role:       store.Role(role),
	}, nil
}
