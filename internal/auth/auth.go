// Package auth verifies the identity of connecting users. Tokens are issued
// by an external user service; parley only checks them.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
)

const (
	ModeJWT   = "jwt"
	ModeToken = "token"
)

// Claims are the JWT claims parley reads. The user id is the subject.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Credentials are what a client presents on connect or in an Authorization
// header. UserID is only consulted in token mode.
type Credentials struct {
	Token  string
	UserID string
	Name   string
}

// Identity is an authenticated user.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Method string `json:"method"`
}

// Verifier checks credentials against the configured mode.
type Verifier struct {
	mode     string
	secret   []byte
	token    string
	issuer   string
	audience string
	now      func() time.Time
}

// NewVerifier resolves secrets from config and environment.
// Precedence: config value → env variable.
func NewVerifier(cfg config.GatewayAuth) (*Verifier, error) {
	v := &Verifier{
		mode:     cfg.Mode,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}
	if v.mode == "" {
		v.mode = ModeJWT
	}

	secret := cfg.Secret
	if secret == "" {
		secret = os.Getenv("PARLEY_GATEWAY_SECRET")
	}
	v.secret = []byte(secret)

	v.token = cfg.Token
	if v.token == "" {
		v.token = os.Getenv("PARLEY_GATEWAY_TOKEN")
	}

	switch v.mode {
	case ModeJWT:
		if len(v.secret) == 0 {
			return nil, errors.New("auth: jwt mode requires a secret")
		}
	case ModeToken:
		if v.token == "" {
			return nil, errors.New("auth: token mode requires a token")
		}
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", v.mode)
	}
	return v, nil
}

// Mode returns the resolved auth mode.
func (v *Verifier) Mode() string { return v.mode }

// SetClock overrides the time used for expiry checks and issuing.
func (v *Verifier) SetClock(now func() time.Time) { v.now = now }

// Authenticate returns the identity behind c or an ErrUnauthorized error.
func (v *Verifier) Authenticate(c Credentials) (Identity, error) {
	if c.Token == "" {
		return Identity{}, domain.Wrap(domain.KindUnauthorized, "token required", nil)
	}
	switch v.mode {
	case ModeToken:
		if !safeEqual(c.Token, v.token) {
			return Identity{}, domain.Wrap(domain.KindUnauthorized, "token_mismatch", nil)
		}
		if !domain.ValidUserID(c.UserID) {
			return Identity{}, domain.Wrap(domain.KindUnauthorized, "user id required", nil)
		}
		return Identity{UserID: c.UserID, Name: c.Name, Method: ModeToken}, nil

	default:
		claims, err := v.parse(c.Token)
		if err != nil {
			return Identity{}, domain.Wrap(domain.KindUnauthorized, "invalid token", err)
		}
		if !domain.ValidUserID(claims.Subject) {
			return Identity{}, domain.Wrap(domain.KindUnauthorized, "token has no subject", nil)
		}
		return Identity{UserID: claims.Subject, Name: claims.Name, Method: ModeJWT}, nil
	}
}

func (v *Verifier) parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Issue mints an HS256 token for userID. Used by the CLI for development.
func (v *Verifier) Issue(userID, name string, ttl time.Duration) (string, error) {
	if v.mode != ModeJWT {
		return "", fmt.Errorf("auth: cannot issue tokens in %s mode", v.mode)
	}
	if !domain.ValidUserID(userID) {
		return "", fmt.Errorf("auth: invalid user id %q", userID)
	}
	now := v.now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ParseBearerToken extracts the token from an Authorization header value.
func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// safeEqual performs a constant-time string comparison that does not leak
// the secret's length.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}
