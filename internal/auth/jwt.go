// Package auth validates bearer tokens for the bridge's HTTP and WebSocket
// endpoints, using either a remote JWKS endpoint or a shared HMAC secret.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized marks every token rejection.
var ErrUnauthorized = errors.New("unauthorized")

// Claims are the JWT claims accepted by the bridge.
type Claims struct {
	jwt.RegisteredClaims
	// Scope optionally restricts the token to one bridge session id.
	Scope string `json:"scope,omitempty"`
}

// Config selects the key source. JWKSURL wins over Secret.
type Config struct {
	JWKSURL  string
	Secret   string
	Audience string
	Issuer   string
}

// Enabled reports whether any key source is configured.
func (c Config) Enabled() bool {
	return c.JWKSURL != "" || c.Secret != ""
}

// JWTValidator validates JWTs.
type JWTValidator struct {
	keyfunc jwt.Keyfunc
	methods []string
	cfg     Config
}

// NewJWTValidator creates a validator from cfg. With a JWKS URL the keys are
// fetched now and refreshed in the background until ctx is cancelled.
func NewJWTValidator(ctx context.Context, cfg Config) (*JWTValidator, error) {
	switch {
	case cfg.JWKSURL != "":
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		k, err := keyfunc.NewDefaultCtx(fetchCtx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create JWKS keyfunc")
		}
		return &JWTValidator{
			keyfunc: k.Keyfunc,
			methods: []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "EdDSA"},
			cfg:     cfg,
		}, nil
	case cfg.Secret != "":
		secret := []byte(cfg.Secret)
		return NewWithKeyfunc(func(*jwt.Token) (any, error) { return secret, nil },
			[]string{"HS256", "HS384", "HS512"}, cfg), nil
	default:
		return nil, errors.New("auth: neither JWKS URL nor secret configured")
	}
}

// NewWithKeyfunc creates a validator around an existing key lookup.
func NewWithKeyfunc(kf jwt.Keyfunc, methods []string, cfg Config) *JWTValidator {
	return &JWTValidator{keyfunc: kf, methods: methods, cfg: cfg}
}

// Validate validates a JWT token and returns the claims if valid.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.Mark(errors.New("missing token"), ErrUnauthorized)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(v.methods)}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to parse token"), ErrUnauthorized)
	}
	if !token.Valid {
		return nil, errors.Mark(errors.New("invalid token"), ErrUnauthorized)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.Mark(errors.New("invalid claims type"), ErrUnauthorized)
	}
	return claims, nil
}

// Allows reports whether the claims may use sessionID.
func (c *Claims) Allows(sessionID string) bool {
	return c.Scope == "" || c.Scope == sessionID
}

// TokenFromRequest returns the token from the Authorization header or the
// token query parameter. Browsers cannot set headers on WebSocket upgrades,
// hence the query fallback.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

type claimsKey struct{}

// WithClaims stores validated claims on ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns claims stored by WithClaims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}
