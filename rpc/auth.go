package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"dealescrow/native/escrow"
)

// ScopeAdmin grants access to operator methods such as ledger_mint.
const ScopeAdmin = "admin"

type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Caller is the authenticated principal of a request. Identity is the JWT
// subject.
type Caller struct {
	Identity escrow.Identity
	Scopes   []string
}

func (c *Caller) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type contextKey string

const contextKeyCaller contextKey = "rpc.caller"

// CallerFromContext returns the caller stored by the auth middleware.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(*Caller)
	return caller, ok && caller != nil
}

func withCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, contextKeyCaller, caller)
}

type Authenticator struct {
	cfg    AuthConfig
	secret []byte
}

func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if len(secret) == 0 {
		return nil, errors.New("rpc: auth secret not configured")
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	return &Authenticator{cfg: cfg, secret: secret}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, nil, codeUnauthorized, "unauthenticated", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

// Authenticate validates the bearer token of r and returns its caller.
func (a *Authenticator) Authenticate(r *http.Request) (*Caller, error) {
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return nil, errors.New("missing bearer token")
	}
	return a.parse(tokenString)
}

func (a *Authenticator) parse(tokenString string) (*Caller, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, errors.New("token subject required")
	}
	identity, err := escrow.ParseIdentity(subject)
	if err != nil {
		return nil, fmt.Errorf("token subject: %w", err)
	}
	return &Caller{Identity: identity, Scopes: extractScopes(claims)}, nil
}

// IssueToken mints an HS256 token for identity. It backs the CLI token
// command and tests.
func IssueToken(cfg AuthConfig, identity escrow.Identity, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return "", errors.New("rpc: auth secret not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.MapClaims{
		"sub": identity.String(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if cfg.Issuer != "" {
		claims["iss"] = cfg.Issuer
	}
	if cfg.Audience != "" {
		claims["aud"] = cfg.Audience
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func extractScopes(claims jwt.MapClaims) []string {
	switch v := claims["scope"].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
