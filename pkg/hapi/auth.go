package hapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const principalKey ctxKey = "hive.principal"

// Principal is the verified identity behind a request. Token issuance
// lives outside the core; only HMAC verification happens here.
type Principal struct {
	Subject string
	Login   string
	Name    string
	Email   string
}

// Owner is the identity recorded on resources the principal creates.
func (p *Principal) Owner() string {
	if p.Login != "" {
		return p.Login
	}
	return p.Subject
}

// Auth verifies bearer JWTs against a shared HS256 secret. A nil *Auth
// means the deployment runs open and every request passes.
type Auth struct {
	secret []byte
}

// NewAuth returns nil when secret is empty, which disables
// verification entirely.
func NewAuth(secret string) *Auth {
	if secret == "" {
		return nil
	}
	return &Auth{secret: []byte(secret)}
}

// Verify checks signature and expiry and maps the claims into a
// Principal. Tampered, expired, or non-HMAC tokens are rejected.
func (a *Auth) Verify(tokenString string) (*Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	p := &Principal{}
	if sub, ok := claims["sub"].(string); ok {
		p.Subject = sub
	}
	if login, ok := claims["login"].(string); ok {
		p.Login = login
	}
	if name, ok := claims["name"].(string); ok {
		p.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}
	if p.Subject == "" && p.Login == "" {
		return nil, fmt.Errorf("token carries no subject")
	}
	return p, nil
}

// VerifyRequest pulls the token from the Authorization header or, for
// websocket clients that cannot set headers, the token query
// parameter.
func (a *Auth) VerifyRequest(r *http.Request) (*Principal, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return a.Verify(parts[1])
		}
		return nil, fmt.Errorf("malformed authorization header")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return a.Verify(token)
	}
	return nil, fmt.Errorf("no credentials")
}

// Middleware rejects operations that declare a bearer security
// requirement unless the request carries a valid token. Operations
// without the requirement pass through untouched, so the health check
// stays open.
func (a *Auth) Middleware(api huma.API) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if !requiresBearer(ctx.Operation()) {
			next(ctx)
			return
		}

		header := ctx.Header("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "bearer token required")
			return
		}
		principal, err := a.Verify(parts[1])
		if err != nil {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid token")
			return
		}

		next(huma.WithValue(ctx, principalKey, principal))
	}
}

func requiresBearer(op *huma.Operation) bool {
	if op == nil {
		return false
	}
	for _, req := range op.Security {
		if _, ok := req["bearer"]; ok {
			return true
		}
	}
	return false
}

// PrincipalFrom returns the verified identity, if the middleware
// stored one.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	if v := ctx.Value(principalKey); v != nil {
		if p, ok := v.(*Principal); ok {
			return p, true
		}
	}
	return nil, false
}
