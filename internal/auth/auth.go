// Package auth verifies bearer tokens and carries the caller identity through the
// request context.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleRequester Role = "requester"
	RoleCourier   Role = "courier"
	RoleOperator  Role = "operator"
	RoleLocker    Role = "locker"
)

func (r Role) valid() bool {
	switch r {
	case RoleRequester, RoleCourier, RoleOperator, RoleLocker:
		return true
	}
	return false
}

// Identity is the authenticated caller. For RoleLocker, Subject is the locker id.
type Identity struct {
	Subject string
	Role    Role
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

type claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a token for the given identity. Used by tooling and tests.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: id.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

func (v *Verifier) Verify(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(c.Subject) == "" || !c.Role.valid() {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Subject: c.Subject, Role: c.Role}, nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid bearer token. onFail writes the
// 401 response so the API keeps a single error format.
func Middleware(v *Verifier, onFail func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(h, "Bearer ")
			if !ok {
				onFail(w, ErrMissingToken)
				return
			}
			id, err := v.Verify(token)
			if err != nil {
				onFail(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// CanActForLocker is true for operators and for the locker's own controller.
func (id Identity) CanActForLocker(lockerID string) bool {
	if id.Role == RoleOperator {
		return true
	}
	return id.Role == RoleLocker && id.Subject == lockerID
}
