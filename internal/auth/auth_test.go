package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("secret", "lockerbox")
	tok, err := v.Issue(Identity{Subject: "u1", Role: RoleRequester}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, Identity{Subject: "u1", Role: RoleRequester}, id)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("secret", "lockerbox")

	other := NewVerifier("other-secret", "lockerbox")
	forged, err := other.Issue(Identity{Subject: "u1", Role: RoleRequester}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(forged)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, err := v.Issue(Identity{Subject: "u1", Role: RoleRequester}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	require.ErrorIs(t, err, ErrInvalidToken)

	badRole, err := v.Issue(Identity{Subject: "u1", Role: "admin"}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(badRole)
	require.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewVerifier("secret", "elsewhere").Issue(Identity{Subject: "u1", Role: RoleCourier}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(wrongIssuer)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify("  ")
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("secret", "")
	var seen Identity
	h := Middleware(v, func(w http.ResponseWriter, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := v.Issue(Identity{Subject: "L1", Role: RoleLocker}, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "L1", seen.Subject)
}

func TestCanActForLocker(t *testing.T) {
	require.True(t, Identity{Subject: "op", Role: RoleOperator}.CanActForLocker("L1"))
	require.True(t, Identity{Subject: "L1", Role: RoleLocker}.CanActForLocker("L1"))
	require.False(t, Identity{Subject: "L2", Role: RoleLocker}.CanActForLocker("L1"))
	require.False(t, Identity{Subject: "L1", Role: RoleCourier}.CanActForLocker("L1"))
}
