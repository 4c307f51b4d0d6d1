package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-orch/mcp-orch/pkg/errors"
	"github.com/mcp-orch/mcp-orch/pkg/registry"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func requestWithToken(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/projects/p1/unified/sse", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestVerifyRequest(t *testing.T) {
	t.Parallel()

	valid := signToken(t, testSecret, Claims{
		ProjectID: "p1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	expired := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	wrongKey := signToken(t, "other-secret", Claims{})

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid token", token: valid},
		{name: "missing token", token: "", wantErr: true},
		{name: "expired token", token: expired, wantErr: true},
		{name: "wrong signature", token: wrongKey, wantErr: true},
		{name: "garbage token", token: "not.a.jwt", wantErr: true},
	}

	v := NewVerifier(testSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			claims, err := v.VerifyRequest(requestWithToken(tt.token))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsUnauthorized(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.Subject)
			assert.Equal(t, "p1", claims.ProjectID)
		})
	}
}

func TestVerifier_Disabled(t *testing.T) {
	t.Parallel()

	v := NewVerifier("")
	assert.False(t, v.Enabled())

	claims, err := v.VerifyRequest(requestWithToken(""))
	require.NoError(t, err, "an empty secret disables verification")
	assert.Empty(t, claims.Subject)
}

func TestVerifier_Required(t *testing.T) {
	t.Parallel()

	on := NewVerifier(testSecret)
	off := NewVerifier("")

	assert.True(t, on.Required(registry.JWTInherit))
	assert.False(t, off.Required(registry.JWTInherit))

	assert.True(t, on.Required(registry.JWTRequired))
	assert.True(t, off.Required(registry.JWTRequired), "required overrides a disabled default")

	assert.False(t, on.Required(registry.JWTDisabled), "disabled overrides an enforcing default")
	assert.False(t, off.Required(registry.JWTDisabled))
}

func TestCheckProject(t *testing.T) {
	t.Parallel()

	assert.NoError(t, CheckProject(&Claims{ProjectID: "p1"}, "p1"))
	assert.NoError(t, CheckProject(&Claims{}, "p1"), "unscoped tokens reach every project")

	err := CheckProject(&Claims{ProjectID: "p2"}, "p1")
	assert.True(t, errors.IsUnauthorized(err))
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	v := NewVerifier(testSecret)
	var gotClaims *Claims
	handler := v.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotClaims, _ = ClaimsFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithToken(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-9"},
	})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithToken(token))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "user-9", gotClaims.Subject)
}
