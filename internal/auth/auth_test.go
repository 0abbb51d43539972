package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-runner/internal/common/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testAuth(t *testing.T) *Auth {
	t.Helper()
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	return New(testSecret, "admin", hash)
}

func TestLoginAndValidate(t *testing.T) {
	a := testAuth(t)

	token, expiresAt, err := a.Login("admin", "correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
}

func TestLogin_RejectsBadCredentials(t *testing.T) {
	a := testAuth(t)

	_, _, err := a.Login("admin", "wrong")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))

	_, _, err = a.Login("root", "correct horse battery staple")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
}

func TestValidateToken_Rejections(t *testing.T) {
	a := testAuth(t)

	_, err := a.ValidateToken("not-a-token")
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))

	// token signed with a different secret
	other := New("ffffffffffffffffffffffffffffffff", "admin", a.passwordHash)
	token, _, err := other.Login("admin", "correct horse battery staple")
	require.NoError(t, err)
	_, err = a.ValidateToken(token)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))

	// expired token
	expired := testAuth(t)
	expired.tokenTTL = -time.Hour
	token, _, err = expired.Login("admin", "correct horse battery staple")
	require.NoError(t, err)
	_, err = expired.ValidateToken(token)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))

	// token with the wrong signing method
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Username: "admin"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.ValidateToken(raw)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
}

func TestRequireAuth(t *testing.T) {
	a := testAuth(t)

	var seenUser string
	handler := a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser, _ = r.Context().Value(UsernameKey).(string)
		w.WriteHeader(http.StatusNoContent)
	}))

	// no token
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// garbage token
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// valid token
	token, _, err := a.Login("admin", "correct horse battery staple")
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "admin", seenUser)
}
