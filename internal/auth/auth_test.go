package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "wellness-test"}

func sign(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":     "user-1",
		"iss":     testConfig.Issuer,
		"exp":     time.Now().Add(time.Hour).Unix(),
		"name":    "Ana",
		"picture": "https://img/ana.png",
		"scopes":  "challenges:read challenges:write",
	}
}

func TestParseValidToken(t *testing.T) {
	claims, err := Parse(sign(t, validClaims(), testConfig.Secret), testConfig)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "Ana", claims.Name)
	require.Equal(t, "https://img/ana.png", claims.Picture)
	require.True(t, claims.HasScope(ScopeChallengesRead))
	require.True(t, claims.HasScope(ScopeChallengesWrite))
	require.False(t, claims.HasScope(ScopeChallengesAdmin))
}

func TestParseRejectsBadTokens(t *testing.T) {
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "someone-else"

	noSubject := validClaims()
	delete(noSubject, "sub")

	noExpiry := validClaims()
	delete(noExpiry, "exp")

	for name, token := range map[string]string{
		"expired":      sign(t, expired, testConfig.Secret),
		"wrong issuer": sign(t, wrongIssuer, testConfig.Secret),
		"no subject":   sign(t, noSubject, testConfig.Secret),
		"no expiry":    sign(t, noExpiry, testConfig.Secret),
		"wrong secret": sign(t, validClaims(), "other"),
		"garbage":      "not.a.jwt",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(token, testConfig)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err := Parse("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestScopesAcceptArrays(t *testing.T) {
	c := validClaims()
	c["scopes"] = []string{"challenges:admin"}

	claims, err := Parse(sign(t, c, testConfig.Secret), testConfig)
	require.NoError(t, err)
	require.True(t, claims.HasScope(ScopeChallengesAdmin))
}

func TestMiddleware(t *testing.T) {
	var seen *Claims
	handler := NewMiddleware(testConfig).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/challenges/active", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "missing_token")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Nil(t, seen)

	req := httptest.NewRequest(http.MethodGet, "/v1/challenges/active", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, validClaims(), testConfig.Secret))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, "user-1", seen.Subject)

	req = httptest.NewRequest(http.MethodGet, "/v1/challenges/active", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_token")
}
