package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "challenge-tests"}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)
	return signed
}

func TestParseClaims(t *testing.T) {
	token := signToken(t, jwt.MapClaims{
		"sub":    "user-1",
		"iss":    testConfig.Issuer,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": "challenges:read pipeline:admin",
	})

	claims, err := ParseClaims(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.True(t, claims.HasScope(ScopeChallengesRead))
	require.True(t, claims.HasScope(ScopePipelineAdmin))
	require.False(t, claims.HasScope(ScopeActivitiesWrite))
}

func TestParseClaimsRejectsBadTokens(t *testing.T) {
	cases := map[string]jwt.MapClaims{
		"expired":      {"sub": "u", "iss": testConfig.Issuer, "exp": time.Now().Add(-time.Hour).Unix()},
		"wrong issuer": {"sub": "u", "iss": "someone-else", "exp": time.Now().Add(time.Hour).Unix()},
		"no subject":   {"iss": testConfig.Issuer, "exp": time.Now().Add(time.Hour).Unix()},
		"no expiry":    {"sub": "u", "iss": testConfig.Issuer},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseClaims(signToken(t, claims), testConfig)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err := ParseClaims("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestMiddlewareSkipsPublicPaths(t *testing.T) {
	var seen *Claims
	handler := NewMiddleware(testConfig).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, path := range []string{"/healthz", "/metrics", "/v1/webhooks/push/activity-summary", "/v1/uploads"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		require.Equal(t, http.StatusNoContent, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/challenges/c1/leaderboard", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/challenges/c1/leaderboard", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
		"sub": "user-9", "iss": testConfig.Issuer, "exp": time.Now().Add(time.Hour).Unix(),
	}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, "user-9", seen.Subject)
}
