package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/idtoken"
)

func echoPrincipal() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := PrincipalFrom(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(p.Email))
	})
}

func stubValidate(t *testing.T, payload *idtoken.Payload, err error) {
	t.Helper()
	orig := validate
	validate = func(context.Context, string, string) (*idtoken.Payload, error) { return payload, err }
	t.Cleanup(func() { validate = orig })
}

func TestStaticUser(t *testing.T) {
	rec := httptest.NewRecorder()
	StaticUser("dev@example.com")(echoPrincipal()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev@example.com", rec.Body.String())
}

func TestValidateIAPJWT(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		payload  *idtoken.Payload
		err      error
		wantCode int
		wantBody string
	}{
		{
			name:     "valid",
			header:   "token",
			payload:  &idtoken.Payload{Issuer: iapIssuer, IssuedAt: time.Now().Unix(), Subject: "accounts.google.com:1"},
			wantCode: http.StatusOK,
			wantBody: "user@example.com",
		},
		{name: "missing header", wantCode: http.StatusUnauthorized, wantBody: "Missing IAP assertion"},
		{name: "invalid token", header: "token", err: errors.New("bad signature"), wantCode: http.StatusUnauthorized, wantBody: "Invalid JWT token"},
		{
			name:     "wrong issuer",
			header:   "token",
			payload:  &idtoken.Payload{Issuer: "https://accounts.google.com", IssuedAt: time.Now().Unix()},
			wantCode: http.StatusUnauthorized,
			wantBody: "issuer",
		},
		{
			name:     "issued in the future",
			header:   "token",
			payload:  &idtoken.Payload{Issuer: iapIssuer, IssuedAt: time.Now().Add(time.Hour).Unix()},
			wantCode: http.StatusUnauthorized,
			wantBody: "future",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubValidate(t, tt.payload, tt.err)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("X-Goog-IAP-JWT-Assertion", tt.header)
			}
			req.Header.Set("X-Goog-Authenticated-User-Email", "accounts.google.com:user@example.com")
			rec := httptest.NewRecorder()

			ValidateIAPJWT("/projects/1/global/backendServices/2")(echoPrincipal()).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestPrincipalFrom_Empty(t *testing.T) {
	_, err := PrincipalFrom(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestStaticCredentials(t *testing.T) {
	_, err := StaticCredentials{}.Credentials(context.Background(), Principal{})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	c, err := StaticCredentials{}.Credentials(context.Background(), Principal{Email: "a@example.com"})
	require.NoError(t, err)
	assert.Nil(t, c.Source)
}
