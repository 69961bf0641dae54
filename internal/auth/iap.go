package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/idtoken"
)

// ErrUnauthenticated is returned when no principal is attached to a context.
var ErrUnauthenticated = errors.New("unauthenticated")

const iapIssuer = "https://cloud.google.com/iap"

type contextKey int

const contextPrincipal contextKey = 1

type Middleware func(next http.Handler) http.Handler

// Principal is the authenticated caller.
type Principal struct {
	Email     string
	Subject   string
	Assertion string
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextPrincipal, p)
}

// PrincipalFrom returns the principal stored in ctx or ErrUnauthenticated.
func PrincipalFrom(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(contextPrincipal).(Principal)
	if !ok || p.Email == "" {
		return Principal{}, ErrUnauthenticated
	}
	return p, nil
}

// validate is replaced in tests.
var validate = idtoken.Validate

// StaticUser returns a middleware that authenticates every request as email.
func StaticUser(email string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithPrincipal(r.Context(), Principal{Email: email, Subject: "static:" + email})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ValidateIAPJWT returns a middleware that validates the
// X-Goog-IAP-JWT-Assertion header against aud and attaches the user from
// X-Goog-Authenticated-User-Email.
func ValidateIAPJWT(aud string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assertion := r.Header.Get("X-Goog-IAP-JWT-Assertion")
			if assertion == "" {
				writeError(w, "Missing IAP assertion")
				return
			}

			payload, err := validate(r.Context(), assertion, aud)
			if err != nil {
				writeError(w, "Invalid JWT token")
				return
			}
			if time.Unix(payload.IssuedAt, 0).After(time.Now().Add(30 * time.Second)) {
				writeError(w, "JWT token is in the future")
				return
			}
			if payload.Issuer != iapIssuer {
				writeError(w, "Invalid JWT token issuer")
				return
			}

			_, email, _ := strings.Cut(r.Header.Get("X-Goog-Authenticated-User-Email"), ":")
			if email == "" {
				if e, ok := payload.Claims["email"].(string); ok {
					email = e
				}
			}
			ctx := WithPrincipal(r.Context(), Principal{Email: email, Subject: payload.Subject, Assertion: assertion})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
