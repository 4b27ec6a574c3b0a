package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/clerk/clerk-sdk-go/v2"
	"github.com/clerk/clerk-sdk-go/v2/jwt"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const (
	callerContextKey contextKey = "caller"

	// AnonCookieName holds the per-device identity of anonymous callers
	AnonCookieName = "__composer_anon"

	// AnonIDPrefix marks owner IDs that belong to anonymous callers
	AnonIDPrefix = "anon:"

	anonCookieMaxAge = 30 * 24 * 60 * 60
)

// Caller is the authenticated identity behind a request. Jobs are owned by
// Caller.ID.
type Caller struct {
	ID string
}

// IsAnonymous reports whether the caller has no verified session.
func (c *Caller) IsAnonymous() bool {
	return c == nil || strings.HasPrefix(c.ID, AnonIDPrefix)
}

// TokenVerifier returns the subject of a valid session token.
type TokenVerifier func(ctx context.Context, token string) (string, error)

// ClerkAuth verifies Clerk session tokens and stores the caller in the
// request context.
type ClerkAuth struct {
	verify         TokenVerifier
	allowAnonymous bool
	secure         bool
	logger         *zap.Logger
}

// NewClerkAuth configures the Clerk SDK with secretKey. With allowAnonymous
// set, requests without a token get a per-device identity from a cookie
// instead of a 401.
func NewClerkAuth(secretKey string, allowAnonymous, secure bool, logger *zap.Logger) *ClerkAuth {
	clerk.SetKey(secretKey)
	return NewClerkAuthWithVerifier(verifyClerkToken, allowAnonymous, secure, logger)
}

// NewClerkAuthWithVerifier uses verify in place of Clerk's JWT check.
func NewClerkAuthWithVerifier(verify TokenVerifier, allowAnonymous, secure bool, logger *zap.Logger) *ClerkAuth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClerkAuth{verify: verify, allowAnonymous: allowAnonymous, secure: secure, logger: logger}
}

func verifyClerkToken(ctx context.Context, token string) (string, error) {
	claims, err := jwt.Verify(ctx, &jwt.VerifyParams{Token: token})
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Handler authenticates the request
func (a *ClerkAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if !a.allowAnonymous {
				writeAuthError(w, "Authentication required")
				return
			}
			caller := &Caller{ID: AnonIDPrefix + a.anonID(w, r)}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || token == "" {
			writeAuthError(w, "Invalid authorization header")
			return
		}

		subject, err := a.verify(r.Context(), token)
		if err != nil || subject == "" {
			a.logger.Debug("Rejected session token", zap.String("path", r.URL.Path), zap.Error(err))
			writeAuthError(w, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), &Caller{ID: subject})))
	})
}

// anonID reads the anonymous cookie or issues a new one.
func (a *ClerkAuth) anonID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(AnonCookieName); err == nil {
		if id, err := uuid.Parse(cookie.Value); err == nil {
			return id.String()
		}
	}

	id := uuid.New().String()
	sameSite := http.SameSiteLaxMode
	if a.secure {
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   anonCookieMaxAge,
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: sameSite,
	})
	return id
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + message + `","code":"UNAUTHORIZED"}`))
}

// WithCaller returns a context carrying caller.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

// GetCaller returns the caller stored by ClerkAuth, or nil when
// authentication is disabled.
func GetCaller(ctx context.Context) *Caller {
	caller, _ := ctx.Value(callerContextKey).(*Caller)
	return caller
}

// OwnerID is the job owner for ctx; empty when authentication is disabled.
func OwnerID(ctx context.Context) string {
	if caller := GetCaller(ctx); caller != nil {
		return caller.ID
	}
	return ""
}
