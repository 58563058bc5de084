package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/apperr"
)

type contextKey string

const callerKey contextKey = "caller"

// Claims are the bearer token claims. The caller id is uid, or sub when
// uid is absent.
type Claims struct {
	UID string `json:"uid,omitempty"`
	jwt.StandardClaims
}

// Caller returns the verified caller id.
func (c Claims) Caller() string {
	if c.UID != "" {
		return c.UID
	}
	return c.Subject
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	Secret []byte
	Logger logrus.FieldLogger
}

// Issue signs a token for uid valid for ttl. Used by tests and local tools.
func (a *Authenticator) Issue(uid string, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UID: uid,
		StandardClaims: jwt.StandardClaims{
			Subject:   uid,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	})
	return t.SignedString(a.Secret)
}

// Verify parses and checks a token.
func (a *Authenticator) Verify(token string) (Claims, error) {
	if len(a.Secret) == 0 {
		return Claims{}, apperr.New(apperr.CodeUnauthenticated, "authentication is not configured")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.Secret, nil
	})
	if err != nil {
		return Claims{}, apperr.Wrap(apperr.CodeUnauthenticated, err, "invalid token")
	}
	if claims.Caller() == "" {
		return Claims{}, apperr.New(apperr.CodeUnauthenticated, "token has no subject")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller id in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			writeError(w, a.Logger, "Authenticate", apperr.New(apperr.CodeUnauthenticated, "missing bearer token"))
			return
		}
		claims, err := a.Verify(strings.TrimSpace(token))
		if err != nil {
			writeError(w, a.Logger, "Authenticate", err)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, claims.Caller())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerFrom returns the authenticated caller id, "" outside the middleware.
func CallerFrom(ctx context.Context) string {
	uid, _ := ctx.Value(callerKey).(string)
	return uid
}
