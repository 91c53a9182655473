package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const sessionCookie = "session"

type ctxKey string

const accountKey ctxKey = "account_id"

var errUnauthorized = errors.New("unauthorized")

// Session is the authenticated caller.
type Session struct {
	AccountID string
	Admin     bool
}

// Authenticator verifies HS256 session tokens and the shared cron secret.
type Authenticator struct {
	secret     []byte
	cronSecret []byte
	now        func() time.Time
}

func NewAuthenticator(sessionSecret, cronSecret string) *Authenticator {
	return &Authenticator{secret: []byte(sessionSecret), cronSecret: []byte(cronSecret), now: time.Now}
}

// Issue signs a session token for accountID.
func (a *Authenticator) Issue(accountID string, admin bool, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwtlib.MapClaims{
		"sub": accountID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if admin {
		claims["admin"] = true
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Verify(token string) (Session, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwtlib.WithTimeFunc(a.now))
	if err != nil {
		return Session{}, err
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok || !parsed.Valid {
		return Session{}, errUnauthorized
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Session{}, errUnauthorized
	}
	admin, _ := claims["admin"].(bool)
	return Session{AccountID: sub, Admin: admin}, nil
}

// CheckCronSecret compares in constant time. An unset secret never matches.
func (a *Authenticator) CheckCronSecret(got string) bool {
	if len(a.cronSecret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), a.cronSecret) == 1
}

func (a *Authenticator) session(r *http.Request) (Session, error) {
	token := ""
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token = strings.TrimSpace(authz[len("bearer "):])
		}
	}
	if token == "" {
		if c, err := r.Cookie(sessionCookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return Session{}, errUnauthorized
	}
	return a.Verify(token)
}

// RequireSession rejects requests without a valid session and stores the
// account id on the request context.
func (a *Authenticator) RequireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := a.session(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), accountKey, s.AccountID)))
	}
}

func (a *Authenticator) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := a.session(r)
		if err != nil || !s.Admin {
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), accountKey, s.AccountID)))
	}
}

func accountID(ctx context.Context) string {
	id, _ := ctx.Value(accountKey).(string)
	return id
}
