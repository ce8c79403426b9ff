// Package auth verifies the bearer tokens issued by the hosted auth service
// and carries the resulting user through request contexts.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mt5bridge/internal/domain"
)

// User is an authenticated caller.
type User struct {
	ID       string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider"`
}

// Config configures a Verifier.
type Config struct {
	// Secret verifies HS256 signatures. Without it tokens are decoded
	// unverified and accepted by issuer.
	Secret      string
	IssuerMatch string
	// SupabaseURL and AnonKey enable asking the auth service about tokens
	// that are not JWTs it recognises.
	SupabaseURL string
	AnonKey     string
}

// Verifier turns a bearer token into a User.
type Verifier struct {
	secret      []byte
	issuerMatch string
	remote      *remoteUsers
	now         func() time.Time
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg Config) *Verifier {
	v := &Verifier{
		issuerMatch: strings.ToLower(cfg.IssuerMatch),
		now:         time.Now,
	}
	if cfg.Secret != "" {
		v.secret = []byte(cfg.Secret)
	}
	if v.issuerMatch == "" {
		v.issuerMatch = "supabase"
	}
	if cfg.SupabaseURL != "" {
		v.remote = &remoteUsers{
			base:    strings.TrimRight(cfg.SupabaseURL, "/"),
			anonKey: cfg.AnonKey,
			hc:      &http.Client{Timeout: 10 * time.Second},
		}
	}
	return v
}

func unauthorized(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
}

// Verify checks token and returns its user. Every failure wraps
// domain.ErrUnauthorized.
func (v *Verifier) Verify(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, unauthorized("missing authentication token")
	}

	var (
		user *User
		err  error
	)
	if v.secret != nil {
		user, err = v.verifySigned(token)
	} else {
		user, err = v.decodeUnverified(token)
	}
	if user != nil || err != nil {
		return user, err
	}

	if v.remote != nil {
		user, err := v.remote.lookup(ctx, token)
		if err == nil {
			return user, nil
		}
	}
	return nil, unauthorized("invalid or expired token")
}

// verifySigned returns (nil, nil) when token is not a JWT at all so the
// caller can try the remote lookup.
func (v *Verifier) verifySigned(token string) (*User, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, unauthorized("token has expired")
	case err != nil:
		return nil, unauthorized("invalid token signature")
	}
	return userFromClaims(claims)
}

// decodeUnverified accepts any token whose issuer contains the configured
// match. Other tokens return (nil, nil).
func (v *Verifier) decodeUnverified(token string) (*User, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, nil
	}
	iss, _ := claims.GetIssuer()
	if !strings.Contains(strings.ToLower(iss), v.issuerMatch) {
		return nil, nil
	}
	if exp, _ := claims.GetExpirationTime(); exp != nil && exp.Before(v.now()) {
		return nil, unauthorized("token has expired")
	}
	return userFromClaims(claims)
}

func userFromClaims(claims jwt.MapClaims) (*User, error) {
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, unauthorized("token is missing a user identifier")
	}
	email, _ := claims["email"].(string)
	return &User{ID: sub, Email: email, Provider: "supabase"}, nil
}

// remoteUsers asks the auth service who a token belongs to.
type remoteUsers struct {
	base    string
	anonKey string
	hc      *http.Client
}

func (r *remoteUsers) lookup(ctx context.Context, token string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if r.anonKey != "" {
		req.Header.Set("apikey", r.anonKey)
	}

	res, err := r.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("auth service: status %d", res.StatusCode)
	}

	var body struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.ID == "" {
		return nil, errors.New("auth service: no user id")
	}
	return &User{ID: body.ID, Email: body.Email, Provider: "supabase"}, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

type ctxKey struct{}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFrom returns the user stored by WithUser.
func UserFrom(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(ctxKey{}).(*User)
	return u, ok && u != nil
}
