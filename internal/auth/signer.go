// Package auth is the boundary to request signing. A Signer produces the
// Authorization header value for an outgoing request; how it does so
// (OAuth 1.0a, app-only bearer, a proxy-issued token) is its own business.
package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

var ErrNoCredentials = errors.New("no credentials configured")

type Signer interface {
	// Sign returns the Authorization header value for req. It may read
	// req.URL and req.Header but must not consume req.Body.
	Sign(req *http.Request) (string, error)
}

type SignerFunc func(req *http.Request) (string, error)

func (f SignerFunc) Sign(req *http.Request) (string, error) { return f(req) }

// Bearer signs every request with an app-only bearer token.
func Bearer(token string) Signer {
	token = strings.TrimSpace(token)
	return SignerFunc(func(*http.Request) (string, error) {
		if token == "" {
			return "", ErrNoCredentials
		}
		return "Bearer " + token, nil
	})
}

// Header sends a pre-computed Authorization value verbatim.
func Header(value string) Signer {
	return SignerFunc(func(*http.Request) (string, error) {
		if value == "" {
			return "", ErrNoCredentials
		}
		return value, nil
	})
}

var warnOnce sync.Once

// Anonymous leaves requests unsigned. Only useful against local servers.
func Anonymous() Signer {
	warnOnce.Do(func() {
		slog.Warn("no credentials configured, requests are sent without Authorization")
	})
	return SignerFunc(func(*http.Request) (string, error) { return "", nil })
}

// Apply signs req in place. An empty value leaves the header unset.
func Apply(s Signer, req *http.Request) error {
	if s == nil {
		return nil
	}
	v, err := s.Sign(req)
	if err != nil {
		return err
	}
	if v != "" {
		req.Header.Set("Authorization", v)
	}
	return nil
}

// VerifyBearer checks that r carries "Bearer <token>". Servers use it to
// guard feed and control endpoints.
func VerifyBearer(r *http.Request, token string) error {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return errors.New("authentication required")
	}
	got := strings.TrimSpace(authHeader[7:])
	if got == "" {
		return errors.New("authentication required")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		return errors.New("invalid credentials")
	}
	return nil
}
