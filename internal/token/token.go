// Package token mints and verifies purpose-scoped, single-use request tokens
// for calls into the host's diagnostic endpoints.
package token

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ActionActivationError is the purpose prefix for error-scrape probes.
const ActionActivationError = "plugin-activation-error_"

const defaultTTL = 5 * time.Minute

var (
	// ErrReplayed means the token was already accepted once.
	ErrReplayed = errors.New("token already used")
	// ErrWrongPurpose means the token was minted for a different action or item.
	ErrWrongPurpose = errors.New("token purpose mismatch")
)

// Purpose joins an action prefix and the item it applies to.
func Purpose(action, item string) string {
	return action + item
}

// Issuer mints HS256 tokens bound to one purpose.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. A non-positive ttl uses five minutes.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}
}

// Mint returns a fresh token for purpose. Every call yields a new jti.
func (i *Issuer) Mint(purpose string) (string, error) {
	if len(i.secret) == 0 {
		return "", errors.New("token secret is not configured")
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   purpose,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier is the endpoint side: it accepts each token at most once. The
// guard itself never verifies; hosts that serve the error_scrape action use
// it to check incoming requests, as do this module's endpoint stubs in tests.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time

	mu   sync.Mutex
	used map[string]time.Time // jti -> expiry
}

// NewVerifier creates a Verifier sharing the issuer's secret.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{
		secret: secret,
		issuer: issuer,
		now:    time.Now,
		used:   make(map[string]time.Time),
	}
}

// Verify checks signature, issuer, expiry and purpose, then burns the jti.
func (v *Verifier) Verify(tokenString, purpose string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject != purpose {
		return ErrWrongPurpose
	}
	if claims.ID == "" {
		return errors.New("invalid token: missing jti")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for id, exp := range v.used {
		if now.After(exp) {
			delete(v.used, id)
		}
	}
	if _, seen := v.used[claims.ID]; seen {
		return ErrReplayed
	}
	v.used[claims.ID] = claims.ExpiresAt.Time
	return nil
}
