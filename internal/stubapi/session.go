package stubapi

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sundayezeilo/linkconsole/internal/clock"
	"github.com/sundayezeilo/linkconsole/internal/errx"
	"github.com/sundayezeilo/linkconsole/internal/idgen"
)

const (
	// SessionCookie carries the signed session token.
	SessionCookie = "session"

	DefaultSessionTTL = 14 * 24 * time.Hour

	minSecretLength = 16
	loginRequired   = "You need to login first"
)

// SessionsConfig holds configuration for session tokens.
type SessionsConfig struct {
	Secret string
	TTL    time.Duration    // default: 14 days
	IDs    idgen.Generator  // token IDs (default: prefixed UUID v7)
	Clock  clock.Clock
}

// Sessions issues and verifies HS256 session tokens. A token names its user in
// the subject and carries a unique ID so logout can revoke it before expiry.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	ids    idgen.Generator
	clock  clock.Clock

	mu      sync.Mutex
	revoked map[string]time.Time // token ID -> expiry
}

// NewSessions validates cfg and returns a token issuer.
func NewSessions(cfg SessionsConfig) (*Sessions, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, errors.New("session secret must be at least 16 bytes")
	}

	s := &Sessions{
		secret:  []byte(cfg.Secret),
		ttl:     cfg.TTL,
		ids:     cfg.IDs,
		clock:   cfg.Clock,
		revoked: make(map[string]time.Time),
	}
	if s.ttl <= 0 {
		s.ttl = DefaultSessionTTL
	}
	if s.ids == nil {
		s.ids = idgen.NewV7(idgen.WithPrefix("sess_"))
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	return s, nil
}

// Issue signs a token for userID.
func (s *Sessions) Issue(userID int64) (string, time.Time, error) {
	const op = "stubapi.Sessions.Issue"

	id, err := s.ids.Generate()
	if err != nil {
		return "", time.Time{}, errx.E(op, errx.Transient, err)
	}

	now := s.clock.Now()
	expires := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        id,
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, errx.E(op, errx.Unknown, err)
	}
	return signed, expires, nil
}

// Verify returns the user a token was issued to. Expired, revoked and forged
// tokens are Unauthorized.
func (s *Sessions) Verify(token string) (int64, error) {
	const op = "stubapi.Sessions.Verify"

	claims, err := s.parse(token)
	if err != nil {
		return 0, errx.E(op, errx.Unauthorized, err)
	}

	s.mu.Lock()
	_, revoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if revoked {
		return 0, errx.Errorf(op, errx.Unauthorized, loginRequired)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, errx.Errorf(op, errx.Unauthorized, loginRequired)
	}
	return userID, nil
}

// Revoke invalidates a token. Unparseable tokens are ignored.
func (s *Sessions) Revoke(token string) {
	claims, err := s.parse(token)
	if err != nil {
		return
	}

	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exp := range s.revoked {
		if !now.Before(exp) {
			delete(s.revoked, id)
		}
	}
	s.revoked[claims.ID] = claims.ExpiresAt.Time
}

func (s *Sessions) parse(token string) (*jwt.RegisteredClaims, error) {
	if token == "" {
		return nil, errors.New(loginRequired)
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil || !parsed.Valid || claims.ID == "" {
		return nil, errors.New(loginRequired)
	}
	return claims, nil
}
