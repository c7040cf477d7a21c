// Package adminauth issues and verifies the admin API's bearer tokens.
package adminauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"assistant-gate/internal/logger"
	"assistant-gate/internal/metrics"
)

const RoleAdmin = "admin"

const devSecret = "fallback-secret-key-for-development-only"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims are the JWT claims carried by an admin token.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Options struct {
	Username string
	Password string
	// PasswordHash is a bcrypt hash; it takes precedence over Password.
	PasswordHash string
	Secret       string
	TTL          time.Duration
	Clock        clockwork.Clock
}

type Service struct {
	opts    Options
	revoked *Revocations
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New builds the service. revoked may be nil, in which case logout is a no-op
// and tokens stay valid until they expire.
func New(opts Options, revoked *Revocations, m *metrics.Metrics, log *zap.Logger) *Service {
	log = log.Named("adminauth")
	if opts.Secret == "" {
		log.Warn("JWT_SECRET is not set, using the development fallback secret", logger.Security("weak_jwt_secret"))
		opts.Secret = devSecret
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Password == "" && opts.PasswordHash == "" {
		log.Warn("admin password is not set, every login will be rejected")
	}
	return &Service{opts: opts, revoked: revoked, metrics: m, log: log}
}

// Login checks the credentials and issues a signed token.
func (s *Service) Login(username, password string) (Token, error) {
	if !s.checkCredentials(username, password) {
		s.metrics.Login(false)
		s.log.Warn("admin login failed", zap.String("username", username), logger.Security("login_failed"))
		return Token{}, ErrInvalidCredentials
	}

	now := s.opts.Clock.Now()
	expires := now.Add(s.opts.TTL)
	claims := &Claims{
		Username: s.opts.Username,
		Role:     RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   s.opts.Username,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.opts.Secret))
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}

	s.metrics.Login(true)
	s.log.Info("admin login", zap.String("username", username), zap.String("jti", claims.ID))
	return Token{AccessToken: signed, ExpiresAt: expires}, nil
}

func (s *Service) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.opts.Username)) == 1
	var passOK bool
	switch {
	case s.opts.PasswordHash != "":
		passOK = bcrypt.CompareHashAndPassword([]byte(s.opts.PasswordHash), []byte(password)) == nil
	case s.opts.Password != "":
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(s.opts.Password)) == 1
	}
	return userOK && passOK
}

// Authenticate verifies the signature, expiry, role and revocation state of
// a token.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(s.opts.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.opts.Clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Role != RoleAdmin {
		return nil, fmt.Errorf("%w: role %q", ErrUnauthorized, claims.Role)
	}

	if s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, fmt.Errorf("%w: token revoked", ErrUnauthorized)
		}
	}
	return claims, nil
}

// Logout revokes a valid token for the rest of its lifetime.
func (s *Service) Logout(ctx context.Context, tokenString string) error {
	claims, err := s.Authenticate(ctx, tokenString)
	if err != nil {
		return err
	}
	if s.revoked == nil {
		s.log.Info("logout without revocation store", zap.String("jti", claims.ID))
		return nil
	}

	ttl := claims.ExpiresAt.Sub(s.opts.Clock.Now())
	if err := s.revoked.Revoke(ctx, claims.ID, ttl); err != nil {
		return err
	}
	s.log.Info("admin logout", zap.String("jti", claims.ID))
	return nil
}
