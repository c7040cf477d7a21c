package adminauth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const secret = "test-secret-that-is-long-enough-1234"

func newService(t *testing.T, opts Options) (*Service, *miniredis.Miniredis, clockwork.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockwork.NewFakeClockAt(time.Now())
	if opts.Username == "" {
		opts.Username = "admin"
	}
	opts.Secret = secret
	opts.Clock = clock
	return New(opts, NewRevocations(client), nil, zap.NewNop()), mr, clock
}

func TestLoginAndAuthenticate(t *testing.T) {
	s, _, clock := newService(t, Options{Password: "correct horse"})

	token, err := s.Login("admin", "correct horse")
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.Equal(t, clock.Now().Add(24*time.Hour).Unix(), token.ExpiresAt.Unix())

	claims, err := s.Authenticate(context.Background(), token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "admin", claims.Username)
	assert.NotEmpty(t, claims.ID)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s, _, _ := newService(t, Options{Password: "correct horse"})

	_, err := s.Login("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Login("root", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginWithoutPasswordRejected(t *testing.T) {
	s, _, _ := newService(t, Options{})

	_, err := s.Login("admin", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginWithBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	require.NoError(t, err)
	s, _, _ := newService(t, Options{PasswordHash: string(hash), Password: "ignored"})

	_, err = s.Login("admin", "hunter22")
	assert.NoError(t, err)
	_, err = s.Login("admin", "ignored")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	s, _, clock := newService(t, Options{Password: "pw", TTL: time.Hour})
	token, err := s.Login("admin", "pw")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	_, err = s.Authenticate(context.Background(), token.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateRejectsForeignTokens(t *testing.T) {
	s, _, clock := newService(t, Options{Password: "pw"})
	ctx := context.Background()

	sign := func(role, key string, method jwt.SigningMethod) string {
		claims := &Claims{Username: "admin", Role: role, RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		}}
		signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return signed
	}

	_, err := s.Authenticate(ctx, sign("user", secret, jwt.SigningMethodHS256))
	assert.ErrorIs(t, err, ErrUnauthorized, "wrong role")
	_, err = s.Authenticate(ctx, sign(RoleAdmin, "another-secret", jwt.SigningMethodHS256))
	assert.ErrorIs(t, err, ErrUnauthorized, "wrong key")
	_, err = s.Authenticate(ctx, sign(RoleAdmin, secret, jwt.SigningMethodHS512))
	assert.ErrorIs(t, err, ErrUnauthorized, "wrong algorithm")
	_, err = s.Authenticate(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLogoutRevokesUntilExpiry(t *testing.T) {
	s, mr, _ := newService(t, Options{Password: "pw", TTL: time.Hour})
	ctx := context.Background()
	token, err := s.Login("admin", "pw")
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx, token.AccessToken))

	_, err = s.Authenticate(ctx, token.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
	keys := mr.Keys()
	require.Len(t, keys, 1)
	ttl := mr.TTL(keys[0])
	assert.True(t, ttl > 59*time.Minute && ttl <= time.Hour, ttl)

	mr.FastForward(time.Hour)
	assert.Empty(t, mr.Keys())
}

func TestLogoutWithoutStore(t *testing.T) {
	s := New(Options{Username: "admin", Password: "pw", Secret: secret}, nil, nil, zap.NewNop())
	token, err := s.Login("admin", "pw")
	require.NoError(t, err)

	require.NoError(t, s.Logout(context.Background(), token.AccessToken))
	_, err = s.Authenticate(context.Background(), token.AccessToken)
	assert.NoError(t, err)
}

func TestAuthenticateFailsClosedWhenStoreDown(t *testing.T) {
	s, mr, _ := newService(t, Options{Password: "pw"})
	token, err := s.Login("admin", "pw")
	require.NoError(t, err)

	mr.Close()

	_, err = s.Authenticate(context.Background(), token.AccessToken)
	assert.Error(t, err)
}
