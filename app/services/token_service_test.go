package services

import (
	"testing"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestTokenService creates a token service for testing with symmetric key
func createTestTokenService(t *testing.T) *TokenServiceImpl {
	t.Helper()
	svc, err := NewTokenService(config.JWTConfig{
		SecretKey:      "test-secret-key-for-jwt-signing-32-chars",
		Issuer:         "test-issuer",
		Audience:       "test-audience",
		AccessTokenTTL: 15 * time.Minute,
	})
	require.NoError(t, err)
	return svc.(*TokenServiceImpl)
}

func TestNewTokenService(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.JWTConfig
		expectError bool
	}{
		{
			name:        "valid symmetric key configuration",
			cfg:         config.JWTConfig{SecretKey: "secret", Issuer: "i", Audience: "a", AccessTokenTTL: time.Hour},
			expectError: false,
		},
		{
			name:        "missing secret key",
			cfg:         config.JWTConfig{Issuer: "i", Audience: "a"},
			expectError: true,
		},
		{
			name:        "zero ttl falls back to default",
			cfg:         config.JWTConfig{SecretKey: "secret"},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewTokenService(tt.cfg)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.Positive(t, svc.(*TokenServiceImpl).accessTokenTTL)
		})
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	svc := createTestTokenService(t)

	token, err := svc.GenerateToken(42, "alice")
	require.NoError(t, err)
	assert.Contains(t, token, "eyJ")

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.TenantID)
	assert.Equal(t, "alice", claims.Operator)
	assert.NotEmpty(t, claims.TokenID)
	assert.True(t, claims.ExpiresAt.After(claims.IssuedAt))
}

func TestGenerateToken_RequiresTenant(t *testing.T) {
	svc := createTestTokenService(t)

	token, err := svc.GenerateToken(0, "alice")
	assert.Error(t, err)
	assert.Empty(t, token)
}

func TestValidateToken_Rejects(t *testing.T) {
	svc := createTestTokenService(t)
	valid, err := svc.GenerateToken(7, "op")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "tampered signature", token: valid + "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.ValidateToken(tt.token)
			assert.ErrorIs(t, err, ErrTokenInvalid)
			assert.Nil(t, claims)
		})
	}
}

func TestTokenExpiration(t *testing.T) {
	svc := createTestTokenService(t)
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	token, err := svc.GenerateToken(9, "op")
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.NoError(t, err)

	svc.now = func() time.Time { return base.Add(16 * time.Minute) }
	claims, err := svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Nil(t, claims)
}

func TestTokenSecurity(t *testing.T) {
	svc1, err := NewTokenService(config.JWTConfig{SecretKey: "test-secret-key-1", Issuer: "issuer1", Audience: "audience1", AccessTokenTTL: time.Hour})
	require.NoError(t, err)
	svc2, err := NewTokenService(config.JWTConfig{SecretKey: "test-secret-key-2", Issuer: "issuer2", Audience: "audience2", AccessTokenTTL: time.Hour})
	require.NoError(t, err)

	token1, err := svc1.GenerateToken(1, "op")
	require.NoError(t, err)
	token2, err := svc2.GenerateToken(1, "op")
	require.NoError(t, err)

	_, err = svc1.ValidateToken(token2)
	assert.Error(t, err)
	_, err = svc2.ValidateToken(token1)
	assert.Error(t, err)
}

func TestRevokeToken(t *testing.T) {
	svc := createTestTokenService(t)
	token, err := svc.GenerateToken(3, "op")
	require.NoError(t, err)

	require.NoError(t, svc.RevokeToken(token))

	claims, err := svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	assert.Nil(t, claims)

	other, err := svc.GenerateToken(3, "op")
	require.NoError(t, err)
	_, err = svc.ValidateToken(other)
	assert.NoError(t, err)
}

func TestConcurrentTokenGeneration(t *testing.T) {
	svc := createTestTokenService(t)

	const numGoroutines = 10
	tokens := make(chan string, numGoroutines)
	errs := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(tenantID uint) {
			token, err := svc.GenerateToken(tenantID, "op")
			if err != nil {
				errs <- err
				return
			}
			tokens <- token
		}(uint(i + 1))
	}

	seen := make(map[string]bool)
	for i := 0; i < numGoroutines; i++ {
		select {
		case token := <-tokens:
			assert.False(t, seen[token], "Duplicate token generated")
			seen[token] = true
		case err := <-errs:
			t.Errorf("Error generating token: %v", err)
		}
	}
	assert.Len(t, seen, numGoroutines)
}
