package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJWTRoundTrip verifies a generated token validates to the same identity.
func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("secret", "relay-test", time.Hour)

	token, err := svc.Generate(Identity{UserID: "alice", Role: "admin", DisplayName: "Alice"})
	require.NoError(t, err)

	identity, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "alice", Role: "admin", DisplayName: "Alice"}, identity)
}

// TestJWTRejectsWrongSecretAndIssuer verifies tokens from another signer or
// issuer are refused.
func TestJWTRejectsWrongSecretAndIssuer(t *testing.T) {
	token, err := NewJWTService("secret", "relay-test", time.Hour).Generate(Identity{UserID: "alice"})
	require.NoError(t, err)

	_, err = NewJWTService("other", "relay-test", 0).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewJWTService("secret", "someone-else", 0).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// TestJWTRejectsExpiredToken verifies expired tokens are refused.
func TestJWTRejectsExpiredToken(t *testing.T) {
	// exp has second precision.
	svc := NewJWTService("secret", "", time.Nanosecond)
	expired, err := svc.Generate(Identity{UserID: "alice"})
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	_, err = svc.Validate(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	forever, err := NewJWTService("secret", "", 0).Generate(Identity{UserID: "alice"})
	require.NoError(t, err)
	_, err = svc.Validate(forever)
	assert.NoError(t, err)
}

// TestServiceVerify verifies static API tokens and JWTs are both accepted.
func TestServiceVerify(t *testing.T) {
	svc := NewService(Config{
		JWTSecret: "secret",
		APITokens: []APIToken{{Token: "static-token", UserID: "bot", Name: "Bot"}},
	})
	require.True(t, svc.Enabled())

	identity, err := svc.Verify(context.Background(), "static-token")
	require.NoError(t, err)
	assert.Equal(t, "bot", identity.UserID)
	assert.Equal(t, "user", identity.Role)

	token, err := NewJWTService("secret", "", 0).Generate(Identity{UserID: "dave"})
	require.NoError(t, err)
	identity, err = svc.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "dave", identity.UserID)

	_, err = svc.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = svc.Verify(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// TestServiceDisabled verifies that without a secret every handshake is
// refused.
func TestServiceDisabled(t *testing.T) {
	svc := NewService(Config{})
	assert.False(t, svc.Enabled())

	_, err := svc.Verify(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrAuthDisabled)
}

// TestBearerToken verifies extraction of the token from an Authorization
// header.
func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer   abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}
