package security

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestGenerateVerifyRoundtrip(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))

	token, exp, err := Generate(opts, "rev-1", []string{"reviewer"})
	require.NoError(t, err)
	require.True(t, exp.After(time.Now()))

	id, err := Verify(opts, token)
	require.NoError(t, err)
	require.Equal(t, "rev-1", id.UserID)
	require.True(t, id.HasScope("reviewer"))
	require.False(t, id.HasScope("admin"))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _, err := Generate(DefaultOptions([]byte("secret-a")), "rev-1", nil)
	require.NoError(t, err)

	_, err = Verify(DefaultOptions([]byte("secret-b")), token)
	require.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))

	past := time.Now().Add(-time.Hour)
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "rev-1",
		"iat": past.Unix(),
		"exp": past.Add(time.Minute).Unix(),
	}).SignedString(opts.Secret)
	require.NoError(t, err)

	_, err = Verify(opts, signed)
	require.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := Verify(DefaultOptions([]byte("secret")), "not.a.token")
	require.Error(t, err)
}
