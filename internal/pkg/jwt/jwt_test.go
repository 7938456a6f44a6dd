package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	secret := []byte("secret")
	token, err := GenerateToken("admin", RoleAdmin, secret, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(token, secret)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Username)
	require.Equal(t, RoleAdmin, claims.Role)
	require.NotEmpty(t, claims.TokenID())
	require.InDelta(t, time.Hour.Seconds(), claims.ExpiresIn(time.Now()).Seconds(), 5)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("admin", RoleAdmin, []byte("secret"), time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(token, []byte("other"))
	require.Error(t, err)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := GenerateToken("admin", RoleAdmin, []byte("secret"), -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(token, []byte("secret"))
	require.Error(t, err)
}
