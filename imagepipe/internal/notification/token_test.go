package notification

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_RoundTrip(t *testing.T) {
	s := NewSigner("secret", time.Minute)

	token, err := s.Sign(testAlert())
	require.NoError(t, err)

	claims, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bad.jpg", claims.ImageID)
	assert.Equal(t, issuer, claims.Issuer)
}

func TestSigner_RejectsWrongSecret(t *testing.T) {
	token, err := NewSigner("secret", time.Minute).Sign(testAlert())
	require.NoError(t, err)

	_, err = NewSigner("other", time.Minute).Verify(token)
	assert.Error(t, err)
}

func TestSigner_RejectsExpired(t *testing.T) {
	s := NewSigner("secret", time.Minute)
	past := time.Now().Add(-time.Hour)
	s.now = func() time.Time { return past }

	token, err := s.Sign(testAlert())
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestSigner_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{ImageID: "x", RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewSigner("secret", time.Minute).Verify(token)
	assert.Error(t, err)
}
