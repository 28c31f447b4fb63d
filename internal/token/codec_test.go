package token

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-monitor/internal/domain/auth"
)

func mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestDecode_SegmentCount(t *testing.T) {
	codec := NewCodec()

	for _, tok := range []string{"", "abc", "a.b", "a.b.c.d", "a.b.c.d.e"} {
		_, err := codec.Decode(tok)
		assert.ErrorIs(t, err, ErrMalformedToken, "token %q", tok)
	}
}

func TestDecode_EmptySegment(t *testing.T) {
	codec := NewCodec()

	for _, tok := range []string{"..", "a..c", ".b.c", "a.b."} {
		_, err := codec.Decode(tok)
		assert.ErrorIs(t, err, ErrMalformedToken, "token %q", tok)
	}
}

func TestDecode_InvalidEncoding(t *testing.T) {
	codec := NewCodec()

	notJSON := base64.RawURLEncoding.EncodeToString([]byte("not json"))
	array := base64.RawURLEncoding.EncodeToString([]byte(`[1,2]`))
	null := base64.RawURLEncoding.EncodeToString([]byte(`null`))
	badExp := base64.RawURLEncoding.EncodeToString([]byte(`{"exp":"tomorrow"}`))

	for _, tok := range []string{"h.p.s", "h.%%%.s", "h." + notJSON + ".s", "h." + array + ".s", "h." + null + ".s", "h." + badExp + ".s"} {
		_, err := codec.Decode(tok)
		assert.ErrorIs(t, err, ErrInvalidEncoding, "token %q", tok)
	}
}

func TestDecode_Claims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := mint(t, jwt.MapClaims{
		"sub":       float64(42),
		"email":     "a@b.com",
		"exp":       exp.Unix(),
		"firstName": "Ada",
		"lastName":  "Lovelace",
		"picture":   "https://img.example/a.png",
	})

	claims, err := NewCodec().Decode(tok)
	require.NoError(t, err)

	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, "a@b.com", claims.Email)
	require.NotNil(t, claims.ExpiresAt)
	assert.True(t, exp.Equal(*claims.ExpiresAt))
	assert.Equal(t, "Ada", claims.FirstName)
	assert.Equal(t, "Lovelace", claims.LastName)
	assert.Equal(t, "https://img.example/a.png", claims.Picture)
}

func TestDecode_SubjectFallbacks(t *testing.T) {
	codec := NewCodec()

	claims, err := codec.Decode(mint(t, jwt.MapClaims{"id": "user-7"}))
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.Subject)

	claims, err = codec.Decode(mint(t, jwt.MapClaims{"identity": float64(9)}))
	require.NoError(t, err)
	assert.Equal(t, "9", claims.Subject)
	assert.Nil(t, claims.ExpiresAt)
}

func TestDecode_PaddedAndStandardAlphabet(t *testing.T) {
	// This payload encodes with "+" and "=" in the standard alphabet.
	payload := base64.StdEncoding.EncodeToString([]byte(`{"email":"?>?"}`))
	claims, err := NewCodec().Decode("h." + payload + ".s")
	require.NoError(t, err)
	assert.Equal(t, "?>?", claims.Email)
}

func TestDecode_IgnoresSignature(t *testing.T) {
	tok := mint(t, jwt.MapClaims{"sub": "1"})
	tampered := tok[:len(tok)-4] + "AAAA"

	claims, err := NewCodec().Decode(tampered)
	require.NoError(t, err)
	assert.Equal(t, "1", claims.Subject)
}

func TestIsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, IsExpired(&auth.Claims{ExpiresAt: &past}, now))
	assert.True(t, IsExpired(&auth.Claims{ExpiresAt: &now}, now))
	assert.False(t, IsExpired(&auth.Claims{ExpiresAt: &future}, now))
	assert.False(t, IsExpired(&auth.Claims{}, now))
	assert.False(t, IsExpired(nil, now))
}

func TestDecodeErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrMalformedToken, ErrInvalidEncoding))
}
