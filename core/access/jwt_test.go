package access

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
)

func signedToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestJwtVerifier_HS256(t *testing.T) {
	verifier := NewJwtVerifier(&JwtVerifierBuilder{
		Secret: "sauerkraut",
		Issuer: "https://issuer.example.com",
	})

	tokenString := signedToken(t, "sauerkraut", jwt.MapClaims{
		"sub":   "u1",
		"iss":   "https://issuer.example.com",
		"roles": []string{"beekeeper"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	identity, err := verifier.Verify(context.Background(), tokenString)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "u1", identity.Subject)
	assert.Equal(t, []string{"beekeeper"}, identity.Roles)
}

func TestJwtVerifier_RejectsBadSecret(t *testing.T) {
	verifier := NewJwtVerifier(&JwtVerifierBuilder{Secret: "sauerkraut"})

	tokenString := signedToken(t, "not sauerkraut", jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := verifier.Verify(context.Background(), tokenString)
	assert.Error(t, err)
}

func TestJwtVerifier_RejectsExpired(t *testing.T) {
	verifier := NewJwtVerifier(&JwtVerifierBuilder{Secret: "sauerkraut"})

	tokenString := signedToken(t, "sauerkraut", jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := verifier.Verify(context.Background(), tokenString)
	assert.Error(t, err)
}

func TestJwtVerifier_RejectsWrongIssuer(t *testing.T) {
	verifier := NewJwtVerifier(&JwtVerifierBuilder{
		Secret: "sauerkraut",
		Issuer: "https://issuer.example.com",
	})

	tokenString := signedToken(t, "sauerkraut", jwt.MapClaims{
		"sub": "u1",
		"iss": "https://somebody-else.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := verifier.Verify(context.Background(), tokenString)
	assert.Error(t, err)
}

func TestJwtVerifier_LegacyIdentityFromEmail(t *testing.T) {
	verifier := NewJwtVerifier(&JwtVerifierBuilder{
		Secret: "sauerkraut",
		Issuer: "https://issuer.example.com",
	})

	tokenString := signedToken(t, "sauerkraut", jwt.MapClaims{
		"iss":   "https://issuer.example.com",
		"email": "test@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	identity, err := verifier.Verify(context.Background(), tokenString)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "https://issuer.example.com|test@example.com", identity.Subject)
}
