// internal/pkg/jwt/verifier.go
package jwt

import (
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier reads provider access tokens. Without a key it only decodes;
// the provider stays responsible for validating its own tokens.
type Verifier struct {
	pub      *rsa.PublicKey
	secret   []byte
	audience string
}

func NewVerifier(pub *rsa.PublicKey, secret []byte, audience string) *Verifier {
	return &Verifier{
		pub:      pub,
		secret:   secret,
		audience: audience,
	}
}

// HasKey reports whether signatures are checked
func (v *Verifier) HasKey() bool {
	return v != nil && (v.pub != nil || len(v.secret) > 0)
}

// Parse verifies when a key is configured and decodes otherwise
func (v *Verifier) Parse(tokenString string) (*Claims, error) {
	if v.HasKey() {
		return v.Verify(tokenString)
	}
	return Decode(tokenString)
}

// Verify validates a JWT token and returns the claims
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if !v.HasKey() {
		return nil, fmt.Errorf("jwt verifier has no key")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA:
			if v.pub == nil {
				return nil, fmt.Errorf("no RSA key for %v", token.Header["alg"])
			}
			return v.pub, nil
		case *jwt.SigningMethodHMAC:
			if len(v.secret) == 0 {
				return nil, fmt.Errorf("no HMAC secret for %v", token.Header["alg"])
			}
			return v.secret, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	// Verify audience
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("invalid audience")
	}

	return claims, nil
}

// Decode reads the claims without checking the signature or expiry
func Decode(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return claims, nil
}
