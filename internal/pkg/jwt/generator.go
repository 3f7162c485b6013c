// internal/pkg/jwt/generator.go
package jwt

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// Generator mints provider-shaped access tokens. It backs local stubs of
// the provider; production tokens are always issued remotely.
type Generator struct {
	priv     *rsa.PrivateKey
	secret   []byte
	issuer   string
	audience string
	kid      string // key id for rotation
	Ttl      time.Duration
}

func NewGenerator(priv *rsa.PrivateKey, issuer, audience, kid string, ttl time.Duration) *Generator {
	return &Generator{
		priv:     priv,
		issuer:   issuer,
		audience: audience,
		kid:      kid,
		Ttl:      ttl,
	}
}

// NewHMACGenerator signs with a shared secret, the provider's default mode
func NewHMACGenerator(secret []byte, issuer, audience string, ttl time.Duration) *Generator {
	return &Generator{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		Ttl:      ttl,
	}
}

// Generate creates an access token for userID bound to sessionID
func (g *Generator) Generate(userID, sessionID, email string, metadata map[string]interface{}) (string, string, error) {
	if g.priv == nil && len(g.secret) == 0 {
		return "", "", fmt.Errorf("jwt generator has no signing key")
	}

	now := time.Now()
	jti := ulid.Make().String()

	claims := &Claims{
		SessionID:    sessionID,
		Email:        email,
		Role:         "authenticated",
		AAL:          "aal1",
		UserMetadata: metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   userID,
			Audience:  []string{g.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(g.Ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        jti,
		},
	}

	if g.priv == nil {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
		return signed, jti, err
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if g.kid != "" {
		tok.Header["kid"] = g.kid
	}

	signed, err := tok.SignedString(g.priv)
	return signed, jti, err
}
