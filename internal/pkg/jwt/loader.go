// internal/pkg/jwt/loader.go
package jwt

import (
	"fmt"
)

type Config struct {
	PubPath  string
	Secret   string
	Audience string
}

// LoadVerifier builds a Verifier from whichever key material is configured.
// With neither a key path nor a secret the verifier only decodes.
func LoadVerifier(cfg Config) (*Verifier, error) {
	var secret []byte
	if cfg.Secret != "" {
		secret = []byte(cfg.Secret)
	}

	if cfg.PubPath == "" {
		return NewVerifier(nil, secret, cfg.Audience), nil
	}

	pub, err := LoadRSAPublicKeyFromPEM(cfg.PubPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load public key from %s: %w", cfg.PubPath, err)
	}
	return NewVerifier(pub, secret, cfg.Audience), nil
}
