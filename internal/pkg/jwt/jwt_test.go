package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeys(t *testing.T) (*rsa.PrivateKey, string, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")

	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}), 0o600))

	pkix, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix}), 0o600))

	return priv, privPath, pubPath
}

func TestRSAVerify(t *testing.T) {
	_, privPath, pubPath := writeKeys(t)

	priv, err := LoadRSAPrivateKeyFromPEM(privPath)
	require.NoError(t, err)
	g := NewGenerator(priv, "https://proj.example.co/auth/v1", "authenticated", "k1", time.Hour)

	token, jti, err := g.Generate("u1", "s1", "a@b.co", map[string]interface{}{"first_name": "Ana"})
	require.NoError(t, err)
	assert.NotEmpty(t, jti)

	v, err := LoadVerifier(Config{PubPath: pubPath, Audience: "authenticated"})
	require.NoError(t, err)
	assert.True(t, v.HasKey())

	claims, err := v.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
	assert.Equal(t, "s1", claims.SessionID)
	assert.Equal(t, "a@b.co", claims.Email)
	assert.Equal(t, "Ana", claims.UserMetadata["first_name"])
	assert.Equal(t, jti, claims.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.Expiry(), 5*time.Second)
}

func TestVerifyRejectsWrongAudienceAndKey(t *testing.T) {
	_, _, pubPath := writeKeys(t)
	other, _, _ := writeKeys(t)

	token, _, err := NewGenerator(other, "iss", "authenticated", "", time.Hour).Generate("u1", "s1", "", nil)
	require.NoError(t, err)

	v, err := LoadVerifier(Config{PubPath: pubPath})
	require.NoError(t, err)
	_, err = v.Verify(token)
	assert.Error(t, err)

	hmacToken, _, err := NewHMACGenerator([]byte("secret"), "iss", "anon", time.Hour).Generate("u1", "s1", "", nil)
	require.NoError(t, err)
	_, err = NewVerifier(nil, []byte("secret"), "authenticated").Verify(hmacToken)
	assert.Error(t, err)

	claims, err := NewVerifier(nil, []byte("secret"), "anon").Verify(hmacToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
}

func TestDecodeWithoutKey(t *testing.T) {
	token, _, err := NewHMACGenerator([]byte("unknown"), "iss", "authenticated", -time.Minute).Generate("u2", "s2", "c@d.co", nil)
	require.NoError(t, err)

	v, err := LoadVerifier(Config{})
	require.NoError(t, err)
	assert.False(t, v.HasKey())

	// expired and unverifiable, but still readable
	claims, err := v.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u2", claims.UserID())
	assert.Equal(t, "s2", claims.SessionID)

	_, err = Decode("not-a-token")
	assert.Error(t, err)
}

func TestLoadKeyErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))

	_, err := LoadRSAPrivateKeyFromPEM(bad)
	assert.Error(t, err)
	_, err = LoadRSAPublicKeyFromPEM(bad)
	assert.Error(t, err)
	_, err = LoadVerifier(Config{PubPath: filepath.Join(dir, "missing.pem")})
	assert.Error(t, err)
}
