// internal/auth/verifier.go
package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier is the identity gate: it turns an Authorization header into the
// opaque player identity the engine trusts. Token issuance belongs to the
// external SSO; this side only verifies.
type Verifier struct {
	devMode   bool
	publicKey ed25519.PublicKey
}

// New builds a Verifier. publicKeyHex is the SSO's hex-encoded ed25519
// verification key; it may be empty when devMode is set, in which case the
// raw bearer token itself is accepted as the identity.
func New(devMode bool, publicKeyHex string) (*Verifier, error) {
	v := &Verifier{devMode: devMode}
	if devMode {
		return v, nil
	}
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode auth public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("auth public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	v.publicKey = ed25519.PublicKey(raw)
	return v, nil
}

// Identity verifies the Authorization header and returns the player identity.
func (v *Verifier) Identity(authorization string) (string, error) {
	if !strings.HasPrefix(authorization, "Bearer ") {
		return "", fmt.Errorf("missing or malformed authorization header")
	}
	token := strings.TrimPrefix(authorization, "Bearer ")
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}

	if v.devMode {
		return token, nil
	}
	return v.verifyJWT(token)
}

// verifyJWT checks an EdDSA-signed token and extracts the subject.
func (v *Verifier) verifyJWT(tokenString string) (string, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid jwt claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("missing sub in jwt")
	}
	return sub, nil
}
