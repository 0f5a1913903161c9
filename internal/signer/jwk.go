package signer

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/jmerrifield20/auditledger/internal/canonical"
)

// JWK is a JSON Web Key for an Ed25519 verification key.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of pub, base64url
// encoded without padding. It is the canonical key id.
func Thumbprint(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("thumbprint: invalid ed25519 public key length %d", len(pub))
	}
	// Required members only, lexicographic order.
	b, err := canonical.Marshal(map[string]string{
		"crv": "Ed25519",
		"kty": "OKP",
		"x":   base64.RawURLEncoding.EncodeToString(pub),
	})
	if err != nil {
		return "", fmt.Errorf("thumbprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// PublicKeyJWK returns the public key as a JWK. The zero JWK is returned
// before Initialize.
func (s *Signer) PublicKeyJWK() JWK {
	pub := s.PublicKey()
	if pub == nil {
		return JWK{}
	}
	return JWK{
		Kty: "OKP",
		Use: "sig",
		Kid: s.KeyID(),
		Alg: JoseAlg,
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}
}

// PublicKeyFromJWK decodes the key carried by jwk and checks its kid.
func PublicKeyFromJWK(jwk JWK) (ed25519.PublicKey, error) {
	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
		return nil, fmt.Errorf("unsupported jwk kty=%q crv=%q", jwk.Kty, jwk.Crv)
	}
	raw, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("decode jwk x: %w", err)
	}
	pub := ed25519.PublicKey(raw)
	kid, err := Thumbprint(pub)
	if err != nil {
		return nil, err
	}
	if jwk.Kid != "" && jwk.Kid != kid {
		return nil, fmt.Errorf("jwk kid %q, computed %q: %w", jwk.Kid, kid, ErrKeyIDMismatch)
	}
	return pub, nil
}
