package reputation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// ECDSASigner signs proof payloads with a P-256 key. It satisfies the
// Signer port; a verify-only instance (public key loaded, no private key)
// can check proofs but not mint them.
type ECDSASigner struct {
	priv *ecdsa.PrivateKey
	pub  *ecdsa.PublicKey
}

// NewEphemeralSigner generates a throwaway keypair; dev mode and tests.
func NewEphemeralSigner() (*ECDSASigner, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ECDSASigner{priv: priv, pub: &priv.PublicKey}, nil
}

// LoadSigner reads PEM key files. privPath may be empty for a verify-only
// signer.
func LoadSigner(privPath, pubPath string) (*ECDSASigner, error) {
	s := &ECDSASigner{}
	if privPath != "" {
		raw, err := os.ReadFile(privPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		priv, err := parsePrivateKey(raw)
		if err != nil {
			return nil, err
		}
		s.priv = priv
		s.pub = &priv.PublicKey
	}
	if pubPath != "" {
		raw, err := os.ReadFile(pubPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		pub, err := parsePublicKey(raw)
		if err != nil {
			return nil, err
		}
		s.pub = pub
	}
	if s.pub == nil {
		return nil, fmt.Errorf("proof signer: no key material")
	}
	return s, nil
}

// Sign returns an ASN.1 DER signature over SHA-256(payload).
func (s *ECDSASigner) Sign(payload []byte) ([]byte, error) {
	if s.priv == nil {
		return nil, fmt.Errorf("proof signer: verify-only, no private key")
	}
	digest := sha256.Sum256(payload)
	return ecdsa.SignASN1(rand.Reader, s.priv, digest[:])
}

// Verify checks an ASN.1 DER signature over SHA-256(payload).
func (s *ECDSASigner) Verify(payload, signature []byte) bool {
	if s.pub == nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return ecdsa.VerifyASN1(s.pub, digest[:], signature)
}

func parsePrivateKey(raw []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("private key: no PEM block")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	ec, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key: not ECDSA")
	}
	return ec, nil
}

func parsePublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("public key: no PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	ec, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key: not ECDSA")
	}
	return ec, nil
}
