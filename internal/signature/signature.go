// Package signature signs and verifies digests with the issuer's RSA key
// using PKCS#1 v1.5 over SHA-256.
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jmerrifield20/BlockWitness/internal/keystore"
)

// ErrSigning is returned when a signature cannot be produced.
var ErrSigning = errors.New("signature: signing failed")

// Sign returns the PKCS#1 v1.5 signature of SHA-256(digest).
func Sign(priv *rsa.PrivateKey, digest []byte) ([]byte, error) {
	if priv == nil || priv.N == nil {
		return nil, fmt.Errorf("%w: no private key", ErrSigning)
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	sum := sha256.Sum256(digest)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, sum[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return sig, nil
}

// Verify reports whether sig is a valid signature of digest under pub.
// Malformed input yields false.
func Verify(pub *rsa.PublicKey, digest, sig []byte) bool {
	if pub == nil || pub.N == nil || len(sig) == 0 {
		return false
	}
	sum := sha256.Sum256(digest)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig) == nil
}

// SignHex signs the bytes encoded by digestHex and returns the signature as
// lowercase hex.
func SignHex(priv *rsa.PrivateKey, digestHex string) (string, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", fmt.Errorf("%w: digest is not hex: %v", ErrSigning, err)
	}
	sig, err := Sign(priv, digest)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// VerifyHex is Verify for hex-encoded digest and signature.
func VerifyHex(pub *rsa.PublicKey, digestHex, sigHex string) bool {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return Verify(pub, digest, sig)
}

// Service binds the issuer keypair so callers sign without handling keys.
type Service struct {
	pair        *keystore.KeyPair
	fingerprint string
}

// NewService returns a Service for pair.
func NewService(pair *keystore.KeyPair) (*Service, error) {
	if pair == nil || pair.Private == nil || pair.Public == nil {
		return nil, fmt.Errorf("%w: incomplete keypair", ErrSigning)
	}
	fp, err := keystore.Fingerprint(pair.Public)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return &Service{pair: pair, fingerprint: fp}, nil
}

// Sign signs digest with the issuer key.
func (s *Service) Sign(digest []byte) ([]byte, error) { return Sign(s.pair.Private, digest) }

// Verify checks sig against digest under the issuer public key.
func (s *Service) Verify(digest, sig []byte) bool { return Verify(s.pair.Public, digest, sig) }

// SignHex signs a hex digest and returns a hex signature.
func (s *Service) SignHex(digestHex string) (string, error) {
	return SignHex(s.pair.Private, digestHex)
}

// VerifyHex checks a hex signature against a hex digest.
func (s *Service) VerifyHex(digestHex, sigHex string) bool {
	return VerifyHex(s.pair.Public, digestHex, sigHex)
}

// PrivateKey returns the issuer signing key.
func (s *Service) PrivateKey() *rsa.PrivateKey { return s.pair.Private }

// PublicKey returns the issuer public key.
func (s *Service) PublicKey() *rsa.PublicKey { return s.pair.Public }

// Fingerprint returns the hex SHA-256 of the issuer public key.
func (s *Service) Fingerprint() string { return s.fingerprint }

// PublicKeyPEM returns the issuer public key as PEM.
func (s *Service) PublicKeyPEM() ([]byte, error) { return keystore.PublicKeyPEM(s.pair.Public) }
