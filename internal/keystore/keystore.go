// Package keystore manages the issuing authority's RSA keypair.
//
// The keypair is created once on first start and reloaded on every start
// after that. An existing private key is never overwritten: certificates
// signed with it must stay verifiable against the published public key.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "issuer_priv.pem"
	publicKeyFile  = "issuer_pub.pem"

	// MinKeyBits is the smallest RSA modulus accepted for generation or load.
	MinKeyBits     = 2048
	defaultKeyBits = 2048
)

// ErrKey is returned for missing, corrupt or unusable key material.
var ErrKey = errors.New("keystore: key error")

// KeyPair holds the issuer's signing key and its public half.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// KeyStore loads or generates the issuer keypair in a directory.
type KeyStore struct {
	dir  string
	bits int
	pair *KeyPair
}

// New returns a KeyStore that keeps its PEM files in dir.
func New(dir string) *KeyStore {
	return &KeyStore{dir: dir, bits: defaultKeyBits}
}

// SetKeyBits sets the modulus size used when a new key must be generated.
func (s *KeyStore) SetKeyBits(bits int) {
	s.bits = bits
}

// PrivateKeyPath returns the path of the private key file.
func (s *KeyStore) PrivateKeyPath() string { return filepath.Join(s.dir, privateKeyFile) }

// PublicKeyPath returns the path of the public key file.
func (s *KeyStore) PublicKeyPath() string { return filepath.Join(s.dir, publicKeyFile) }

// LoadOrGenerate loads the keypair from disk, generating it only when no
// key material exists yet.
//
//   - both files present: load them and check they belong together.
//   - neither present: generate, write, return.
//   - private only: derive the public key and write it.
//   - public only: fail; the private half is lost and a new key would not
//     match what has already been published.
func (s *KeyStore) LoadOrGenerate() (*KeyPair, error) {
	privExists, err := fileExists(s.PrivateKeyPath())
	if err != nil {
		return nil, err
	}
	pubExists, err := fileExists(s.PublicKeyPath())
	if err != nil {
		return nil, err
	}

	switch {
	case privExists && pubExists:
		return s.Load()
	case privExists:
		priv, err := readPrivateKey(s.PrivateKeyPath())
		if err != nil {
			return nil, err
		}
		if err := writePublicKey(s.PublicKeyPath(), &priv.PublicKey); err != nil {
			return nil, err
		}
		s.pair = &KeyPair{Private: priv, Public: &priv.PublicKey}
		return s.pair, nil
	case pubExists:
		return nil, fmt.Errorf("%w: public key %s exists without its private key", ErrKey, s.PublicKeyPath())
	default:
		return s.Generate()
	}
}

// Load reads an existing keypair from the configured directory.
func (s *KeyStore) Load() (*KeyPair, error) {
	priv, err := readPrivateKey(s.PrivateKeyPath())
	if err != nil {
		return nil, err
	}
	pub, err := readPublicKey(s.PublicKeyPath())
	if err != nil {
		return nil, err
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, fmt.Errorf("%w: %s does not match %s", ErrKey, publicKeyFile, privateKeyFile)
	}
	s.pair = &KeyPair{Private: priv, Public: pub}
	return s.pair, nil
}

// Generate creates a new RSA keypair and writes it to disk. It fails rather
// than replace an existing private key file.
func (s *KeyStore) Generate() (*KeyPair, error) {
	if s.bits < MinKeyBits {
		return nil, fmt.Errorf("%w: key size %d below minimum %d", ErrKey, s.bits, MinKeyBits)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir %q: %w", s.dir, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, s.bits)
	if err != nil {
		return nil, fmt.Errorf("generate issuer key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	// O_EXCL: a concurrent starter that won the race keeps its key.
	f, err := os.OpenFile(s.PrivateKeyPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: refusing to overwrite %s", ErrKey, s.PrivateKeyPath())
		}
		return nil, fmt.Errorf("create private key file: %w", err)
	}
	if _, err := f.Write(keyPEM); err != nil {
		f.Close()                      //nolint:errcheck
		os.Remove(s.PrivateKeyPath()) //nolint:errcheck
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close private key file: %w", err)
	}

	if err := writePublicKey(s.PublicKeyPath(), &key.PublicKey); err != nil {
		return nil, err
	}

	s.pair = &KeyPair{Private: key, Public: &key.PublicKey}
	return s.pair, nil
}

// KeyPair returns the loaded keypair, or nil before LoadOrGenerate.
func (s *KeyStore) KeyPair() *KeyPair { return s.pair }

// PublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" PEM block.
func PublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Fingerprint returns the hex SHA-256 of the PKIX DER encoding of pub.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// ParsePublicKeyPEM decodes a PKIX or PKCS#1 RSA public key.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: failed to decode public key PEM", ErrKey)
	}
	switch block.Type {
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse public key: %v", ErrKey, err)
		}
		pub, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: public key is not RSA", ErrKey)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse public key: %v", ErrKey, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrKey, block.Type)
	}
}

// ParsePrivateKeyPEM decodes a PKCS#1 or PKCS#8 RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: failed to decode private key PEM", ErrKey)
	}
	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", ErrKey, err)
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", ErrKey, err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is not RSA", ErrKey)
		}
		key = rk
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrKey, block.Type)
	}
	if key.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("%w: key size %d below minimum %d", ErrKey, key.N.BitLen(), MinKeyBits)
	}
	return key, nil
}

func readPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKey, path, err)
	}
	return ParsePrivateKeyPEM(data)
}

func readPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKey, path, err)
	}
	return ParsePublicKeyPEM(data)
}

func writePublicKey(path string, pub *rsa.PublicKey) error {
	data, err := PublicKeyPEM(pub)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %v", ErrKey, path, err)
}
