package signature_test

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"

	"github.com/jmerrifield20/BlockWitness/internal/hashing"
	"github.com/jmerrifield20/BlockWitness/internal/keystore"
	"github.com/jmerrifield20/BlockWitness/internal/signature"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func issuerKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func TestSignVerify(t *testing.T) {
	key := issuerKey(t)
	digest := []byte("certificate digest")

	sig, err := signature.Sign(key, digest)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if !signature.Verify(&key.PublicKey, digest, sig) {
		t.Fatal("Verify() rejected a valid signature")
	}
}

func TestVerify_rejects(t *testing.T) {
	key := issuerKey(t)
	digest := []byte("certificate digest")
	sig, err := signature.Sign(key, digest)
	if err != nil {
		t.Fatal(err)
	}

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	flipped := append([]byte(nil), sig...)
	flipped[len(flipped)/2] ^= 0x01

	cases := map[string]struct {
		pub    *rsa.PublicKey
		digest []byte
		sig    []byte
	}{
		"altered digest":  {&key.PublicKey, []byte("certificate digesT"), sig},
		"flipped bit":     {&key.PublicKey, digest, flipped},
		"truncated":       {&key.PublicKey, digest, sig[:10]},
		"empty signature": {&key.PublicKey, digest, nil},
		"wrong key":       {&other.PublicKey, digest, sig},
		"nil key":         {nil, digest, sig},
		"zero key":        {&rsa.PublicKey{}, digest, sig},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if signature.Verify(tc.pub, tc.digest, tc.sig) {
				t.Error("Verify() accepted an invalid signature")
			}
		})
	}
}

func TestSign_invalidKey(t *testing.T) {
	if _, err := signature.Sign(nil, []byte("x")); !errors.Is(err, signature.ErrSigning) {
		t.Errorf("nil key: expected ErrSigning, got %v", err)
	}
	if _, err := signature.Sign(&rsa.PrivateKey{}, []byte("x")); !errors.Is(err, signature.ErrSigning) {
		t.Errorf("empty key: expected ErrSigning, got %v", err)
	}
}

func TestSignHex(t *testing.T) {
	key := issuerKey(t)
	digest := hashing.HashString("report")

	sig, err := signature.SignHex(key, digest)
	if err != nil {
		t.Fatal(err)
	}
	if !signature.VerifyHex(&key.PublicKey, digest, sig) {
		t.Error("VerifyHex() rejected a valid signature")
	}
	if signature.VerifyHex(&key.PublicKey, hashing.HashString("other"), sig) {
		t.Error("VerifyHex() accepted a signature for a different digest")
	}
	if signature.VerifyHex(&key.PublicKey, digest, "zz") {
		t.Error("VerifyHex() accepted a non-hex signature")
	}
	if _, err := signature.SignHex(key, "not-hex"); !errors.Is(err, signature.ErrSigning) {
		t.Errorf("expected ErrSigning for non-hex digest, got %v", err)
	}
}

func TestService(t *testing.T) {
	pair, err := keystore.New(t.TempDir()).LoadOrGenerate()
	if err != nil {
		t.Fatal(err)
	}
	svc, err := signature.NewService(pair)
	if err != nil {
		t.Fatal(err)
	}

	sig, err := svc.Sign([]byte("digest"))
	if err != nil {
		t.Fatal(err)
	}
	if !svc.Verify([]byte("digest"), sig) {
		t.Error("Service.Verify() rejected its own signature")
	}

	// A different issuer key must not verify it.
	reloaded, err := keystore.New(t.TempDir()).LoadOrGenerate()
	if err != nil {
		t.Fatal(err)
	}
	other, _ := signature.NewService(reloaded)
	if other.Verify([]byte("digest"), sig) {
		t.Error("signature verified under an unrelated key")
	}

	fp, _ := keystore.Fingerprint(pair.Public)
	if svc.Fingerprint() != fp {
		t.Errorf("Fingerprint() = %s, want %s", svc.Fingerprint(), fp)
	}

	if _, err := signature.NewService(nil); !errors.Is(err, signature.ErrSigning) {
		t.Errorf("expected ErrSigning for nil pair, got %v", err)
	}
}
