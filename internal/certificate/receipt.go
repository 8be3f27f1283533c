package certificate

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrReceiptMismatch means a receipt is genuine but was issued for a
// different certificate.
var ErrReceiptMismatch = errors.New("receipt does not match certificate")

// ReceiptClaims are the JWT claims of an inclusion receipt. A receipt is a
// compact, self-contained form of a certificate that any JWT library can
// check against the issuer public key.
type ReceiptClaims struct {
	jwt.RegisteredClaims
	ReportID   string `json:"bw:report_id"`
	TxID       string `json:"bw:tx_id"`
	BlockIndex uint64 `json:"bw:block_index"`
	BlockHash  string `json:"bw:block_hash"`
	MerkleRoot string `json:"bw:merkle_root"`
	Digest     string `json:"bw:digest"`
}

// ReceiptIssuer issues and verifies RS256 inclusion receipts.
// Receipts carry no expiry: inclusion in the chain does not lapse.
type ReceiptIssuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	issuer string
	now    func() time.Time
}

// NewReceiptIssuer creates a ReceiptIssuer signing with key. issuer becomes
// the "iss" claim, typically the service's public URL.
func NewReceiptIssuer(key *rsa.PrivateKey, issuer string) *ReceiptIssuer {
	return &ReceiptIssuer{
		key:    key,
		pub:    &key.PublicKey,
		issuer: issuer,
		now:    time.Now,
	}
}

// Issue creates a signed receipt for a certificate that already carries
// its digest.
func (r *ReceiptIssuer) Issue(c *Certificate) (string, error) {
	now := r.now().UTC()
	claims := ReceiptClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   r.issuer,
			Subject:  c.ReportID,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.New().String(),
		},
		ReportID:   c.ReportID,
		TxID:       c.TxID,
		BlockIndex: c.BlockIndex,
		BlockHash:  c.BlockHash,
		MerkleRoot: c.MerkleRoot,
		Digest:     c.Digest,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(r.key)
	if err != nil {
		return "", fmt.Errorf("sign receipt: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a receipt, returning its claims on success.
func (r *ReceiptIssuer) Verify(tokenStr string) (*ReceiptClaims, error) {
	return VerifyReceipt(tokenStr, r.pub, r.issuer)
}

// VerifyFor checks c's receipt with this issuer's key and binds it to c.
func (r *ReceiptIssuer) VerifyFor(c *Certificate) (*ReceiptClaims, error) {
	return VerifyReceiptFor(c, r.pub, r.issuer)
}

// VerifyReceiptFor validates c.Receipt against pub and requires its claims
// to describe c. A genuine receipt copied from another certificate fails.
func VerifyReceiptFor(c *Certificate, pub *rsa.PublicKey, issuer string) (*ReceiptClaims, error) {
	claims, err := VerifyReceipt(c.Receipt, pub, issuer)
	if err != nil {
		return nil, err
	}
	switch {
	case claims.Digest != c.Digest:
		return nil, fmt.Errorf("%w: digest", ErrReceiptMismatch)
	case claims.ReportID != c.ReportID, claims.Subject != c.ReportID:
		return nil, fmt.Errorf("%w: report_id", ErrReceiptMismatch)
	case claims.TxID != c.TxID:
		return nil, fmt.Errorf("%w: tx_id", ErrReceiptMismatch)
	case claims.BlockIndex != c.BlockIndex:
		return nil, fmt.Errorf("%w: block_index", ErrReceiptMismatch)
	case claims.BlockHash != c.BlockHash:
		return nil, fmt.Errorf("%w: block_hash", ErrReceiptMismatch)
	case claims.MerkleRoot != c.MerkleRoot:
		return nil, fmt.Errorf("%w: merkle_root", ErrReceiptMismatch)
	}
	return claims, nil
}

// VerifyReceipt validates a receipt against pub. An empty issuer skips the
// "iss" check.
func VerifyReceipt(tokenStr string, pub *rsa.PublicKey, issuer string) (*ReceiptClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&ReceiptClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return pub, nil
		},
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("verify receipt: %w", err)
	}

	claims, ok := token.Claims.(*ReceiptClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid receipt claims")
	}
	return claims, nil
}
