// Package certificate issues signed inclusion certificates for evidence
// reports recorded in the ledger.
//
// A certificate binds a report to the block that holds it. Its digest is the
// SHA-256 of the canonical JSON payload, and the signature is the issuer's
// RSA PKCS#1 v1.5 signature over that digest. Anyone holding the issuer
// public key can re-derive the digest and check the signature offline.
package certificate

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/BlockWitness/internal/hashing"
	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"github.com/jmerrifield20/BlockWitness/internal/signature"
)

// ErrIncomplete is returned when a certificate cannot be issued from the
// given block and transaction.
var ErrIncomplete = errors.New("certificate: incomplete inclusion record")

// Certificate attests that a report's evidence is included in a block.
type Certificate struct {
	ReportID       string                `json:"report_id"`
	TxID           string                `json:"tx_id"`
	Title          string                `json:"title"`
	Uploader       string                `json:"uploader"`
	BlockIndex     uint64                `json:"block_index"`
	BlockTimestamp string                `json:"block_timestamp"`
	BlockHash      string                `json:"block_hash"`
	MerkleRoot     string                `json:"merkle_root"`
	LeafHashes     []string              `json:"leaf_hashes"`
	Evidence       []ledger.EvidenceFile `json:"evidence"`
	Issuer         string                `json:"issuer"`
	IssuedAt       string                `json:"issued_at"`

	Digest               string `json:"digest"`
	Signature            string `json:"signature"`
	PublicKeyFingerprint string `json:"public_key_fingerprint"`
	Receipt              string `json:"receipt,omitempty"`
}

// payload is the signed portion of a Certificate. Field order is fixed by
// the struct and must not change once certificates are in circulation.
type payload struct {
	ReportID       string                `json:"report_id"`
	TxID           string                `json:"tx_id"`
	Title          string                `json:"title"`
	Uploader       string                `json:"uploader"`
	BlockIndex     uint64                `json:"block_index"`
	BlockTimestamp string                `json:"block_timestamp"`
	BlockHash      string                `json:"block_hash"`
	MerkleRoot     string                `json:"merkle_root"`
	LeafHashes     []string              `json:"leaf_hashes"`
	Evidence       []ledger.EvidenceFile `json:"evidence"`
	Issuer         string                `json:"issuer"`
	IssuedAt       string                `json:"issued_at"`
}

// ComputeDigest returns the hex SHA-256 of the certificate's canonical
// payload. Signature, fingerprint and receipt are not covered.
func (c *Certificate) ComputeDigest() (string, error) {
	leaves := c.LeafHashes
	if leaves == nil {
		leaves = []string{}
	}
	evidence := c.Evidence
	if evidence == nil {
		evidence = []ledger.EvidenceFile{}
	}
	data, err := json.Marshal(payload{
		ReportID:       c.ReportID,
		TxID:           c.TxID,
		Title:          c.Title,
		Uploader:       c.Uploader,
		BlockIndex:     c.BlockIndex,
		BlockTimestamp: c.BlockTimestamp,
		BlockHash:      c.BlockHash,
		MerkleRoot:     c.MerkleRoot,
		LeafHashes:     leaves,
		Evidence:       evidence,
		Issuer:         c.Issuer,
		IssuedAt:       c.IssuedAt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal certificate payload: %w", err)
	}
	return hashing.HashBytes(data), nil
}

// Issuer produces and checks certificates with the issuer key.
type Issuer struct {
	signer   *signature.Service
	receipts *ReceiptIssuer
	name     string
	now      func() time.Time
}

// NewIssuer creates an Issuer. name is recorded in every certificate and
// used as the receipt "iss" claim; typically the service's public URL.
func NewIssuer(signer *signature.Service, name string) *Issuer {
	return &Issuer{
		signer:   signer,
		receipts: NewReceiptIssuer(signer.PrivateKey(), name),
		name:     name,
		now:      time.Now,
	}
}

// SetClock overrides the issue-time source.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
	i.receipts.now = now
}

// Receipts returns the JWT receipt issuer sharing this Issuer's key.
func (i *Issuer) Receipts() *ReceiptIssuer { return i.receipts }

// Issue builds and signs a certificate for tx, which must be recorded in b.
func (i *Issuer) Issue(b *ledger.Block, tx *ledger.Transaction) (*Certificate, error) {
	if b == nil || tx == nil {
		return nil, ErrIncomplete
	}
	if tx.BlockIndex != b.Index {
		return nil, fmt.Errorf("%w: transaction %s belongs to block %d, not %d", ErrIncomplete, tx.TxID, tx.BlockIndex, b.Index)
	}

	c := &Certificate{
		ReportID:       tx.ReportID,
		TxID:           tx.TxID,
		Title:          tx.Title,
		Uploader:       tx.Uploader,
		BlockIndex:     b.Index,
		BlockTimestamp: b.Timestamp,
		BlockHash:      b.BlockHash,
		MerkleRoot:     b.MerkleRoot,
		LeafHashes:     append([]string(nil), b.LeafHashes...),
		Evidence:       append([]ledger.EvidenceFile(nil), tx.Evidence...),
		Issuer:         i.name,
		IssuedAt:       ledger.FormatTimestamp(i.now()),
	}

	digest, err := c.ComputeDigest()
	if err != nil {
		return nil, err
	}
	sig, err := i.signer.SignHex(digest)
	if err != nil {
		return nil, fmt.Errorf("sign certificate %s: %w", c.ReportID, err)
	}
	c.Digest = digest
	c.Signature = sig
	c.PublicKeyFingerprint = i.signer.Fingerprint()

	receipt, err := i.receipts.Issue(c)
	if err != nil {
		return nil, err
	}
	c.Receipt = receipt
	return c, nil
}

// Verify reports whether c's digest matches its contents and its signature
// verifies under the issuer public key.
func (i *Issuer) Verify(c *Certificate) bool {
	return VerifyWith(c, i.signer.Verify)
}

// VerifyWith checks c using an arbitrary signature check over the raw
// digest bytes. It lets holders of only the public key verify offline.
func VerifyWith(c *Certificate, verify func(digest, sig []byte) bool) bool {
	if c == nil {
		return false
	}
	digest, err := c.ComputeDigest()
	if err != nil || digest != c.Digest {
		return false
	}
	raw, err := hashing.Decode(digest)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(c.Signature)
	if err != nil {
		return false
	}
	return verify(raw, sig)
}
