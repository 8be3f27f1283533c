// Package evidence implements report submission and verification on top of
// the ledger: uploads are hashed and stored, recorded as one block per
// report, and later matched against files presented for verification.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmerrifield20/BlockWitness/internal/certificate"
	"github.com/jmerrifield20/BlockWitness/internal/hashing"
	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"github.com/jmerrifield20/BlockWitness/internal/merkle"
	"go.uber.org/zap"
)

const (
	maxTitleLen       = 200
	maxUploaderLen    = 100
	maxDescriptionLen = 10_000
	defaultUploader   = "anonymous"
)

var (
	// ErrInvalidRequest is returned for submissions that fail validation.
	ErrInvalidRequest = errors.New("evidence: invalid request")
	// ErrNotFound is returned when a report or blob does not exist.
	ErrNotFound = errors.New("evidence: not found")
)

// Upload is one file of a submission.
type Upload struct {
	Filename string
	Content  io.Reader
}

// SubmitRequest is a new incident report with its evidence files.
type SubmitRequest struct {
	Title       string
	Description string
	Uploader    string
	Files       []Upload
}

// SubmitResult describes the block recording a submission.
type SubmitResult struct {
	ReportID   string                `json:"report_id"`
	TxID       string                `json:"tx_id"`
	BlockIndex uint64                `json:"block_index"`
	BlockHash  string                `json:"block_hash"`
	MerkleRoot string                `json:"merkle_root"`
	Timestamp  string                `json:"timestamp"`
	Evidence   []ledger.EvidenceFile `json:"evidence"`
}

// VerificationMatch identifies where a verified file is recorded.
type VerificationMatch struct {
	Hash          string       `json:"hash"`
	Filename      string       `json:"filename"`
	BlockIndex    uint64       `json:"block_index"`
	BlockHash     string       `json:"block_hash"`
	ReportID      string       `json:"report_id"`
	TxID          string       `json:"tx_id"`
	Title         string       `json:"title"`
	Uploader      string       `json:"uploader"`
	Timestamp     string       `json:"timestamp"`
	MerkleRoot    string       `json:"merkle_root"`
	Proof         merkle.Proof `json:"proof"`
	ProofVerified bool         `json:"proof_verified"`
}

// Verification is the outcome of checking a file against the ledger.
type Verification struct {
	Found bool               `json:"found"`
	Hash  string             `json:"hash"`
	Size  int64              `json:"size"`
	Match *VerificationMatch `json:"match,omitempty"`
}

// ReportView is a flattened transaction for listings.
type ReportView struct {
	ReportID    string                `json:"report_id"`
	TxID        string                `json:"tx_id"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Uploader    string                `json:"uploader"`
	BlockIndex  uint64                `json:"block_index"`
	BlockHash   string                `json:"block_hash"`
	MerkleRoot  string                `json:"merkle_root"`
	Timestamp   string                `json:"timestamp"`
	Evidence    []ledger.EvidenceFile `json:"evidence"`
}

// Service ties uploads, the ledger and certificate issuance together.
type Service struct {
	ledger *ledger.Ledger
	blobs  *BlobStore
	issuer *certificate.Issuer
	logger *zap.Logger
	newID  func() string
}

// NewService creates a Service. issuer may be nil, in which case
// Certificate returns an error.
func NewService(l *ledger.Ledger, blobs *BlobStore, issuer *certificate.Issuer, logger *zap.Logger) *Service {
	return &Service{
		ledger: l,
		blobs:  blobs,
		issuer: issuer,
		logger: logger,
		newID:  func() string { return uuid.New().String() },
	}
}

// Ledger returns the underlying ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Submit stores and hashes every upload, then appends one block holding a
// single transaction for the report. Blobs of a submission that fails are
// removed again unless another upload or a recorded block still uses them.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	title := strings.TrimSpace(req.Title)
	uploader := strings.TrimSpace(req.Uploader)
	if uploader == "" {
		uploader = defaultUploader
	}
	if err := validateSubmit(title, uploader, req.Description); err != nil {
		return nil, err
	}

	var (
		leaves   = make([]string, 0, len(req.Files))
		evidence = make([]ledger.EvidenceFile, 0, len(req.Files))
		recorded bool
	)
	defer func() {
		for _, h := range leaves {
			if recorded {
				s.blobs.Release(h)
				continue
			}
			if _, err := s.blobs.ReleaseUnused(h, s.inLedger); err != nil {
				s.logger.Warn("failed to remove orphaned upload", zap.String("hash", h), zap.Error(err))
			}
		}
	}()

	for i, f := range req.Files {
		if f.Content == nil {
			return nil, fmt.Errorf("%w: file %d has no content", ErrInvalidRequest, i)
		}
		hash, size, _, err := s.blobs.Put(f.Content)
		if err != nil {
			if errors.Is(err, ErrTooLarge) {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, f.Filename, err)
			}
			return nil, err
		}
		leaves = append(leaves, hash)
		evidence = append(evidence, ledger.EvidenceFile{
			Filename: cleanFilename(f.Filename, i),
			Hash:     hash,
			Size:     size,
		})
	}

	tx := ledger.Transaction{
		TxID:        "tx_" + strings.ReplaceAll(s.newID(), "-", ""),
		ReportID:    s.newID(),
		Title:       title,
		Uploader:    uploader,
		Description: req.Description,
		Evidence:    evidence,
	}

	b, err := s.ledger.AppendBlock(ctx, leaves, []ledger.Transaction{tx})
	if err != nil {
		return nil, fmt.Errorf("record report: %w", err)
	}
	recorded = true

	s.logger.Info("report recorded",
		zap.String("report_id", tx.ReportID),
		zap.Uint64("block_index", b.Index),
		zap.Int("files", len(evidence)),
	)

	return &SubmitResult{
		ReportID:   tx.ReportID,
		TxID:       tx.TxID,
		BlockIndex: b.Index,
		BlockHash:  b.BlockHash,
		MerkleRoot: b.MerkleRoot,
		Timestamp:  b.Timestamp,
		Evidence:   evidence,
	}, nil
}

func validateSubmit(title, uploader, description string) error {
	switch {
	case title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidRequest)
	case utf8.RuneCountInString(title) > maxTitleLen:
		return fmt.Errorf("%w: title longer than %d characters", ErrInvalidRequest, maxTitleLen)
	case utf8.RuneCountInString(uploader) > maxUploaderLen:
		return fmt.Errorf("%w: uploader longer than %d characters", ErrInvalidRequest, maxUploaderLen)
	case utf8.RuneCountInString(description) > maxDescriptionLen:
		return fmt.Errorf("%w: description longer than %d characters", ErrInvalidRequest, maxDescriptionLen)
	}
	return nil
}

// inLedger reports whether a recorded block references hash. Lookup errors
// count as referenced so a blob is never removed on a guess.
func (s *Service) inLedger(hash string) bool {
	_, err := s.ledger.FindByLeafHash(context.Background(), hash)
	return !errors.Is(err, ledger.ErrNotFound)
}

// cleanFilename strips any client-supplied directory components.
func cleanFilename(name string, i int) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return fmt.Sprintf("file-%d", i+1)
	}
	return name
}

// VerifyFile hashes r and looks the digest up in the ledger. A file that is
// not recorded yields Found=false, not an error.
func (s *Service) VerifyFile(ctx context.Context, r io.Reader) (*Verification, error) {
	hash, size, err := hashing.HashReader(r)
	if err != nil {
		return nil, err
	}
	return s.VerifyHash(ctx, hash, size)
}

// VerifyHash looks up a precomputed digest.
func (s *Service) VerifyHash(ctx context.Context, hash string, size int64) (*Verification, error) {
	h, err := hashing.Normalize(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	v := &Verification{Hash: h, Size: size}

	m, err := s.ledger.FindByLeafHash(ctx, h)
	if errors.Is(err, ledger.ErrNotFound) {
		return v, nil
	}
	if err != nil {
		return nil, err
	}

	proof, err := s.ledger.Proof(ctx, m.Block.Index, h)
	if err != nil {
		return nil, err
	}

	v.Found = true
	v.Match = &VerificationMatch{
		Hash:          h,
		Filename:      m.Evidence.Filename,
		BlockIndex:    m.Block.Index,
		BlockHash:     m.Block.BlockHash,
		ReportID:      m.Transaction.ReportID,
		TxID:          m.Transaction.TxID,
		Title:         m.Transaction.Title,
		Uploader:      m.Transaction.Uploader,
		Timestamp:     m.Block.Timestamp,
		MerkleRoot:    m.Block.MerkleRoot,
		Proof:         proof.Proof,
		ProofVerified: proof.Verified,
	}
	return v, nil
}

// Search lists reports matching query.
func (s *Service) Search(ctx context.Context, query string) ([]ReportView, error) {
	matches, err := s.ledger.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]ReportView, 0, len(matches))
	for _, m := range matches {
		out = append(out, viewOf(m.Block, m.Transaction))
	}
	return out, nil
}

// Report returns a single report by id.
func (s *Service) Report(ctx context.Context, reportID string) (*ReportView, error) {
	m, err := s.ledger.FindReport(ctx, reportID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: report %s", ErrNotFound, reportID)
		}
		return nil, err
	}
	v := viewOf(m.Block, m.Transaction)
	return &v, nil
}

// Certificate issues a signed inclusion certificate for a report.
func (s *Service) Certificate(ctx context.Context, reportID string) (*certificate.Certificate, error) {
	if s.issuer == nil {
		return nil, errors.New("evidence: certificate issuing is not configured")
	}
	m, err := s.ledger.FindReport(ctx, reportID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: report %s", ErrNotFound, reportID)
		}
		return nil, err
	}
	c, err := s.issuer.Issue(m.Block, m.Transaction)
	if err != nil {
		return nil, fmt.Errorf("issue certificate for %s: %w", reportID, err)
	}
	return c, nil
}

func viewOf(b *ledger.Block, tx *ledger.Transaction) ReportView {
	ev := tx.Evidence
	if ev == nil {
		ev = []ledger.EvidenceFile{}
	}
	return ReportView{
		ReportID:    tx.ReportID,
		TxID:        tx.TxID,
		Title:       tx.Title,
		Description: tx.Description,
		Uploader:    tx.Uploader,
		BlockIndex:  b.Index,
		BlockHash:   b.BlockHash,
		MerkleRoot:  b.MerkleRoot,
		Timestamp:   b.Timestamp,
		Evidence:    ev,
	}
}
