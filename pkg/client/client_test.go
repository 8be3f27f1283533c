package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/BlockWitness/internal/api/handler"
	"github.com/jmerrifield20/BlockWitness/internal/certificate"
	"github.com/jmerrifield20/BlockWitness/internal/evidence"
	"github.com/jmerrifield20/BlockWitness/internal/hashing"
	"github.com/jmerrifield20/BlockWitness/internal/keystore"
	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"github.com/jmerrifield20/BlockWitness/internal/merkle"
	"github.com/jmerrifield20/BlockWitness/internal/signature"
	"github.com/jmerrifield20/BlockWitness/pkg/client"
	"go.uber.org/zap"
)

var ctx = context.Background()

// ── Server ──────────────────────────────────────────────────────────────────

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	l, err := ledger.Open(ctx, ledger.NewMemoryStore(), logger)
	if err != nil {
		t.Fatal(err)
	}
	blobs, err := evidence.NewBlobStore(filepath.Join(t.TempDir(), "uploads"), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	pair, err := keystore.New(t.TempDir()).LoadOrGenerate()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := signature.NewService(pair)
	if err != nil {
		t.Fatal(err)
	}
	issuer := certificate.NewIssuer(signer, "https://witness.test")
	svc := evidence.NewService(l, blobs, issuer, logger)

	router := handler.NewRouter(ctx, handler.RouterConfig{}, logger,
		handler.NewReportHandler(svc, issuer, signer, 1<<22, logger),
		handler.NewChainHandler(l, "https://witness.test", logger),
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func submit(t *testing.T, c *client.Client, title string, files ...client.File) *client.SubmitResult {
	t.Helper()
	res, err := c.SubmitReport(ctx, client.SubmitRequest{Title: title, Uploader: "alice", Files: files})
	if err != nil {
		t.Fatalf("SubmitReport() error: %v", err)
	}
	return res
}

func file(name, content string) client.File {
	return client.File{Name: name, Content: strings.NewReader(content)}
}

// ── Tests ───────────────────────────────────────────────────────────────────

func TestNew_invalidURL(t *testing.T) {
	for _, base := range []string{"", "not a url"} {
		if _, err := client.New(base); err == nil {
			t.Errorf("New(%q): expected error", base)
		}
	}
}

func TestSubmitAndFetch(t *testing.T) {
	c := client.MustNew(newServer(t).URL)

	res := submit(t, c, "Flooded basement", file("a.jpg", "photo-a"), file("b.txt", "note-b"))
	if len(res.Evidence) != 2 || res.Evidence[1].Hash != hashing.HashString("note-b") {
		t.Fatalf("unexpected result: %+v", res)
	}

	rep, err := c.Report(ctx, res.ReportID)
	if err != nil {
		t.Fatalf("Report() error: %v", err)
	}
	if rep.Title != "Flooded basement" || rep.BlockHash != res.BlockHash {
		t.Errorf("unexpected report: %+v", rep)
	}

	b, err := c.Block(ctx, res.BlockIndex)
	if err != nil {
		t.Fatalf("Block() error: %v", err)
	}
	if len(b.LeafHashes) != 2 || b.Transactions[0].ReportID != res.ReportID {
		t.Errorf("unexpected block: %+v", b)
	}
}

func TestSubmit_validationError(t *testing.T) {
	c := client.MustNew(newServer(t).URL)

	_, err := c.SubmitReport(ctx, client.SubmitRequest{})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
	if !strings.Contains(apiErr.Message, "title") {
		t.Errorf("message %q should mention the title", apiErr.Message)
	}
}

func TestNotFound(t *testing.T) {
	c := client.MustNew(newServer(t).URL)

	if _, err := c.Report(ctx, "missing"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("Report(missing): expected ErrNotFound, got %v", err)
	}
	if _, err := c.Block(ctx, 42); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("Block(42): expected ErrNotFound, got %v", err)
	}
}

func TestVerifyFileAndSearch(t *testing.T) {
	c := client.MustNew(newServer(t).URL)
	res := submit(t, c, "Broken window", file("w.jpg", "window"))

	v, err := c.VerifyFile(ctx, "copy.jpg", strings.NewReader("window"))
	if err != nil {
		t.Fatalf("VerifyFile() error: %v", err)
	}
	if !v.Found || v.Match.ReportID != res.ReportID {
		t.Errorf("unexpected verification: %+v", v)
	}

	v, err = c.VerifyFile(ctx, "other.jpg", strings.NewReader("other"))
	if err != nil || v.Found {
		t.Errorf("unrecorded file: found=%v err=%v", v != nil && v.Found, err)
	}

	reports, err := c.Search(ctx, "window")
	if err != nil || len(reports) != 1 {
		t.Errorf("Search() = %v, %v", reports, err)
	}
}

func TestProofVerifiesLocally(t *testing.T) {
	c := client.MustNew(newServer(t).URL)
	res := submit(t, c, "three", file("a", "a"), file("b", "b"), file("c", "c"))

	p, err := c.Proof(ctx, res.BlockIndex, res.Evidence[2].Hash)
	if err != nil {
		t.Fatalf("Proof() error: %v", err)
	}
	steps := make(merkle.Proof, len(p.Proof))
	for i, s := range p.Proof {
		steps[i] = merkle.ProofStep{Sibling: s.Sibling, Side: merkle.Side(s.Side)}
	}
	if !merkle.VerifyProof(p.Leaf, steps, res.MerkleRoot) {
		t.Error("server proof does not verify against the submitted merkle root")
	}
}

func TestCertificateRoundTrip(t *testing.T) {
	c := client.MustNew(newServer(t).URL)
	res := submit(t, c, "cert", file("a", "a"))

	raw, err := c.Certificate(ctx, res.ReportID)
	if err != nil {
		t.Fatalf("Certificate() error: %v", err)
	}

	check, err := c.VerifyCertificate(ctx, raw)
	if err != nil {
		t.Fatalf("VerifyCertificate() error: %v", err)
	}
	if !check.Valid || check.ReceiptValid == nil || !*check.ReceiptValid {
		t.Errorf("unexpected check: %+v", check)
	}

	// Offline: verify against the published public key only.
	pk, err := c.PublicKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := keystore.ParsePublicKeyPEM([]byte(pk.PEM))
	if err != nil {
		t.Fatal(err)
	}
	var cert certificate.Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		t.Fatal(err)
	}
	ok := certificate.VerifyWith(&cert, func(digest, sig []byte) bool {
		return signature.Verify(pub, digest, sig)
	})
	if !ok {
		t.Error("certificate does not verify offline")
	}

	doc, ct, err := c.CertificateDocument(ctx, res.ReportID, "html")
	if err != nil || !strings.HasPrefix(ct, "text/html") || len(doc) == 0 {
		t.Errorf("CertificateDocument(html): %q %v", ct, err)
	}
}

func TestExplorerAndVerifyChain(t *testing.T) {
	c := client.MustNew(newServer(t).URL)
	submit(t, c, "one")
	submit(t, c, "two")

	rows, err := c.Explorer(ctx)
	if err != nil || len(rows) != 2 {
		t.Fatalf("Explorer() = %v, %v", rows, err)
	}

	rep, err := c.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK || rep.Blocks != 2 {
		t.Errorf("unexpected chain report: %+v", rep)
	}
}
