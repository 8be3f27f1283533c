package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrNotFound) true for 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// EvidenceFile is one file recorded with a report.
type EvidenceFile struct {
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
}

// File is one upload of a report submission.
type File struct {
	Name    string
	Content io.Reader
}

// SubmitRequest is the payload for SubmitReport.
type SubmitRequest struct {
	Title       string
	Description string
	Uploader    string
	Files       []File
}

// SubmitResult describes the block recording a report.
type SubmitResult struct {
	ReportID   string         `json:"report_id"`
	TxID       string         `json:"tx_id"`
	BlockIndex uint64         `json:"block_index"`
	BlockHash  string         `json:"block_hash"`
	MerkleRoot string         `json:"merkle_root"`
	Timestamp  string         `json:"timestamp"`
	Evidence   []EvidenceFile `json:"evidence"`
}

// Report is a recorded report as returned by search and report lookups.
type Report struct {
	ReportID    string         `json:"report_id"`
	TxID        string         `json:"tx_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Uploader    string         `json:"uploader"`
	BlockIndex  uint64         `json:"block_index"`
	BlockHash   string         `json:"block_hash"`
	MerkleRoot  string         `json:"merkle_root"`
	Timestamp   string         `json:"timestamp"`
	Evidence    []EvidenceFile `json:"evidence"`
}

// ProofStep is one sibling on the path from a leaf to the Merkle root.
type ProofStep struct {
	Sibling string `json:"sibling"`
	Side    string `json:"side"`
}

// Match locates a verified file on the chain.
type Match struct {
	Hash          string      `json:"hash"`
	Filename      string      `json:"filename"`
	BlockIndex    uint64      `json:"block_index"`
	BlockHash     string      `json:"block_hash"`
	ReportID      string      `json:"report_id"`
	TxID          string      `json:"tx_id"`
	Title         string      `json:"title"`
	Uploader      string      `json:"uploader"`
	Timestamp     string      `json:"timestamp"`
	MerkleRoot    string      `json:"merkle_root"`
	Proof         []ProofStep `json:"proof"`
	ProofVerified bool        `json:"proof_verified"`
}

// Verification is the result of VerifyFile.
type Verification struct {
	Found bool   `json:"found"`
	Hash  string `json:"hash"`
	Size  int64  `json:"size"`
	Match *Match `json:"match,omitempty"`
}

// BlockSummary is one row of the block explorer.
type BlockSummary struct {
	Index        uint64 `json:"idx"`
	Timestamp    string `json:"timestamp"`
	BlockHash    string `json:"block_hash"`
	PreviousHash string `json:"previous_hash"`
	MerkleRoot   string `json:"merkle_root"`
	TxCount      int    `json:"tx_count"`
	LeafCount    int    `json:"leaf_count"`
}

// Transaction is one report as stored in a block.
type Transaction struct {
	TxID        string         `json:"tx_id"`
	ReportID    string         `json:"report_id"`
	BlockIndex  uint64         `json:"block_index"`
	Title       string         `json:"title"`
	Uploader    string         `json:"uploader"`
	Description string         `json:"description"`
	Evidence    []EvidenceFile `json:"evidence"`
}

// Block is a full block as returned by GET /api/block/:idx.
type Block struct {
	Index        uint64        `json:"idx"`
	Timestamp    string        `json:"timestamp"`
	PreviousHash string        `json:"previous_hash"`
	MerkleRoot   string        `json:"merkle_root"`
	BlockHash    string        `json:"block_hash"`
	LeafHashes   []string      `json:"leaf_hashes"`
	Transactions []Transaction `json:"transactions"`
}

// Proof is a Merkle inclusion proof served by the API.
type Proof struct {
	BlockIndex uint64      `json:"block_index"`
	Leaf       string      `json:"leaf"`
	LeafIndex  int         `json:"leaf_index"`
	Root       string      `json:"root"`
	Proof      []ProofStep `json:"proof"`
	Valid      bool        `json:"valid"`
}

// Problem is one integrity violation reported by VerifyChain.
type Problem struct {
	Index  uint64 `json:"idx"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// ChainReport is the result of a server-side chain verification.
type ChainReport struct {
	OK       bool      `json:"ok"`
	Blocks   int       `json:"blocks"`
	Problems []Problem `json:"problems"`
}

// PublicKey is the issuer key used to sign certificates.
type PublicKey struct {
	Algorithm   string `json:"algorithm"`
	PEM         string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}

// CertificateCheck is the server's verdict on a presented certificate.
type CertificateCheck struct {
	Valid        bool  `json:"valid"`
	ReceiptValid *bool `json:"receipt_valid,omitempty"`
}

// Client talks to a BlockWitness server.
type Client struct {
	base       string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout overrides the default 30s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed server.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if base == "" {
		return nil, errors.New("client: server URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("client: invalid server URL: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// SubmitReport uploads a report and its files. The multipart body is
// streamed, so large files are not buffered in memory.
func (c *Client) SubmitReport(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	fields := map[string]string{
		"title":       req.Title,
		"description": req.Description,
		"uploader":    req.Uploader,
	}
	var out SubmitResult
	if err := c.postMultipart(ctx, "/api/report", fields, "files", req.Files, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyFile asks the server whether content was recorded on the chain.
func (c *Client) VerifyFile(ctx context.Context, name string, content io.Reader) (*Verification, error) {
	var out Verification
	if err := c.postMultipart(ctx, "/api/verify", nil, "file", []File{{Name: name, Content: content}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search returns reports matching q.
func (c *Client) Search(ctx context.Context, q string) ([]Report, error) {
	var out []Report
	if err := c.getJSON(ctx, "/api/search?q="+url.QueryEscape(q), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Report fetches one report by id.
func (c *Client) Report(ctx context.Context, reportID string) (*Report, error) {
	var out Report
	if err := c.getJSON(ctx, "/api/report/"+url.PathEscape(reportID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Certificate fetches the signed certificate for a report as raw JSON.
func (c *Client) Certificate(ctx context.Context, reportID string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.getJSON(ctx, "/api/report/"+url.PathEscape(reportID)+"/certificate", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CertificateDocument fetches a rendered certificate ("html" or "pdf").
func (c *Client) CertificateDocument(ctx context.Context, reportID, format string) ([]byte, string, error) {
	path := "/api/report/" + url.PathEscape(reportID) + "/certificate?format=" + url.QueryEscape(format)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, "", err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// VerifyCertificate asks the server to check a certificate's signature.
func (c *Client) VerifyCertificate(ctx context.Context, cert json.RawMessage) (*CertificateCheck, error) {
	var out CertificateCheck
	if err := c.postJSON(ctx, "/api/certificate/verify", cert, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Explorer lists every block.
func (c *Client) Explorer(ctx context.Context) ([]BlockSummary, error) {
	var out []BlockSummary
	if err := c.getJSON(ctx, "/api/explorer", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Block fetches one block with its transactions.
func (c *Client) Block(ctx context.Context, index uint64) (*Block, error) {
	var out Block
	if err := c.getJSON(ctx, "/api/block/"+strconv.FormatUint(index, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Proof fetches the inclusion proof of leaf in block index. An empty leaf
// selects the block's first leaf.
func (c *Client) Proof(ctx context.Context, index uint64, leaf string) (*Proof, error) {
	path := "/api/block/" + strconv.FormatUint(index, 10) + "/merkle"
	if leaf != "" {
		path += "?leaf=" + url.QueryEscape(leaf)
	}
	var out Proof
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyChain runs a full integrity check on the server.
func (c *Client) VerifyChain(ctx context.Context) (*ChainReport, error) {
	var out ChainReport
	if err := c.getJSON(ctx, "/api/chain/verify", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PublicKey fetches the certificate issuer's public key.
func (c *Client) PublicKey(ctx context.Context) (*PublicKey, error) {
	var out PublicKey
	if err := c.getJSON(ctx, "/api/pubkey", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Transport helpers ────────────────────────────────────────────────────────

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) postMultipart(ctx context.Context, path string, fields map[string]string, fileField string, files []File, out any) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipart(mw, fields, fileField, files))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, pr)
	if err != nil {
		pr.Close()
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func writeMultipart(mw *multipart.Writer, fields map[string]string, fileField string, files []File) error {
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(fileField, f.Name)
		if err != nil {
			return err
		}
		if _, err := io.Copy(fw, f.Content); err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	return mw.Close()
}

// do executes req and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	msg := strings.TrimSpace(string(body))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
