package handler

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"github.com/jmerrifield20/BlockWitness/internal/merkle"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const qrSize = 256

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

// TimelineEntry is a block with its transactions, for the chain timeline.
type TimelineEntry struct {
	Index        uint64               `json:"idx"`
	Timestamp    string               `json:"timestamp"`
	BlockHash    string               `json:"block_hash"`
	MerkleRoot   string               `json:"merkle_root"`
	Transactions []ledger.Transaction `json:"transactions"`
}

// ProofResponse is the Merkle proof of one leaf of a block.
type ProofResponse struct {
	BlockIndex uint64       `json:"block_index"`
	Leaf       string       `json:"leaf"`
	LeafIndex  int          `json:"leaf_index"`
	Root       string       `json:"root"`
	Proof      merkle.Proof `json:"proof"`
	Valid      bool         `json:"valid"`
}

// QRResponse carries a block's verification link and its QR code.
type QRResponse struct {
	Index           uint64 `json:"idx"`
	BlockHash       string `json:"block_hash"`
	VerificationURL string `json:"verification_url"`
	QRBase64        string `json:"qr_base64"`
}

// ChainHandler exposes read-only HTTP endpoints for the evidence chain.
type ChainHandler struct {
	ledger    *ledger.Ledger
	publicURL string
	logger    *zap.Logger
}

// NewChainHandler creates a ChainHandler. publicURL is the externally
// reachable base URL used in QR verification links.
func NewChainHandler(l *ledger.Ledger, publicURL string, logger *zap.Logger) *ChainHandler {
	return &ChainHandler{ledger: l, publicURL: strings.TrimRight(publicURL, "/"), logger: logger}
}

// Register mounts the chain routes on the given router group.
func (h *ChainHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/explorer", h.Explorer)
	b := rg.Group("/block/:idx")
	{
		b.GET("", h.GetBlock)
		b.GET("/qr", h.QR)
		b.GET("/merkle", h.Merkle)
	}
	ch := rg.Group("/chain")
	{
		ch.GET("/timeline", h.Timeline)
		ch.GET("/verify", h.Verify)
	}
}

// Explorer handles GET /explorer.
func (h *ChainHandler) Explorer(c *gin.Context) {
	blocks, err := h.ledger.Blocks(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "list blocks", err)
		return
	}
	out := make([]BlockSummary, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, BlockSummary{
			Index:        b.Index,
			Timestamp:    b.Timestamp,
			BlockHash:    b.BlockHash,
			PreviousHash: b.PreviousHash,
			MerkleRoot:   b.MerkleRoot,
			TxCount:      len(b.Transactions),
			LeafCount:    len(b.LeafHashes),
		})
	}
	c.JSON(http.StatusOK, out)
}

// GetBlock handles GET /block/:idx.
func (h *ChainHandler) GetBlock(c *gin.Context) {
	idx, ok := blockIndex(c)
	if !ok {
		return
	}
	b, err := h.ledger.Block(c.Request.Context(), idx)
	if err != nil {
		writeError(c, h.logger, "get block", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// QR handles GET /block/:idx/qr.
func (h *ChainHandler) QR(c *gin.Context) {
	idx, ok := blockIndex(c)
	if !ok {
		return
	}
	b, err := h.ledger.Block(c.Request.Context(), idx)
	if err != nil {
		writeError(c, h.logger, "get block", err)
		return
	}

	link := fmt.Sprintf("%s/api/block/%d?hash=%s", h.publicURL, b.Index, b.BlockHash)
	png, err := qrcode.Encode(link, qrcode.Medium, qrSize)
	if err != nil {
		writeError(c, h.logger, "encode qr", err)
		return
	}
	c.JSON(http.StatusOK, QRResponse{
		Index:           b.Index,
		BlockHash:       b.BlockHash,
		VerificationURL: link,
		QRBase64:        base64.StdEncoding.EncodeToString(png),
	})
}

// Merkle handles GET /block/:idx/merkle?leaf=. Without a leaf the proof of
// the block's first leaf is returned.
func (h *ChainHandler) Merkle(c *gin.Context) {
	idx, ok := blockIndex(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	leaf := strings.TrimSpace(c.Query("leaf"))
	if leaf == "" {
		b, err := h.ledger.Block(ctx, idx)
		if err != nil {
			writeError(c, h.logger, "get block", err)
			return
		}
		if len(b.LeafHashes) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "block has no evidence leaves"})
			return
		}
		leaf = b.LeafHashes[0]
	}

	p, err := h.ledger.Proof(ctx, idx, leaf)
	if err != nil {
		writeError(c, h.logger, "build proof", err)
		return
	}
	c.JSON(http.StatusOK, ProofResponse{
		BlockIndex: p.BlockIndex,
		Leaf:       p.Leaf,
		LeafIndex:  p.LeafIndex,
		Root:       p.MerkleRoot,
		Proof:      p.Proof,
		Valid:      p.Verified,
	})
}

// Timeline handles GET /chain/timeline.
func (h *ChainHandler) Timeline(c *gin.Context) {
	blocks, err := h.ledger.Blocks(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "list blocks", err)
		return
	}
	out := make([]TimelineEntry, 0, len(blocks))
	for _, b := range blocks {
		txs := b.Transactions
		if txs == nil {
			txs = []ledger.Transaction{}
		}
		out = append(out, TimelineEntry{
			Index:        b.Index,
			Timestamp:    b.Timestamp,
			BlockHash:    b.BlockHash,
			MerkleRoot:   b.MerkleRoot,
			Transactions: txs,
		})
	}
	c.JSON(http.StatusOK, out)
}

// Verify handles GET /chain/verify. Integrity problems are data, so the
// response is 200 either way.
func (h *ChainHandler) Verify(c *gin.Context) {
	rep, err := h.ledger.VerifyChain(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "verify chain", err)
		return
	}
	RecordChainVerification(rep.OK)
	if !rep.OK {
		h.logger.Warn("chain integrity check failed", zap.Int("problems", len(rep.Problems)))
	}
	c.JSON(http.StatusOK, rep)
}

func blockIndex(c *gin.Context) (uint64, bool) {
	idx, err := strconv.ParseUint(c.Param("idx"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return 0, false
	}
	return idx, true
}
