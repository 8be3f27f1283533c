package ledger

import (
	"strconv"
	"time"

	"github.com/jmerrifield20/BlockWitness/internal/hashing"
)

// GenesisPrevHash is the previous hash recorded by the genesis block (index 0).
const GenesisPrevHash = hashing.ZeroDigest

// TimestampLayout is the fixed ISO-8601 UTC layout of block timestamps.
// The timestamp string is hashed verbatim, so it is stored as text and never
// re-formatted from a parsed time.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// EvidenceFile is one file attached to a report. Hash is the Merkle leaf.
type EvidenceFile struct {
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
}

// Transaction is an evidence record: one submitted report and its files.
type Transaction struct {
	TxID        string         `json:"tx_id"`
	ReportID    string         `json:"report_id"`
	BlockIndex  uint64         `json:"block_index"`
	Title       string         `json:"title"`
	Uploader    string         `json:"uploader"`
	Description string         `json:"description"`
	Evidence    []EvidenceFile `json:"evidence"`
}

// LeafHashes returns the evidence hashes in submission order.
func (t *Transaction) LeafHashes() []string {
	out := make([]string, len(t.Evidence))
	for i, ev := range t.Evidence {
		out[i] = ev.Hash
	}
	return out
}

// Block is one ledger entry. Only Index, Timestamp, PreviousHash and
// MerkleRoot feed BlockHash; LeafHashes are committed through MerkleRoot.
type Block struct {
	Index        uint64        `json:"idx"`
	Timestamp    string        `json:"timestamp"`
	PreviousHash string        `json:"previous_hash"`
	MerkleRoot   string        `json:"merkle_root"`
	BlockHash    string        `json:"block_hash"`
	LeafHashes   []string      `json:"leaf_hashes"`
	Transactions []Transaction `json:"transactions"`
}

// ComputeBlockHash hashes the decimal index, the timestamp, the previous hash
// and the Merkle root concatenated in that order with no separators.
func ComputeBlockHash(index uint64, timestamp, previousHash, merkleRoot string) string {
	return hashing.Concat(strconv.FormatUint(index, 10), timestamp, previousHash, merkleRoot)
}

// Hash recomputes the block hash from the block's stored fields.
func (b *Block) Hash() string {
	return ComputeBlockHash(b.Index, b.Timestamp, b.PreviousHash, b.MerkleRoot)
}

// Time parses the block timestamp.
func (b *Block) Time() (time.Time, error) {
	return time.Parse(TimestampLayout, b.Timestamp)
}

// Clone returns a deep copy so callers cannot mutate ledger-owned state.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := *b
	c.LeafHashes = append([]string(nil), b.LeafHashes...)
	c.Transactions = make([]Transaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		tx.Evidence = append([]EvidenceFile(nil), tx.Evidence...)
		c.Transactions[i] = tx
	}
	return &c
}

// FormatTimestamp renders t in the canonical block timestamp layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
