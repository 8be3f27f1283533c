// Package ledger implements the append-only, hash-linked evidence chain.
//
// Each block commits to its evidence through a Merkle root and to its
// predecessor through PreviousHash. The genesis block (index 0) records
// GenesisPrevHash (64 hex zeros). Any out-of-band change to a stored block is
// reported by VerifyChain.
//
// Three Store implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - LevelDBStore: embedded, durable, single process.
//   - PostgresStore: durable, for production use.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmerrifield20/BlockWitness/internal/hashing"
	"github.com/jmerrifield20/BlockWitness/internal/merkle"
	"go.uber.org/zap"
)

// maxAppendAttempts bounds retries when another writer moved the store tail.
const maxAppendAttempts = 3

// Match locates a transaction on the chain.
type Match struct {
	Block       *Block       `json:"block"`
	Transaction *Transaction `json:"transaction"`

	// Evidence is the file that matched a leaf lookup; zero for other lookups.
	Evidence EvidenceFile `json:"evidence"`
}

// ProofResult is an inclusion proof for one leaf of a stored block.
type ProofResult struct {
	BlockIndex uint64       `json:"block_index"`
	Leaf       string       `json:"leaf"`
	LeafIndex  int          `json:"leaf_index"`
	MerkleRoot string       `json:"merkle_root"`
	Proof      merkle.Proof `json:"proof"`
	Verified   bool         `json:"verified"`
}

// AppendObserver is an optional callback run after every successful append.
type AppendObserver func(b *Block)

// Ledger owns one chain. Appends are serialised; reads go straight to the
// store and never wait on an in-flight append.
type Ledger struct {
	store    Store
	logger   *zap.Logger
	mu       sync.Mutex // serialises AppendBlock
	tail     atomic.Pointer[Block]
	now      func() time.Time
	onAppend AppendObserver
}

// Open creates a Ledger over store and loads the current chain tail.
func Open(ctx context.Context, store Store, logger *zap.Logger) (*Ledger, error) {
	tail, err := store.Tail(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chain tail: %w", err)
	}
	l := &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	l.tail.Store(tail)
	return l, nil
}

// SetAppendObserver registers fn to be called after each appended block.
func (l *Ledger) SetAppendObserver(fn AppendObserver) {
	l.onAppend = fn
}

// SetClock overrides the time source used for block timestamps.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// LatestBlock returns the highest-index block, or false when the chain is empty.
func (l *Ledger) LatestBlock() (*Block, bool) {
	tail := l.tail.Load()
	if tail == nil {
		return nil, false
	}
	return tail.Clone(), true
}

// AppendBlock builds a block over leafHashes, links it to the current tail
// and persists it together with txs in one atomic write.
func (l *Ledger) AppendBlock(ctx context.Context, leafHashes []string, txs []Transaction) (*Block, error) {
	if err := validateBlockInput(leafHashes, txs); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	merkleRoot := merkle.BuildRoot(leafHashes)

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		tail := l.tail.Load()
		b := &Block{
			PreviousHash: GenesisPrevHash,
			Timestamp:    FormatTimestamp(l.now()),
			MerkleRoot:   merkleRoot,
			LeafHashes:   append([]string(nil), leafHashes...),
		}
		if tail != nil {
			b.Index = tail.Index + 1
			b.PreviousHash = tail.BlockHash
		}
		b.BlockHash = b.Hash()
		b.Transactions = make([]Transaction, len(txs))
		for i, tx := range txs {
			tx.BlockIndex = b.Index
			tx.Evidence = append([]EvidenceFile(nil), tx.Evidence...)
			b.Transactions[i] = tx
		}

		err := l.store.Append(ctx, b)
		if err == nil {
			l.tail.Store(b)
			l.logger.Debug("block appended",
				zap.Uint64("idx", b.Index),
				zap.String("block_hash", b.BlockHash),
				zap.Int("leaves", len(b.LeafHashes)),
				zap.Int("transactions", len(b.Transactions)),
			)
			if l.onAppend != nil {
				l.onAppend(b.Clone())
			}
			return b.Clone(), nil
		}
		lastErr = err
		if !errors.Is(err, ErrConflict) {
			break
		}

		// Another process extended the chain; resync the tail and retry.
		fresh, terr := l.store.Tail(ctx)
		if terr != nil {
			lastErr = terr
			break
		}
		l.logger.Warn("chain tail moved during append, retrying", zap.Int("attempt", attempt+1))
		l.tail.Store(fresh)
	}
	return nil, fmt.Errorf("%w: %w", ErrPersistence, lastErr)
}

// validateBlockInput checks leaf encoding and that every transaction's
// evidence is covered by the block's leaves.
func validateBlockInput(leafHashes []string, txs []Transaction) error {
	leafSet := make(map[string]struct{}, len(leafHashes))
	for i, h := range leafHashes {
		if !hashing.IsDigest(h) {
			return fmt.Errorf("%w: leaf %d is not a lowercase hex digest", ErrInvalidBlock, i)
		}
		leafSet[h] = struct{}{}
	}

	seenTx := make(map[string]struct{}, len(txs))
	seenReport := make(map[string]struct{}, len(txs))
	for i := range txs {
		tx := &txs[i]
		if tx.TxID == "" || tx.ReportID == "" {
			return fmt.Errorf("%w: transaction %d missing tx_id or report_id", ErrInvalidBlock, i)
		}
		if _, dup := seenTx[tx.TxID]; dup {
			return fmt.Errorf("%w: duplicate tx_id %q", ErrInvalidBlock, tx.TxID)
		}
		if _, dup := seenReport[tx.ReportID]; dup {
			return fmt.Errorf("%w: duplicate report_id %q", ErrInvalidBlock, tx.ReportID)
		}
		seenTx[tx.TxID] = struct{}{}
		seenReport[tx.ReportID] = struct{}{}

		for _, ev := range tx.Evidence {
			if _, ok := leafSet[ev.Hash]; !ok {
				return fmt.Errorf("%w: transaction %q evidence %q not among block leaves",
					ErrInvalidBlock, tx.TxID, ev.Filename)
			}
		}
	}
	return nil
}

// Len returns the number of blocks on the chain.
func (l *Ledger) Len() uint64 {
	tail := l.tail.Load()
	if tail == nil {
		return 0
	}
	return tail.Index + 1
}

// Block returns the block at index.
func (l *Ledger) Block(ctx context.Context, index uint64) (*Block, error) {
	return l.store.Block(ctx, index)
}

// Blocks returns the whole chain in index order.
func (l *Ledger) Blocks(ctx context.Context) ([]*Block, error) {
	return l.store.Blocks(ctx)
}

// FindByLeafHash returns the first transaction, in append order, whose
// evidence includes hash. Absence is reported as ErrNotFound.
func (l *Ledger) FindByLeafHash(ctx context.Context, hash string) (*Match, error) {
	leaf, err := hashing.Normalize(hash)
	if err != nil {
		return nil, err
	}
	blocks, err := l.store.Blocks(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		for i := range b.Transactions {
			tx := &b.Transactions[i]
			for _, ev := range tx.Evidence {
				if ev.Hash == leaf {
					return &Match{Block: b, Transaction: tx, Evidence: ev}, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("%w: leaf %s", ErrNotFound, leaf)
}

// FindReport returns the transaction carrying reportID.
func (l *Ledger) FindReport(ctx context.Context, reportID string) (*Match, error) {
	blocks, err := l.store.Blocks(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		for i := range b.Transactions {
			if b.Transactions[i].ReportID == reportID {
				return &Match{Block: b, Transaction: &b.Transactions[i]}, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: report %s", ErrNotFound, reportID)
}

// Search returns transactions whose title, description, uploader, report id
// or tx id contains query (case-insensitive), or whose block number equals
// query, in append order. An empty query matches everything.
func (l *Ledger) Search(ctx context.Context, query string) ([]Match, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	blocks, err := l.store.Blocks(ctx)
	if err != nil {
		return nil, err
	}
	var out []Match
	for _, b := range blocks {
		for i := range b.Transactions {
			tx := &b.Transactions[i]
			if q == "" || matchesQuery(tx, q) {
				out = append(out, Match{Block: b, Transaction: tx})
			}
		}
	}
	return out, nil
}

func matchesQuery(tx *Transaction, q string) bool {
	if strconv.FormatUint(tx.BlockIndex, 10) == strings.TrimPrefix(q, "#") {
		return true
	}
	for _, field := range []string{tx.Title, tx.Description, tx.Uploader, tx.ReportID, tx.TxID} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// Proof builds the Merkle inclusion proof for leaf within block index.
func (l *Ledger) Proof(ctx context.Context, index uint64, leaf string) (*ProofResult, error) {
	h, err := hashing.Normalize(leaf)
	if err != nil {
		return nil, err
	}
	b, err := l.store.Block(ctx, index)
	if err != nil {
		return nil, err
	}
	pos := merkle.IndexOf(b.LeafHashes, h)
	if pos < 0 {
		return nil, fmt.Errorf("%w: leaf %s not in block %d", ErrNotFound, h, index)
	}
	proof, err := merkle.BuildProof(b.LeafHashes, pos)
	if err != nil {
		return nil, fmt.Errorf("build proof: %w", err)
	}
	return &ProofResult{
		BlockIndex: b.Index,
		Leaf:       h,
		LeafIndex:  pos,
		MerkleRoot: b.MerkleRoot,
		Proof:      proof,
		Verified:   merkle.VerifyProof(h, proof, b.MerkleRoot),
	}, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
