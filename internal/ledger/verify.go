package ledger

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/BlockWitness/internal/merkle"
)

// ProblemKind classifies an integrity violation.
type ProblemKind string

const (
	ProblemIndexGap        ProblemKind = "index_gap"
	ProblemGenesisPrevHash ProblemKind = "genesis_prev_hash"
	ProblemBrokenLink      ProblemKind = "broken_link"
	ProblemBlockHash       ProblemKind = "block_hash"
	ProblemMerkleRoot      ProblemKind = "merkle_root"
	ProblemEvidence        ProblemKind = "evidence"
)

// Problem is one integrity violation found by VerifyChain.
type Problem struct {
	Index  uint64      `json:"idx"`
	Kind   ProblemKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (p Problem) String() string {
	return fmt.Sprintf("block %d: %s", p.Index, p.Detail)
}

// Report is the outcome of a full chain verification.
type Report struct {
	OK       bool      `json:"ok"`
	Blocks   int       `json:"blocks"`
	Problems []Problem `json:"problems"`
}

// VerifyChain walks the stored chain in index order and collects every
// violation it finds rather than stopping at the first. The returned error is
// reserved for store read failures; integrity problems are reported in Report.
func (l *Ledger) VerifyChain(ctx context.Context) (*Report, error) {
	blocks, err := l.store.Blocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain: %w", err)
	}
	return VerifyBlocks(blocks), nil
}

// VerifyBlocks checks an ordered slice of blocks. It is pure.
func VerifyBlocks(blocks []*Block) *Report {
	r := &Report{Blocks: len(blocks), Problems: []Problem{}}
	add := func(b *Block, kind ProblemKind, format string, args ...any) {
		r.Problems = append(r.Problems, Problem{Index: b.Index, Kind: kind, Detail: fmt.Sprintf(format, args...)})
	}

	var prev *Block
	for i, b := range blocks {
		if b.Index != uint64(i) {
			add(b, ProblemIndexGap, "expected index %d, found %d", i, b.Index)
		}

		if prev == nil {
			if b.PreviousHash != GenesisPrevHash {
				add(b, ProblemGenesisPrevHash, "genesis previous_hash is %q, want the zero sentinel", b.PreviousHash)
			}
		} else if b.PreviousHash != prev.BlockHash {
			add(b, ProblemBrokenLink, "previous_hash %s does not match block %d hash %s",
				b.PreviousHash, prev.Index, prev.BlockHash)
		}

		if got := b.Hash(); got != b.BlockHash {
			add(b, ProblemBlockHash, "stored block_hash %s, recomputed %s", b.BlockHash, got)
		}

		if got := merkle.BuildRoot(b.LeafHashes); got != b.MerkleRoot {
			add(b, ProblemMerkleRoot, "stored merkle_root %s, recomputed from leaves %s", b.MerkleRoot, got)
		}

		leaves := make(map[string]struct{}, len(b.LeafHashes))
		for _, h := range b.LeafHashes {
			leaves[h] = struct{}{}
		}
		for _, tx := range b.Transactions {
			for _, ev := range tx.Evidence {
				if _, ok := leaves[ev.Hash]; !ok {
					add(b, ProblemEvidence, "transaction %s evidence %q (%s) is not a block leaf",
						tx.TxID, ev.Filename, ev.Hash)
				}
			}
		}

		prev = b
	}
	r.OK = len(r.Problems) == 0
	return r
}
