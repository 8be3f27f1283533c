package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/BlockWitness/internal/hashing"
	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"github.com/jmerrifield20/BlockWitness/internal/merkle"
	"go.uber.org/zap"
)

var ctx = context.Background()

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(ctx, ledger.NewMemoryStore(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return l
}

// report builds a one-transaction submission over the given file contents.
func report(id string, files ...string) ([]string, []ledger.Transaction) {
	tx := ledger.Transaction{
		TxID:        "tx_" + id,
		ReportID:    "rep_" + id,
		Title:       "Report " + id,
		Uploader:    "demo_user",
		Description: "broken window at " + id,
	}
	var leaves []string
	for i, f := range files {
		h := hashing.HashString(f)
		leaves = append(leaves, h)
		tx.Evidence = append(tx.Evidence, ledger.EvidenceFile{
			Filename: fmt.Sprintf("file-%d.jpg", i),
			Hash:     h,
			Size:     int64(len(f)),
		})
	}
	return leaves, []ledger.Transaction{tx}
}

func TestLatestBlock_emptyChain(t *testing.T) {
	l := newLedger(t)
	if b, ok := l.LatestBlock(); ok || b != nil {
		t.Errorf("expected no latest block on empty chain, got %+v", b)
	}
	if l.Len() != 0 {
		t.Errorf("expected length 0, got %d", l.Len())
	}
}

func TestAppendBlock_genesis(t *testing.T) {
	l := newLedger(t)
	fixed := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	l.SetClock(func() time.Time { return fixed })

	leaves, txs := report("a", "photo-bytes")
	b, err := l.AppendBlock(ctx, leaves, txs)
	if err != nil {
		t.Fatalf("AppendBlock() error: %v", err)
	}

	if b.Index != 0 {
		t.Errorf("genesis index: got %d, want 0", b.Index)
	}
	if b.PreviousHash != hashing.ZeroDigest {
		t.Errorf("genesis previous hash: got %q, want 64 zeros", b.PreviousHash)
	}
	if b.Timestamp != "2025-03-14T09:26:53.589793Z" {
		t.Errorf("timestamp: got %q", b.Timestamp)
	}

	h1 := leaves[0]
	wantRoot := hashing.HashString(h1 + h1)
	if b.MerkleRoot != wantRoot {
		t.Errorf("merkle root: got %s, want Hash(h1‖h1) %s", b.MerkleRoot, wantRoot)
	}
	wantHash := hashing.HashString("0" + b.Timestamp + hashing.ZeroDigest + wantRoot)
	if b.BlockHash != wantHash {
		t.Errorf("block hash: got %s, want %s", b.BlockHash, wantHash)
	}
	if b.Transactions[0].BlockIndex != 0 {
		t.Errorf("transaction block index: got %d", b.Transactions[0].BlockIndex)
	}

	latest, ok := l.LatestBlock()
	if !ok || latest.BlockHash != b.BlockHash {
		t.Errorf("LatestBlock() = %+v, want the genesis block", latest)
	}
}

func TestAppendBlock_twoFilesOrderSensitive(t *testing.T) {
	l := newLedger(t)
	leaves, txs := report("a", "first", "second")
	b, err := l.AppendBlock(ctx, leaves, txs)
	if err != nil {
		t.Fatal(err)
	}
	if want := hashing.HashString(leaves[0] + leaves[1]); b.MerkleRoot != want {
		t.Errorf("merkle root: got %s, want Hash(h1‖h2)", b.MerkleRoot)
	}
	if swapped := merkle.BuildRoot([]string{leaves[1], leaves[0]}); swapped == b.MerkleRoot {
		t.Error("swapped order produced the same root")
	}
}

func TestAppendBlock_chainsCorrectly(t *testing.T) {
	l := newLedger(t)

	l1, t1 := report("a", "one")
	b1, err := l.AppendBlock(ctx, l1, t1)
	if err != nil {
		t.Fatal(err)
	}
	l2, t2 := report("b", "two")
	b2, err := l.AppendBlock(ctx, l2, t2)
	if err != nil {
		t.Fatal(err)
	}

	if b2.PreviousHash != b1.BlockHash {
		t.Errorf("chain broken: b2.PreviousHash=%q, want b1.BlockHash=%q", b2.PreviousHash, b1.BlockHash)
	}
	if b2.Index != 1 {
		t.Errorf("second block index: got %d, want 1", b2.Index)
	}
	if l.Len() != 2 {
		t.Errorf("expected 2 blocks, got %d", l.Len())
	}
}

func TestAppendBlock_emptyEvidence(t *testing.T) {
	l := newLedger(t)
	b, err := l.AppendBlock(ctx, nil, []ledger.Transaction{{TxID: "tx_1", ReportID: "rep_1", Title: "no files"}})
	if err != nil {
		t.Fatalf("AppendBlock() with no evidence: %v", err)
	}
	if b.MerkleRoot != merkle.EmptyRoot {
		t.Errorf("expected EmptyRoot, got %s", b.MerkleRoot)
	}
}

func TestAppendBlock_rejectsInvalidInput(t *testing.T) {
	l := newLedger(t)
	leaves, txs := report("a", "x")

	cases := map[string]struct {
		leaves []string
		txs    []ledger.Transaction
	}{
		"bad leaf":           {[]string{"not-a-hash"}, nil},
		"uppercase leaf":     {[]string{"AB" + leaves[0][2:]}, nil},
		"missing tx id":      {leaves, []ledger.Transaction{{ReportID: "r"}}},
		"uncovered evidence": {nil, txs},
		"duplicate tx id": {leaves, []ledger.Transaction{
			{TxID: "t", ReportID: "r1"}, {TxID: "t", ReportID: "r2"},
		}},
	}
	for name, tc := range cases {
		if _, err := l.AppendBlock(ctx, tc.leaves, tc.txs); !errors.Is(err, ledger.ErrInvalidBlock) {
			t.Errorf("%s: expected ErrInvalidBlock, got %v", name, err)
		}
	}
	if l.Len() != 0 {
		t.Errorf("rejected input must not extend the chain, len=%d", l.Len())
	}
}

func TestAppendBlock_persistenceFailureLeavesChainUnchanged(t *testing.T) {
	l := newLedger(t)
	l1, t1 := report("a", "one")
	first, err := l.AppendBlock(ctx, l1, t1)
	if err != nil {
		t.Fatal(err)
	}

	// Reusing the same report id makes the store reject the write.
	l2, t2 := report("a", "two")
	if _, err := l.AppendBlock(ctx, l2, t2); !errors.Is(err, ledger.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	} else if !errors.Is(err, ledger.ErrDuplicate) {
		t.Errorf("expected the store's ErrDuplicate to be wrapped, got %v", err)
	}

	latest, _ := l.LatestBlock()
	if latest.BlockHash != first.BlockHash || l.Len() != 1 {
		t.Errorf("chain advanced after failed append: len=%d latest=%d", l.Len(), latest.Index)
	}

	// The next valid append still links onto the first block.
	l3, t3 := report("c", "three")
	b3, err := l.AppendBlock(ctx, l3, t3)
	if err != nil {
		t.Fatal(err)
	}
	if b3.Index != 1 || b3.PreviousHash != first.BlockHash {
		t.Errorf("append after failure: idx=%d prev=%s", b3.Index, b3.PreviousHash)
	}
}

func TestAppendBlock_concurrentAppendsSerialise(t *testing.T) {
	l := newLedger(t)
	const n = 32

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leaves, txs := report(fmt.Sprintf("c%d", i), fmt.Sprintf("content-%d", i))
			if _, err := l.AppendBlock(ctx, leaves, txs); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent append failed: %v", err)
	}

	if l.Len() != n {
		t.Fatalf("expected %d blocks, got %d", n, l.Len())
	}
	rep, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK {
		t.Errorf("chain built concurrently failed verification: %v", rep.Problems)
	}
}

func TestAppendBlock_resyncsWhenTailMoved(t *testing.T) {
	store := ledger.NewMemoryStore()
	a, err := ledger.Open(ctx, store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	b, err := ledger.Open(ctx, store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	l1, t1 := report("a", "one")
	first, err := a.AppendBlock(ctx, l1, t1)
	if err != nil {
		t.Fatal(err)
	}

	// b still believes the chain is empty; the store reports a conflict and
	// b must retry on top of a's block.
	l2, t2 := report("b", "two")
	second, err := b.AppendBlock(ctx, l2, t2)
	if err != nil {
		t.Fatalf("AppendBlock after tail moved: %v", err)
	}
	if second.Index != 1 || second.PreviousHash != first.BlockHash {
		t.Errorf("expected block 1 linked to %s, got idx=%d prev=%s", first.BlockHash, second.Index, second.PreviousHash)
	}
}

func TestVerifyChain_valid(t *testing.T) {
	l := newLedger(t)
	for i := 0; i < 5; i++ {
		leaves, txs := report(fmt.Sprint(i), fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i), fmt.Sprintf("c%d", i))
		if _, err := l.AppendBlock(ctx, leaves, txs); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK || len(rep.Problems) != 0 {
		t.Errorf("VerifyChain() on valid chain: %+v", rep.Problems)
	}
	if rep.Blocks != 5 {
		t.Errorf("expected 5 blocks verified, got %d", rep.Blocks)
	}
}

func TestVerifyChain_emptyChain(t *testing.T) {
	rep, err := newLedger(t).VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK {
		t.Errorf("empty chain should verify: %+v", rep.Problems)
	}
}

func TestVerifyBlocks_reportsEveryProblem(t *testing.T) {
	l := newLedger(t)
	for i := 0; i < 4; i++ {
		leaves, txs := report(fmt.Sprint(i), fmt.Sprintf("f%d", i))
		if _, err := l.AppendBlock(ctx, leaves, txs); err != nil {
			t.Fatal(err)
		}
	}
	blocks, err := l.Blocks(ctx)
	if err != nil {
		t.Fatal(err)
	}

	blocks[1].MerkleRoot = hashing.HashString("forged")
	blocks[3].Timestamp = "2000-01-01T00:00:00.000000Z"

	rep := ledger.VerifyBlocks(blocks)
	if rep.OK {
		t.Fatal("expected tampered chain to fail verification")
	}

	flagged := map[uint64]bool{}
	for _, p := range rep.Problems {
		flagged[p.Index] = true
	}
	for _, idx := range []uint64{1, 3} {
		if !flagged[idx] {
			t.Errorf("expected a problem naming block %d, got %v", idx, rep.Problems)
		}
	}
	if flagged[0] {
		t.Errorf("block 0 was not tampered but was flagged: %v", rep.Problems)
	}
}

func TestFindByLeafHash(t *testing.T) {
	l := newLedger(t)
	l1, t1 := report("a", "shared", "only-a")
	if _, err := l.AppendBlock(ctx, l1, t1); err != nil {
		t.Fatal(err)
	}
	l2, t2 := report("b", "shared")
	if _, err := l.AppendBlock(ctx, l2, t2); err != nil {
		t.Fatal(err)
	}

	m, err := l.FindByLeafHash(ctx, hashing.HashString("shared"))
	if err != nil {
		t.Fatalf("FindByLeafHash() error: %v", err)
	}
	if m.Transaction.ReportID != "rep_a" || m.Block.Index != 0 {
		t.Errorf("expected first match in append order (rep_a, block 0), got %s block %d",
			m.Transaction.ReportID, m.Block.Index)
	}
	if m.Evidence.Filename != "file-0.jpg" {
		t.Errorf("matched evidence: got %q", m.Evidence.Filename)
	}

	if _, err := l.FindByLeafHash(ctx, hashing.HashString("absent")); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := l.FindByLeafHash(ctx, "garbage"); !errors.Is(err, hashing.ErrInvalidDigest) {
		t.Errorf("expected ErrInvalidDigest, got %v", err)
	}
}

func TestProof_verifiesAgainstBlockRoot(t *testing.T) {
	l := newLedger(t)
	leaves, txs := report("a", "p", "q", "r")
	b, err := l.AppendBlock(ctx, leaves, txs)
	if err != nil {
		t.Fatal(err)
	}

	for i, leaf := range leaves {
		res, err := l.Proof(ctx, b.Index, leaf)
		if err != nil {
			t.Fatalf("Proof(%d) error: %v", i, err)
		}
		if !res.Verified || res.LeafIndex != i {
			t.Errorf("leaf %d: verified=%v index=%d", i, res.Verified, res.LeafIndex)
		}
		if !merkle.VerifyProof(leaf, res.Proof, b.MerkleRoot) {
			t.Errorf("leaf %d: proof does not verify independently", i)
		}
	}

	if _, err := l.Proof(ctx, b.Index, hashing.HashString("s")); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign leaf, got %v", err)
	}
	if _, err := l.Proof(ctx, 9, leaves[0]); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing block, got %v", err)
	}
}

func TestSearchAndFindReport(t *testing.T) {
	l := newLedger(t)
	l1, t1 := report("alpha", "1")
	l2, t2 := report("beta", "2")
	for _, in := range []struct {
		leaves []string
		txs    []ledger.Transaction
	}{{l1, t1}, {l2, t2}} {
		if _, err := l.AppendBlock(ctx, in.leaves, in.txs); err != nil {
			t.Fatal(err)
		}
	}

	res, err := l.Search(ctx, "BETA")
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Transaction.ReportID != "rep_beta" {
		t.Errorf("Search(BETA): got %+v", res)
	}

	byBlock, err := l.Search(ctx, "#1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byBlock) != 1 || byBlock[0].Block.Index != 1 {
		t.Errorf("Search(#1): got %+v", byBlock)
	}

	all, err := l.Search(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("empty query should list all reports, got %d", len(all))
	}

	m, err := l.FindReport(ctx, "rep_alpha")
	if err != nil {
		t.Fatal(err)
	}
	if m.Block.Index != 0 {
		t.Errorf("FindReport: got block %d", m.Block.Index)
	}
	if _, err := l.FindReport(ctx, "rep_missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendObserver(t *testing.T) {
	l := newLedger(t)
	var seen []uint64
	l.SetAppendObserver(func(b *ledger.Block) { seen = append(seen, b.Index) })

	leaves, txs := report("a", "x")
	if _, err := l.AppendBlock(ctx, leaves, txs); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != 0 {
		t.Errorf("observer saw %v", seen)
	}
}

func TestLatestBlock_returnsCopy(t *testing.T) {
	l := newLedger(t)
	leaves, txs := report("a", "x")
	if _, err := l.AppendBlock(ctx, leaves, txs); err != nil {
		t.Fatal(err)
	}
	b, _ := l.LatestBlock()
	b.BlockHash = "mutated"

	again, _ := l.LatestBlock()
	if again.BlockHash == "mutated" {
		t.Error("LatestBlock exposed ledger-owned state")
	}
}
