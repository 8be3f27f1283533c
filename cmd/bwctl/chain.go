package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"github.com/jmerrifield20/BlockWitness/internal/merkle"
	"github.com/jmerrifield20/BlockWitness/pkg/client"
	"github.com/spf13/cobra"
)

// verifyProofSteps recomputes the Merkle root from leaf and steps.
func verifyProofSteps(leaf string, steps []client.ProofStep, root string) bool {
	p := make(merkle.Proof, len(steps))
	for i, s := range steps {
		p[i] = merkle.ProofStep{Sibling: s.Sibling, Side: merkle.Side(s.Side)}
	}
	return merkle.VerifyProof(leaf, p, root)
}

// ── proof ────────────────────────────────────────────────────────────────────

var proofLeaf string

var proofCmd = &cobra.Command{
	Use:   "proof <block-index>",
	Short: "Fetch a Merkle inclusion proof and verify it locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block index %q", args[0])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		p, err := c.Proof(ctx, idx, proofLeaf)
		if err != nil {
			return fmt.Errorf("fetch proof: %w", err)
		}
		// Check against the root in the block itself, not the one echoed
		// alongside the proof.
		b, err := c.Block(ctx, idx)
		if err != nil {
			return fmt.Errorf("fetch block: %w", err)
		}
		valid := b.MerkleRoot == p.Root && verifyProofSteps(p.Leaf, p.Proof, b.MerkleRoot)

		type result struct {
			*client.Proof
			LocalValid bool `json:"local_valid"`
		}
		if err := render(cmd.OutOrStdout(), result{p, valid}, func(w io.Writer) error {
			fmt.Fprintf(w, "Block:       #%d\n", p.BlockIndex)
			fmt.Fprintf(w, "Leaf:        %s (index %d)\n", p.Leaf, p.LeafIndex)
			fmt.Fprintf(w, "Merkle Root: %s\n", b.MerkleRoot)
			for i, s := range p.Proof {
				fmt.Fprintf(w, "  %2d  %-5s  %s\n", i, s.Side, s.Sibling)
			}
			if valid {
				ok(w, "proof verified locally")
			} else {
				fail(w, "proof does NOT verify against block #%d", idx)
			}
			return nil
		}); err != nil {
			return err
		}
		if !valid {
			return errNotVerified
		}
		return nil
	},
}

func init() {
	proofCmd.Flags().StringVar(&proofLeaf, "leaf", "", "Leaf hash to prove (default: the block's first leaf)")
}

// ── chain ────────────────────────────────────────────────────────────────────

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Inspect and audit the evidence chain",
}

var chainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rows, err := c.Explorer(context.Background())
		if err != nil {
			return fmt.Errorf("list blocks: %w", err)
		}
		return render(cmd.OutOrStdout(), rows, func(w io.Writer) error {
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "IDX\tTIMESTAMP\tBLOCK HASH\tMERKLE ROOT\tTXS\tLEAVES")
			for _, r := range rows {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\n",
					r.Index, r.Timestamp, short(r.BlockHash), short(r.MerkleRoot), r.TxCount, r.LeafCount)
			}
			return tw.Flush()
		})
	},
}

var chainVerifyLocal bool

var chainVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify chain integrity",
	Long: `Verify asks the server to audit its chain. With --local every block is
downloaded and the hash links, block hashes and Merkle roots are recomputed
on this machine instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		var rep *client.ChainReport
		if chainVerifyLocal {
			rep, err = verifyChainLocally(ctx, c)
		} else {
			rep, err = c.VerifyChain(ctx)
		}
		if err != nil {
			return fmt.Errorf("verify chain: %w", err)
		}

		if err := render(cmd.OutOrStdout(), rep, func(w io.Writer) error {
			where := "server"
			if chainVerifyLocal {
				where = "locally"
			}
			if rep.OK {
				ok(w, "chain of %d blocks verified %s", rep.Blocks, where)
				return nil
			}
			fail(w, "chain of %d blocks has %d problem(s)", rep.Blocks, len(rep.Problems))
			for _, p := range rep.Problems {
				fmt.Fprintf(w, "  block %d  %-18s %s\n", p.Index, p.Kind, p.Detail)
			}
			return nil
		}); err != nil {
			return err
		}
		if !rep.OK {
			return errNotVerified
		}
		return nil
	},
}

func verifyChainLocally(ctx context.Context, c *client.Client) (*client.ChainReport, error) {
	rows, err := c.Explorer(ctx)
	if err != nil {
		return nil, err
	}
	blocks := make([]*ledger.Block, 0, len(rows))
	for _, r := range rows {
		b, err := c.Block(ctx, r.Index)
		if err != nil {
			return nil, err
		}
		lb, err := toLedgerBlock(b)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, lb)
	}

	rep := ledger.VerifyBlocks(blocks)
	out := &client.ChainReport{OK: rep.OK, Blocks: rep.Blocks, Problems: make([]client.Problem, len(rep.Problems))}
	for i, p := range rep.Problems {
		out.Problems[i] = client.Problem{Index: p.Index, Kind: string(p.Kind), Detail: p.Detail}
	}
	return out, nil
}

// toLedgerBlock converts the wire block; both types share json tags.
func toLedgerBlock(b *client.Block) (*ledger.Block, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var lb ledger.Block
	if err := json.Unmarshal(raw, &lb); err != nil {
		return nil, err
	}
	return &lb, nil
}

func init() {
	chainVerifyCmd.Flags().BoolVar(&chainVerifyLocal, "local", false, "Download all blocks and verify on this machine")
	chainCmd.AddCommand(chainListCmd)
	chainCmd.AddCommand(chainVerifyCmd)
}
