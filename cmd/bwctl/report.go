package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/jmerrifield20/BlockWitness/internal/hashing"
	"github.com/jmerrifield20/BlockWitness/pkg/client"
	"github.com/spf13/cobra"
)

// errNotVerified makes the process exit non-zero after a failed check whose
// details were already printed.
var errNotVerified = errors.New("verification failed")

// ── hash ─────────────────────────────────────────────────────────────────────

type hashRow struct {
	File string `json:"file"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

var hashCmd = &cobra.Command{
	Use:   "hash <file> [file...]",
	Short: "Compute the SHA-256 evidence hash of local files",
	Long: `Hash prints the lowercase hex SHA-256 of each file, the same value the
server records as the file's Merkle leaf. No server is contacted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rows := make([]hashRow, 0, len(args))
		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			h, size, err := hashing.HashReader(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("hash %s: %w", path, err)
			}
			rows = append(rows, hashRow{File: path, Hash: h, Size: size})
		}
		return render(cmd.OutOrStdout(), rows, func(w io.Writer) error {
			for _, r := range rows {
				fmt.Fprintf(w, "%s  %s\n", r.Hash, r.File)
			}
			return nil
		})
	},
}

// ── submit ───────────────────────────────────────────────────────────────────

var (
	submitTitle       string
	submitDescription string
	submitUploader    string
)

var submitCmd = &cobra.Command{
	Use:   "submit --title <title> [file...]",
	Short: "Submit an incident report with evidence files",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		req := client.SubmitRequest{
			Title:       submitTitle,
			Description: submitDescription,
			Uploader:    submitUploader,
		}
		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			req.Files = append(req.Files, client.File{Name: filepath.Base(path), Content: f})
		}

		res, err := c.SubmitReport(context.Background(), req)
		if err != nil {
			return fmt.Errorf("submit report: %w", err)
		}
		return render(cmd.OutOrStdout(), res, func(w io.Writer) error {
			ok(w, "report recorded in block #%d", res.BlockIndex)
			fmt.Fprintf(w, "Report ID:   %s\n", res.ReportID)
			fmt.Fprintf(w, "Tx ID:       %s\n", res.TxID)
			fmt.Fprintf(w, "Block Hash:  %s\n", res.BlockHash)
			fmt.Fprintf(w, "Merkle Root: %s\n", res.MerkleRoot)
			fmt.Fprintf(w, "Timestamp:   %s\n", res.Timestamp)
			for _, ev := range res.Evidence {
				fmt.Fprintf(w, "  %s  %s (%d bytes)\n", ev.Hash, ev.Filename, ev.Size)
			}
			return nil
		})
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitTitle, "title", "t", "", "Report title (required)")
	submitCmd.Flags().StringVarP(&submitDescription, "description", "d", "", "Report description")
	submitCmd.Flags().StringVarP(&submitUploader, "uploader", "u", "", "Uploader name (default anonymous)")
	_ = submitCmd.MarkFlagRequired("title")
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Check whether a file was recorded on the chain",
	Long: `Verify uploads the file to the server's lookup endpoint. When a match is
found the returned Merkle proof is re-checked locally against the block's
Merkle root, so a match does not depend on trusting the server's verdict.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		v, err := c.VerifyFile(context.Background(), filepath.Base(args[0]), f)
		if err != nil {
			return fmt.Errorf("verify file: %w", err)
		}

		localOK := false
		if v.Match != nil {
			localOK = verifyProofSteps(v.Hash, v.Match.Proof, v.Match.MerkleRoot)
		}

		type result struct {
			*client.Verification
			LocalProofValid bool `json:"local_proof_valid"`
		}
		if err := render(cmd.OutOrStdout(), result{v, localOK}, func(w io.Writer) error {
			if !v.Found {
				fail(w, "%s (%s) is not recorded on the chain", args[0], short(v.Hash))
				return nil
			}
			m := v.Match
			ok(w, "%s is recorded in block #%d", args[0], m.BlockIndex)
			fmt.Fprintf(w, "Hash:        %s\n", v.Hash)
			fmt.Fprintf(w, "Report:      %s (%s)\n", m.Title, m.ReportID)
			fmt.Fprintf(w, "Uploader:    %s\n", m.Uploader)
			fmt.Fprintf(w, "Recorded at: %s\n", m.Timestamp)
			fmt.Fprintf(w, "Merkle Root: %s\n", m.MerkleRoot)
			if localOK {
				ok(w, "merkle proof verified locally (%d steps)", len(m.Proof))
			} else {
				fail(w, "merkle proof does NOT verify locally")
			}
			return nil
		}); err != nil {
			return err
		}
		if !v.Found || !localOK {
			return errNotVerified
		}
		return nil
	},
}

// ── search ───────────────────────────────────────────────────────────────────

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search reports by title, description, uploader, id or #block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		reports, err := c.Search(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		return render(cmd.OutOrStdout(), reports, func(w io.Writer) error {
			if len(reports) == 0 {
				warn(w, "no reports match %q", args[0])
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "BLOCK\tREPORT ID\tTITLE\tUPLOADER\tFILES")
			for _, r := range reports {
				fmt.Fprintf(tw, "#%d\t%s\t%s\t%s\t%s\n", r.BlockIndex, r.ReportID, r.Title, r.Uploader, fileNames(r.Evidence))
			}
			return tw.Flush()
		})
	},
}
