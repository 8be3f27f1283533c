package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jmerrifield20/BlockWitness/internal/certificate"
	"github.com/jmerrifield20/BlockWitness/internal/keystore"
	"github.com/jmerrifield20/BlockWitness/internal/signature"
	"github.com/spf13/cobra"
)

// ── pubkey ───────────────────────────────────────────────────────────────────

var pubkeyOut string

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Fetch the certificate issuer's public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		pk, err := c.PublicKey(context.Background())
		if err != nil {
			return fmt.Errorf("fetch public key: %w", err)
		}
		if _, err := keystore.ParsePublicKeyPEM([]byte(pk.PEM)); err != nil {
			return fmt.Errorf("server returned an unusable key: %w", err)
		}
		if pubkeyOut != "" {
			if err := os.WriteFile(pubkeyOut, []byte(pk.PEM), 0o644); err != nil {
				return err
			}
		}
		return render(cmd.OutOrStdout(), pk, func(w io.Writer) error {
			fmt.Fprintf(w, "Algorithm:   %s\n", pk.Algorithm)
			fmt.Fprintf(w, "Fingerprint: %s\n", pk.Fingerprint)
			if pubkeyOut != "" {
				ok(w, "public key written to %s", pubkeyOut)
				return nil
			}
			fmt.Fprint(w, pk.PEM)
			return nil
		})
	},
}

func init() {
	pubkeyCmd.Flags().StringVar(&pubkeyOut, "out", "", "Write the PEM key to this file")
}

// ── cert ─────────────────────────────────────────────────────────────────────

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Fetch and verify signed inclusion certificates",
}

var (
	certGetFormat string
	certGetOut    string
)

var certGetCmd = &cobra.Command{
	Use:   "get <report-id>",
	Short: "Download a report's certificate (json, html or pdf)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		var doc []byte
		if certGetFormat == "json" {
			raw, err := c.Certificate(ctx, args[0])
			if err != nil {
				return fmt.Errorf("fetch certificate: %w", err)
			}
			var buf bytes.Buffer
			if err := json.Indent(&buf, raw, "", "  "); err != nil {
				return err
			}
			buf.WriteByte('\n')
			doc = buf.Bytes()
		} else {
			doc, _, err = c.CertificateDocument(ctx, args[0], certGetFormat)
			if err != nil {
				return fmt.Errorf("fetch certificate: %w", err)
			}
		}

		if certGetOut == "" {
			_, err := cmd.OutOrStdout().Write(doc)
			return err
		}
		if err := os.WriteFile(certGetOut, doc, 0o644); err != nil {
			return err
		}
		ok(cmd.ErrOrStderr(), "certificate written to %s", certGetOut)
		return nil
	},
}

var certVerifyPubKey string

type certCheck struct {
	ReportID     string `json:"report_id"`
	BlockIndex   uint64 `json:"block_index"`
	Mode         string `json:"mode"`
	Valid        bool   `json:"valid"`
	ReceiptValid *bool  `json:"receipt_valid,omitempty"`
}

var certVerifyCmd = &cobra.Command{
	Use:   "verify <certificate.json>",
	Short: "Verify a certificate's signature",
	Long: `Verify checks a certificate file. With --pubkey the signature and the
receipt are checked offline against that PEM public key; otherwise the
server is asked.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var cert certificate.Certificate
		if err := json.Unmarshal(raw, &cert); err != nil {
			return fmt.Errorf("parse certificate: %w", err)
		}

		check := certCheck{ReportID: cert.ReportID, BlockIndex: cert.BlockIndex}
		if certVerifyPubKey != "" {
			check.Mode = "offline"
			if err := verifyOffline(&cert, &check); err != nil {
				return err
			}
		} else {
			check.Mode = "server"
			c, err := newClient()
			if err != nil {
				return err
			}
			res, err := c.VerifyCertificate(context.Background(), raw)
			if err != nil {
				return fmt.Errorf("verify certificate: %w", err)
			}
			check.Valid = res.Valid
			check.ReceiptValid = res.ReceiptValid
		}

		if err := render(cmd.OutOrStdout(), check, func(w io.Writer) error {
			if !check.Valid {
				fail(w, "certificate for report %s is NOT valid (%s check)", cert.ReportID, check.Mode)
				return nil
			}
			ok(w, "certificate for report %s is valid (%s check)", cert.ReportID, check.Mode)
			fmt.Fprintf(w, "Title:       %s\n", cert.Title)
			fmt.Fprintf(w, "Block:       #%d %s\n", cert.BlockIndex, cert.BlockHash)
			fmt.Fprintf(w, "Merkle Root: %s\n", cert.MerkleRoot)
			fmt.Fprintf(w, "Issued:      %s by %s\n", cert.IssuedAt, cert.Issuer)
			switch {
			case check.ReceiptValid == nil:
			case *check.ReceiptValid:
				ok(w, "receipt token verified")
			default:
				warn(w, "receipt token does not verify")
			}
			return nil
		}); err != nil {
			return err
		}
		if !check.Valid {
			return errNotVerified
		}
		return nil
	},
}

func verifyOffline(cert *certificate.Certificate, check *certCheck) error {
	pemBytes, err := os.ReadFile(certVerifyPubKey)
	if err != nil {
		return err
	}
	pub, err := keystore.ParsePublicKeyPEM(pemBytes)
	if err != nil {
		return fmt.Errorf("load public key: %w", err)
	}
	check.Valid = certificate.VerifyWith(cert, func(digest, sig []byte) bool {
		return signature.Verify(pub, digest, sig)
	})
	if cert.Receipt != "" {
		_, rerr := certificate.VerifyReceiptFor(cert, pub, cert.Issuer)
		valid := rerr == nil
		check.ReceiptValid = &valid
	}
	return nil
}

func init() {
	certGetCmd.Flags().StringVar(&certGetFormat, "as", "json", "Certificate format: json, html or pdf")
	certGetCmd.Flags().StringVar(&certGetOut, "out", "", "Write the certificate to this file instead of stdout")
	certVerifyCmd.Flags().StringVar(&certVerifyPubKey, "pubkey", "", "PEM public key for offline verification")
	certCmd.AddCommand(certGetCmd)
	certCmd.AddCommand(certVerifyCmd)
}
