// Package client is the Go SDK for a BlockWitness evidence ledger server.
//
// It covers the public HTTP API: submitting reports with evidence files,
// checking whether a file was recorded, browsing blocks, fetching Merkle
// proofs and signed certificates, and running a server-side chain audit.
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Submitting a report
//
//	f, _ := os.Open("photo.jpg")
//	defer f.Close()
//	res, err := c.SubmitReport(ctx, client.SubmitRequest{
//	    Title:    "Flooded basement",
//	    Uploader: "alice",
//	    Files:    []client.File{{Name: "photo.jpg", Content: f}},
//	})
//	fmt.Println(res.ReportID, res.BlockIndex)
//
// Files are streamed; nothing is buffered in memory.
//
// # Verifying a file
//
//	v, err := c.VerifyFile(ctx, "photo.jpg", f)
//	if v.Found {
//	    fmt.Println("recorded in block", v.Match.BlockIndex)
//	}
//
// # Proofs and certificates
//
// Proof returns the sibling path for a leaf so callers can recompute the
// Merkle root themselves. Certificate returns the signed certificate as raw
// JSON; keep it verbatim, since the signature covers its exact field values.
//
//	cert, _ := c.Certificate(ctx, res.ReportID)
//	check, _ := c.VerifyCertificate(ctx, cert)
//
// Errors for 4xx/5xx responses are *APIError; errors.Is(err, ErrNotFound)
// matches a 404.
package client
