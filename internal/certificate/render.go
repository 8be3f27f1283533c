package certificate

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Renderer turns a certificate into a printable document.
type Renderer interface {
	Render(ctx context.Context, c *Certificate) ([]byte, error)
	ContentType() string
}

// HTMLRenderer renders certificates as a standalone HTML page.
type HTMLRenderer struct {
	tmpl *template.Template
}

// NewHTMLRenderer parses the built-in certificate template.
func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{
		tmpl: template.Must(template.New("certificate").Funcs(template.FuncMap{
			"short": shortHash,
		}).Parse(htmlTemplate)),
	}
}

// ContentType implements Renderer.
func (r *HTMLRenderer) ContentType() string { return "text/html; charset=utf-8" }

// Render implements Renderer.
func (r *HTMLRenderer) Render(_ context.Context, c *Certificate) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, c); err != nil {
		return nil, fmt.Errorf("render certificate html: %w", err)
	}
	return buf.Bytes(), nil
}

// PDFConfig controls headless Chromium.
type PDFConfig struct {
	ChromiumPath string
	Timeout      time.Duration
}

// PDFRenderer prints the HTML certificate to PDF via headless Chromium.
type PDFRenderer struct {
	cfg  PDFConfig
	html *HTMLRenderer
}

// NewPDFRenderer creates a PDFRenderer.
func NewPDFRenderer(cfg PDFConfig) *PDFRenderer {
	return &PDFRenderer{cfg: cfg, html: NewHTMLRenderer()}
}

// ContentType implements Renderer.
func (r *PDFRenderer) ContentType() string { return "application/pdf" }

// Render builds the HTML certificate and prints it to PDF. If Chromium is
// unavailable it returns an error so the caller can fall back to HTML.
func (r *PDFRenderer) Render(ctx context.Context, c *Certificate) ([]byte, error) {
	html, err := r.html.Render(ctx, c)
	if err != nil {
		return nil, err
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	if r.cfg.ChromiumPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(r.cfg.ChromiumPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	runCtx, cancelRun := chromedp.NewContext(allocCtx)
	defer cancelRun()
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()

	var pdf []byte
	dataURL := "data:text/html," + url.PathEscape(string(html))
	err = chromedp.Run(runCtx,
		chromedp.Navigate(dataURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, perr := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if perr == nil {
				pdf = buf
			}
			return perr
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print certificate pdf: %w", err)
	}
	return pdf, nil
}

func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:8] + "…" + h[len(h)-8:]
}

var htmlTemplate = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Certificate of Inclusion: {{.ReportID}}</title>
  <style>
    body { font-family: 'Helvetica Neue', Arial, sans-serif; margin: 32px; color: #0f172a; }
    h1 { margin: 0 0 4px; }
    .sub { color: #475569; margin-bottom: 24px; }
    .card { border: 1px solid #e2e8f0; border-radius: 8px; padding: 12px 16px; margin-bottom: 16px; }
    .label { font-size: 12px; color: #475569; }
    .value { font-size: 14px; margin-bottom: 8px; word-break: break-all; }
    .mono { font-family: 'SFMono-Regular', Menlo, monospace; font-size: 12px; }
    table { width: 100%; border-collapse: collapse; }
    th, td { padding: 6px 8px; border-bottom: 1px solid #e2e8f0; text-align: left; }
    th { background: #f8fafc; font-size: 12px; }
  </style>
</head>
<body>
  <h1>Certificate of Inclusion</h1>
  <div class="sub">Issued by {{.Issuer}} at {{.IssuedAt}}</div>

  <div class="card">
    <div class="label">Report</div>
    <div class="value">{{.Title}} ({{.ReportID}})</div>
    <div class="label">Submitted by</div>
    <div class="value">{{.Uploader}}</div>
    <div class="label">Transaction</div>
    <div class="value mono">{{.TxID}}</div>
  </div>

  <div class="card">
    <div class="label">Block</div>
    <div class="value">#{{.BlockIndex}} at {{.BlockTimestamp}}</div>
    <div class="label">Block hash</div>
    <div class="value mono">{{.BlockHash}}</div>
    <div class="label">Merkle root</div>
    <div class="value mono">{{.MerkleRoot}}</div>
  </div>

  <table>
    <thead><tr><th>File</th><th>SHA-256</th><th>Bytes</th></tr></thead>
    <tbody>
    {{range .Evidence}}
      <tr><td>{{.Filename}}</td><td class="mono" title="{{.Hash}}">{{short .Hash}}</td><td>{{.Size}}</td></tr>
    {{end}}
    </tbody>
  </table>

  <div class="card" style="margin-top:16px">
    <div class="label">Certificate digest</div>
    <div class="value mono">{{.Digest}}</div>
    <div class="label">Issuer signature (RSA PKCS#1 v1.5, SHA-256)</div>
    <div class="value mono">{{.Signature}}</div>
    <div class="label">Issuer key fingerprint</div>
    <div class="value mono">{{.PublicKeyFingerprint}}</div>
  </div>
</body>
</html>
`
