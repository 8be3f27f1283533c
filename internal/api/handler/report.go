package handler

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/BlockWitness/internal/certificate"
	"github.com/jmerrifield20/BlockWitness/internal/evidence"
	"github.com/jmerrifield20/BlockWitness/internal/signature"
	"go.uber.org/zap"
)

// ReportHandler serves report submission, search, file verification and
// certificates.
type ReportHandler struct {
	svc       *evidence.Service
	issuer    *certificate.Issuer
	signer    *signature.Service
	renderers map[string]certificate.Renderer
	maxBody   int64
	logger    *zap.Logger
}

// NewReportHandler creates a ReportHandler. maxBody bounds the size of a
// multipart request body in bytes.
func NewReportHandler(svc *evidence.Service, issuer *certificate.Issuer, signer *signature.Service, maxBody int64, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{
		svc:       svc,
		issuer:    issuer,
		signer:    signer,
		renderers: map[string]certificate.Renderer{"html": certificate.NewHTMLRenderer()},
		maxBody:   maxBody,
		logger:    logger,
	}
}

// SetRenderer registers a certificate renderer for ?format=name.
func (h *ReportHandler) SetRenderer(name string, r certificate.Renderer) {
	h.renderers[name] = r
}

// Register mounts the report routes on the given router group.
func (h *ReportHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/report", h.Submit)
	rg.GET("/report/:id", h.GetReport)
	rg.GET("/report/:id/certificate", h.Certificate)
	rg.POST("/certificate/verify", h.VerifyCertificate)
	rg.GET("/search", h.Search)
	rg.POST("/verify", h.VerifyFile)
	rg.GET("/pubkey", h.PublicKey)
}

// Submit handles POST /report: multipart title, description, uploader and
// any number of "files" parts.
func (h *ReportHandler) Submit(c *gin.Context) {
	if h.maxBody > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
	}
	form, err := c.MultipartForm()
	if err != nil {
		h.badForm(c, err)
		return
	}
	defer form.RemoveAll() //nolint:errcheck

	req := evidence.SubmitRequest{
		Title:       formValue(form, "title"),
		Description: formValue(form, "description"),
		Uploader:    formValue(form, "uploader"),
	}
	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			f.Close() //nolint:errcheck
		}
	}()
	for _, fh := range form.File["files"] {
		f, err := fh.Open()
		if err != nil {
			h.logger.Warn("open multipart file", zap.String("filename", fh.Filename), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file " + fh.Filename})
			return
		}
		opened = append(opened, f)
		req.Files = append(req.Files, evidence.Upload{Filename: fh.Filename, Content: f})
	}

	res, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, "submit report", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetReport handles GET /report/:id.
func (h *ReportHandler) GetReport(c *gin.Context) {
	rep, err := h.svc.Report(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "get report", err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Certificate handles GET /report/:id/certificate. Without ?format the
// signed certificate is returned as JSON.
func (h *ReportHandler) Certificate(c *gin.Context) {
	id := c.Param("id")
	cert, err := h.svc.Certificate(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, "issue certificate", err)
		return
	}

	format := c.DefaultQuery("format", "json")
	if format == "json" {
		c.JSON(http.StatusOK, cert)
		return
	}
	r, ok := h.renderers[format]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported format %q", format)})
		return
	}
	doc, err := r.Render(c.Request.Context(), cert)
	if err != nil {
		h.logger.Error("render certificate", zap.String("report_id", id), zap.String("format", format), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": format + " rendering unavailable"})
		return
	}
	if format == "pdf" {
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="certificate_%s.pdf"`, id))
	}
	c.Data(http.StatusOK, r.ContentType(), doc)
}

// VerifyCertificate handles POST /certificate/verify with a certificate
// JSON body.
func (h *ReportHandler) VerifyCertificate(c *gin.Context) {
	var cert certificate.Certificate
	if err := c.ShouldBindJSON(&cert); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid certificate: " + err.Error()})
		return
	}
	valid := h.issuer.Verify(&cert)
	resp := gin.H{"valid": valid}
	if valid && cert.Receipt != "" {
		_, rerr := h.issuer.Receipts().VerifyFor(&cert)
		resp["receipt_valid"] = rerr == nil
	}
	c.JSON(http.StatusOK, resp)
}

// Search handles GET /search?q=.
func (h *ReportHandler) Search(c *gin.Context) {
	res, err := h.svc.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		writeError(c, h.logger, "search", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// VerifyFile handles POST /verify with a multipart "file" part.
func (h *ReportHandler) VerifyFile(c *gin.Context) {
	if h.maxBody > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		h.badForm(c, err)
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close() //nolint:errcheck

	v, err := h.svc.VerifyFile(c.Request.Context(), f)
	if err != nil {
		writeError(c, h.logger, "verify file", err)
		return
	}
	RecordFileVerification(v.Found)
	c.JSON(http.StatusOK, v)
}

// PublicKey handles GET /pubkey.
func (h *ReportHandler) PublicKey(c *gin.Context) {
	pemBytes, err := h.signer.PublicKeyPEM()
	if err != nil {
		writeError(c, h.logger, "encode public key", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"algorithm":   "RSA-PKCS1v15-SHA256",
		"public_key":  string(pemBytes),
		"fingerprint": h.signer.Fingerprint(),
	})
}

func (h *ReportHandler) badForm(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form: " + err.Error()})
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}
