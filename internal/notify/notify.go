// Package notify delivers signed webhook notifications for chain events and
// emails operators when an integrity audit fails.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"go.uber.org/zap"
)

// Event types.
const (
	EventBlockAppended   = "block.appended"
	EventIntegrityFailed = "chain.integrity_failed"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-BlockWitness-Signature"

// Event is the JSON body POSTed to every endpoint.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// BlockPayload describes an appended block.
type BlockPayload struct {
	Index        uint64 `json:"idx"`
	BlockHash    string `json:"block_hash"`
	MerkleRoot   string `json:"merkle_root"`
	Timestamp    string `json:"timestamp"`
	Transactions int    `json:"tx_count"`
}

// IntegrityPayload describes a failed chain audit.
type IntegrityPayload struct {
	Blocks   int              `json:"blocks"`
	Problems []ledger.Problem `json:"problems"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Config lists the endpoints and delivery policy.
type Config struct {
	URLs    []string
	Secret  string
	Timeout time.Duration
	// Retries are the waits before the second and later attempts.
	Retries []time.Duration
}

// Notifier fans events out to the configured endpoints.
type Notifier struct {
	cfg        Config
	httpClient *http.Client
	onMetrics  MetricsRecorder
	mailer     Mailer
	recipients []string
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// New creates a Notifier. With no URLs every Dispatch is a no-op.
func New(cfg Config, logger *zap.Logger) *Notifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries == nil {
		cfg.Retries = []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second}
	}
	return &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// Enabled reports whether any endpoint is configured.
func (n *Notifier) Enabled() bool {
	return len(n.cfg.URLs) > 0
}

// BlockAppended dispatches a block.appended event. It matches
// ledger.AppendObserver.
func (n *Notifier) BlockAppended(b *ledger.Block) {
	n.Dispatch(context.Background(), EventBlockAppended, BlockPayload{
		Index:        b.Index,
		BlockHash:    b.BlockHash,
		MerkleRoot:   b.MerkleRoot,
		Timestamp:    b.Timestamp,
		Transactions: len(b.Transactions),
	})
}

// IntegrityFailed dispatches a chain.integrity_failed event and emails the
// alert recipients.
func (n *Notifier) IntegrityFailed(ctx context.Context, rep *ledger.Report) {
	ctx = context.WithoutCancel(ctx)
	n.mailIntegrityFailure(ctx, rep)
	n.Dispatch(ctx, EventIntegrityFailed, IntegrityPayload{
		Blocks:   rep.Blocks,
		Problems: rep.Problems,
	})
}

// Dispatch delivers the event to every endpoint asynchronously.
func (n *Notifier) Dispatch(ctx context.Context, eventType string, payload any) {
	if !n.Enabled() {
		return
	}
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("notify: marshal event", zap.Error(err))
		return
	}
	signature := Sign(body, n.cfg.Secret)

	for _, url := range n.cfg.URLs {
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.deliver(ctx, url, eventType, body, signature)
		}(url)
	}
}

// Wait blocks until all in-flight deliveries have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, url, eventType string, body []byte, signature string) {
	attempts := len(n.cfg.Retries) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(n.cfg.Retries[attempt-2]):
			case <-ctx.Done():
				return
			}
		}

		success, errMsg := n.doDelivery(ctx, url, body, signature)
		if n.onMetrics != nil {
			n.onMetrics(success)
		}
		if success {
			n.logger.Debug("notify: delivered", zap.String("url", url), zap.String("event", eventType))
			return
		}

		n.logger.Warn("notify: delivery failed",
			zap.String("url", url),
			zap.String("event", eventType),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

func (n *Notifier) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// Sign computes the signature header value for body. An empty secret
// disables signing.
func Sign(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against body.
func VerifySignature(body []byte, secret, header string) bool {
	want := Sign(body, secret)
	return want != "" && hmac.Equal([]byte(want), []byte(header))
}
