package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"github.com/jmerrifield20/BlockWitness/internal/notify"
	"go.uber.org/zap"
)

type received struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
}

func (r *received) handler(status func(n int) int) http.HandlerFunc {
	var n atomic.Int32
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.sigs = append(r.sigs, req.Header.Get(notify.SignatureHeader))
		r.mu.Unlock()
		w.WriteHeader(status(int(n.Add(1))))
	}
}

func (r *received) snapshot() ([][]byte, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.bodies...), append([]string(nil), r.sigs...)
}

func TestBlockAppended_signedDelivery(t *testing.T) {
	rec := &received{}
	srv := httptest.NewServer(rec.handler(func(int) int { return http.StatusNoContent }))
	defer srv.Close()

	n := notify.New(notify.Config{URLs: []string{srv.URL}, Secret: "s3cret"}, zap.NewNop())
	var ok atomic.Int32
	n.SetMetricsRecorder(func(success bool) {
		if success {
			ok.Add(1)
		}
	})

	n.BlockAppended(&ledger.Block{Index: 7, BlockHash: "abc", MerkleRoot: "def"})
	n.Wait()

	bodies, sigs := rec.snapshot()
	if len(bodies) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(bodies))
	}
	if !notify.VerifySignature(bodies[0], "s3cret", sigs[0]) {
		t.Errorf("signature %q does not verify", sigs[0])
	}
	if notify.VerifySignature(bodies[0], "other", sigs[0]) {
		t.Error("signature verified under the wrong secret")
	}

	var ev struct {
		ID      string              `json:"id"`
		Type    string              `json:"type"`
		Payload notify.BlockPayload `json:"payload"`
	}
	if err := json.Unmarshal(bodies[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != notify.EventBlockAppended || ev.Payload.Index != 7 || ev.ID == "" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ok.Load() != 1 {
		t.Errorf("expected 1 successful delivery metric, got %d", ok.Load())
	}
}

func TestDispatch_retriesUntilSuccess(t *testing.T) {
	rec := &received{}
	srv := httptest.NewServer(rec.handler(func(n int) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	}))
	defer srv.Close()

	n := notify.New(notify.Config{
		URLs:    []string{srv.URL},
		Retries: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}, zap.NewNop())
	var failures atomic.Int32
	n.SetMetricsRecorder(func(success bool) {
		if !success {
			failures.Add(1)
		}
	})

	n.IntegrityFailed(context.Background(), &ledger.Report{Blocks: 2, Problems: []ledger.Problem{{Index: 1, Kind: ledger.ProblemBrokenLink}}})
	n.Wait()

	bodies, sigs := rec.snapshot()
	if len(bodies) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(bodies))
	}
	if failures.Load() != 2 {
		t.Errorf("expected 2 failed attempts, got %d", failures.Load())
	}
	if sigs[0] != "" {
		t.Error("no secret configured, expected no signature header")
	}
}

func TestDispatch_givesUp(t *testing.T) {
	rec := &received{}
	srv := httptest.NewServer(rec.handler(func(int) int { return http.StatusInternalServerError }))
	defer srv.Close()

	n := notify.New(notify.Config{URLs: []string{srv.URL}, Retries: []time.Duration{time.Millisecond}}, zap.NewNop())
	n.Dispatch(context.Background(), "test", map[string]string{"k": "v"})
	n.Wait()

	if bodies, _ := rec.snapshot(); len(bodies) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(bodies))
	}
}

func TestDispatch_disabled(t *testing.T) {
	n := notify.New(notify.Config{}, zap.NewNop())
	if n.Enabled() {
		t.Fatal("expected notifier without URLs to be disabled")
	}
	n.BlockAppended(&ledger.Block{})
	n.Wait()
}

type fakeMailer struct {
	mu   sync.Mutex
	sent map[string]string
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = map[string]string{}
	}
	m.sent[to] = subject + "\n" + body
	return nil
}

func TestIntegrityFailed_emailsRecipients(t *testing.T) {
	mailer := &fakeMailer{}
	n := notify.New(notify.Config{}, zap.NewNop())
	n.SetMailer(mailer, []string{"ops@example.org", "audit@example.org"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.IntegrityFailed(ctx, &ledger.Report{
		Blocks:   3,
		Problems: []ledger.Problem{{Index: 2, Kind: ledger.ProblemBrokenLink, Detail: "previous_hash mismatch"}},
	})
	n.Wait()

	mailer.mu.Lock()
	defer mailer.mu.Unlock()
	if len(mailer.sent) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(mailer.sent))
	}
	msg := mailer.sent["ops@example.org"]
	for _, want := range []string{"integrity check failed", "block 2", "previous_hash mismatch"} {
		if !strings.Contains(msg, want) {
			t.Errorf("email missing %q:\n%s", want, msg)
		}
	}
}

func TestLogMailer(t *testing.T) {
	if err := notify.NewLogMailer(zap.NewNop()).Send(context.Background(), "ops@example.org", "s", "b"); err != nil {
		t.Fatalf("LogMailer.Send: %v", err)
	}
}
