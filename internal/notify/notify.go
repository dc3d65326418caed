// Package notify delivers job outcome events. Delivery is best effort and
// never affects job state.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Event types.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Event describes a terminal job transition.
type Event struct {
	Type         string    `json:"type"`
	JobID        string    `json:"job_id"`
	CallRecordID string    `json:"call_record_id"`
	TenantID     string    `json:"tenant_id"`
	Attempts     int       `json:"attempts"`
	FailedStep   string    `json:"failed_step,omitempty"`
	Error        string    `json:"error,omitempty"`
	Sentiment    string    `json:"sentiment,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Notifier sends a single event.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the global logger.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, ev Event) error {
	zap.L().Info("job notification",
		zap.String("type", ev.Type),
		zap.String("job_id", ev.JobID),
		zap.String("cdr_id", ev.CallRecordID),
		zap.String("tenant_id", ev.TenantID),
		zap.String("failed_step", ev.FailedStep),
	)
	return nil
}

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-CDR-Signature"

// WebhookNotifier POSTs events as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookNotifier(url, secret string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, secret: secret, client: &http.Client{Timeout: timeout}}
}

// Sign returns the signature for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: encode event")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "notify: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: send")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return eris.Errorf("notify: %s returned status %d", w.url, resp.StatusCode)
	}
	return nil
}

// Multi fans an event out to several notifiers and reports the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Async runs a notifier in the background with its own timeout. Failures are
// logged and dropped.
type Async struct {
	next    Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsync(next Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

// Send returns immediately.
func (a *Async) Send(ev Event) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, ev); err != nil {
			zap.L().Warn("notification failed",
				zap.String("type", ev.Type),
				zap.String("job_id", ev.JobID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (a *Async) Wait() {
	a.wg.Wait()
}
