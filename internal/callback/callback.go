// Package callback delivers signed payment notifications to merchant
// endpoints.
//
// Every delivery carries an HMAC-SHA256 signature of the exact request
// body in the X-Signature header so merchants can verify authenticity
// before acting on a status change.
package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tronpay-io/tronpay/internal/retry"
	"github.com/tronpay-io/tronpay/internal/security"
)

var (
	callbackAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tronpay",
		Subsystem: "callback",
		Name:      "attempts_total",
		Help:      "Total callback delivery attempts by payment status.",
	}, []string{"status"})

	callbackFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tronpay",
		Subsystem: "callback",
		Name:      "failures_total",
		Help:      "Callback deliveries that exhausted all retries, by payment status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(callbackAttempts, callbackFailures)
}

// Payload is the notification body. Field order is fixed so the signed
// bytes are reproducible.
type Payload struct {
	OrderID        string `json:"orderId"`
	Status         string `json:"status"`
	Amount         string `json:"amount"`
	ReceivedAmount string `json:"receivedAmount"`
	Address        string `json:"address"`
	Timestamp      int64  `json:"timestamp"`
}

// Dispatcher posts signed payloads to merchant callback URLs with
// bounded retries.
type Dispatcher struct {
	client      *http.Client
	secret      []byte
	policy      retry.Policy
	logger      *slog.Logger
	validateURL func(string) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Dispatcher) { d.client = hc }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithPolicy overrides the retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithURLValidator overrides callback URL validation. Passing nil
// disables it, for local development against loopback receivers.
func WithURLValidator(fn func(string) error) Option {
	return func(d *Dispatcher) { d.validateURL = fn }
}

// NewDispatcher creates a dispatcher signing with the given shared secret.
func NewDispatcher(secret string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:      &http.Client{Timeout: 10 * time.Second},
		secret:      []byte(secret),
		policy:      retry.Policy{MaxAttempts: 3, BaseDelay: time.Second},
		logger:      slog.Default(),
		validateURL: security.ValidateCallbackURL,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sign returns the hex HMAC-SHA256 of body under the shared secret.
func (d *Dispatcher) Sign(body []byte) string {
	h := hmac.New(sha256.New, d.secret)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether sig is a valid signature for body. Intended for
// merchant-side verification in tests and the SDK examples.
func (d *Dispatcher) Verify(body []byte, sig string) bool {
	return hmac.Equal([]byte(d.Sign(body)), []byte(sig))
}

// Deliver posts the payload to url, retrying transient failures. An
// empty url means the merchant did not register a callback and counts
// as delivered. The URL is re-validated at delivery time since DNS may
// have changed since registration.
func (d *Dispatcher) Deliver(ctx context.Context, url string, p Payload) error {
	if url == "" {
		return nil
	}
	if d.validateURL != nil {
		if err := d.validateURL(url); err != nil {
			return fmt.Errorf("callback url rejected: %w", err)
		}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}
	sig := d.Sign(body)

	attempt := 0
	err = d.policy.Do(ctx, func() error {
		attempt++
		callbackAttempts.WithLabelValues(p.Status).Inc()
		return d.post(ctx, url, body, sig)
	}, func(n int, err error) {
		d.logger.Warn("callback attempt failed",
			"order_id", p.OrderID, "status", p.Status, "attempt", n, "error", err)
	})
	if err != nil {
		callbackFailures.WithLabelValues(p.Status).Inc()
		return fmt.Errorf("callback to %s after %d attempts: %w", url, attempt, err)
	}

	d.logger.Info("callback delivered",
		"order_id", p.OrderID, "status", p.Status, "attempts", attempt)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, sig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", sig)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
