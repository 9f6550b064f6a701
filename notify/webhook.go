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
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/pricewatch/connectivity"
	"github.com/hazyhaar/pricewatch/horosafe"
)

// WebhookConfig configures a Webhook notifier.
type WebhookConfig struct {
	// URL receives every notification. Empty means Action.Target is the URL
	// (the "webhook" action kind).
	URL string
	// Secret signs the body as X-Signature-256: sha256=<hex hmac>.
	Secret string
	// Timeout per attempt. Default: 10s.
	Timeout time.Duration
	// Retry bounds redelivery of 5xx and transport failures.
	// Default: 2 retries, 1s base backoff.
	Retry connectivity.Policy
	// URLValidator guards against SSRF. Default: horosafe.ValidateURL.
	URLValidator func(string) error
}

func (c *WebhookConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retry.MaxRetries == 0 && c.Retry.BaseBackoff == 0 {
		c.Retry = connectivity.Policy{MaxRetries: 2, BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
}

// Webhook POSTs notifications as signed JSON.
type Webhook struct {
	config WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a Webhook notifier.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) *Webhook {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Sign returns the X-Signature-256 value of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an X-Signature-256 header value, with or without the
// "sha256=" prefix.
func Verify(secret string, body []byte, signature string) bool {
	const prefix = "sha256="
	if len(signature) > len(prefix) && signature[:len(prefix)] == prefix {
		signature = signature[len(prefix):]
	}
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	target := w.config.URL
	if target == "" {
		target = n.Action.Target
	}
	if target == "" {
		return fmt.Errorf("notify: webhook: no URL for action %q", n.Action.Kind)
	}
	if err := w.config.URLValidator(target); err != nil {
		return fmt.Errorf("notify: webhook url: %w", err)
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	_, err = connectivity.Retry(ctx, w.config.Retry, w.logger, func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return connectivity.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Pricewatch-Event", "watch_rule."+n.Action.Kind)
		req.Header.Set("X-Delivery-ID", n.DeliveryID())
		if w.config.Secret != "" {
			req.Header.Set("X-Signature-256", Sign(w.config.Secret, body))
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return connectivity.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("notify: webhook %s: %w", n.Action.Kind, err)
	}
	return nil
}
