// Package notify is the boundary between the watch rule evaluator and the
// systems that actually deliver email, SMS or automation calls. pricewatch
// only guarantees that a Notifier is invoked at least once per debounce
// window; delivery is the Notifier's business.
//
//	r := notify.NewRouter(notify.NewLog(logger))
//	r.Handle(notify.KindEmail, notify.NewWebhook(notify.WebhookConfig{URL: gatewayURL, Secret: secret}))
//	r.Handle(notify.KindWebhook, notify.NewWebhook(notify.WebhookConfig{Secret: secret}))
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Action kinds a watch rule may carry.
const (
	KindEmail      = "email"
	KindSMS        = "sms"
	KindAutomation = "automation"
	KindWebhook    = "webhook"
)

// Kinds lists every valid action kind.
var Kinds = []string{KindEmail, KindSMS, KindAutomation, KindWebhook}

// ErrNoRoute is returned by Router when no Notifier handles an action kind.
var ErrNoRoute = errors.New("notify: no notifier for action kind")

// Action is what a rule asks for: a kind and a kind-specific target
// (address, phone number, automation id or URL).
type Action struct {
	Kind   string `json:"kind"`
	Target string `json:"target,omitempty"`
}

// Insight is the insight as seen by notifiers.
type Insight struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Severity        string   `json:"severity"`
	CompetitorID    string   `json:"competitor_id"`
	SourceID        string   `json:"source_id"`
	ProductID       string   `json:"product_id,omitempty"`
	ProductName     string   `json:"product_name,omitempty"`
	Brand           string   `json:"brand,omitempty"`
	Category        string   `json:"category,omitempty"`
	PreviousValue   *float64 `json:"previous_value,omitempty"`
	CurrentValue    *float64 `json:"current_value,omitempty"`
	DeltaPercentage *float64 `json:"delta_percentage,omitempty"`
	CreatedAt       int64    `json:"created_at"`
}

// Notification is one (tenant, rule, insight, action) delivery request.
type Notification struct {
	TenantID string    `json:"tenant_id"`
	RuleID   string    `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	Action   Action    `json:"action"`
	Insight  Insight   `json:"insight"`
	FiredAt  time.Time `json:"fired_at"`
}

// DeliveryID is stable for a (rule, insight, action) triple so receivers can
// drop duplicates of an at-least-once delivery.
func (n Notification) DeliveryID() string {
	return fmt.Sprintf("%s:%s:%s", n.RuleID, n.Insight.ID, n.Action.Kind)
}

// Notifier delivers a Notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Router dispatches by action kind, falling back to a default Notifier.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Notifier
	fallback Notifier
}

// NewRouter creates a Router. fallback may be nil.
func NewRouter(fallback Notifier) *Router {
	return &Router{routes: make(map[string]Notifier), fallback: fallback}
}

// Handle registers n for kind, replacing any previous registration.
func (r *Router) Handle(kind string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[kind] = n
}

// Notify implements Notifier.
func (r *Router) Notify(ctx context.Context, n Notification) error {
	r.mu.RLock()
	target, ok := r.routes[n.Action.Kind]
	if !ok {
		target = r.fallback
	}
	r.mu.RUnlock()
	if target == nil {
		return fmt.Errorf("%w: %q", ErrNoRoute, n.Action.Kind)
	}
	return target.Notify(ctx, n)
}
