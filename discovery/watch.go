package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/pricewatch/discovery/internal/rules"
)

// maxConsumeBatch bounds the ids accepted by one ConsumeInsights call.
const maxConsumeBatch = 1000

// --- Watch rules ---

// CreateRule validates and stores a watch rule for the caller's tenant.
func (svc *Service) CreateRule(ctx context.Context, r *WatchRule) error {
	t, err := tenant(ctx)
	if err != nil {
		return err
	}
	if err := rules.Validate(r); err != nil {
		return err
	}
	r.ID = svc.newID()
	r.TenantID = t
	r.LastTriggeredAt, r.TriggerCount = 0, 0
	r.CreatedAt = svc.now().UnixMilli()
	if err := svc.db.InsertRule(ctx, r); err != nil {
		return fmt.Errorf("discovery: insert rule: %w", err)
	}
	svc.logger.Info("discovery: rule created", "tenant_id", t, "rule_id", r.ID, "actions", len(r.Actions))
	return nil
}

// GetRule returns one of the caller's rules.
func (svc *Service) GetRule(ctx context.Context, id string) (*WatchRule, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	r, err := svc.db.GetRule(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

// ListRules returns the caller's rules, active or not.
func (svc *Service) ListRules(ctx context.Context) ([]*WatchRule, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	return svc.db.ListRules(ctx, t, false)
}

// UpdateRule replaces a rule's definition. Its debounce state is kept.
func (svc *Service) UpdateRule(ctx context.Context, id string, r *WatchRule) (*WatchRule, error) {
	cur, err := svc.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rules.Validate(r); err != nil {
		return nil, err
	}
	r.ID, r.TenantID = cur.ID, cur.TenantID
	r.LastTriggeredAt, r.TriggerCount, r.CreatedAt = cur.LastTriggeredAt, cur.TriggerCount, cur.CreatedAt
	if err := svc.db.UpdateRule(ctx, r); err != nil {
		return nil, fmt.Errorf("discovery: update rule: %w", err)
	}
	return r, nil
}

// DeleteRule removes one of the caller's rules.
func (svc *Service) DeleteRule(ctx context.Context, id string) error {
	r, err := svc.GetRule(ctx, id)
	if err != nil {
		return err
	}
	return svc.db.DeleteRule(ctx, r.TenantID, r.ID)
}

// --- Insights ---

// ListInsights returns the caller's insights not yet consumed by consumer,
// oldest first. An empty consumer lists every insight.
func (svc *Service) ListInsights(ctx context.Context, consumer string, f InsightFilter) ([]*Insight, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	return svc.db.Unconsumed(ctx, t, strings.TrimSpace(consumer), f)
}

// ConsumeInsights marks insights as processed by consumer. Re-marking is a
// no-op and ids of other tenants are ignored. It returns the number of new marks.
func (svc *Service) ConsumeInsights(ctx context.Context, consumer string, ids []string) (int, error) {
	t, err := tenant(ctx)
	if err != nil {
		return 0, err
	}
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return 0, fmt.Errorf("%w: consumer is required", ErrInvalidInput)
	}
	if consumer == rules.Consumer {
		return 0, fmt.Errorf("%w: consumer %q is reserved", ErrForbidden, consumer)
	}
	if len(ids) > maxConsumeBatch {
		return 0, fmt.Errorf("%w: at most %d ids per call", ErrInvalidInput, maxConsumeBatch)
	}
	n, err := svc.db.MarkConsumed(ctx, t, consumer, ids, svc.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("discovery: consume insights: %w", err)
	}
	return n, nil
}
