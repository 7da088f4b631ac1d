package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/controlplane/store"
)

// ErrUnknownPlan is returned for a plan id outside the catalog.
var ErrUnknownPlan = errors.New("billing: unknown plan")

// Reconciler keeps the local subscription record consistent with the
// external payment processor across plan selection, cancellation, and
// resume. When a processor subscription id exists, the processor is always
// mutated before the local record: a ServiceUnavailable failure leaves the
// local record untouched so it never advances past the processor's true
// state.
type Reconciler struct {
	subs      store.SubscriptionStore
	members   store.MembershipStore
	processor Processor // nil when no processor is configured
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler. processor may be nil, in which case
// tenants run on local-only billing records.
func NewReconciler(subs store.SubscriptionStore, members store.MembershipStore, processor Processor, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		subs:      subs,
		members:   members,
		processor: processor,
		logger:    logger,
		now:       time.Now,
	}
}

// authorize verifies the caller belongs to the tenant and holds a role
// allowed to manage billing.
func (r *Reconciler) authorize(ctx context.Context, caller store.Session, tenantID uuid.UUID) error {
	if caller.TenantID != tenantID {
		return fmt.Errorf("%w: session does not own tenant", store.ErrUnauthorized)
	}
	membership, err := r.members.GetByTenantUser(ctx, tenantID, caller.UserID)
	if err != nil {
		return fmt.Errorf("%w: no membership for tenant", store.ErrForbidden)
	}
	if membership.Role != store.RoleOwner && membership.Role != store.RoleAdmin {
		return fmt.Errorf("%w: role %s may not manage billing", store.ErrForbidden, membership.Role)
	}
	return nil
}

// SelectPlan records a plan selection for the tenant, creating the
// subscription record on first selection. For a paid plan with a configured
// processor it first creates the processor-side customer and subscription,
// or moves an existing live processor subscription to the new plan in
// place; switching to a free plan terminates the processor subscription.
// Exactly one processor subscription is ever billing. A processor failure
// surfaces as ErrServiceUnavailable with no local write.
func (r *Reconciler) SelectPlan(ctx context.Context, caller store.Session, tenantID uuid.UUID, planID string, cycle store.BillingCycle) (*store.Subscription, error) {
	if err := r.authorize(ctx, caller, tenantID); err != nil {
		return nil, err
	}
	plan := PlanByID(planID)
	if plan == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	if cycle != store.CycleMonthly && cycle != store.CycleYearly {
		return nil, fmt.Errorf("%w: bad billing cycle %q", ErrUnknownPlan, cycle)
	}

	sub, err := r.subs.GetByTenant(ctx, tenantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sub = nil
	case err != nil:
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	var customerID, processorSubID string
	if sub != nil {
		customerID = sub.ProcessorCustomerID
	}

	// A canceled subscription's processor id points at a dead processor
	// object; only a live one can be moved or must be terminated.
	liveSubID := ""
	if sub != nil && sub.Status != store.SubscriptionCanceled {
		liveSubID = sub.ProcessorSubID
	}
	if liveSubID != "" && r.processor == nil {
		return nil, fmt.Errorf("%w: no processor configured for %s", ErrServiceUnavailable, liveSubID)
	}

	switch {
	case plan.IsFree() && liveSubID != "":
		if err := r.processor.CancelNow(ctx, liveSubID); err != nil {
			return nil, fmt.Errorf("%w: terminate subscription: %v", ErrServiceUnavailable, err)
		}

	case !plan.IsFree() && r.processor != nil && liveSubID != "":
		if err := r.processor.UpdateSubscription(ctx, liveSubID, planID, cycle); err != nil {
			return nil, fmt.Errorf("%w: update subscription: %v", ErrServiceUnavailable, err)
		}
		processorSubID = liveSubID

	case !plan.IsFree() && r.processor != nil:
		if customerID == "" {
			customerID, err = r.processor.CreateCustomer(ctx, tenantID.String(), caller.Email)
			if err != nil {
				return nil, fmt.Errorf("%w: create customer: %v", ErrServiceUnavailable, err)
			}
		}
		processorSubID, err = r.processor.CreateSubscription(ctx, customerID, planID, cycle)
		if err != nil {
			return nil, fmt.Errorf("%w: create subscription: %v", ErrServiceUnavailable, err)
		}
	}

	if sub == nil {
		sub = &store.Subscription{
			TenantID:            tenantID,
			PlanID:              planID,
			Cycle:               cycle,
			Status:              store.SubscriptionActive,
			ProcessorCustomerID: customerID,
			ProcessorSubID:      processorSubID,
			CurrentPeriodEnd:    r.periodEnd(cycle),
		}
		if err := r.subs.Create(ctx, sub); err != nil {
			return nil, fmt.Errorf("create subscription record: %w", err)
		}
	} else {
		if err := r.subs.UpdatePlan(ctx, sub.ID, planID, cycle, customerID, processorSubID); err != nil {
			return nil, fmt.Errorf("update subscription record: %w", err)
		}
	}

	r.logger.Info("plan selected", "tenant_id", tenantID, "plan", planID, "cycle", cycle)
	return r.subs.GetByTenant(ctx, tenantID)
}

// Cancel cancels the tenant's subscription. With immediate=false and a
// processor subscription id, cancellation is deferred to period end at the
// processor and cancelAtPeriodEnd is set locally; without a processor id
// the record is canceled right away. With immediate=true the subscription
// is terminated at the processor and canceled locally. Canceling an
// already-canceled subscription is a converged no-op.
func (r *Reconciler) Cancel(ctx context.Context, caller store.Session, tenantID uuid.UUID, immediate bool) (*store.Subscription, error) {
	if err := r.authorize(ctx, caller, tenantID); err != nil {
		return nil, err
	}
	sub, err := r.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub.Status == store.SubscriptionCanceled {
		return sub, nil
	}

	if immediate {
		if sub.ProcessorSubID != "" {
			if r.processor == nil {
				return nil, fmt.Errorf("%w: no processor configured for %s", ErrServiceUnavailable, sub.ProcessorSubID)
			}
			if err := r.processor.CancelNow(ctx, sub.ProcessorSubID); err != nil {
				return nil, fmt.Errorf("%w: cancel now: %v", ErrServiceUnavailable, err)
			}
		}
		ok, err := r.subs.Cancel(ctx, sub.ID)
		if err != nil {
			return nil, fmt.Errorf("cancel subscription record: %w", err)
		}
		if !ok {
			// A concurrent cancel won. One canceled state either way.
			r.logger.Debug("cancel raced with concurrent cancel", "tenant_id", tenantID)
		}
	} else if sub.ProcessorSubID == "" {
		// Nothing to defer at a processor.
		if _, err := r.subs.Cancel(ctx, sub.ID); err != nil {
			return nil, fmt.Errorf("cancel subscription record: %w", err)
		}
	} else {
		if r.processor == nil {
			return nil, fmt.Errorf("%w: no processor configured for %s", ErrServiceUnavailable, sub.ProcessorSubID)
		}
		if err := r.processor.SetCancelAtPeriodEnd(ctx, sub.ProcessorSubID, true); err != nil {
			return nil, fmt.Errorf("%w: defer cancellation: %v", ErrServiceUnavailable, err)
		}
		if _, err := r.subs.DeferCancel(ctx, sub.ID); err != nil {
			return nil, fmt.Errorf("defer cancellation record: %w", err)
		}
	}

	r.logger.Info("subscription canceled", "tenant_id", tenantID, "immediate", immediate)
	return r.subs.GetByTenant(ctx, tenantID)
}

// Resume clears a pending period-end cancellation. It is valid only while
// cancelAtPeriodEnd is set on a non-canceled subscription; anything else is
// ErrConflict.
func (r *Reconciler) Resume(ctx context.Context, caller store.Session, tenantID uuid.UUID) (*store.Subscription, error) {
	if err := r.authorize(ctx, caller, tenantID); err != nil {
		return nil, err
	}
	sub, err := r.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub.Status == store.SubscriptionCanceled || !sub.CancelAtPeriodEnd {
		return nil, fmt.Errorf("%w: no pending cancellation to resume", store.ErrConflict)
	}

	if sub.ProcessorSubID != "" {
		if r.processor == nil {
			return nil, fmt.Errorf("%w: no processor configured for %s", ErrServiceUnavailable, sub.ProcessorSubID)
		}
		if err := r.processor.SetCancelAtPeriodEnd(ctx, sub.ProcessorSubID, false); err != nil {
			return nil, fmt.Errorf("%w: resume: %v", ErrServiceUnavailable, err)
		}
	}
	ok, err := r.subs.Resume(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("resume subscription record: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: subscription changed while resuming", store.ErrConflict)
	}

	r.logger.Info("subscription resumed", "tenant_id", tenantID)
	return r.subs.GetByTenant(ctx, tenantID)
}

// PortalSession creates a self-service billing portal session for the
// tenant's processor customer.
func (r *Reconciler) PortalSession(ctx context.Context, caller store.Session, tenantID uuid.UUID, returnURL string) (string, error) {
	if err := r.authorize(ctx, caller, tenantID); err != nil {
		return "", err
	}
	sub, err := r.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("load subscription: %w", err)
	}
	if sub.ProcessorCustomerID == "" {
		return "", fmt.Errorf("%w: tenant has no billing account", store.ErrConflict)
	}
	if r.processor == nil {
		return "", fmt.Errorf("%w: no processor configured", ErrServiceUnavailable)
	}
	url, err := r.processor.PortalSession(ctx, sub.ProcessorCustomerID, returnURL)
	if err != nil {
		return "", fmt.Errorf("%w: portal session: %v", ErrServiceUnavailable, err)
	}
	return url, nil
}

func (r *Reconciler) periodEnd(cycle store.BillingCycle) time.Time {
	if cycle == store.CycleYearly {
		return r.now().AddDate(1, 0, 0)
	}
	return r.now().AddDate(0, 1, 0)
}
