package billing

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/GoCodeAlone/controlplane/store"
)

// PlanPrices holds the Stripe price ids for one plan, one per billing
// cycle.
type PlanPrices struct {
	Monthly string
	Yearly  string
}

// StripePriceIDs maps plan ids to Stripe price objects. These must be
// configured to match the Stripe dashboard.
type StripePriceIDs map[string]PlanPrices

// StripeProcessor implements Processor using the Stripe API.
type StripeProcessor struct {
	apiKey   string
	priceIDs StripePriceIDs
}

// NewStripeProcessor creates a StripeProcessor with the given API key and
// mapping from plan ids to Stripe price ids.
func NewStripeProcessor(apiKey string, priceIDs StripePriceIDs) *StripeProcessor {
	stripe.Key = apiKey
	return &StripeProcessor{apiKey: apiKey, priceIDs: priceIDs}
}

// CreateCustomer creates a new Stripe customer for the given tenant.
func (p *StripeProcessor) CreateCustomer(_ context.Context, tenantID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			"tenant_id": tenantID,
		},
	}
	c, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("billing: create stripe customer: %w", err)
	}
	return c.ID, nil
}

// CreateSubscription creates a new Stripe subscription for the customer on
// the given plan and cycle.
func (p *StripeProcessor) CreateSubscription(_ context.Context, customerID, planID string, cycle store.BillingCycle) (string, error) {
	priceID, err := p.priceID(planID, cycle)
	if err != nil {
		return "", err
	}
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
	}
	sub, err := subscription.New(params)
	if err != nil {
		return "", fmt.Errorf("billing: create stripe subscription: %w", err)
	}
	return sub.ID, nil
}

// UpdateSubscription swaps the subscription's price item so a plan change
// stays on the same Stripe subscription instead of creating a second one.
func (p *StripeProcessor) UpdateSubscription(_ context.Context, subscriptionID, planID string, cycle store.BillingCycle) error {
	priceID, err := p.priceID(planID, cycle)
	if err != nil {
		return err
	}
	sub, err := subscription.Get(subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("billing: load stripe subscription: %w", err)
	}
	if len(sub.Items.Data) == 0 {
		return fmt.Errorf("billing: stripe subscription %s has no items", subscriptionID)
	}
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(sub.Items.Data[0].ID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("billing: update stripe subscription: %w", err)
	}
	return nil
}

// SetCancelAtPeriodEnd schedules or unschedules cancellation of a Stripe
// subscription at period end.
func (p *StripeProcessor) SetCancelAtPeriodEnd(_ context.Context, subscriptionID string, cancel bool) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("billing: update stripe subscription: %w", err)
	}
	return nil
}

// CancelNow terminates a Stripe subscription immediately.
func (p *StripeProcessor) CancelNow(_ context.Context, subscriptionID string) error {
	if _, err := subscription.Cancel(subscriptionID, &stripe.SubscriptionCancelParams{}); err != nil {
		return fmt.Errorf("billing: cancel stripe subscription: %w", err)
	}
	return nil
}

// PortalSession creates a Stripe customer-portal session.
func (p *StripeProcessor) PortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("billing: create portal session: %w", err)
	}
	return sess.URL, nil
}

func (p *StripeProcessor) priceID(planID string, cycle store.BillingCycle) (string, error) {
	prices, ok := p.priceIDs[planID]
	if !ok {
		return "", fmt.Errorf("billing: no stripe price configured for plan %q", planID)
	}
	id := prices.Monthly
	if cycle == store.CycleYearly {
		id = prices.Yearly
	}
	if id == "" {
		return "", fmt.Errorf("billing: no stripe price configured for plan %q cycle %s", planID, cycle)
	}
	return id, nil
}
