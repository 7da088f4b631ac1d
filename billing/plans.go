package billing

import "github.com/GoCodeAlone/controlplane/store"

// Plan represents a billing plan with its seat and resource limits.
type Plan struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	PriceMonthly int      `json:"price_monthly"` // cents
	PriceYearly  int      `json:"price_yearly"`  // cents
	MaxSeats     int      `json:"max_seats"`     // 0 = unlimited
	MaxDatarooms int      `json:"max_datarooms"` // 0 = unlimited
	MaxWorkflows int      `json:"max_workflows"` // 0 = unlimited
	StorageGB    int      `json:"storage_gb"`
	Features     []string `json:"features,omitempty"`
}

// Predefined billing plans.
var (
	PlanFree = Plan{
		ID:           "free",
		Name:         "Free",
		PriceMonthly: 0,
		PriceYearly:  0,
		MaxSeats:     3,
		MaxDatarooms: 1,
		MaxWorkflows: 5,
		StorageGB:    1,
	}

	PlanStarter = Plan{
		ID:           "starter",
		Name:         "Starter",
		PriceMonthly: 4900,  // $49
		PriceYearly:  49000, // $490
		MaxSeats:     10,
		MaxDatarooms: 5,
		MaxWorkflows: 25,
		StorageGB:    50,
		Features:     []string{"email-support", "custom-domains"},
	}

	PlanProfessional = Plan{
		ID:           "professional",
		Name:         "Professional",
		PriceMonthly: 19900,  // $199
		PriceYearly:  199000, // $1990
		MaxSeats:     50,
		MaxDatarooms: 0, // unlimited
		MaxWorkflows: 0, // unlimited
		StorageGB:    500,
		Features:     []string{"email-support", "custom-domains", "priority-provisioning", "advanced-analytics"},
	}

	PlanEnterprise = Plan{
		ID:           "enterprise",
		Name:         "Enterprise",
		PriceMonthly: 0, // custom pricing
		PriceYearly:  0,
		MaxSeats:     0, // unlimited
		MaxDatarooms: 0, // unlimited
		MaxWorkflows: 0, // unlimited
		StorageGB:    5000,
		Features: []string{
			"sso",
			"dedicated-infrastructure",
			"sla-guarantee",
			"priority-support",
			"custom-domains",
			"advanced-analytics",
			"audit-log-export",
		},
	}

	// AllPlans is the ordered list of available plans.
	AllPlans = []Plan{PlanFree, PlanStarter, PlanProfessional, PlanEnterprise}
)

// PlanByID looks up a plan by its identifier. Returns nil if not found.
func PlanByID(id string) *Plan {
	for i := range AllPlans {
		if AllPlans[i].ID == id {
			p := AllPlans[i]
			return &p
		}
	}
	return nil
}

// Price returns the plan's price in cents for the given billing cycle.
func (p Plan) Price(cycle store.BillingCycle) int {
	if cycle == store.CycleYearly {
		return p.PriceYearly
	}
	return p.PriceMonthly
}

// IsFree reports whether the plan carries no recurring charge.
func (p Plan) IsFree() bool {
	return p.PriceMonthly == 0 && p.PriceYearly == 0
}
