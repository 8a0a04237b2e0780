package model

import "time"

// Plan types. Starter is a one-time pack that never resets; monthly resets at
// each billing-period rollover; free has no entitlement.
const (
	PlanFree    = "free"
	PlanStarter = "starter"
	PlanMonthly = "monthly"
)

// Profile represents a user profile row, including the analysis entitlement
// that the quota ledger enforces.
type Profile struct {
	UserID            string     `db:"user_id" json:"user_id"`
	Name              string     `db:"name" json:"name"`
	Email             string     `db:"email" json:"email"`
	StripeCustomerID  *string    `db:"stripe_customer_id" json:"stripe_customer_id,omitempty"`
	IsPaid            bool       `db:"is_paid" json:"is_paid"`
	PlanType          string     `db:"plan_type" json:"plan_type"`
	AnalysisLimit     int        `db:"analysis_limit" json:"analysis_limit"`
	AnalysisCount     int        `db:"analysis_count" json:"analysis_count"`
	LastAnalysisReset *time.Time `db:"last_analysis_reset" json:"last_analysis_reset,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Remaining returns how many analyses the user can still run this period.
func (p *Profile) Remaining() int {
	r := p.AnalysisLimit - p.AnalysisCount
	if r < 0 {
		return 0
	}
	return r
}
