package dto

// BillingCheckoutRequest selects the plan to buy: the one-time starter pack
// or the monthly subscription.
type BillingCheckoutRequest struct {
	Plan string `json:"plan" validate:"required,oneof=starter monthly"`
}
