package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"dartscoach/internal/config"
	"dartscoach/internal/model"
	"dartscoach/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	billingsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	customerpkg "github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeService manages billing: checkout sessions for the two plans, the
// customer portal, and the webhook that grants or revokes entitlements.
type StripeService struct {
	cfg      *config.Config
	profiles repository.ProfileRepository
	logger   zerolog.Logger
}

// NewStripeService initializes the Stripe key and returns the service with a
// scoped logger.
func NewStripeService(cfg *config.Config, profiles repository.ProfileRepository, logger zerolog.Logger) *StripeService {
	stripe.Key = cfg.StripeSecretKey
	lg := logger.With().Str("service", "StripeService").Logger()
	return &StripeService{cfg: cfg, profiles: profiles, logger: lg}
}

// getUserIDFromEvent resolves the user from webhook metadata, falling back to
// a customer-ID lookup for events Stripe emits without our metadata.
func (s *StripeService) getUserIDFromEvent(ctx context.Context, metadata map[string]string, customerID string) (string, error) {
	if userID, ok := metadata["user_id"]; ok && userID != "" {
		return userID, nil
	}
	if customerID == "" {
		return "", errors.New("cannot determine user: missing metadata and customer id")
	}
	s.logger.Warn().Str("stripe_customer_id", customerID).Msg("Missing user_id metadata; looking up profile by customer ID")
	p, err := s.profiles.GetProfileByStripeCustomerID(ctx, customerID)
	if err != nil {
		return "", fmt.Errorf("failed to lookup profile by Stripe customer ID: %w", err)
	}
	if p == nil {
		return "", fmt.Errorf("no profile found for customer ID: %s", customerID)
	}
	return p.UserID, nil
}

// GetOrCreateCustomer ensures a Stripe customer exists for a profile.
func (s *StripeService) GetOrCreateCustomer(ctx context.Context, profile *model.Profile) (string, error) {
	if profile.StripeCustomerID != nil && *profile.StripeCustomerID != "" {
		return *profile.StripeCustomerID, nil
	}
	s.logger.Warn().Str("user_id", profile.UserID).Msg("No Stripe customer ID found, creating customer as fallback")
	return s.CreateCustomer(ctx, profile)
}

// CreateCustomer creates a new Stripe customer for a profile.
func (s *StripeService) CreateCustomer(ctx context.Context, profile *model.Profile) (string, error) {
	params := &stripe.CustomerParams{
		Email:    stripe.String(profile.Email),
		Name:     stripe.String(profile.Name),
		Metadata: map[string]string{"user_id": profile.UserID},
	}
	cust, err := customerpkg.New(params)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", profile.UserID).Msg("Failed to create Stripe customer")
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	if err := s.profiles.UpdateStripeCustomerID(ctx, profile.UserID, cust.ID); err != nil {
		s.logger.Error().Err(err).Str("user_id", profile.UserID).Msg("Failed to store stripe customer id in user_profiles")
		return "", fmt.Errorf("store stripe customer id: %w", err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession creates a Stripe Checkout session. The starter pack is
// a one-time payment; the monthly plan is a subscription.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, userID, plan string) (string, error) {
	profile, err := s.profiles.GetProfileByID(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch profile for checkout session")
		return "", fmt.Errorf("fetch profile: %w", err)
	}
	if profile == nil {
		s.logger.Error().Str("user_id", userID).Msg("Profile not found for checkout session")
		return "", fmt.Errorf("profile not found: %s", userID)
	}
	customerID, err := s.GetOrCreateCustomer(ctx, profile)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to get or create Stripe customer for checkout session")
		return "", err
	}

	var priceID, mode string
	switch plan {
	case model.PlanStarter:
		priceID = s.cfg.StripePriceStarter
		mode = string(stripe.CheckoutSessionModePayment)
	case model.PlanMonthly:
		priceID = s.cfg.StripePriceMonthly
		mode = string(stripe.CheckoutSessionModeSubscription)
	default:
		return "", fmt.Errorf("invalid plan: %s", plan)
	}

	sessParams := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems:          []*stripe.CheckoutSessionLineItemParams{{Price: stripe.String(priceID), Quantity: stripe.Int64(1)}},
		Mode:               stripe.String(mode),
		SuccessURL:         stripe.String(s.cfg.StripePortalReturnURL + "?status=success"),
		CancelURL:          stripe.String(s.cfg.StripePortalReturnURL + "?status=cancel"),
		Metadata:           map[string]string{"user_id": userID, "plan": plan},
	}
	sess, err := checkoutsession.New(sessParams)
	if err != nil {
		s.logger.Error().Err(err).Str("plan", plan).Msg("Failed to create Stripe checkout session")
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession creates a Stripe customer portal session.
func (s *StripeService) CreatePortalSession(ctx context.Context, userID string) (string, error) {
	profile, err := s.profiles.GetProfileByID(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch profile for portal session")
		return "", fmt.Errorf("fetch profile: %w", err)
	}
	if profile == nil || profile.StripeCustomerID == nil || *profile.StripeCustomerID == "" {
		s.logger.Error().Str("user_id", userID).Msg("No Stripe customer ID found for user when creating portal session")
		return "", fmt.Errorf("no stripe customer for user: %s", userID)
	}
	params := &stripe.BillingPortalSessionParams{Customer: stripe.String(*profile.StripeCustomerID), ReturnURL: stripe.String(s.cfg.StripePortalReturnURL)}
	sess, err := billingsession.New(params)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create Stripe billing portal session")
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// HandleWebhook processes Stripe webhook events and applies the resulting
// entitlement changes to the profile.
func (s *StripeService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read Stripe webhook payload")
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sig, s.cfg.StripeWebhookSecret)
	if err != nil {
		s.logger.Error().Err(err).Msg("Signature verification failed for Stripe webhook")
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	}
	s.logger.Info().Str("event_type", string(event.Type)).Msg("Stripe webhook received")

	ctx := r.Context()
	switch event.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			s.logger.Error().Err(err).Msg("Invalid checkout.session data")
			http.Error(w, "invalid checkout.session data", http.StatusBadRequest)
			return
		}
		userID := cs.Metadata["user_id"]
		if userID == "" {
			s.logger.Error().Str("session_id", cs.ID).Msg("Missing user_id in checkout session metadata")
			http.Error(w, "missing user_id in metadata", http.StatusBadRequest)
			return
		}
		plan := cs.Metadata["plan"]
		if plan == "" {
			// Older sessions carried no plan metadata; derive it from the mode.
			if cs.Mode == stripe.CheckoutSessionModeSubscription {
				plan = model.PlanMonthly
			} else {
				plan = model.PlanStarter
			}
		}
		if err := s.grantPlan(ctx, userID, plan); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Str("plan", plan).Msg("Failed to grant entitlement on checkout.session.completed")
			http.Error(w, "failed to grant entitlement", http.StatusInternalServerError)
			return
		}
		s.logger.Info().Str("user_id", userID).Str("plan", plan).Msg("Entitlement granted from checkout session")

	case "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			s.logger.Error().Err(err).Msg("Invalid invoice.payment_succeeded payload")
			http.Error(w, "invalid invoice data", http.StatusBadRequest)
			return
		}
		userID, err := s.getUserIDFromEvent(ctx, invoice.Metadata, invoice.Customer.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("invoice_id", invoice.ID).Msg("Failed to determine user ID from invoice")
			http.Error(w, "failed to identify user", http.StatusInternalServerError)
			return
		}
		// A subscription invoice marks the start of a billing period, so the
		// consumed count resets along with the grant. One-time invoices for
		// the starter pack are already handled by checkout.session.completed.
		if invoice.BillingReason == stripe.InvoiceBillingReasonSubscriptionCycle {
			if err := s.grantPlan(ctx, userID, model.PlanMonthly); err != nil {
				s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to renew entitlement on invoice.payment_succeeded")
				http.Error(w, "failed to renew entitlement", http.StatusInternalServerError)
				return
			}
			s.logger.Info().Str("user_id", userID).Msg("Monthly entitlement renewed")
		}

	case "customer.subscription.deleted":
		var ss stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &ss); err != nil {
			s.logger.Error().Err(err).Msg("Invalid customer.subscription.deleted payload")
			http.Error(w, "invalid subscription data", http.StatusBadRequest)
			return
		}
		userID, err := s.getUserIDFromEvent(ctx, ss.Metadata, ss.Customer.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("subscription_id", ss.ID).Msg("Failed to determine user ID from subscription")
			http.Error(w, "failed to identify user", http.StatusInternalServerError)
			return
		}
		if err := s.profiles.DowngradeToFree(ctx, userID); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to downgrade on customer.subscription.deleted")
			http.Error(w, "failed to downgrade", http.StatusInternalServerError)
			return
		}
		s.logger.Info().Str("user_id", userID).Msg("User downgraded to free plan")

	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			s.logger.Error().Err(err).Msg("Invalid invoice.payment_failed payload")
			http.Error(w, "invalid invoice data", http.StatusBadRequest)
			return
		}
		// Stripe retries the payment and emits subscription.deleted if it
		// ultimately fails, so the entitlement stays until then.
		s.logger.Warn().Str("invoice_id", invoice.ID).Msg("Invoice payment failed; awaiting Stripe retry outcome")

	default:
		s.logger.Warn().Str("event_type", string(event.Type)).Msg("Unhandled Stripe webhook event")
	}
	w.WriteHeader(http.StatusOK)
}

func (s *StripeService) grantPlan(ctx context.Context, userID, plan string) error {
	switch plan {
	case model.PlanStarter:
		return s.profiles.GrantEntitlement(ctx, userID, model.PlanStarter, s.cfg.StarterAnalysisLimit, true)
	case model.PlanMonthly:
		return s.profiles.GrantEntitlement(ctx, userID, model.PlanMonthly, s.cfg.MonthlyAnalysisLimit, true)
	default:
		return fmt.Errorf("unknown plan: %s", plan)
	}
}
