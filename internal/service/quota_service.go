package service

import (
	"context"
	"errors"
	"fmt"

	"dartscoach/internal/model"
	"dartscoach/internal/repository"

	"github.com/rs/zerolog"
)

// ErrSubscriptionRequired means the user has no active plan; job creation is
// refused before any quota is touched.
var ErrSubscriptionRequired = errors.New("subscription required")

// ErrProfileNotFound mirrors the repository sentinel at the service boundary.
var ErrProfileNotFound = errors.New("profile not found")

// LimitReachedError carries a plan-specific message for the 429 response.
type LimitReachedError struct {
	Plan    string
	Limit   int
	Message string
}

func (e *LimitReachedError) Error() string {
	return e.Message
}

// QuotaService reserves and releases analysis units against a user's plan.
// A reservation is one atomic check-and-increment; Release is the
// compensating write used when dispatch fails after the unit was taken.
type QuotaService interface {
	Reserve(ctx context.Context, userID string) (profile *model.Profile, previousCount int, err error)
	Release(ctx context.Context, userID string, previousCount int) error
	Usage(ctx context.Context, userID string) (*model.Profile, error)
}

type quotaService struct {
	profiles repository.ProfileRepository
	logger   zerolog.Logger
}

func NewQuotaService(profiles repository.ProfileRepository, logger zerolog.Logger) QuotaService {
	return &quotaService{
		profiles: profiles,
		logger:   logger.With().Str("service", "QuotaService").Logger(),
	}
}

// Reserve checks entitlement and takes one analysis unit. The returned
// previousCount is the counter value before the increment; the caller holds it
// for compensation.
func (s *quotaService) Reserve(ctx context.Context, userID string) (*model.Profile, int, error) {
	profile, err := s.profiles.GetProfileByID(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load profile for quota reservation")
		return nil, 0, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return nil, 0, ErrProfileNotFound
	}
	if !profile.IsPaid {
		return nil, 0, ErrSubscriptionRequired
	}

	count, limit, err := s.profiles.CheckAndIncrementAnalysisCount(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAnalysisLimitReached) {
			return nil, 0, &LimitReachedError{
				Plan:    profile.PlanType,
				Limit:   limit,
				Message: limitMessage(profile.PlanType, limit),
			}
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to reserve analysis unit")
		return nil, 0, fmt.Errorf("failed to reserve analysis unit: %w", err)
	}
	// count is the post-increment value; the pre-increment value is what a
	// compensating revert must restore.
	return profile, count - 1, nil
}

// Release returns a reserved unit after a dispatch-path failure.
func (s *quotaService) Release(ctx context.Context, userID string, previousCount int) error {
	if err := s.profiles.RevertAnalysisCount(ctx, userID, previousCount); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to release analysis unit")
		return fmt.Errorf("failed to release analysis unit: %w", err)
	}
	return nil
}

// Usage returns the profile for the usage endpoint.
func (s *quotaService) Usage(ctx context.Context, userID string) (*model.Profile, error) {
	profile, err := s.profiles.GetProfileByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return nil, ErrProfileNotFound
	}
	return profile, nil
}

func limitMessage(planType string, limit int) string {
	switch planType {
	case model.PlanStarter:
		return fmt.Sprintf("You have used all %d analyses in your starter pack. Upgrade to the monthly plan for more.", limit)
	case model.PlanMonthly:
		return fmt.Sprintf("You have reached your monthly limit of %d analyses. Your quota resets at the start of the next period.", limit)
	default:
		return fmt.Sprintf("You have reached your analysis limit of %d.", limit)
	}
}
