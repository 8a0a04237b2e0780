package service

import (
	"context"
	"errors"
	"fmt"

	"dartscoach/internal/model"
	"dartscoach/internal/repository"

	"github.com/rs/zerolog"
)

var ErrUserNotFound = errors.New("user not found")

// UserService provisions and reads user profiles. A profile is created on
// first signup and starts on the free plan with no analysis quota.
type UserService interface {
	Create(ctx context.Context, userID, name, email string) (*model.Profile, error)
	Get(ctx context.Context, userID string) (*model.Profile, error)
}

type userService struct {
	profiles repository.ProfileRepository
	stripe   *StripeService
	logger   zerolog.Logger
}

func NewUserService(profiles repository.ProfileRepository, stripe *StripeService, logger zerolog.Logger) UserService {
	return &userService{
		profiles: profiles,
		stripe:   stripe,
		logger:   logger.With().Str("service", "UserService").Logger(),
	}
}

// Create provisions the profile and its Stripe customer. Re-creating an
// existing profile is not an error: signup webhooks can be delivered twice.
func (s *userService) Create(ctx context.Context, userID, name, email string) (*model.Profile, error) {
	existing, err := s.profiles.GetProfileByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("checking existing profile: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	profile := &model.Profile{UserID: userID, Name: name, Email: email}
	if err := s.profiles.CreateProfile(ctx, profile); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create profile")
		return nil, err
	}

	// The Stripe customer is created at signup so checkout never has to.
	if s.stripe != nil {
		if _, err := s.stripe.CreateCustomer(ctx, profile); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create Stripe customer at signup")
			// The profile exists; checkout falls back to creating the
			// customer on demand.
		}
	}

	s.logger.Info().Str("user_id", userID).Msg("Profile provisioned")
	return profile, nil
}

func (s *userService) Get(ctx context.Context, userID string) (*model.Profile, error) {
	p, err := s.profiles.GetProfileByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrUserNotFound
	}
	return p, nil
}
