package service

import (
	"context"
	"fmt"

	"dartscoach/internal/config"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// SecretManagerService reads application secrets from Google Secret Manager.
// In production the Stripe and engine credentials live there instead of the
// environment.
type SecretManagerService interface {
	GetSecret(ctx context.Context, name string) (string, error)
	Close() error
}

type secretManagerService struct {
	client    *secretmanager.Client
	projectID string
}

func NewSecretManagerService(ctx context.Context, cfg *config.Config) (SecretManagerService, error) {
	projectID := cfg.GetGCPProjectID()
	if projectID == "" {
		return nil, fmt.Errorf("GCP Project ID is not set for the current environment")
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}

	return &secretManagerService{
		client:    client,
		projectID: projectID,
	}, nil
}

func (s *secretManagerService) GetSecret(ctx context.Context, name string) (string, error) {
	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, name)

	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resourceName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", name, err)
	}

	return string(result.Payload.Data), nil
}

func (s *secretManagerService) Close() error {
	return s.client.Close()
}

// ResolveSecrets fills credentials that are empty in the environment from
// Secret Manager. Missing secrets are not fatal: the matching feature simply
// stays disabled, the same as an unset env var.
func ResolveSecrets(ctx context.Context, cfg *config.Config, secrets SecretManagerService) {
	targets := []struct {
		name string
		dst  *string
	}{
		{"stripe-secret-key", &cfg.StripeSecretKey},
		{"stripe-webhook-secret", &cfg.StripeWebhookSecret},
		{"analysis-engine-api-key", &cfg.EngineAPIKey},
	}
	for _, t := range targets {
		if *t.dst != "" {
			continue
		}
		value, err := secrets.GetSecret(ctx, t.name)
		if err != nil {
			continue
		}
		*t.dst = value
	}
}
