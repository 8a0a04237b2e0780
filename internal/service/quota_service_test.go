package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"dartscoach/internal/model"
	"dartscoach/internal/repository"

	"github.com/rs/zerolog"
)

// fakeProfileRepo is an in-memory ProfileRepository for service tests.
type fakeProfileRepo struct {
	mu       sync.Mutex
	profiles map[string]*model.Profile
	reverts  map[string]int
	incErr   error
}

func newFakeProfileRepo() *fakeProfileRepo {
	return &fakeProfileRepo{
		profiles: make(map[string]*model.Profile),
		reverts:  make(map[string]int),
	}
}

func (f *fakeProfileRepo) CreateProfile(ctx context.Context, p *model.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.PlanType = model.PlanFree
	f.profiles[p.UserID] = p
	return nil
}

func (f *fakeProfileRepo) GetProfileByID(ctx context.Context, userID string) (*model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProfileRepo) GetProfileByStripeCustomerID(ctx context.Context, customerID string) (*model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.StripeCustomerID != nil && *p.StripeCustomerID == customerID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeProfileRepo) UpdateStripeCustomerID(ctx context.Context, userID, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[userID]; ok {
		p.StripeCustomerID = &customerID
	}
	return nil
}

func (f *fakeProfileRepo) CheckAndIncrementAnalysisCount(ctx context.Context, userID string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incErr != nil {
		return 0, 0, f.incErr
	}
	p, ok := f.profiles[userID]
	if !ok {
		return 0, 0, repository.ErrProfileNotFound
	}
	if p.AnalysisCount >= p.AnalysisLimit {
		return p.AnalysisCount, p.AnalysisLimit, repository.ErrAnalysisLimitReached
	}
	p.AnalysisCount++
	return p.AnalysisCount, p.AnalysisLimit, nil
}

func (f *fakeProfileRepo) RevertAnalysisCount(ctx context.Context, userID string, previousCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverts[userID] = previousCount
	// Mirrors the ledger's guard: a stale revert is a no-op.
	if p, ok := f.profiles[userID]; ok && p.AnalysisCount == previousCount+1 {
		p.AnalysisCount = previousCount
	}
	return nil
}

func (f *fakeProfileRepo) GrantEntitlement(ctx context.Context, userID, planType string, limit int, resetCount bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return repository.ErrProfileNotFound
	}
	p.IsPaid = true
	p.PlanType = planType
	p.AnalysisLimit = limit
	if resetCount {
		p.AnalysisCount = 0
	}
	return nil
}

func (f *fakeProfileRepo) DowngradeToFree(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[userID]; ok {
		p.IsPaid = false
		p.PlanType = model.PlanFree
		p.AnalysisLimit = 0
		p.AnalysisCount = 0
	}
	return nil
}

func paidProfile(userID, plan string, count, limit int) *model.Profile {
	return &model.Profile{
		UserID:        userID,
		IsPaid:        true,
		PlanType:      plan,
		AnalysisCount: count,
		AnalysisLimit: limit,
	}
}

func TestReserveSuccess(t *testing.T) {
	repo := newFakeProfileRepo()
	repo.profiles["u1"] = paidProfile("u1", model.PlanMonthly, 5, 30)
	svc := NewQuotaService(repo, zerolog.Nop())

	profile, previous, err := svc.Reserve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if previous != 5 {
		t.Errorf("expected previous count 5, got %d", previous)
	}
	if profile.UserID != "u1" {
		t.Errorf("unexpected profile: %+v", profile)
	}
	if repo.profiles["u1"].AnalysisCount != 6 {
		t.Errorf("expected count incremented to 6, got %d", repo.profiles["u1"].AnalysisCount)
	}
}

func TestReserveNoProfile(t *testing.T) {
	svc := NewQuotaService(newFakeProfileRepo(), zerolog.Nop())
	if _, _, err := svc.Reserve(context.Background(), "missing"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestReserveUnpaid(t *testing.T) {
	repo := newFakeProfileRepo()
	repo.profiles["u1"] = &model.Profile{UserID: "u1", PlanType: model.PlanFree}
	svc := NewQuotaService(repo, zerolog.Nop())

	if _, _, err := svc.Reserve(context.Background(), "u1"); !errors.Is(err, ErrSubscriptionRequired) {
		t.Fatalf("expected ErrSubscriptionRequired, got %v", err)
	}
	if repo.profiles["u1"].AnalysisCount != 0 {
		t.Error("quota must not be touched for unpaid users")
	}
}

func TestReserveLimitReachedStarter(t *testing.T) {
	repo := newFakeProfileRepo()
	repo.profiles["u1"] = paidProfile("u1", model.PlanStarter, 3, 3)
	svc := NewQuotaService(repo, zerolog.Nop())

	_, _, err := svc.Reserve(context.Background(), "u1")
	var limitErr *LimitReachedError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitReachedError, got %v", err)
	}
	if limitErr.Plan != model.PlanStarter {
		t.Errorf("expected starter plan in error, got %s", limitErr.Plan)
	}
	if !strings.Contains(limitErr.Message, "Upgrade") {
		t.Errorf("starter message should suggest an upgrade, got %q", limitErr.Message)
	}
}

func TestReserveLimitReachedMonthly(t *testing.T) {
	repo := newFakeProfileRepo()
	repo.profiles["u1"] = paidProfile("u1", model.PlanMonthly, 30, 30)
	svc := NewQuotaService(repo, zerolog.Nop())

	_, _, err := svc.Reserve(context.Background(), "u1")
	var limitErr *LimitReachedError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitReachedError, got %v", err)
	}
	if !strings.Contains(limitErr.Message, "resets") {
		t.Errorf("monthly message should mention the reset, got %q", limitErr.Message)
	}
}

func TestRelease(t *testing.T) {
	repo := newFakeProfileRepo()
	repo.profiles["u1"] = paidProfile("u1", model.PlanMonthly, 6, 30)
	svc := NewQuotaService(repo, zerolog.Nop())

	if err := svc.Release(context.Background(), "u1", 5); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if repo.profiles["u1"].AnalysisCount != 5 {
		t.Errorf("expected count restored to 5, got %d", repo.profiles["u1"].AnalysisCount)
	}
}

func TestUsage(t *testing.T) {
	repo := newFakeProfileRepo()
	repo.profiles["u1"] = paidProfile("u1", model.PlanMonthly, 12, 30)
	svc := NewQuotaService(repo, zerolog.Nop())

	profile, err := svc.Usage(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Usage returned error: %v", err)
	}
	if profile.Remaining() != 18 {
		t.Errorf("expected 18 remaining, got %d", profile.Remaining())
	}
}
