package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dartscoach/internal/model"
)

// ErrAnalysisLimitReached is returned when a user has exhausted their plan's
// analysis quota.
var ErrAnalysisLimitReached = errors.New("analysis_limit_reached")

// ErrProfileNotFound is returned when no profile row exists for a user.
var ErrProfileNotFound = errors.New("profile_not_found")

// ProfileRepository manages user profiles and the analysis quota ledger.
type ProfileRepository interface {
	CreateProfile(ctx context.Context, p *model.Profile) error
	GetProfileByID(ctx context.Context, userID string) (*model.Profile, error)
	GetProfileByStripeCustomerID(ctx context.Context, customerID string) (*model.Profile, error)
	UpdateStripeCustomerID(ctx context.Context, userID, customerID string) error

	// CheckAndIncrementAnalysisCount atomically consumes one unit of quota.
	// It applies the monthly rollover reset, rejects exhausted quotas with
	// ErrAnalysisLimitReached, and returns the count and limit after the
	// increment. The check and increment run in one serializable transaction
	// so concurrent requests cannot oversell the limit.
	CheckAndIncrementAnalysisCount(ctx context.Context, userID string) (count, limit int, err error)

	// RevertAnalysisCount sets the count back to a known prior value. This is
	// the compensation step for failures after a successful increment. The
	// update only applies while the count is still previousCount+1: if another
	// reservation or a plan reset landed in between, the compensation is stale
	// and must not clobber it, so it becomes a no-op.
	RevertAnalysisCount(ctx context.Context, userID string, previousCount int) error

	// GrantEntitlement sets the plan and limit for a user after payment.
	// resetCount zeroes the consumed count (monthly renewal); a starter pack
	// grant keeps whatever was consumed on a previous pack at zero anyway.
	GrantEntitlement(ctx context.Context, userID, planType string, limit int, resetCount bool) error

	// DowngradeToFree removes the entitlement when a subscription ends.
	DowngradeToFree(ctx context.Context, userID string) error
}

type profileRepo struct {
	db *sql.DB
}

func NewProfileRepo(db *sql.DB) ProfileRepository {
	return &profileRepo{db: db}
}

const profileColumns = `user_id, name, email, stripe_customer_id, is_paid, plan_type,
       analysis_limit, analysis_count, last_analysis_reset, created_at, updated_at`

func scanProfile(row interface{ Scan(...interface{}) error }) (*model.Profile, error) {
	var p model.Profile
	err := row.Scan(
		&p.UserID,
		&p.Name,
		&p.Email,
		&p.StripeCustomerID,
		&p.IsPaid,
		&p.PlanType,
		&p.AnalysisLimit,
		&p.AnalysisCount,
		&p.LastAnalysisReset,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning profile row: %w", err)
	}
	return &p, nil
}

func (r *profileRepo) CreateProfile(ctx context.Context, p *model.Profile) error {
	query := `INSERT INTO user_profiles (user_id, name, email, is_paid, plan_type, analysis_limit, analysis_count)
              VALUES ($1, $2, $3, false, 'free', 0, 0)
              RETURNING ` + profileColumns
	created, err := scanProfile(r.db.QueryRowContext(ctx, query, p.UserID, p.Name, p.Email))
	if err != nil {
		return fmt.Errorf("creating profile for user %s: %w", p.UserID, err)
	}
	*p = *created
	return nil
}

func (r *profileRepo) GetProfileByID(ctx context.Context, userID string) (*model.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM user_profiles WHERE user_id = $1`
	return scanProfile(r.db.QueryRowContext(ctx, query, userID))
}

func (r *profileRepo) GetProfileByStripeCustomerID(ctx context.Context, customerID string) (*model.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM user_profiles WHERE stripe_customer_id = $1`
	return scanProfile(r.db.QueryRowContext(ctx, query, customerID))
}

func (r *profileRepo) UpdateStripeCustomerID(ctx context.Context, userID, customerID string) error {
	query := `UPDATE user_profiles SET stripe_customer_id = $2, updated_at = NOW() WHERE user_id = $1`
	if _, err := r.db.ExecContext(ctx, query, userID, customerID); err != nil {
		return fmt.Errorf("storing stripe customer id for user %s: %w", userID, err)
	}
	return nil
}

// CheckAndIncrementAnalysisCount atomically checks and consumes one unit of quota.
func (r *profileRepo) CheckAndIncrementAnalysisCount(ctx context.Context, userID string) (int, int, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, 0, fmt.Errorf("starting transaction for quota check: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var planType string
	var count, limit int
	var lastReset sql.NullTime
	const selectQ = `
		SELECT plan_type, analysis_count, analysis_limit, last_analysis_reset
		FROM user_profiles
		WHERE user_id = $1
		FOR UPDATE
	`
	if err := tx.QueryRowContext(ctx, selectQ, userID).Scan(&planType, &count, &limit, &lastReset); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, ErrProfileNotFound
		}
		return 0, 0, fmt.Errorf("reading quota for user %s: %w", userID, err)
	}

	// Monthly plans roll over: a stale reset marker means a new period has
	// started and the consumed count goes back to zero before the check.
	if planType == model.PlanMonthly {
		const rolloverQ = `
			UPDATE user_profiles
			SET analysis_count = 0, last_analysis_reset = NOW(), updated_at = NOW()
			WHERE user_id = $1
			  AND (last_analysis_reset IS NULL OR last_analysis_reset < NOW() - INTERVAL '1 month')
			RETURNING analysis_count
		`
		var reset int
		err := tx.QueryRowContext(ctx, rolloverQ, userID).Scan(&reset)
		if err == nil {
			count = reset
		} else if !errors.Is(err, sql.ErrNoRows) {
			return 0, 0, fmt.Errorf("rolling over quota period for user %s: %w", userID, err)
		}
	}

	if count >= limit {
		return count, limit, ErrAnalysisLimitReached
	}

	const incrementQ = `
		UPDATE user_profiles
		SET analysis_count = analysis_count + 1, updated_at = NOW()
		WHERE user_id = $1
		RETURNING analysis_count, analysis_limit
	`
	if err := tx.QueryRowContext(ctx, incrementQ, userID).Scan(&count, &limit); err != nil {
		return 0, 0, fmt.Errorf("incrementing analysis count for user %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("committing quota increment for user %s: %w", userID, err)
	}
	return count, limit, nil
}

func (r *profileRepo) RevertAnalysisCount(ctx context.Context, userID string, previousCount int) error {
	// Guarded against concurrent reservations and resets: a stale revert
	// matches zero rows instead of erasing someone else's unit.
	query := `
		UPDATE user_profiles
		SET analysis_count = $2, updated_at = NOW()
		WHERE user_id = $1 AND analysis_count = $2 + 1
	`
	if _, err := r.db.ExecContext(ctx, query, userID, previousCount); err != nil {
		return fmt.Errorf("reverting analysis count for user %s: %w", userID, err)
	}
	return nil
}

func (r *profileRepo) GrantEntitlement(ctx context.Context, userID, planType string, limit int, resetCount bool) error {
	query := `
		UPDATE user_profiles
		SET is_paid = true,
		    plan_type = $2,
		    analysis_limit = $3,
		    analysis_count = CASE WHEN $4 THEN 0 ELSE analysis_count END,
		    last_analysis_reset = CASE WHEN $4 THEN NOW() ELSE last_analysis_reset END,
		    updated_at = NOW()
		WHERE user_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, userID, planType, limit, resetCount)
	if err != nil {
		return fmt.Errorf("granting %s entitlement for user %s: %w", planType, userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (r *profileRepo) DowngradeToFree(ctx context.Context, userID string) error {
	query := `
		UPDATE user_profiles
		SET is_paid = false,
		    plan_type = 'free',
		    analysis_limit = 0,
		    analysis_count = 0,
		    last_analysis_reset = NULL,
		    updated_at = NOW()
		WHERE user_id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("downgrading user %s to free plan: %w", userID, err)
	}
	return nil
}
