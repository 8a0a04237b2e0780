package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"

	"dartscoach/internal/model"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// testDB opens the integration database or skips the test. The quota ledger's
// serialization guarantee only means anything against a real Postgres.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DB_CONNECTION_STRING")
	if dsn == "" {
		t.Skip("TEST_DB_CONNECTION_STRING is not set, skip DB integration test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestProfile(t *testing.T, db *sql.DB, repo ProfileRepository, limit int) string {
	t.Helper()
	userID := uuid.NewString()
	p := &model.Profile{UserID: userID, Name: "Test Player", Email: userID + "@example.com"}
	if err := repo.CreateProfile(context.Background(), p); err != nil {
		t.Fatalf("failed to create profile: %v", err)
	}
	if err := repo.GrantEntitlement(context.Background(), userID, model.PlanMonthly, limit, true); err != nil {
		t.Fatalf("failed to grant entitlement: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DELETE FROM user_profiles WHERE user_id = $1", userID)
	})
	return userID
}

func TestCheckAndIncrementConsumesUnits(t *testing.T) {
	db := testDB(t)
	repo := NewProfileRepo(db)
	userID := createTestProfile(t, db, repo, 2)
	ctx := context.Background()

	count, limit, err := repo.CheckAndIncrementAnalysisCount(ctx, userID)
	if err != nil {
		t.Fatalf("first increment failed: %v", err)
	}
	if count != 1 || limit != 2 {
		t.Errorf("expected 1/2, got %d/%d", count, limit)
	}

	if _, _, err := repo.CheckAndIncrementAnalysisCount(ctx, userID); err != nil {
		t.Fatalf("second increment failed: %v", err)
	}
	if _, _, err := repo.CheckAndIncrementAnalysisCount(ctx, userID); !errors.Is(err, ErrAnalysisLimitReached) {
		t.Fatalf("expected ErrAnalysisLimitReached, got %v", err)
	}
}

// Concurrent reservations must never oversell the limit: the check and the
// increment run under a row lock.
func TestCheckAndIncrementConcurrent(t *testing.T) {
	db := testDB(t)
	repo := NewProfileRepo(db)
	const limit = 5
	userID := createTestProfile(t, db, repo, limit)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := repo.CheckAndIncrementAnalysisCount(context.Background(), userID); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	var n int
	for range granted {
		n++
	}
	if n != limit {
		t.Fatalf("expected exactly %d grants, got %d", limit, n)
	}
}

func TestRevertAnalysisCount(t *testing.T) {
	db := testDB(t)
	repo := NewProfileRepo(db)
	userID := createTestProfile(t, db, repo, 10)
	ctx := context.Background()

	if _, _, err := repo.CheckAndIncrementAnalysisCount(ctx, userID); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if err := repo.RevertAnalysisCount(ctx, userID, 0); err != nil {
		t.Fatalf("revert failed: %v", err)
	}

	p, err := repo.GetProfileByID(ctx, userID)
	if err != nil {
		t.Fatalf("get profile failed: %v", err)
	}
	if p.AnalysisCount != 0 {
		t.Errorf("expected count reverted to 0, got %d", p.AnalysisCount)
	}
}

// A revert is only valid while the count still sits one above the value being
// restored. Once a second reservation lands, the first job's compensation is
// stale and must leave the ledger alone.
func TestRevertAnalysisCountStaleIsNoOp(t *testing.T) {
	db := testDB(t)
	repo := NewProfileRepo(db)
	userID := createTestProfile(t, db, repo, 10)
	ctx := context.Background()

	// Two reservations: job A at previous=0, job B at previous=1.
	if _, _, err := repo.CheckAndIncrementAnalysisCount(ctx, userID); err != nil {
		t.Fatalf("first increment failed: %v", err)
	}
	if _, _, err := repo.CheckAndIncrementAnalysisCount(ctx, userID); err != nil {
		t.Fatalf("second increment failed: %v", err)
	}

	// Job A failing now must not erase job B's unit.
	if err := repo.RevertAnalysisCount(ctx, userID, 0); err != nil {
		t.Fatalf("stale revert returned error: %v", err)
	}
	p, err := repo.GetProfileByID(ctx, userID)
	if err != nil {
		t.Fatalf("get profile failed: %v", err)
	}
	if p.AnalysisCount != 2 {
		t.Errorf("stale revert must be a no-op, count went to %d", p.AnalysisCount)
	}

	// Job B failing is still compensable.
	if err := repo.RevertAnalysisCount(ctx, userID, 1); err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	p, err = repo.GetProfileByID(ctx, userID)
	if err != nil {
		t.Fatalf("get profile failed: %v", err)
	}
	if p.AnalysisCount != 1 {
		t.Errorf("expected count reverted to 1, got %d", p.AnalysisCount)
	}
}

func TestCheckAndIncrementMissingProfile(t *testing.T) {
	db := testDB(t)
	repo := NewProfileRepo(db)
	if _, _, err := repo.CheckAndIncrementAnalysisCount(context.Background(), uuid.NewString()); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}
