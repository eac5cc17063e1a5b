package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stellarbeauty/relatorios/internal/app/domain/order"
	"github.com/stellarbeauty/relatorios/internal/app/domain/report"
	"github.com/stellarbeauty/relatorios/internal/app/domain/token"
	"github.com/stellarbeauty/relatorios/internal/app/storage"
)

func TestPopStateSingleUse(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	st := token.State{
		StateHash:    "abc123",
		CodeVerifier: "verifier-1",
		ExpiresAt:    now.Add(10 * time.Minute),
		CreatedAt:    now,
	}
	if err := s.SaveState(ctx, st); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	verifier, err := s.PopState(ctx, "abc123", now)
	if err != nil {
		t.Fatalf("PopState: %v", err)
	}
	if verifier != "verifier-1" {
		t.Fatalf("verifier = %q, want verifier-1", verifier)
	}

	if _, err := s.PopState(ctx, "abc123", now); !errors.Is(err, storage.ErrStateUsed) {
		t.Fatalf("second pop err = %v, want ErrStateUsed", err)
	}
}

func TestPopStateExpired(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	st := token.State{
		StateHash:    "expired",
		CodeVerifier: "verifier-2",
		ExpiresAt:    now.Add(-time.Minute),
		CreatedAt:    now.Add(-11 * time.Minute),
	}
	if err := s.SaveState(ctx, st); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	if _, err := s.PopState(ctx, "expired", now); !errors.Is(err, storage.ErrStateExpired) {
		t.Fatalf("err = %v, want ErrStateExpired", err)
	}
	if _, err := s.PopState(ctx, "missing", now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCleanupStates(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	for _, st := range []token.State{
		{StateHash: "old", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-50 * time.Minute)},
		{StateHash: "new", CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute)},
	} {
		if err := s.SaveState(ctx, st); err != nil {
			t.Fatalf("SaveState: %v", err)
		}
	}

	removed, err := s.CleanupStates(ctx, 20*time.Minute)
	if err != nil {
		t.Fatalf("CleanupStates: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := s.PopState(ctx, "new", now); err != nil {
		t.Fatalf("surviving state should pop: %v", err)
	}
}

func TestUpdateBundleLocked(t *testing.T) {
	s := New()
	ctx := context.Background()

	seed := token.Bundle{SellerID: 7, AccessToken: "old", RefreshToken: "r1", ExpiresAt: time.Now()}
	if err := s.UpsertBundle(ctx, seed); err != nil {
		t.Fatalf("UpsertBundle: %v", err)
	}

	updated, err := s.UpdateBundleLocked(ctx, 7, func(b token.Bundle) (token.Bundle, bool, error) {
		b.AccessToken = "fresh"
		return b, true, nil
	})
	if err != nil {
		t.Fatalf("UpdateBundleLocked: %v", err)
	}
	if updated.AccessToken != "fresh" {
		t.Fatalf("access token = %q, want fresh", updated.AccessToken)
	}

	got, err := s.GetBundle(ctx, 7)
	if err != nil {
		t.Fatalf("GetBundle: %v", err)
	}
	if got.AccessToken != "fresh" {
		t.Fatalf("stored token = %q, want fresh", got.AccessToken)
	}

	// A fn returning false leaves the row alone.
	kept, err := s.UpdateBundleLocked(ctx, 7, func(b token.Bundle) (token.Bundle, bool, error) {
		b.AccessToken = "discarded"
		return b, false, nil
	})
	if err != nil {
		t.Fatalf("UpdateBundleLocked noop: %v", err)
	}
	if kept.AccessToken != "fresh" {
		t.Fatalf("token after noop = %q, want fresh", kept.AccessToken)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	orders := []order.Order{
		{ID: 1, SellerID: 5, DateCreated: base.Add(-2 * time.Hour)},
		{ID: 2, SellerID: 5, DateCreated: base},
		{ID: 3, SellerID: 5, DateCreated: base.Add(-time.Hour)},
		{ID: 4, SellerID: 9, DateCreated: base},
	}
	if err := s.UpsertOrders(ctx, orders); err != nil {
		t.Fatalf("UpsertOrders: %v", err)
	}

	got, err := s.ListOrders(ctx, 5, 2)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(got) != 2 || got[0].ID != 2 || got[1].ID != 3 {
		t.Fatalf("orders = %+v, want [2 3]", got)
	}
}

func TestReportRunLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := report.Run{ID: "run-1", SellerID: 5, Group: "ML", Status: report.StatusRunning, StartedAt: time.Now()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, run); err == nil {
		t.Fatal("duplicate CreateRun should fail")
	}

	run.Status = report.StatusReady
	run.FilePath = "/tmp/report.csv"
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != report.StatusReady || got.FilePath != "/tmp/report.csv" {
		t.Fatalf("run = %+v", got)
	}

	if err := s.UpdateRun(ctx, report.Run{ID: "nope"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("UpdateRun missing err = %v, want ErrNotFound", err)
	}

	if err := s.CreateRun(ctx, report.Run{ID: "run-2", Status: report.StatusRunning}); err != nil {
		t.Fatalf("CreateRun second: %v", err)
	}
	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Fatalf("runs = %+v, want newest first", runs)
	}
}
