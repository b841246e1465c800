package profiles

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/crewnet/backend/internal/auth"
	"github.com/crewnet/backend/internal/store"
)

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	backing := store.NewMemoryStore()
	service, err := NewService(ServiceConfig{Store: backing})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, backing
}

func TestGetProfileReturnsNotFoundForUnknownUser(t *testing.T) {
	service, _ := newService(t)

	_, err := service.GetProfile(context.Background(), "missing")
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestEnsureProfileCreatesDefaultOnFirstLogin(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	profile, err := service.EnsureProfile(ctx, "u1", auth.IdentityClaims{
		UserID:      "u1",
		Email:       "ada@example.com",
		DisplayName: "Ada",
	})
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if profile.Connections != 0 {
		t.Fatalf("expected zero connections, got %d", profile.Connections)
	}
	if profile.Title != "New Member" {
		t.Fatalf("expected default title, got %q", profile.Title)
	}

	stored, err := service.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("get after ensure failed: %v", err)
	}
	if stored.DisplayName != "Ada" {
		t.Fatalf("unexpected display name %q", stored.DisplayName)
	}
}

func TestEnsureProfileDoesNotOverwriteExistingProfile(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	if _, err := service.EnsureProfile(ctx, "u1", auth.IdentityClaims{UserID: "u1", DisplayName: "Ada"}); err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	if _, err := service.UpdateProfile(ctx, "u1", map[string]any{"title": "Engineer"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	profile, err := service.EnsureProfile(ctx, "u1", auth.IdentityClaims{UserID: "u1", DisplayName: "Someone Else"})
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if profile.DisplayName != "Ada" || profile.Title != "Engineer" {
		t.Fatalf("ensure overwrote existing profile: %+v", profile)
	}
}

func TestEnsureProfileIsIdempotentUnderConcurrency(t *testing.T) {
	service, _ := newService(t)
	claims := auth.IdentityClaims{UserID: "fresh", Email: "fresh@example.com", DisplayName: "Fresh"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.EnsureProfile(context.Background(), "fresh", claims); err != nil {
				t.Errorf("ensure failed: %v", err)
			}
		}()
	}
	wg.Wait()

	profile, err := service.GetProfile(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("get after concurrent ensure failed: %v", err)
	}
	if profile.Connections != 0 {
		t.Fatalf("expected zero connections, got %d", profile.Connections)
	}
	if profile.DisplayName != "Fresh" {
		t.Fatalf("unexpected display name %q", profile.DisplayName)
	}
}

func TestUpdateProfileMergesFields(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	if _, err := service.EnsureProfile(ctx, "u1", auth.IdentityClaims{UserID: "u1", DisplayName: "Ada", Email: "ada@example.com"}); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	updated, err := service.UpdateProfile(ctx, "u1", map[string]any{"bio": "building things"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Bio != "building things" {
		t.Fatalf("merged field missing: %+v", updated)
	}
	if updated.Email != "ada@example.com" {
		t.Fatalf("sibling field disturbed: %+v", updated)
	}
}

func TestEnsureProfilePreservesEarlyFanOutData(t *testing.T) {
	service, backing := newService(t)
	ctx := context.Background()

	// A notification can land under users/{userId} before the user ever
	// logs in. Profile creation must not wipe it.
	err := backing.Set(ctx, store.Join("users", "u1", "notifications", "n1"), map[string]any{
		"id": "n1", "message": "welcome", "read": false,
	})
	if err != nil {
		t.Fatalf("seed notification: %v", err)
	}

	_, err = service.GetProfile(ctx, "u1")
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected phantom node to read as not found, got %v", err)
	}

	if _, err := service.EnsureProfile(ctx, "u1", auth.IdentityClaims{UserID: "u1", DisplayName: "Ada"}); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if _, err := backing.Get(ctx, store.Join("users", "u1", "notifications", "n1")); err != nil {
		t.Fatalf("expected notification to survive profile creation, got %v", err)
	}
	profile, err := service.GetProfile(ctx, "u1")
	if err != nil || profile.DisplayName != "Ada" {
		t.Fatalf("expected real profile after ensure, got %+v %v", profile, err)
	}

	all, err := service.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly the real profile, got %v", all)
	}
}

func TestListProfilesSkipsNothingWhenEmpty(t *testing.T) {
	service, _ := newService(t)

	all, err := service.ListProfiles(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty map, got %v", all)
	}
}
