package social

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/crewnet/backend/internal/auth"
	"github.com/crewnet/backend/internal/profiles"
	"github.com/crewnet/backend/internal/store"
)

func newTestService(t *testing.T, backing store.Store) (*Service, *profiles.Service) {
	t.Helper()
	profileService, err := profiles.NewService(profiles.ServiceConfig{Store: backing})
	if err != nil {
		t.Fatalf("new profile service: %v", err)
	}
	service, err := NewService(ServiceConfig{Store: backing, Profiles: profileService})
	if err != nil {
		t.Fatalf("new social service: %v", err)
	}
	return service, profileService
}

func ensureProfile(t *testing.T, profileService *profiles.Service, userID, name string) {
	t.Helper()
	_, err := profileService.EnsureProfile(context.Background(), userID, auth.IdentityClaims{
		UserID:      userID,
		DisplayName: name,
		Email:       userID + "@example.com",
	})
	if err != nil {
		t.Fatalf("ensure profile %s: %v", userID, err)
	}
}

func TestConnectRejectsSelf(t *testing.T) {
	service, _ := newTestService(t, store.NewMemoryStore())

	if err := service.Connect(context.Background(), "u1", "u1"); !errors.Is(err, ErrSelfConnection) {
		t.Fatalf("expected ErrSelfConnection, got %v", err)
	}
}

func TestConnectWritesBothEdges(t *testing.T) {
	backing := store.NewMemoryStore()
	service, profileService := newTestService(t, backing)
	ensureProfile(t, profileService, "u1", "Ada")
	ensureProfile(t, profileService, "u2", "Ben")

	if err := service.Connect(context.Background(), "u1", "u2"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	forward, err := service.HasConnection(context.Background(), "u1", "u2")
	if err != nil || !forward {
		t.Fatalf("expected forward edge, got %v %v", forward, err)
	}
	reverse, err := service.HasConnection(context.Background(), "u2", "u1")
	if err != nil || !reverse {
		t.Fatalf("expected reverse edge, got %v %v", reverse, err)
	}

	for _, userID := range []string{"u1", "u2"} {
		profile, err := profileService.GetProfile(context.Background(), userID)
		if err != nil {
			t.Fatalf("get profile %s: %v", userID, err)
		}
		if profile.Connections != 1 {
			t.Fatalf("expected connection counter 1 for %s, got %d", userID, profile.Connections)
		}
	}
}

// setFailingStore fails Set calls against a path prefix until its trip
// count runs out.
type setFailingStore struct {
	store.Store
	mu       sync.Mutex
	prefix   string
	skip     int
	failures int
}

func (f *setFailingStore) Set(ctx context.Context, path string, value any) error {
	f.mu.Lock()
	shouldFail := false
	if strings.HasPrefix(path, f.prefix) && f.failures > 0 {
		if f.skip > 0 {
			f.skip--
		} else {
			f.failures--
			shouldFail = true
		}
	}
	f.mu.Unlock()
	if shouldFail {
		return store.ErrWriteFailed
	}
	return f.Store.Set(ctx, path, value)
}

func TestConnectReverseEdgeFailureLeavesForwardEdge(t *testing.T) {
	backing := store.NewMemoryStore()
	faulty := &setFailingStore{Store: backing, prefix: "connections/", skip: 1, failures: 1}
	profileService, err := profiles.NewService(profiles.ServiceConfig{Store: backing})
	if err != nil {
		t.Fatalf("new profile service: %v", err)
	}
	service, err := NewService(ServiceConfig{Store: faulty, Profiles: profileService})
	if err != nil {
		t.Fatalf("new social service: %v", err)
	}
	ensureProfile(t, profileService, "u1", "Ada")
	ensureProfile(t, profileService, "u2", "Ben")

	if err := service.Connect(context.Background(), "u1", "u2"); !errors.Is(err, store.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}

	forward, err := service.HasConnection(context.Background(), "u1", "u2")
	if err != nil || !forward {
		t.Fatalf("expected surviving forward edge, got %v %v", forward, err)
	}
	reverse, err := service.HasConnection(context.Background(), "u2", "u1")
	if err != nil {
		t.Fatalf("has connection: %v", err)
	}
	if reverse {
		t.Fatal("expected missing reverse edge after failed write")
	}

	profile, err := profileService.GetProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.Connections != 0 {
		t.Fatalf("expected counters untouched after aborted connect, got %d", profile.Connections)
	}
}

func TestGetConnectionsResolvesProfiles(t *testing.T) {
	backing := store.NewMemoryStore()
	service, profileService := newTestService(t, backing)
	ensureProfile(t, profileService, "u1", "Ada")
	ensureProfile(t, profileService, "u2", "Ben")
	ensureProfile(t, profileService, "u3", "Cleo")

	if err := service.Connect(context.Background(), "u1", "u3"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := service.Connect(context.Background(), "u1", "u2"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	connections, err := service.GetConnections(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get connections: %v", err)
	}
	if len(connections) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(connections))
	}
	if connections[0].ID != "u2" || connections[1].ID != "u3" {
		t.Fatalf("expected identifier order u2,u3, got %s,%s", connections[0].ID, connections[1].ID)
	}
	if connections[0].DisplayName != "Ben" {
		t.Fatalf("expected resolved display name, got %q", connections[0].DisplayName)
	}
}

func TestGetConnectionsSkipsMissingProfiles(t *testing.T) {
	backing := store.NewMemoryStore()
	service, profileService := newTestService(t, backing)
	ensureProfile(t, profileService, "u1", "Ada")

	err := backing.Set(context.Background(), store.Join("connections", "u1", "ghost"), Edge{ConnectedAt: 1})
	if err != nil {
		t.Fatalf("seed edge: %v", err)
	}

	connections, err := service.GetConnections(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get connections: %v", err)
	}
	if len(connections) != 0 {
		t.Fatalf("expected ghost peer to be skipped, got %d connections", len(connections))
	}
}

func TestSuggestedUsersExcludesSelfAndConnected(t *testing.T) {
	backing := store.NewMemoryStore()
	service, profileService := newTestService(t, backing)
	ensureProfile(t, profileService, "u1", "Ada")
	ensureProfile(t, profileService, "u2", "Ben")
	ensureProfile(t, profileService, "u3", "Cleo")
	ensureProfile(t, profileService, "u4", "Dan")

	if err := service.Connect(context.Background(), "u1", "u2"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	suggested, err := service.SuggestedUsers(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("suggested users: %v", err)
	}
	if len(suggested) != 2 {
		t.Fatalf("expected 2 suggestions, got %d", len(suggested))
	}
	if suggested[0].ID != "u3" || suggested[1].ID != "u4" {
		t.Fatalf("expected u3,u4, got %s,%s", suggested[0].ID, suggested[1].ID)
	}
}

func TestSuggestedUsersHonorsLimit(t *testing.T) {
	backing := store.NewMemoryStore()
	service, profileService := newTestService(t, backing)
	ensureProfile(t, profileService, "u1", "Ada")
	ensureProfile(t, profileService, "u2", "Ben")
	ensureProfile(t, profileService, "u3", "Cleo")

	suggested, err := service.SuggestedUsers(context.Background(), "u1", 1)
	if err != nil {
		t.Fatalf("suggested users: %v", err)
	}
	if len(suggested) != 1 || suggested[0].ID != "u2" {
		t.Fatalf("expected single suggestion u2, got %+v", suggested)
	}
}
