// Package profiles manages per-user profile records. A default profile is
// written on first login from the identity provider's claims.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crewnet/backend/internal/auth"
	"github.com/crewnet/backend/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrProfileNotFound indicates the requested profile does not exist.
	ErrProfileNotFound = errors.New("profiles: profile not found")
	// ErrMissingUserID indicates an empty user identifier.
	ErrMissingUserID = errors.New("profiles: user identifier is required")
)

// ServiceConfig describes the dependencies of the profile repository.
type ServiceConfig struct {
	Store  store.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service is the profile repository.
type Service struct {
	store  store.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the profile repository.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("profiles: store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, clock: clock, logger: logger}, nil
}

func profilePath(userID string) string {
	return store.Join("users", userID)
}

// GetProfile returns the profile at users/{userId} or ErrProfileNotFound.
func (s *Service) GetProfile(ctx context.Context, userID string) (Profile, error) {
	if normalize(userID) == "" {
		return Profile{}, ErrMissingUserID
	}

	value, err := s.store.Get(ctx, profilePath(userID))
	if errors.Is(err, store.ErrNotFound) {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
	}
	if err != nil {
		return Profile{}, err
	}

	var profile Profile
	if err := store.Decode(value, &profile); err != nil {
		return Profile{}, err
	}
	// A user node can exist before first login when notifications or group
	// memberships were fanned out to it. Only a node carrying the id field
	// is a real profile.
	if profile.ID == "" {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
	}
	return profile, nil
}

// EnsureProfile writes a default profile for a first-time user. It is
// idempotent: concurrent calls both write the identical default, so last
// write wins without data loss.
func (s *Service) EnsureProfile(ctx context.Context, userID string, claims auth.IdentityClaims) (Profile, error) {
	if normalize(userID) == "" {
		return Profile{}, ErrMissingUserID
	}

	existing, err := s.GetProfile(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return Profile{}, err
	}

	displayName := normalize(claims.DisplayName)
	if displayName == "" {
		displayName = "User"
	}
	profile := Profile{
		ID:          userID,
		DisplayName: displayName,
		Email:       normalize(claims.Email),
		PhotoURL:    normalize(claims.PhotoURL),
		Title:       defaultTitle,
		Connections: 0,
	}

	fields, err := store.Encode(profile)
	if err != nil {
		return Profile{}, err
	}
	// Merge instead of Set: the user node may already hold notifications
	// or a group index delivered before first login, and those children
	// must survive profile creation.
	if err := s.store.Merge(ctx, profilePath(userID), fields); err != nil {
		return Profile{}, err
	}

	s.logger.Info("profile created",
		zap.String("user_id", userID),
		zap.String("display_name", profile.DisplayName))
	return profile, nil
}

// UpdateProfile merges the provided fields and returns the updated record.
// A profile that disappeared concurrently surfaces as ErrProfileNotFound;
// the caller treats that as fatal, not retryable.
func (s *Service) UpdateProfile(ctx context.Context, userID string, fields map[string]any) (Profile, error) {
	if normalize(userID) == "" {
		return Profile{}, ErrMissingUserID
	}
	if len(fields) == 0 {
		return s.GetProfile(ctx, userID)
	}

	if err := s.store.Merge(ctx, profilePath(userID), fields); err != nil {
		return Profile{}, err
	}
	return s.GetProfile(ctx, userID)
}

// ListProfiles returns every stored profile keyed by user id.
func (s *Service) ListProfiles(ctx context.Context) (map[string]Profile, error) {
	value, err := s.store.Get(ctx, "users")
	if errors.Is(err, store.ErrNotFound) {
		return map[string]Profile{}, nil
	}
	if err != nil {
		return nil, err
	}

	tree, ok := value.(map[string]any)
	if !ok {
		return map[string]Profile{}, nil
	}

	result := make(map[string]Profile, len(tree))
	for userID, raw := range tree {
		var profile Profile
		if err := store.Decode(raw, &profile); err != nil {
			s.logger.Warn("skipping malformed profile", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if profile.ID == "" {
			// Phantom node: fan-out data arrived before first login.
			continue
		}
		result[userID] = profile
	}
	return result, nil
}
