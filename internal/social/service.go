// Package social maintains the symmetric connection graph between users.
// An accepted connection is written as two mirrored edges under
// connections/{a}/{b} and connections/{b}/{a}; the pair is not transactional,
// so a failure between the writes leaves a one-sided edge behind.
package social

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/crewnet/backend/internal/profiles"
	"github.com/crewnet/backend/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrMissingUserID indicates an empty user identifier on either side.
	ErrMissingUserID = errors.New("social: user identifier is required")
	// ErrSelfConnection rejects connecting a user to themselves.
	ErrSelfConnection = errors.New("social: cannot connect a user to themselves")
)

const defaultSuggestionLimit = 8

// Edge is the record at connections/{a}/{b}.
type Edge struct {
	ConnectedAt int64 `json:"connectedAt"`
}

// PersonSummary is the resolved view of a connected or suggested user.
type PersonSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
	Title       string `json:"title,omitempty"`
}

// ServiceConfig describes the dependencies of the connection graph.
type ServiceConfig struct {
	Store    store.Store
	Profiles *profiles.Service
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the connection graph subsystem.
type Service struct {
	store    store.Store
	profiles *profiles.Service
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService constructs the connection graph subsystem.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("social: store is required")
	}
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("social: profile service is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, profiles: cfg.Profiles, clock: clock, logger: logger}, nil
}

func edgePath(from, to string) string {
	return store.Join("connections", from, to)
}

// Connect records a mutual connection between two users. Both edges carry
// the same timestamp. The forward edge failing aborts the operation; the
// reverse edge failing after a successful forward write returns the error
// and leaves the forward edge in place. Profile connection counters are
// bumped best-effort afterwards.
func (s *Service) Connect(ctx context.Context, userID, otherID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(otherID) == "" {
		return ErrMissingUserID
	}
	if userID == otherID {
		return ErrSelfConnection
	}

	edge := Edge{ConnectedAt: s.clock().UnixMilli()}
	if err := s.store.Set(ctx, edgePath(userID, otherID), edge); err != nil {
		return err
	}
	if err := s.store.Set(ctx, edgePath(otherID, userID), edge); err != nil {
		s.logger.Error("reverse connection edge write failed",
			zap.String("user_id", userID),
			zap.String("other_id", otherID),
			zap.Error(err))
		return err
	}

	s.bumpConnectionCounter(ctx, userID)
	s.bumpConnectionCounter(ctx, otherID)
	return nil
}

// bumpConnectionCounter increments the connections count on a profile. The
// counter is advisory; a failure is logged and the connection stands.
func (s *Service) bumpConnectionCounter(ctx context.Context, userID string) {
	path := store.Join("users", userID)

	value, err := s.store.Get(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("connection counter read failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	var profile struct {
		Connections int `json:"connections"`
	}
	if err := store.Decode(value, &profile); err != nil {
		s.logger.Warn("connection counter decode failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if err := s.store.Merge(ctx, path, map[string]any{"connections": profile.Connections + 1}); err != nil {
		s.logger.Warn("connection counter update failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// HasConnection reports whether a forward edge exists from userID to otherID.
func (s *Service) HasConnection(ctx context.Context, userID, otherID string) (bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(otherID) == "" {
		return false, ErrMissingUserID
	}

	_, err := s.store.Get(ctx, edgePath(userID, otherID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetConnections resolves the user's connected peers to profile summaries,
// sorted by identifier. Peers whose profile is missing or malformed are
// skipped.
func (s *Service) GetConnections(ctx context.Context, userID string) ([]PersonSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUserID
	}

	peerIDs, err := s.connectedIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]PersonSummary, 0, len(peerIDs))
	for _, peerID := range peerIDs {
		profile, err := s.profiles.GetProfile(ctx, peerID)
		if errors.Is(err, profiles.ErrProfileNotFound) {
			s.logger.Warn("connected peer has no profile",
				zap.String("user_id", userID),
				zap.String("peer_id", peerID))
			continue
		}
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summarize(profile))
	}
	return summaries, nil
}

// SuggestedUsers returns up to limit users the given user is not yet
// connected to, excluding themselves, ordered by identifier. A limit of
// zero or less falls back to the default.
func (s *Service) SuggestedUsers(ctx context.Context, userID string, limit int) ([]PersonSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUserID
	}
	if limit <= 0 {
		limit = defaultSuggestionLimit
	}

	peerIDs, err := s.connectedIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	connected := make(map[string]bool, len(peerIDs))
	for _, peerID := range peerIDs {
		connected[peerID] = true
	}

	all, err := s.profiles.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}

	candidateIDs := make([]string, 0, len(all))
	for candidateID := range all {
		if candidateID == userID || connected[candidateID] {
			continue
		}
		candidateIDs = append(candidateIDs, candidateID)
	}
	sort.Strings(candidateIDs)
	if len(candidateIDs) > limit {
		candidateIDs = candidateIDs[:limit]
	}

	summaries := make([]PersonSummary, 0, len(candidateIDs))
	for _, candidateID := range candidateIDs {
		summaries = append(summaries, summarize(all[candidateID]))
	}
	return summaries, nil
}

// connectedIDs returns the sorted peer identifiers under connections/{userID}.
func (s *Service) connectedIDs(ctx context.Context, userID string) ([]string, error) {
	value, err := s.store.Get(ctx, store.Join("connections", userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tree, ok := value.(map[string]any)
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(tree))
	for peerID := range tree {
		ids = append(ids, peerID)
	}
	sort.Strings(ids)
	return ids, nil
}

func summarize(profile profiles.Profile) PersonSummary {
	return PersonSummary{
		ID:          profile.ID,
		DisplayName: profile.DisplayName,
		PhotoURL:    profile.PhotoURL,
		Title:       profile.Title,
	}
}
