// Package groups manages group records and the per-user membership index.
// The index at users/{userId}/groups/{groupId} is a denormalized copy of
// the group name maintained best-effort at creation time; a failed index
// write hides the group from that member's list without removing them from
// the group itself.
package groups

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/crewnet/backend/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrGroupNotFound indicates no group exists under the identifier.
	ErrGroupNotFound = errors.New("groups: group not found")
	// ErrMissingGroupID indicates an empty group identifier.
	ErrMissingGroupID = errors.New("groups: group identifier is required")
	// ErrMissingName indicates an empty group name.
	ErrMissingName = errors.New("groups: name must not be empty")
	// ErrMissingCreator indicates an empty creator identifier.
	ErrMissingCreator = errors.New("groups: creator identifier is required")
)

// Group is the record at groups/{groupId}. Members maps user identifiers
// to true; the creator is always a member.
type Group struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	CreatedBy   string          `json:"createdBy"`
	CreatedAt   int64           `json:"createdAt"`
	Members     map[string]bool `json:"members"`
}

// Membership is one entry of a user's group index.
type Membership struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name"`
}

// ServiceConfig describes the dependencies of the group subsystem.
type ServiceConfig struct {
	Store  store.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service is the group subsystem.
type Service struct {
	store  store.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the group subsystem.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("groups: store is required")
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

func groupPath(groupID string) string {
	return store.Join("groups", groupID)
}

func indexPath(userID, groupID string) string {
	return store.Join("users", userID, "groups", groupID)
}

// CreateGroupInput carries a new group's fields. Members may list initial
// member identifiers; the creator is added regardless.
type CreateGroupInput struct {
	Name        string
	Description string
	CreatedBy   string
	Members     []string
}

// CreateGroup writes the group record, then fans out one membership index
// entry per member. Index writes are best-effort: a failure is logged and
// the remaining members are still indexed.
func (s *Service) CreateGroup(ctx context.Context, input CreateGroupInput) (Group, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Group{}, ErrMissingName
	}
	if strings.TrimSpace(input.CreatedBy) == "" {
		return Group{}, ErrMissingCreator
	}

	members := map[string]bool{input.CreatedBy: true}
	for _, memberID := range input.Members {
		memberID = strings.TrimSpace(memberID)
		if memberID != "" {
			members[memberID] = true
		}
	}

	groupID, err := s.store.AppendChild(ctx, "groups")
	if err != nil {
		return Group{}, err
	}

	group := Group{
		ID:          groupID,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		CreatedBy:   input.CreatedBy,
		CreatedAt:   s.clock().UnixMilli(),
		Members:     members,
	}
	if err := s.store.Set(ctx, groupPath(group.ID), group); err != nil {
		return Group{}, err
	}

	for memberID := range members {
		entry := Membership{GroupID: group.ID, Name: group.Name}
		if err := s.store.Set(ctx, indexPath(memberID, group.ID), entry); err != nil {
			s.logger.Warn("membership index write failed",
				zap.String("group_id", group.ID),
				zap.String("member_id", memberID),
				zap.Error(err))
		}
	}
	return group, nil
}

// GetGroup returns the group record.
func (s *Service) GetGroup(ctx context.Context, groupID string) (Group, error) {
	if strings.TrimSpace(groupID) == "" {
		return Group{}, ErrMissingGroupID
	}

	value, err := s.store.Get(ctx, groupPath(groupID))
	if errors.Is(err, store.ErrNotFound) {
		return Group{}, ErrGroupNotFound
	}
	if err != nil {
		return Group{}, err
	}

	var group Group
	if err := store.Decode(value, &group); err != nil {
		return Group{}, err
	}
	if group.ID == "" {
		group.ID = groupID
	}
	return group, nil
}

// ListMyGroups reads the user's membership index, sorted by group
// identifier. It reflects only index entries, so a group whose index write
// failed at creation does not appear.
func (s *Service) ListMyGroups(ctx context.Context, userID string) ([]Membership, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("groups: user identifier is required")
	}

	value, err := s.store.Get(ctx, store.Join("users", userID, "groups"))
	if errors.Is(err, store.ErrNotFound) {
		return []Membership{}, nil
	}
	if err != nil {
		return nil, err
	}

	tree, ok := value.(map[string]any)
	if !ok {
		return []Membership{}, nil
	}

	memberships := make([]Membership, 0, len(tree))
	for groupID, raw := range tree {
		var entry Membership
		if err := store.Decode(raw, &entry); err != nil {
			s.logger.Warn("skipping malformed membership entry",
				zap.String("user_id", userID),
				zap.String("group_id", groupID),
				zap.Error(err))
			continue
		}
		if entry.GroupID == "" {
			entry.GroupID = groupID
		}
		memberships = append(memberships, entry)
	}
	sort.Slice(memberships, func(i, j int) bool {
		return memberships[i].GroupID < memberships[j].GroupID
	})
	return memberships, nil
}

// MemberIDs returns the sorted member identifiers of a group.
func (s *Service) MemberIDs(ctx context.Context, groupID string) ([]string, error) {
	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(group.Members))
	for memberID, present := range group.Members {
		if present {
			ids = append(ids, memberID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
