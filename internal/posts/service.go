// Package posts implements the post repository: creation with a tag index,
// feed listing, counter updates and the share audit trail. Counter updates
// are blind read-modify-writes; the store offers no atomic increment, so
// concurrent increments can lose updates. That limitation is documented
// here rather than hidden, and the primary record always wins over derived
// index writes.
package posts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/crewnet/backend/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingStore   = errors.New("store is required")
	errMissingContent = errors.New("content must not be empty")
	errMissingUserID  = errors.New("user identifier is required")
	errMissingPostID  = errors.New("post identifier is required")
	noOpLogger        = zap.NewNop()
)

// ErrPostNotFound indicates the targeted post does not exist.
var ErrPostNotFound = errors.New("posts: post not found")

// ServiceError carries a dotted operation code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "posts.service.new"
	opCreate     = "posts.create"
	opList       = "posts.list"
	opGet        = "posts.get"
	opLike       = "posts.like"
	opShare      = "posts.share"
	opRecord     = "posts.record_share"
	opSearch     = "posts.search"
	opTrending   = "posts.trending"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const defaultFeedLimit = 20

// ServiceConfig describes the dependencies of the post repository.
type ServiceConfig struct {
	Store  store.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service is the post repository.
type Service struct {
	store  store.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the post repository.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, clock: clock, logger: logger}, nil
}

// CreatePostInput carries everything needed to publish a post.
type CreatePostInput struct {
	UserID  string
	Content string
	Author  AuthorSnapshot
	Tags    []string
	Type    string
	Image   string
}

// CreatePost writes the post record with zeroed counters, then upserts the
// count for each distinct tag. Tag upserts are best-effort: a failing tag
// write is logged and skipped so the post itself still lands.
func (s *Service) CreatePost(ctx context.Context, input CreatePostInput) (Post, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return Post{}, newServiceError(opCreate, "missing_user_id", errMissingUserID)
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return Post{}, newServiceError(opCreate, "content_required", errMissingContent)
	}

	postID, err := s.store.AppendChild(ctx, "posts")
	if err != nil {
		return Post{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	tags := make([]string, 0, len(input.Tags))
	seen := make(map[string]struct{}, len(input.Tags))
	for _, raw := range input.Tags {
		tag := normalizeTag(raw)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	post := Post{
		ID:        postID,
		UserID:    input.UserID,
		Author:    input.Author,
		Content:   content,
		Timestamp: s.clock().UnixMilli(),
		Tags:      tags,
		Type:      strings.TrimSpace(input.Type),
		Image:     input.Image,
	}

	doc, err := store.Encode(post)
	if err != nil {
		return Post{}, newServiceError(opCreate, "encode_failed", err)
	}
	if err := s.store.Set(ctx, store.Join("posts", postID), doc); err != nil {
		s.logError(opCreate, "post_write_failed", err, zap.String("post_id", postID))
		return Post{}, newServiceError(opCreate, "post_write_failed", err)
	}

	for _, tag := range tags {
		if err := s.upsertTagCount(ctx, tag); err != nil {
			s.logError(opCreate, "tag_upsert_failed", err,
				zap.String("post_id", postID), zap.String("tag", tag))
		}
	}

	return post, nil
}

// upsertTagCount is a non-atomic read-then-write increment. Two posts
// created concurrently with the same tag can lose one count.
func (s *Service) upsertTagCount(ctx context.Context, tag string) error {
	path := store.Join("tags", tagKey(tag))

	value, err := s.store.Get(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return s.store.Set(ctx, path, Tag{Name: tag, Count: 1})
	}
	if err != nil {
		return err
	}

	var existing Tag
	if err := store.Decode(value, &existing); err != nil {
		return err
	}
	return s.store.Merge(ctx, path, map[string]any{"count": existing.Count + 1})
}

// ListPosts returns the most recent posts, newest first. Ties on timestamp
// break by the store's monotonic key order.
func (s *Service) ListPosts(ctx context.Context, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = defaultFeedLimit
	}

	all, err := s.allPosts(ctx, opList)
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp > all[j].Timestamp
		}
		return all[i].ID > all[j].ID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// GetPost returns a single post record.
func (s *Service) GetPost(ctx context.Context, postID string) (Post, error) {
	if strings.TrimSpace(postID) == "" {
		return Post{}, newServiceError(opGet, "missing_post_id", errMissingPostID)
	}

	value, err := s.store.Get(ctx, store.Join("posts", postID))
	if errors.Is(err, store.ErrNotFound) {
		return Post{}, fmt.Errorf("%w: %s", ErrPostNotFound, postID)
	}
	if err != nil {
		return Post{}, newServiceError(opGet, "read_failed", err)
	}

	var post Post
	if err := store.Decode(value, &post); err != nil {
		return Post{}, newServiceError(opGet, "decode_failed", err)
	}
	return post, nil
}

// LikePost bumps the like counter and records the liker in the advisory
// likedBy set. The increment has no isolation: two concurrent likes can
// both read the same base and write base+1, losing one. Callers retrying a
// failed like must re-read rather than resubmit blindly.
func (s *Service) LikePost(ctx context.Context, postID, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, newServiceError(opLike, "missing_user_id", errMissingUserID)
	}

	post, err := s.GetPost(ctx, postID)
	if err != nil {
		return 0, err
	}

	newLikes := post.Likes + 1
	fields := map[string]any{
		"likes":             newLikes,
		"likedBy/" + userID: true,
	}
	if err := s.store.Merge(ctx, store.Join("posts", postID), fields); err != nil {
		s.logError(opLike, "counter_write_failed", err, zap.String("post_id", postID))
		return 0, newServiceError(opLike, "counter_write_failed", err)
	}
	return newLikes, nil
}

// SharePost bumps the share counter with the same unguarded
// read-modify-write as LikePost.
func (s *Service) SharePost(ctx context.Context, postID, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, newServiceError(opShare, "missing_user_id", errMissingUserID)
	}

	post, err := s.GetPost(ctx, postID)
	if err != nil {
		return 0, err
	}

	newShares := post.Shares + 1
	if err := s.store.Merge(ctx, store.Join("posts", postID), map[string]any{"shares": newShares}); err != nil {
		s.logError(opShare, "counter_write_failed", err, zap.String("post_id", postID))
		return 0, newServiceError(opShare, "counter_write_failed", err)
	}
	return newShares, nil
}

// ShareInput describes a share audit entry.
type ShareInput struct {
	PostID     string
	SharedBy   string
	SharedWith []string
	Message    string
}

// RecordShare appends the audit record at shares/{shareId}.
func (s *Service) RecordShare(ctx context.Context, input ShareInput) (Share, error) {
	if strings.TrimSpace(input.PostID) == "" {
		return Share{}, newServiceError(opRecord, "missing_post_id", errMissingPostID)
	}
	if strings.TrimSpace(input.SharedBy) == "" {
		return Share{}, newServiceError(opRecord, "missing_user_id", errMissingUserID)
	}

	share := Share{
		ID:         uuid.NewString(),
		PostID:     input.PostID,
		SharedBy:   input.SharedBy,
		SharedWith: input.SharedWith,
		Message:    strings.TrimSpace(input.Message),
		Timestamp:  s.clock().UnixMilli(),
	}
	if err := s.store.Set(ctx, store.Join("shares", share.ID), share); err != nil {
		s.logError(opRecord, "write_failed", err, zap.String("post_id", input.PostID))
		return Share{}, newServiceError(opRecord, "write_failed", err)
	}
	return share, nil
}

// SearchPosts scans every post for a case-insensitive substring match in
// content or tags. O(total posts) per call; acceptable only at small scale.
func (s *Service) SearchPosts(ctx context.Context, query string) ([]Post, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return []Post{}, nil
	}

	all, err := s.allPosts(ctx, opSearch)
	if err != nil {
		return nil, err
	}

	matched := make([]Post, 0)
	for _, post := range all {
		if strings.Contains(strings.ToLower(post.Content), needle) {
			matched = append(matched, post)
			continue
		}
		for _, tag := range post.Tags {
			if strings.Contains(strings.ToLower(tag), needle) {
				matched = append(matched, post)
				break
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp > matched[j].Timestamp
	})
	return matched, nil
}

// TrendingTopics returns the highest-count tags. A plain counting query,
// not a ranking system.
func (s *Service) TrendingTopics(ctx context.Context, limit int) ([]Tag, error) {
	if limit <= 0 {
		limit = 5
	}

	value, err := s.store.Get(ctx, "tags")
	if errors.Is(err, store.ErrNotFound) {
		return []Tag{}, nil
	}
	if err != nil {
		return nil, newServiceError(opTrending, "read_failed", err)
	}

	tree, ok := value.(map[string]any)
	if !ok {
		return []Tag{}, nil
	}

	topics := make([]Tag, 0, len(tree))
	for key, raw := range tree {
		var tag Tag
		if err := store.Decode(raw, &tag); err != nil {
			s.logError(opTrending, "decode_failed", err, zap.String("tag", key))
			continue
		}
		topics = append(topics, tag)
	}

	sort.Slice(topics, func(i, j int) bool {
		if topics[i].Count != topics[j].Count {
			return topics[i].Count > topics[j].Count
		}
		return topics[i].Name < topics[j].Name
	})
	if len(topics) > limit {
		topics = topics[:limit]
	}
	return topics, nil
}

func (s *Service) allPosts(ctx context.Context, operation string) ([]Post, error) {
	value, err := s.store.Get(ctx, "posts")
	if errors.Is(err, store.ErrNotFound) {
		return []Post{}, nil
	}
	if err != nil {
		return nil, newServiceError(operation, "read_failed", err)
	}

	tree, ok := value.(map[string]any)
	if !ok {
		return []Post{}, nil
	}

	all := make([]Post, 0, len(tree))
	for postID, raw := range tree {
		var post Post
		if err := store.Decode(raw, &post); err != nil {
			s.logError(operation, "decode_failed", err, zap.String("post_id", postID))
			continue
		}
		if post.ID == "" {
			post.ID = postID
		}
		all = append(all, post)
	}
	return all, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("post service error", attrs...)
}
