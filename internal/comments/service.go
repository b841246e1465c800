// Package comments implements the append-only comment list per post and
// its live subscription. Adding a comment also bumps the parent post's
// comment counter; the two writes are separate and non-atomic, so a crash
// between them leaves the counter stale until some external reconciliation
// recomputes it. No compensating transaction is attempted.
package comments

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
	// ErrMissingContent indicates an empty comment body.
	ErrMissingContent = errors.New("comments: content must not be empty")
	// ErrMissingPostID indicates an empty post identifier.
	ErrMissingPostID = errors.New("comments: post identifier is required")
	// ErrMissingUserID indicates an empty user identifier.
	ErrMissingUserID = errors.New("comments: user identifier is required")
)

// Author is the denormalized commenter snapshot frozen at write time.
type Author struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photoURL,omitempty"`
}

// Comment is the record at comments/{postId}/{commentId}.
type Comment struct {
	ID        string `json:"id"`
	PostID    string `json:"postId"`
	UserID    string `json:"userId"`
	Author    Author `json:"author"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ServiceConfig describes the dependencies of the comment subsystem.
type ServiceConfig struct {
	Store  store.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service is the comment subsystem.
type Service struct {
	store  store.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the comment subsystem.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("comments: store is required")
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

func commentsPath(postID string) string {
	return store.Join("comments", postID)
}

// AddCommentInput carries everything needed to append a comment.
type AddCommentInput struct {
	PostID  string
	UserID  string
	Content string
	Author  Author
}

// AddComment appends the comment, then bumps the parent post's comment
// counter in a separate write. A failure of the counter write is surfaced
// to the caller while the comment itself stays in place.
func (s *Service) AddComment(ctx context.Context, input AddCommentInput) (Comment, error) {
	if strings.TrimSpace(input.PostID) == "" {
		return Comment{}, ErrMissingPostID
	}
	if strings.TrimSpace(input.UserID) == "" {
		return Comment{}, ErrMissingUserID
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return Comment{}, ErrMissingContent
	}

	commentID, err := s.store.AppendChild(ctx, commentsPath(input.PostID))
	if err != nil {
		return Comment{}, err
	}

	comment := Comment{
		ID:        commentID,
		PostID:    input.PostID,
		UserID:    input.UserID,
		Author:    input.Author,
		Content:   content,
		Timestamp: s.clock().UnixMilli(),
	}
	if err := s.store.Set(ctx, store.Join("comments", input.PostID, commentID), comment); err != nil {
		return Comment{}, err
	}

	if err := s.bumpCommentCounter(ctx, input.PostID); err != nil {
		s.logger.Error("comment counter update failed",
			zap.String("post_id", input.PostID),
			zap.String("comment_id", commentID),
			zap.Error(err))
		return Comment{}, err
	}
	return comment, nil
}

// bumpCommentCounter is the second, non-atomic half of AddComment. A post
// that no longer exists is skipped, matching the store's lack of referential
// integrity.
func (s *Service) bumpCommentCounter(ctx context.Context, postID string) error {
	postPath := store.Join("posts", postID)

	value, err := s.store.Get(ctx, postPath)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var post struct {
		Comments int `json:"comments"`
	}
	if err := store.Decode(value, &post); err != nil {
		return err
	}
	return s.store.Merge(ctx, postPath, map[string]any{"comments": post.Comments + 1})
}

// ListComments returns all comments for a post in ascending timestamp
// order. Callers wanting newest-first reverse on their side.
func (s *Service) ListComments(ctx context.Context, postID string) ([]Comment, error) {
	if strings.TrimSpace(postID) == "" {
		return nil, ErrMissingPostID
	}

	value, err := s.store.Get(ctx, commentsPath(postID))
	if errors.Is(err, store.ErrNotFound) {
		return []Comment{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.decodeSet(postID, value), nil
}

// ListenForComments subscribes to a post's comment list. Every change
// delivers the full current set, not a diff, in ascending timestamp order.
// After cancel returns no further invocations start, but an in-flight
// delivery may still complete.
func (s *Service) ListenForComments(postID string, callback func([]Comment)) (func(), error) {
	if strings.TrimSpace(postID) == "" {
		return nil, ErrMissingPostID
	}
	if callback == nil {
		return nil, fmt.Errorf("comments: callback is required")
	}

	return s.store.Subscribe(commentsPath(postID), func(value any) {
		callback(s.decodeSet(postID, value))
	})
}

func (s *Service) decodeSet(postID string, value any) []Comment {
	tree, ok := value.(map[string]any)
	if !ok {
		return []Comment{}
	}

	set := make([]Comment, 0, len(tree))
	for commentID, raw := range tree {
		var comment Comment
		if err := store.Decode(raw, &comment); err != nil {
			s.logger.Warn("skipping malformed comment",
				zap.String("post_id", postID),
				zap.String("comment_id", commentID),
				zap.Error(err))
			continue
		}
		if comment.ID == "" {
			comment.ID = commentID
		}
		set = append(set, comment)
	}

	sort.Slice(set, func(i, j int) bool {
		if set[i].Timestamp != set[j].Timestamp {
			return set[i].Timestamp < set[j].Timestamp
		}
		return set[i].ID < set[j].ID
	})
	return set
}
