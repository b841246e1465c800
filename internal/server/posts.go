package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/crewnet/backend/internal/comments"
	"github.com/crewnet/backend/internal/notify"
	"github.com/crewnet/backend/internal/posts"
	"github.com/crewnet/backend/internal/profiles"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createPostPayload struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
	Type    string   `json:"type"`
	Image   string   `json:"image"`
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}

	var request createPostPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	author, err := h.authorSnapshot(c, userID)
	if err != nil {
		return
	}

	post, err := h.posts.CreatePost(c.Request.Context(), posts.CreatePostInput{
		UserID:  userID,
		Content: request.Content,
		Author:  author,
		Tags:    request.Tags,
		Type:    request.Type,
		Image:   request.Image,
	})
	if err != nil {
		var serviceErr *posts.ServiceError
		if errors.As(err, &serviceErr) && strings.Contains(serviceErr.Code(), "content_required") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content_required"})
			return
		}
		h.logger.Error("failed to create post", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "post_create_failed"})
		return
	}

	c.JSON(http.StatusCreated, post)
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	if _, ok := h.currentUserID(c); !ok {
		return
	}

	limit := parseLimit(c.Query("limit"))
	feed, err := h.posts.ListPosts(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list posts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feed_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": feed})
}

func (h *httpHandler) handleGetPost(c *gin.Context) {
	if _, ok := h.currentUserID(c); !ok {
		return
	}

	post, err := h.posts.GetPost(c.Request.Context(), c.Param("postId"))
	if errors.Is(err, posts.ErrPostNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "post_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load post", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "post_unavailable"})
		return
	}
	c.JSON(http.StatusOK, post)
}

func (h *httpHandler) handleLikePost(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	postID := c.Param("postId")

	post, err := h.posts.GetPost(c.Request.Context(), postID)
	if errors.Is(err, posts.ErrPostNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "post_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load post", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "post_unavailable"})
		return
	}

	likes, err := h.posts.LikePost(c.Request.Context(), postID, userID)
	if err != nil {
		h.logger.Error("failed to like post", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "like_failed"})
		return
	}

	if post.UserID != userID {
		h.notifyUsers(c, []string{post.UserID}, notify.Payload{
			Type:   "like",
			From:   h.senderSnapshot(c, userID),
			PostID: postID,
		})
	}

	c.JSON(http.StatusOK, gin.H{"likes": likes})
}

type sharePostPayload struct {
	SharedWith []string `json:"shared_with"`
	Message    string   `json:"message"`
}

func (h *httpHandler) handleSharePost(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	postID := c.Param("postId")

	var request sharePostPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	post, err := h.posts.GetPost(c.Request.Context(), postID)
	if errors.Is(err, posts.ErrPostNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "post_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load post", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "post_unavailable"})
		return
	}

	shares, err := h.posts.SharePost(c.Request.Context(), postID, userID)
	if err != nil {
		h.logger.Error("failed to bump share counter", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "share_failed"})
		return
	}

	share, err := h.posts.RecordShare(c.Request.Context(), posts.ShareInput{
		PostID:     postID,
		SharedBy:   userID,
		SharedWith: request.SharedWith,
		Message:    request.Message,
	})
	if err != nil {
		h.logger.Error("failed to record share", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "share_failed"})
		return
	}

	recipients := append([]string{}, request.SharedWith...)
	if post.UserID != userID {
		recipients = append(recipients, post.UserID)
	}
	h.notifyUsers(c, recipients, notify.Payload{
		Type:    "share",
		From:    h.senderSnapshot(c, userID),
		Message: request.Message,
		PostID:  postID,
	})

	c.JSON(http.StatusOK, gin.H{"shares": shares, "share": share})
}

type addCommentPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	postID := c.Param("postId")

	var request addCommentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	author, err := h.authorSnapshot(c, userID)
	if err != nil {
		return
	}

	comment, err := h.comments.AddComment(c.Request.Context(), comments.AddCommentInput{
		PostID:  postID,
		UserID:  userID,
		Content: request.Content,
		Author: comments.Author{
			ID:       author.ID,
			Name:     author.Name,
			PhotoURL: author.PhotoURL,
		},
	})
	if errors.Is(err, comments.ErrMissingContent) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content_required"})
		return
	}
	if err != nil {
		h.logger.Error("failed to add comment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "comment_failed"})
		return
	}

	if post, err := h.posts.GetPost(c.Request.Context(), postID); err == nil && post.UserID != userID {
		h.notifyUsers(c, []string{post.UserID}, notify.Payload{
			Type:   "comment",
			From:   h.senderSnapshot(c, userID),
			PostID: postID,
		})
	}

	c.JSON(http.StatusCreated, comment)
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	if _, ok := h.currentUserID(c); !ok {
		return
	}

	listed, err := h.comments.ListComments(c.Request.Context(), c.Param("postId"))
	if err != nil {
		h.logger.Error("failed to list comments", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "comments_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": listed})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	if _, ok := h.currentUserID(c); !ok {
		return
	}

	matched, err := h.posts.SearchPosts(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.logger.Error("search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": matched})
}

func (h *httpHandler) handleTrending(c *gin.Context) {
	if _, ok := h.currentUserID(c); !ok {
		return
	}

	topics, err := h.posts.TrendingTopics(c.Request.Context(), parseLimit(c.Query("limit")))
	if err != nil {
		h.logger.Error("trending lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trending_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

// authorSnapshot freezes the caller's profile into a post author record.
// Writes the error response itself on failure.
func (h *httpHandler) authorSnapshot(c *gin.Context, userID string) (posts.AuthorSnapshot, error) {
	profile, err := h.profiles.GetProfile(c.Request.Context(), userID)
	if errors.Is(err, profiles.ErrProfileNotFound) {
		c.JSON(http.StatusForbidden, gin.H{"error": "profile_required"})
		return posts.AuthorSnapshot{}, err
	}
	if err != nil {
		h.logger.Error("failed to load author profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_unavailable"})
		return posts.AuthorSnapshot{}, err
	}
	return posts.AuthorSnapshot{
		ID:       profile.ID,
		Name:     profile.DisplayName,
		PhotoURL: profile.PhotoURL,
		Title:    profile.Title,
	}, nil
}

// senderSnapshot freezes the acting user's profile into the notification
// from block. A missing profile degrades to the bare user id.
func (h *httpHandler) senderSnapshot(c *gin.Context, userID string) notify.From {
	profile, err := h.profiles.GetProfile(c.Request.Context(), userID)
	if err != nil || profile.DisplayName == "" {
		return notify.From{UID: userID, Name: userID}
	}
	return notify.From{UID: userID, Name: profile.DisplayName, ProfilePic: profile.PhotoURL}
}

// notifyUsers fans a payload out best-effort; handler responses never fail
// on notification errors.
func (h *httpHandler) notifyUsers(c *gin.Context, recipientIDs []string, payload notify.Payload) {
	if len(recipientIDs) == 0 {
		return
	}
	if _, err := h.notifications.Notify(c.Request.Context(), recipientIDs, payload); err != nil {
		h.logger.Warn("notification fan-out failed", zap.Error(err))
	}
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
