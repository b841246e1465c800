package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/crewnet/backend/internal/auth"
	"github.com/crewnet/backend/internal/blob"
	"github.com/crewnet/backend/internal/comments"
	"github.com/crewnet/backend/internal/groups"
	"github.com/crewnet/backend/internal/notify"
	"github.com/crewnet/backend/internal/posts"
	"github.com/crewnet/backend/internal/profiles"
	"github.com/crewnet/backend/internal/social"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "crewnet_user_id"

var (
	errMissingVerifier      = errors.New("identity verifier dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingProfiles      = errors.New("profile service dependency required")
	errMissingPosts         = errors.New("post service dependency required")
	errMissingComments      = errors.New("comment service dependency required")
	errMissingSocial        = errors.New("social service dependency required")
	errMissingGroups        = errors.New("group service dependency required")
	errMissingNotifications = errors.New("notification service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (auth.IdentityClaims, error)
}

type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, claims auth.IdentityClaims) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Verifier       IdentityVerifier
	TokenManager   SessionTokenManager
	Profiles       *profiles.Service
	Posts          *posts.Service
	Comments       *comments.Service
	Social         *social.Service
	Groups         *groups.Service
	Notifications  *notify.Service
	Uploader       blob.Uploader
	MediaDir       string
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.Posts == nil {
		return nil, errMissingPosts
	}
	if deps.Comments == nil {
		return nil, errMissingComments
	}
	if deps.Social == nil {
		return nil, errMissingSocial
	}
	if deps.Groups == nil {
		return nil, errMissingGroups
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:      deps.Verifier,
		tokens:        deps.TokenManager,
		profiles:      deps.Profiles,
		posts:         deps.Posts,
		comments:      deps.Comments,
		social:        deps.Social,
		groups:        deps.Groups,
		notifications: deps.Notifications,
		uploader:      deps.Uploader,
		logger:        logger,
	}

	router.POST("/auth/login", handler.handleLogin)
	if deps.MediaDir != "" {
		router.Static("/media", deps.MediaDir)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/profiles/me", handler.handleGetMyProfile)
	protected.PATCH("/profiles/me", handler.handleUpdateMyProfile)
	protected.GET("/profiles/:userId", handler.handleGetProfile)

	protected.GET("/feed", handler.handleFeed)
	protected.POST("/posts", handler.handleCreatePost)
	protected.GET("/posts/:postId", handler.handleGetPost)
	protected.POST("/posts/:postId/like", handler.handleLikePost)
	protected.POST("/posts/:postId/share", handler.handleSharePost)
	protected.GET("/posts/:postId/comments", handler.handleListComments)
	protected.POST("/posts/:postId/comments", handler.handleAddComment)
	protected.GET("/search", handler.handleSearch)
	protected.GET("/trending", handler.handleTrending)

	protected.GET("/connections", handler.handleListConnections)
	protected.POST("/connections/:userId", handler.handleConnect)
	protected.GET("/people/suggested", handler.handleSuggestedPeople)

	protected.POST("/groups", handler.handleCreateGroup)
	protected.GET("/groups", handler.handleListMyGroups)
	protected.GET("/groups/:groupId", handler.handleGetGroup)
	protected.POST("/groups/:groupId/announcements", handler.handleGroupAnnouncement)

	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/unread-count", handler.handleUnreadCount)
	protected.GET("/notifications/stream", handler.handleNotificationStream)
	protected.POST("/notifications/read-all", handler.handleMarkAllRead)
	protected.POST("/notifications/:notificationId/read", handler.handleMarkRead)
	protected.POST("/groups/:groupId/notifications/:notificationId/read", handler.handleMarkGroupRead)

	if deps.Uploader != nil {
		protected.POST("/media", handler.handleUploadMedia)
	}

	return router, nil
}

type httpHandler struct {
	verifier      IdentityVerifier
	tokens        SessionTokenManager
	profiles      *profiles.Service
	posts         *posts.Service
	comments      *comments.Service
	social        *social.Service
	groups        *groups.Service
	notifications *notify.Service
	uploader      blob.Uploader
	logger        *zap.Logger
}

type loginRequestPayload struct {
	IDToken string `json:"id_token"`
}

type loginResponsePayload struct {
	AccessToken string           `json:"access_token"`
	ExpiresIn   int64            `json:"expires_in"`
	TokenType   string           `json:"token_type"`
	Profile     profiles.Profile `json:"profile"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("identity token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	profile, err := h.profiles.EnsureProfile(c.Request.Context(), claims.UserID, claims)
	if err != nil {
		h.logger.Error("failed to ensure profile at login", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_init_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Profile:     profile,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) currentUserID(c *gin.Context) (string, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

// groupIDsFor resolves the group inboxes visible to the user from their
// membership index.
func (h *httpHandler) groupIDsFor(c *gin.Context, userID string) ([]string, bool) {
	memberships, err := h.groups.ListMyGroups(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list group memberships", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "groups_unavailable"})
		return nil, false
	}
	ids := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		ids = append(ids, membership.GroupID)
	}
	return ids, true
}
