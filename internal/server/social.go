package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/crewnet/backend/internal/groups"
	"github.com/crewnet/backend/internal/notify"
	"github.com/crewnet/backend/internal/profiles"
	"github.com/crewnet/backend/internal/social"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleGetMyProfile(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}

	profile, err := h.profiles.GetProfile(c.Request.Context(), userID)
	if errors.Is(err, profiles.ErrProfileNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_unavailable"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

type updateProfilePayload struct {
	DisplayName *string `json:"displayName"`
	Title       *string `json:"title"`
	Bio         *string `json:"bio"`
	PhotoURL    *string `json:"photoURL"`
}

func (h *httpHandler) handleUpdateMyProfile(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}

	var request updateProfilePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	fields := make(map[string]any)
	if request.DisplayName != nil {
		fields["displayName"] = *request.DisplayName
	}
	if request.Title != nil {
		fields["title"] = *request.Title
	}
	if request.Bio != nil {
		fields["bio"] = *request.Bio
	}
	if request.PhotoURL != nil {
		fields["photoURL"] = *request.PhotoURL
	}
	if len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_fields"})
		return
	}

	profile, err := h.profiles.UpdateProfile(c.Request.Context(), userID, fields)
	if err != nil {
		h.logger.Error("failed to update profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_update_failed"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	if _, ok := h.currentUserID(c); !ok {
		return
	}

	profile, err := h.profiles.GetProfile(c.Request.Context(), c.Param("userId"))
	if errors.Is(err, profiles.ErrProfileNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_unavailable"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleConnect(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	otherID := c.Param("userId")

	err := h.social.Connect(c.Request.Context(), userID, otherID)
	if errors.Is(err, social.ErrSelfConnection) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_connection"})
		return
	}
	if err != nil {
		h.logger.Error("failed to connect users", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "connect_failed"})
		return
	}

	h.notifyUsers(c, []string{otherID}, notify.Payload{
		Type: "connection",
		From: h.senderSnapshot(c, userID),
	})

	c.JSON(http.StatusOK, gin.H{"connected": true})
}

func (h *httpHandler) handleListConnections(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}

	connections, err := h.social.GetConnections(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list connections", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "connections_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": connections})
}

func (h *httpHandler) handleSuggestedPeople(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}

	suggested, err := h.social.SuggestedUsers(c.Request.Context(), userID, parseLimit(c.Query("limit")))
	if err != nil {
		h.logger.Error("failed to list suggestions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "suggestions_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"people": suggested})
}

type createGroupPayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
}

func (h *httpHandler) handleCreateGroup(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}

	var request createGroupPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	group, err := h.groups.CreateGroup(c.Request.Context(), groups.CreateGroupInput{
		Name:        request.Name,
		Description: request.Description,
		CreatedBy:   userID,
		Members:     request.Members,
	})
	if errors.Is(err, groups.ErrMissingName) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name_required"})
		return
	}
	if err != nil {
		h.logger.Error("failed to create group", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "group_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, group)
}

func (h *httpHandler) handleListMyGroups(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}

	memberships, err := h.groups.ListMyGroups(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list groups", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "groups_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": memberships})
}

func (h *httpHandler) handleGetGroup(c *gin.Context) {
	if _, ok := h.currentUserID(c); !ok {
		return
	}

	group, err := h.groups.GetGroup(c.Request.Context(), c.Param("groupId"))
	if errors.Is(err, groups.ErrGroupNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "group_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load group", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "group_unavailable"})
		return
	}
	c.JSON(http.StatusOK, group)
}

type announcementPayload struct {
	Message string `json:"message"`
}

// handleGroupAnnouncement posts one notification into the group inbox.
// Members see it with their own read state; only members may post.
func (h *httpHandler) handleGroupAnnouncement(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	groupID := c.Param("groupId")

	var request announcementPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(request.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_required"})
		return
	}

	group, err := h.groups.GetGroup(c.Request.Context(), groupID)
	if errors.Is(err, groups.ErrGroupNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "group_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load group", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "group_unavailable"})
		return
	}
	if !group.Members[userID] {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_member"})
		return
	}

	delivered, err := h.notifications.NotifyGroups(c.Request.Context(), []notify.GroupRef{{ID: group.ID, Name: group.Name}}, notify.Payload{
		Type:    "announcement",
		From:    h.senderSnapshot(c, userID),
		Message: request.Message,
	})
	if err != nil || delivered == 0 {
		h.logger.Error("failed to post announcement", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "announcement_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"delivered": delivered})
}
