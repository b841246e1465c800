package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/crewnet/backend/internal/notify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	groupIDs, ok := h.groupIDsFor(c, userID)
	if !ok {
		return
	}

	records, err := h.notifications.ListNotifications(c.Request.Context(), userID, groupIDs)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notifications_unavailable"})
		return
	}

	unread := 0
	for _, record := range records {
		if !record.Read {
			unread++
		}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": records, "unread": unread})
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	groupIDs, ok := h.groupIDsFor(c, userID)
	if !ok {
		return
	}

	unread, err := h.notifications.UnreadCount(c.Request.Context(), userID, groupIDs)
	if err != nil {
		h.logger.Error("failed to count unread notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notifications_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": unread})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}

	err := h.notifications.MarkRead(c.Request.Context(), userID, c.Param("notificationId"))
	if errors.Is(err, notify.ErrNotificationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to mark notification read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark_read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

func (h *httpHandler) handleMarkGroupRead(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}

	err := h.notifications.MarkGroupRead(c.Request.Context(), c.Param("groupId"), c.Param("notificationId"), userID)
	if errors.Is(err, notify.ErrNotificationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to mark group notification read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark_read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	groupIDs, ok := h.groupIDsFor(c, userID)
	if !ok {
		return
	}

	if err := h.notifications.MarkAllRead(c.Request.Context(), userID, groupIDs); err != nil {
		h.logger.Error("failed to mark all notifications read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark_all_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

// handleNotificationStream serves the merged inbox over server-sent events.
// Each event carries the full recomputed list, starting with an initial
// snapshot. The stream ends when the client disconnects.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	groupIDs, ok := h.groupIDsFor(c, userID)
	if !ok {
		return
	}

	updates := make(chan []notify.Notification, 16)
	cancel, err := h.notifications.Listen(userID, groupIDs, func(records []notify.Notification) {
		select {
		case updates <- records:
		default:
		}
	})
	if err != nil {
		h.logger.Error("failed to open notification stream", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_failed"})
		return
	}
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case records := <-updates:
			c.SSEvent("notifications", gin.H{"notifications": records})
			return true
		case <-clientGone:
			return false
		}
	})
}

func (h *httpHandler) handleUploadMedia(c *gin.Context) {
	if _, ok := h.currentUserID(c); !ok {
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}
	file, err := header.Open()
	if err != nil {
		h.logger.Error("failed to open upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}
	defer file.Close()

	url, err := h.uploader.Upload(c.Request.Context(), header.Filename, header.Size, file, nil)
	if err != nil {
		h.logger.Error("failed to store upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"url": url})
}
