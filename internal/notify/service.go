// Package notify implements the notification fan-out and the two inbox
// shapes it feeds: personal inboxes at users/{userId}/notifications with a
// per-record read flag, and group inboxes at groups/{groupId}/notifications
// with a per-reader readBy map. Fan-out is best-effort per recipient; there
// is no outbox or retry, a failed recipient write is logged and skipped.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewnet/backend/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore  = errors.New("store is required")
	errMissingUserID = errors.New("user identifier is required")
	errMissingID     = errors.New("notification identifier is required")
	errTypeRequired  = errors.New("notification type is required")
	errFromRequired  = errors.New("sender snapshot must carry a user id")
	noOpLogger       = zap.NewNop()
)

// ErrNotificationNotFound indicates the targeted notification does not exist.
var ErrNotificationNotFound = errors.New("notify: notification not found")

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
	opServiceNew    = "notify.service.new"
	opNotify        = "notify.send"
	opNotifyGroups  = "notify.send_groups"
	opMarkRead      = "notify.mark_read"
	opMarkGroupRead = "notify.mark_group_read"
	opMarkAllRead   = "notify.mark_all_read"
	opList          = "notify.list"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// From is a denormalized snapshot of the sender at fan-out time. Like a
// post's author block, it does not track later profile edits.
type From struct {
	UID        string `json:"uid"`
	Name       string `json:"name"`
	ProfilePic string `json:"profilePic,omitempty"`
}

// Notification is a single inbox entry. Personal entries carry Read; group
// entries carry ReadBy and Read is derived per reader when listing. Message
// is optional: like and comment entries carry only the sender snapshot and
// the post reference.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	From      From            `json:"from"`
	Message   string          `json:"message,omitempty"`
	PostID    string          `json:"postId,omitempty"`
	GroupID   string          `json:"groupId,omitempty"`
	GroupName string          `json:"groupName,omitempty"`
	Read      bool            `json:"read"`
	ReadBy    map[string]bool `json:"readBy,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Payload is the notification content fanned out to recipients.
type Payload struct {
	Type    string
	From    From
	Message string
	PostID  string
}

// GroupRef names a group inbox. The display name is denormalized onto each
// record so readers do not resolve the group again.
type GroupRef struct {
	ID   string
	Name string
}

// ServiceConfig describes the dependencies of the notification subsystem.
type ServiceConfig struct {
	Store  store.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service is the notification subsystem.
type Service struct {
	store  store.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the notification subsystem.
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

func inboxPath(userID string) string {
	return store.Join("users", userID, "notifications")
}

func groupInboxPath(groupID string) string {
	return store.Join("groups", groupID, "notifications")
}

// Notify fans the payload out to each recipient's personal inbox. Each
// recipient gets its own record with read=false. A failed recipient write
// is logged and skipped; Notify reports how many writes landed.
func (s *Service) Notify(ctx context.Context, recipientIDs []string, payload Payload) (int, error) {
	if strings.TrimSpace(payload.Type) == "" {
		return 0, newServiceError(opNotify, "type_required", errTypeRequired)
	}
	if strings.TrimSpace(payload.From.UID) == "" {
		return 0, newServiceError(opNotify, "from_required", errFromRequired)
	}

	delivered := 0
	for _, recipientID := range recipientIDs {
		recipientID = strings.TrimSpace(recipientID)
		if recipientID == "" {
			continue
		}

		id, err := s.store.AppendChild(ctx, inboxPath(recipientID))
		if err != nil {
			s.logError(opNotify, "id_generation_failed", err, zap.String("recipient_id", recipientID))
			continue
		}
		record := Notification{
			ID:        id,
			Type:      payload.Type,
			From:      payload.From,
			Message:   payload.Message,
			PostID:    payload.PostID,
			Read:      false,
			Timestamp: s.clock().UnixMilli(),
		}
		if err := s.store.Set(ctx, store.Join(inboxPath(recipientID), id), record); err != nil {
			s.logError(opNotify, "write_failed", err, zap.String("recipient_id", recipientID))
			continue
		}
		delivered++
	}
	return delivered, nil
}

// NotifyGroups writes one record per group inbox with an empty readBy map.
// Like Notify, failures are logged and the remaining groups still receive
// theirs.
func (s *Service) NotifyGroups(ctx context.Context, groupRefs []GroupRef, payload Payload) (int, error) {
	if strings.TrimSpace(payload.Type) == "" {
		return 0, newServiceError(opNotifyGroups, "type_required", errTypeRequired)
	}
	if strings.TrimSpace(payload.From.UID) == "" {
		return 0, newServiceError(opNotifyGroups, "from_required", errFromRequired)
	}

	delivered := 0
	for _, groupRef := range groupRefs {
		groupID := strings.TrimSpace(groupRef.ID)
		if groupID == "" {
			continue
		}

		id, err := s.store.AppendChild(ctx, groupInboxPath(groupID))
		if err != nil {
			s.logError(opNotifyGroups, "id_generation_failed", err, zap.String("group_id", groupID))
			continue
		}
		record := Notification{
			ID:        id,
			Type:      payload.Type,
			From:      payload.From,
			Message:   payload.Message,
			PostID:    payload.PostID,
			GroupID:   groupID,
			GroupName: groupRef.Name,
			ReadBy:    map[string]bool{},
			Timestamp: s.clock().UnixMilli(),
		}
		if err := s.store.Set(ctx, store.Join(groupInboxPath(groupID), id), record); err != nil {
			s.logError(opNotifyGroups, "write_failed", err, zap.String("group_id", groupID))
			continue
		}
		delivered++
	}
	return delivered, nil
}

// MarkRead flips the read flag on one personal notification.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	if strings.TrimSpace(userID) == "" {
		return newServiceError(opMarkRead, "missing_user_id", errMissingUserID)
	}
	if strings.TrimSpace(notificationID) == "" {
		return newServiceError(opMarkRead, "missing_notification_id", errMissingID)
	}

	path := store.Join(inboxPath(userID), notificationID)
	if _, err := s.store.Get(ctx, path); errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, notificationID)
	} else if err != nil {
		return newServiceError(opMarkRead, "read_failed", err)
	}

	if err := s.store.Merge(ctx, path, map[string]any{"read": true}); err != nil {
		s.logError(opMarkRead, "write_failed", err,
			zap.String("user_id", userID), zap.String("notification_id", notificationID))
		return newServiceError(opMarkRead, "write_failed", err)
	}
	return nil
}

// MarkGroupRead records that the user has read one group notification. Only
// the reader's own key in readBy is touched, so concurrent readers never
// clobber each other.
func (s *Service) MarkGroupRead(ctx context.Context, groupID, notificationID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return newServiceError(opMarkGroupRead, "missing_user_id", errMissingUserID)
	}
	if strings.TrimSpace(groupID) == "" || strings.TrimSpace(notificationID) == "" {
		return newServiceError(opMarkGroupRead, "missing_notification_id", errMissingID)
	}

	path := store.Join(groupInboxPath(groupID), notificationID)
	if _, err := s.store.Get(ctx, path); errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, notificationID)
	} else if err != nil {
		return newServiceError(opMarkGroupRead, "read_failed", err)
	}

	if err := s.store.Merge(ctx, path, map[string]any{"readBy/" + userID: true}); err != nil {
		s.logError(opMarkGroupRead, "write_failed", err,
			zap.String("group_id", groupID), zap.String("notification_id", notificationID))
		return newServiceError(opMarkGroupRead, "write_failed", err)
	}
	return nil
}

// MarkAllRead marks every notification visible to the user as read: one
// batched merge on the personal inbox, then one per group inbox touching
// only the user's readBy keys. Inboxes that fail are collected and reported
// together; the ones that succeeded stay marked.
func (s *Service) MarkAllRead(ctx context.Context, userID string, groupIDs []string) error {
	if strings.TrimSpace(userID) == "" {
		return newServiceError(opMarkAllRead, "missing_user_id", errMissingUserID)
	}

	var failed []string

	personal, err := s.personalNotifications(ctx, userID)
	if err != nil {
		return err
	}
	fields := make(map[string]any)
	for _, record := range personal {
		if !record.Read {
			fields[record.ID+"/read"] = true
		}
	}
	if len(fields) > 0 {
		if err := s.store.Merge(ctx, inboxPath(userID), fields); err != nil {
			s.logError(opMarkAllRead, "inbox_write_failed", err, zap.String("user_id", userID))
			failed = append(failed, inboxPath(userID))
		}
	}

	for _, groupID := range groupIDs {
		groupID = strings.TrimSpace(groupID)
		if groupID == "" {
			continue
		}
		records, err := s.groupNotifications(ctx, groupID)
		if err != nil {
			s.logError(opMarkAllRead, "group_read_failed", err, zap.String("group_id", groupID))
			failed = append(failed, groupInboxPath(groupID))
			continue
		}
		groupFields := make(map[string]any)
		for _, record := range records {
			if !record.ReadBy[userID] {
				groupFields[record.ID+"/readBy/"+userID] = true
			}
		}
		if len(groupFields) == 0 {
			continue
		}
		if err := s.store.Merge(ctx, groupInboxPath(groupID), groupFields); err != nil {
			s.logError(opMarkAllRead, "group_write_failed", err, zap.String("group_id", groupID))
			failed = append(failed, groupInboxPath(groupID))
		}
	}

	if len(failed) > 0 {
		return newServiceError(opMarkAllRead, "partial_failure",
			fmt.Errorf("inboxes not updated: %s", strings.Join(failed, ", ")))
	}
	return nil
}

// ListNotifications merges the personal inbox with the inboxes of the given
// groups, newest first. Group entries report Read from the caller's own
// readBy key.
func (s *Service) ListNotifications(ctx context.Context, userID string, groupIDs []string) ([]Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opList, "missing_user_id", errMissingUserID)
	}

	merged, err := s.personalNotifications(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, groupID := range groupIDs {
		groupID = strings.TrimSpace(groupID)
		if groupID == "" {
			continue
		}
		records, err := s.groupNotifications(ctx, groupID)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			record.Read = record.ReadBy[userID]
			merged = append(merged, record)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp > merged[j].Timestamp
		}
		return merged[i].ID > merged[j].ID
	})
	return merged, nil
}

// UnreadCount is the number of merged notifications the user has not read.
func (s *Service) UnreadCount(ctx context.Context, userID string, groupIDs []string) (int, error) {
	merged, err := s.ListNotifications(ctx, userID, groupIDs)
	if err != nil {
		return 0, err
	}
	unread := 0
	for _, record := range merged {
		if !record.Read {
			unread++
		}
	}
	return unread, nil
}

// Listen subscribes to the user's merged inbox. The callback receives the
// full recomputed list on the initial snapshot and after every change to
// the personal inbox or any watched group inbox. Cancel stops all
// underlying subscriptions.
func (s *Service) Listen(userID string, groupIDs []string, callback func([]Notification)) (func(), error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opList, "missing_user_id", errMissingUserID)
	}
	if callback == nil {
		return nil, newServiceError(opList, "missing_callback", errors.New("callback is required"))
	}

	deliver := func(any) {
		merged, err := s.ListNotifications(context.Background(), userID, groupIDs)
		if err != nil {
			s.logError(opList, "refresh_failed", err, zap.String("user_id", userID))
			return
		}
		callback(merged)
	}

	cancels := make([]func(), 0, len(groupIDs)+1)
	cancel, err := s.store.Subscribe(inboxPath(userID), deliver)
	if err != nil {
		return nil, newServiceError(opList, "subscribe_failed", err)
	}
	cancels = append(cancels, cancel)

	for _, groupID := range groupIDs {
		groupID = strings.TrimSpace(groupID)
		if groupID == "" {
			continue
		}
		groupCancel, err := s.store.Subscribe(groupInboxPath(groupID), deliver)
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return nil, newServiceError(opList, "subscribe_failed", err)
		}
		cancels = append(cancels, groupCancel)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, c := range cancels {
				c()
			}
		})
	}, nil
}

func (s *Service) personalNotifications(ctx context.Context, userID string) ([]Notification, error) {
	value, err := s.store.Get(ctx, inboxPath(userID))
	if errors.Is(err, store.ErrNotFound) {
		return []Notification{}, nil
	}
	if err != nil {
		return nil, newServiceError(opList, "read_failed", err)
	}
	return s.decodeInbox(value, ""), nil
}

func (s *Service) groupNotifications(ctx context.Context, groupID string) ([]Notification, error) {
	value, err := s.store.Get(ctx, groupInboxPath(groupID))
	if errors.Is(err, store.ErrNotFound) {
		return []Notification{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.decodeInbox(value, groupID), nil
}

func (s *Service) decodeInbox(value any, groupID string) []Notification {
	tree, ok := value.(map[string]any)
	if !ok {
		return []Notification{}
	}

	records := make([]Notification, 0, len(tree))
	for id, raw := range tree {
		var record Notification
		if err := store.Decode(raw, &record); err != nil {
			s.logError(opList, "decode_failed", err, zap.String("notification_id", id))
			continue
		}
		if record.ID == "" {
			record.ID = id
		}
		if groupID != "" && record.GroupID == "" {
			record.GroupID = groupID
		}
		records = append(records, record)
	}
	return records
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
	s.logger.Error("notification service error", attrs...)
}
