package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewnet/backend/internal/store"
)

func newTestService(t *testing.T, backing store.Store, clock func() time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Store: backing, Clock: clock})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func TestNotifyRequiresType(t *testing.T) {
	service := newTestService(t, store.NewMemoryStore(), nil)

	_, err := service.Notify(context.Background(), []string{"u1"}, Payload{From: From{UID: "ada"}})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Code() != "notify.send.type_required" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestNotifyRequiresSender(t *testing.T) {
	service := newTestService(t, store.NewMemoryStore(), nil)

	_, err := service.Notify(context.Background(), []string{"u1"}, Payload{Type: "like"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Code() != "notify.send.from_required" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestNotifyWritesPerRecipient(t *testing.T) {
	backing := store.NewMemoryStore()
	service := newTestService(t, backing, nil)

	delivered, err := service.Notify(context.Background(), []string{"u1", "u2", ""}, Payload{
		Type:   "like",
		From:   From{UID: "ada", Name: "Ada", ProfilePic: "https://cdn/ada.png"},
		PostID: "p1",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}

	for _, recipientID := range []string{"u1", "u2"} {
		records, err := service.ListNotifications(context.Background(), recipientID, nil)
		if err != nil {
			t.Fatalf("list for %s: %v", recipientID, err)
		}
		if len(records) != 1 {
			t.Fatalf("expected 1 notification for %s, got %d", recipientID, len(records))
		}
		if records[0].Read {
			t.Fatal("expected new notification to be unread")
		}
		if records[0].Message != "" || records[0].PostID != "p1" {
			t.Fatalf("unexpected record %+v", records[0])
		}
		if records[0].From != (From{UID: "ada", Name: "Ada", ProfilePic: "https://cdn/ada.png"}) {
			t.Fatalf("expected sender snapshot to round-trip, got %+v", records[0].From)
		}
	}
}

// recipientFailingStore fails writes into one recipient's inbox.
type recipientFailingStore struct {
	store.Store
	mu     sync.Mutex
	prefix string
}

func (f *recipientFailingStore) Set(ctx context.Context, path string, value any) error {
	f.mu.Lock()
	shouldFail := strings.HasPrefix(path, f.prefix)
	f.mu.Unlock()
	if shouldFail {
		return store.ErrWriteFailed
	}
	return f.Store.Set(ctx, path, value)
}

func TestNotifySkipsFailedRecipient(t *testing.T) {
	backing := store.NewMemoryStore()
	faulty := &recipientFailingStore{Store: backing, prefix: "users/u2/"}
	service := newTestService(t, faulty, nil)

	delivered, err := service.Notify(context.Background(), []string{"u1", "u2", "u3"}, Payload{
		Type:    "mention",
		From:    From{UID: "ada", Name: "Ada"},
		Message: "you were mentioned",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}

	for recipientID, want := range map[string]int{"u1": 1, "u2": 0, "u3": 1} {
		records, err := service.ListNotifications(context.Background(), recipientID, nil)
		if err != nil {
			t.Fatalf("list for %s: %v", recipientID, err)
		}
		if len(records) != want {
			t.Fatalf("expected %d notifications for %s, got %d", want, recipientID, len(records))
		}
	}
}

func TestNotifyGroupsStartsWithEmptyReadBy(t *testing.T) {
	backing := store.NewMemoryStore()
	service := newTestService(t, backing, nil)

	delivered, err := service.NotifyGroups(context.Background(), []GroupRef{{ID: "g1", Name: "Platform Guild"}}, Payload{
		Type:    "announcement",
		From:    From{UID: "ada", Name: "Ada"},
		Message: "meeting at noon",
	})
	if err != nil {
		t.Fatalf("notify groups: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}

	records, err := service.ListNotifications(context.Background(), "u1", []string{"g1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(records))
	}
	if records[0].Read {
		t.Fatal("expected group notification unread for a fresh reader")
	}
	if records[0].GroupID != "g1" || records[0].GroupName != "Platform Guild" {
		t.Fatalf("expected group reference on the record, got %+v", records[0])
	}
	if records[0].From.Name != "Ada" {
		t.Fatalf("expected sender snapshot on the record, got %+v", records[0].From)
	}
}

func TestMarkReadFlipsFlag(t *testing.T) {
	backing := store.NewMemoryStore()
	service := newTestService(t, backing, nil)

	if _, err := service.Notify(context.Background(), []string{"u1"}, Payload{Type: "like", From: From{UID: "ada"}, PostID: "p1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	records, err := service.ListNotifications(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if err := service.MarkRead(context.Background(), "u1", records[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	records, err = service.ListNotifications(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !records[0].Read {
		t.Fatal("expected notification to be read")
	}
}

func TestMarkReadMissingNotification(t *testing.T) {
	service := newTestService(t, store.NewMemoryStore(), nil)

	err := service.MarkRead(context.Background(), "u1", "missing")
	if !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("expected ErrNotificationNotFound, got %v", err)
	}
}

func TestMarkGroupReadIsPerReader(t *testing.T) {
	backing := store.NewMemoryStore()
	service := newTestService(t, backing, nil)

	if _, err := service.NotifyGroups(context.Background(), []GroupRef{{ID: "g1", Name: "Guild"}}, Payload{Type: "announcement", From: From{UID: "ada"}, Message: "m"}); err != nil {
		t.Fatalf("notify groups: %v", err)
	}
	records, err := service.ListNotifications(context.Background(), "u1", []string{"g1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	notificationID := records[0].ID

	if err := service.MarkGroupRead(context.Background(), "g1", notificationID, "u1"); err != nil {
		t.Fatalf("mark group read u1: %v", err)
	}
	if err := service.MarkGroupRead(context.Background(), "g1", notificationID, "u2"); err != nil {
		t.Fatalf("mark group read u2: %v", err)
	}

	for _, userID := range []string{"u1", "u2"} {
		records, err := service.ListNotifications(context.Background(), userID, []string{"g1"})
		if err != nil {
			t.Fatalf("list for %s: %v", userID, err)
		}
		if !records[0].Read {
			t.Fatalf("expected notification read for %s", userID)
		}
		if len(records[0].ReadBy) != 2 {
			t.Fatalf("expected both readers recorded, got %v", records[0].ReadBy)
		}
	}

	records, err = service.ListNotifications(context.Background(), "u3", []string{"g1"})
	if err != nil {
		t.Fatalf("list for u3: %v", err)
	}
	if records[0].Read {
		t.Fatal("expected notification unread for a reader who never marked it")
	}
}

func TestMarkAllReadCoversBothInboxShapes(t *testing.T) {
	backing := store.NewMemoryStore()
	service := newTestService(t, backing, nil)

	if _, err := service.Notify(context.Background(), []string{"u1"}, Payload{Type: "like", From: From{UID: "ada"}, PostID: "p1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if _, err := service.Notify(context.Background(), []string{"u1"}, Payload{Type: "comment", From: From{UID: "ben"}, PostID: "p1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if _, err := service.NotifyGroups(context.Background(), []GroupRef{{ID: "g1", Name: "Guild"}}, Payload{Type: "announcement", From: From{UID: "ada"}, Message: "c"}); err != nil {
		t.Fatalf("notify groups: %v", err)
	}

	if err := service.MarkAllRead(context.Background(), "u1", []string{"g1"}); err != nil {
		t.Fatalf("mark all read: %v", err)
	}

	unread, err := service.UnreadCount(context.Background(), "u1", []string{"g1"})
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if unread != 0 {
		t.Fatalf("expected 0 unread, got %d", unread)
	}

	unread, err = service.UnreadCount(context.Background(), "u2", []string{"g1"})
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if unread != 1 {
		t.Fatalf("expected group entry still unread for another member, got %d", unread)
	}
}

// mergeFailingStore fails merges against a path prefix.
type mergeFailingStore struct {
	store.Store
	prefix string
}

func (f *mergeFailingStore) Merge(ctx context.Context, path string, fields map[string]any) error {
	if strings.HasPrefix(path, f.prefix) {
		return store.ErrWriteFailed
	}
	return f.Store.Merge(ctx, path, fields)
}

func TestMarkAllReadReportsPartialFailure(t *testing.T) {
	backing := store.NewMemoryStore()
	service := newTestService(t, backing, nil)

	if _, err := service.Notify(context.Background(), []string{"u1"}, Payload{Type: "like", From: From{UID: "ada"}, PostID: "p1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if _, err := service.NotifyGroups(context.Background(), []GroupRef{{ID: "g1", Name: "Guild"}}, Payload{Type: "announcement", From: From{UID: "ada"}, Message: "b"}); err != nil {
		t.Fatalf("notify groups: %v", err)
	}

	faulty := &mergeFailingStore{Store: backing, prefix: "groups/g1/"}
	faultyService := newTestService(t, faulty, nil)

	err := faultyService.MarkAllRead(context.Background(), "u1", []string{"g1"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Code() != "notify.mark_all_read.partial_failure" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
	if !strings.Contains(err.Error(), "groups/g1/notifications") {
		t.Fatalf("expected failed inbox listed, got %v", err)
	}

	unread, err := service.UnreadCount(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if unread != 0 {
		t.Fatalf("expected personal inbox marked despite group failure, got %d unread", unread)
	}
}

func TestListNotificationsOrdersNewestFirst(t *testing.T) {
	backing := store.NewMemoryStore()
	current := time.UnixMilli(1_700_000_000_000)
	service := newTestService(t, backing, func() time.Time {
		current = current.Add(time.Second)
		return current
	})

	if _, err := service.Notify(context.Background(), []string{"u1"}, Payload{Type: "share", From: From{UID: "ada"}, Message: "old"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if _, err := service.NotifyGroups(context.Background(), []GroupRef{{ID: "g1", Name: "Guild"}}, Payload{Type: "announcement", From: From{UID: "ada"}, Message: "middle"}); err != nil {
		t.Fatalf("notify groups: %v", err)
	}
	if _, err := service.Notify(context.Background(), []string{"u1"}, Payload{Type: "share", From: From{UID: "ada"}, Message: "new"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	records, err := service.ListNotifications(context.Background(), "u1", []string{"g1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(records))
	}
	got := []string{records[0].Message, records[1].Message, records[2].Message}
	want := []string{"new", "middle", "old"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestListenDeliversMergedUpdates(t *testing.T) {
	backing := store.NewMemoryStore()
	service := newTestService(t, backing, nil)

	updates := make(chan []Notification, 8)
	cancel, err := service.Listen("u1", []string{"g1"}, func(records []Notification) {
		updates <- records
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer cancel()

	if _, err := service.NotifyGroups(context.Background(), []GroupRef{{ID: "g1", Name: "Guild"}}, Payload{Type: "announcement", From: From{UID: "ada"}, Message: "live"}); err != nil {
		t.Fatalf("notify groups: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case records := <-updates:
			if len(records) == 1 && records[0].Message == "live" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for notification delivery")
		}
	}
}
