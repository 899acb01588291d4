package store

import (
	"fmt"
	"sort"

	"github.com/repopilot/repopilot/internal/errors"
	"github.com/repopilot/repopilot/internal/model"
)

// CreateNotification persists a new unread notification.
func (s *Store) CreateNotification(taskID, notifType, title, body string) (*model.Notification, error) {
	if notifType == "" {
		notifType = model.NotifyInfo
	}

	var notification *model.Notification
	err := s.withLock("notifications", func() error {
		rows := readJSON[model.Notification](s.notificationsFile)
		existing := make(map[string]bool, len(rows))
		for _, row := range rows {
			existing[row.ID] = true
		}
		id, err := allocateID(existing)
		if err != nil {
			return err
		}

		notification = &model.Notification{
			ID:        id,
			TaskID:    taskID,
			Type:      notifType,
			Title:     title,
			Body:      body,
			CreatedAt: model.NowISO(),
			Read:      false,
		}
		rows = append(rows, *notification)
		return writeJSONAtomic(s.notificationsFile, rows)
	})
	if err != nil {
		return nil, err
	}
	return notification, nil
}

// ListNotifications returns all notifications newest first.
func (s *Store) ListNotifications() ([]model.Notification, error) {
	var rows []model.Notification
	err := s.withLock("notifications", func() error {
		rows = readJSON[model.Notification](s.notificationsFile)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt > rows[j].CreatedAt
	})
	return rows, nil
}

// MarkNotificationRead flags a notification as read.
func (s *Store) MarkNotificationRead(notificationID string) (*model.Notification, error) {
	var updated *model.Notification
	err := s.withLock("notifications", func() error {
		rows := readJSON[model.Notification](s.notificationsFile)
		for i := range rows {
			if rows[i].ID == notificationID {
				rows[i].Read = true
				updated = &rows[i]
				break
			}
		}
		if updated == nil {
			return fmt.Errorf("notification %s: %w", notificationID, errors.ErrNotificationNotFound)
		}
		return writeJSONAtomic(s.notificationsFile, rows)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
