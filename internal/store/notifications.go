package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"airguard/go-detection-server/internal/model"
)

const notificationColumns = `id, device_address, created_at, false_alarm, dismissed, clicked, sensitivity`

// RecordNotification marks the device as notified and inserts the
// notification in one transaction.
func (s *Store) RecordNotification(ctx context.Context, address string, at time.Time, sensitivity model.Sensitivity) (model.Notification, error) {
	n := model.Notification{DeviceAddress: address, CreatedAt: at.UTC(), Sensitivity: sensitivity}

	err := s.inTx(ctx, "record notification", func(tx *sql.Tx) error {
		if err := setNotificationSent(ctx, tx, address, at); err != nil {
			return err
		}
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO notifications (device_address, created_at, sensitivity) VALUES (?, ?, ?);`,
			address,
			formatTime(at),
			string(sensitivity),
		)
		if err != nil {
			return storageErr("insert notification", err)
		}
		n.ID, err = res.LastInsertId()
		if err != nil {
			return storageErr("insert notification", err)
		}
		return nil
	})
	if err != nil {
		return model.Notification{}, err
	}
	return n, nil
}

// Notification returns one notification by id.
func (s *Store) Notification(ctx context.Context, id int64) (model.Notification, error) {
	return notificationByID(ctx, s.db, id)
}

func notificationByID(ctx context.Context, q querier, id int64) (model.Notification, error) {
	row := q.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?;`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Notification{}, fmt.Errorf("notification %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Notification{}, storageErr("get notification", err)
	}
	return n, nil
}

// Notifications returns the newest notifications first. An empty address
// returns notifications for every device.
func (s *Store) Notifications(ctx context.Context, address string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications`
	var args []any
	if address != "" {
		query += ` WHERE device_address = ?`
		args = append(args, address)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query notifications", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, storageErr("scan notification", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate notifications", err)
	}
	return out, nil
}

// MarkFalseAlarm flags a notification. Marking it true also sets the
// device's ignore flag, which removes the device from tracker counts until
// it is explicitly un-ignored.
func (s *Store) MarkFalseAlarm(ctx context.Context, id int64, falseAlarm bool) (model.Notification, error) {
	var n model.Notification
	err := s.inTx(ctx, "mark false alarm", func(tx *sql.Tx) error {
		var err error
		if n, err = notificationByID(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE notifications SET false_alarm = ? WHERE id = ?;`, boolInt(falseAlarm), id); err != nil {
			return storageErr("mark false alarm", err)
		}
		n.FalseAlarm = falseAlarm

		if falseAlarm {
			// the device may have been pruned since; the notification outlives it
			if _, err := tx.ExecContext(ctx, `UPDATE devices SET ignored = 1 WHERE address = ?;`, n.DeviceAddress); err != nil {
				return storageErr("suppress device", err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Notification{}, err
	}
	return n, nil
}

// MarkDismissed records that the user dismissed a notification.
func (s *Store) MarkDismissed(ctx context.Context, id int64) error {
	return s.setNotificationFlag(ctx, id, "dismissed")
}

// MarkClicked records that the user opened a notification.
func (s *Store) MarkClicked(ctx context.Context, id int64) error {
	return s.setNotificationFlag(ctx, id, "clicked")
}

func (s *Store) setNotificationFlag(ctx context.Context, id int64, column string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET `+column+` = 1 WHERE id = ?;`, id)
	if err != nil {
		return storageErr("set notification "+column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// UpsertFeedback creates or replaces the feedback of a notification.
func (s *Store) UpsertFeedback(ctx context.Context, fb model.Feedback) (model.Feedback, error) {
	err := s.inTx(ctx, "upsert feedback", func(tx *sql.Tx) error {
		if _, err := notificationByID(ctx, tx, fb.NotificationID); err != nil {
			return err
		}
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO feedback (notification_id, location) VALUES (?, ?)
			 ON CONFLICT(notification_id) DO UPDATE SET location = excluded.location;`,
			fb.NotificationID,
			sql.NullString{String: fb.Location, Valid: fb.Location != ""},
		)
		if err != nil {
			return storageErr("upsert feedback", err)
		}
		return tx.QueryRowContext(ctx, `SELECT id FROM feedback WHERE notification_id = ?;`, fb.NotificationID).Scan(&fb.ID)
	})
	if err != nil {
		return model.Feedback{}, storageErr("upsert feedback", err)
	}
	return fb, nil
}

// Feedback returns the feedback of a notification, or ErrNotFound.
func (s *Store) Feedback(ctx context.Context, notificationID int64) (model.Feedback, error) {
	var (
		fb       = model.Feedback{NotificationID: notificationID}
		location sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, location FROM feedback WHERE notification_id = ?;`, notificationID).
		Scan(&fb.ID, &location)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Feedback{}, fmt.Errorf("feedback for notification %d: %w", notificationID, model.ErrNotFound)
	}
	if err != nil {
		return model.Feedback{}, storageErr("get feedback", err)
	}
	fb.Location = location.String
	return fb, nil
}

func scanNotification(row rowScanner) (model.Notification, error) {
	var (
		n                              model.Notification
		created, sensitivity           string
		falseAlarm, dismissed, clicked int
	)
	if err := row.Scan(&n.ID, &n.DeviceAddress, &created, &falseAlarm, &dismissed, &clicked, &sensitivity); err != nil {
		return model.Notification{}, err
	}
	var err error
	if n.CreatedAt, err = parseTime(created); err != nil {
		return model.Notification{}, err
	}
	n.FalseAlarm = falseAlarm != 0
	n.Dismissed = dismissed != 0
	n.Clicked = clicked != 0
	n.Sensitivity = model.Sensitivity(sensitivity)
	return n, nil
}
