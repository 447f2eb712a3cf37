// Package notifications stores and serves user-facing event messages from
// the recording pipeline.
package notifications

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wael22/spovio-backend-main-sub001/internal/models"
)

// Repository handles notification persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a notifications repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Notify inserts a notification. Fire-and-forget at call sites: the caller
// logs a failure and moves on.
func (r *Repository) Notify(ctx context.Context, userID int64, kind, title, message string) error {
	const q = `INSERT INTO notifications (user_id, kind, title, message) VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, q, userID, kind, title, message)
	return err
}

// ListByUser returns a user's notifications, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Notification, error) {
	const q = `SELECT id, user_id, kind, title, message, read, created_at
		FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

// MarkRead flags a notification as read.
func (r *Repository) MarkRead(ctx context.Context, id, userID int64) error {
	const q = `UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`
	_, err := r.pool.Exec(ctx, q, id, userID)
	return err
}

// UnreadCount returns the user's unread notification count.
func (r *Repository) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	const q = `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read = FALSE`
	var n int64
	err := r.pool.QueryRow(ctx, q, userID).Scan(&n)
	return n, err
}
