package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const notificationColumns = `
	id, user_id, ride_id, booking_id, title, body, message, type,
	data, extra, status, attempts, last_error, sent_at,
	created_at, updated_at`

// NotificationRepository handles database operations for notification records.
type NotificationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger.Named("notifications"),
	}
}

// Create inserts n. A zero ID is replaced with a new UUID and an empty status
// defaults to pending.
func (r *NotificationRepository) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Status == "" {
		n.Status = StatusPending
	}

	query := `
		INSERT INTO notifications (
			id, user_id, ride_id, booking_id, title, body, message, type,
			data, extra, status, attempts, last_error, sent_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID,
		n.UserID,
		n.RideID,
		n.BookingID,
		n.Title,
		n.Body,
		n.Message,
		n.Type,
		n.Data,
		n.Extra,
		n.Status,
		n.Attempts,
		n.LastError,
		n.SentAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("status", n.Status),
	)
	return nil
}

// Update persists the lifecycle fields of n.
func (r *NotificationRepository) Update(ctx context.Context, n *Notification) error {
	query := `
		UPDATE notifications
		SET status = $1, attempts = $2, last_error = $3, sent_at = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		n.Status, n.Attempts, n.LastError, n.SentAt, n.ID,
	).Scan(&n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, n.ID)
	}
	if err != nil {
		r.logger.Error("failed to update notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("update notification: %w", err)
	}
	return nil
}

// Get retrieves a notification by ID
func (r *NotificationRepository) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// ListByStatus returns records in status, newest first.
func (r *NotificationRepository) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*Notification, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("unknown status %q", status)
	}

	query := `SELECT` + notificationColumns + `
		FROM notifications
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool().Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.RideID,
		&n.BookingID,
		&n.Title,
		&n.Body,
		&n.Message,
		&n.Type,
		&n.Data,
		&n.Extra,
		&n.Status,
		&n.Attempts,
		&n.LastError,
		&n.SentAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// TokenHolderRepository clears device tokens from users and drivers.
type TokenHolderRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewTokenHolderRepository creates a token holder repository.
func NewTokenHolderRepository(db *DB, logger *zap.Logger) *TokenHolderRepository {
	return &TokenHolderRepository{
		db:     db,
		logger: logger.Named("token_holders"),
	}
}

// ClearToken nulls token in every users and drivers row holding it, in one
// transaction, and returns how many rows changed.
func (r *TokenHolderRepository) ClearToken(ctx context.Context, token string) (int64, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	for _, table := range []string{"users", "drivers"} {
		tag, err := tx.Exec(ctx,
			`UPDATE `+table+` SET fcm_token = NULL, updated_at = NOW() WHERE fcm_token = $1`,
			token,
		)
		if err != nil {
			return 0, fmt.Errorf("clear %s token: %w", table, err)
		}
		total += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return total, nil
}
