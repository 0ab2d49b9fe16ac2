package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replydesk/golang_services/internal/approval_service/domain"
	"github.com/replydesk/golang_services/internal/approval_service/repository"
)

const messageColumns = `
	id, conversation_id, recipient, content, direction, approval_status,
	channel_message_id, sending_started_at, delivery_metadata, approved_by, approved_at, rejection_reason,
	created_at, updated_at`

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgMessageRepository struct {
	db  Querier
	now func() time.Time
}

// NewPgMessageRepository creates a new instance for PostgreSQL.
func NewPgMessageRepository(db *pgxpool.Pool) repository.MessageRepository {
	return newPgMessageRepository(db)
}

func newPgMessageRepository(db Querier) *pgMessageRepository {
	return &pgMessageRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func scanMessage(row pgx.Row) (*domain.OutboundMessage, error) {
	msg := &domain.OutboundMessage{}
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.Recipient, &msg.Content, &msg.Direction, &msg.ApprovalStatus,
		&msg.ChannelMessageID, &msg.SendingStartedAt, &msg.DeliveryMetadata, &msg.ApprovedBy, &msg.ApprovedAt, &msg.RejectionReason,
		&msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (r *pgMessageRepository) Create(ctx context.Context, msg *domain.OutboundMessage) (*domain.OutboundMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := r.now()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	msg.Direction = domain.DirectionOutbound
	if msg.ApprovalStatus == "" {
		msg.ApprovalStatus = domain.ApprovalStatusPending
	}

	query := `
		INSERT INTO outbound_messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.db.Exec(ctx, query,
		msg.ID, msg.ConversationID, msg.Recipient, msg.Content, msg.Direction, msg.ApprovalStatus,
		msg.ChannelMessageID, msg.SendingStartedAt, msg.DeliveryMetadata, msg.ApprovedBy, msg.ApprovedAt, msg.RejectionReason,
		msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, repository.ErrMessageAlreadyExists
		}
		return nil, fmt.Errorf("insert outbound message: %w", err)
	}
	return msg, nil
}

func (r *pgMessageRepository) GetByID(ctx context.Context, id string) (*domain.OutboundMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE id = $1`
	return scanMessage(r.db.QueryRow(ctx, query, id))
}

func (r *pgMessageRepository) TrySetSending(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET approval_status = $2, sending_started_at = $4, updated_at = $4
		WHERE id = $1 AND approval_status = $3
		  AND NOT COALESCE((delivery_metadata->>'requires_manual_recovery')::boolean, false)`
	tag, err := r.db.Exec(ctx, query, id, domain.ApprovalStatusSending, domain.ApprovalStatusPending, r.now())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgMessageRepository) ReclaimStaleSending(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET sending_started_at = $4, updated_at = $4
		WHERE id = $1 AND approval_status = $2 AND channel_message_id IS NULL
		  AND (sending_started_at IS NULL OR sending_started_at < $3)
		  AND NOT COALESCE((delivery_metadata->>'requires_manual_recovery')::boolean, false)`
	tag, err := r.db.Exec(ctx, query, id, domain.ApprovalStatusSending, staleBefore, r.now())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgMessageRepository) SetChannelMessageID(ctx context.Context, id, channelMessageID string) error {
	query := `
		UPDATE outbound_messages
		SET channel_message_id = $2,
		    delivery_metadata = delivery_metadata || jsonb_build_object('delivery_confirmed', true),
		    updated_at = $3
		WHERE id = $1 AND (channel_message_id IS NULL OR channel_message_id = $2)`
	tag, err := r.db.Exec(ctx, query, id, channelMessageID, r.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return repository.ErrChannelMessageIDConflict
	}
	return nil
}

func (r *pgMessageRepository) SetDeliveryFailedMetadata(ctx context.Context, id, channelMessageID string) error {
	now := r.now()
	query := `
		UPDATE outbound_messages
		SET delivery_metadata = delivery_metadata || jsonb_build_object(
		        'delivery_confirmed', true,
		        'requires_manual_recovery', true,
		        'channel_message_id_backup', $2::text,
		        'recovery_flagged_at', $3::timestamptz),
		    updated_at = $3
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, channelMessageID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrMessageNotFound
	}
	return nil
}

func (r *pgMessageRepository) RollbackToPending(ctx context.Context, id string) error {
	query := `
		UPDATE outbound_messages
		SET approval_status = $2, sending_started_at = NULL, updated_at = $4
		WHERE id = $1 AND approval_status = $3 AND channel_message_id IS NULL`
	tag, err := r.db.Exec(ctx, query, id, domain.ApprovalStatusPending, domain.ApprovalStatusSending, r.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id)
	}
	return nil
}

func (r *pgMessageRepository) FinalizeApproved(ctx context.Context, id, agentID string) (*domain.OutboundMessage, error) {
	now := r.now()
	query := `
		UPDATE outbound_messages
		SET approval_status = $2, approved_by = $3, approved_at = $4, updated_at = $4
		WHERE id = $1 AND approval_status IN ($5, $6)
		RETURNING ` + messageColumns
	msg, err := scanMessage(r.db.QueryRow(ctx, query, id, domain.ApprovalStatusApproved, agentID, now,
		domain.ApprovalStatusPending, domain.ApprovalStatusSending))
	if errors.Is(err, repository.ErrMessageNotFound) {
		return nil, r.conflictOrNotFound(ctx, id)
	}
	return msg, err
}

func (r *pgMessageRepository) FinalizeRejected(ctx context.Context, id, agentID string, reason *string) (*domain.OutboundMessage, error) {
	now := r.now()
	query := `
		UPDATE outbound_messages
		SET approval_status = $2, approved_by = $3, approved_at = $4, rejection_reason = $5, updated_at = $4
		WHERE id = $1 AND approval_status = $6
		RETURNING ` + messageColumns
	msg, err := scanMessage(r.db.QueryRow(ctx, query, id, domain.ApprovalStatusRejected, agentID, now, reason,
		domain.ApprovalStatusPending))
	if errors.Is(err, repository.ErrMessageNotFound) {
		return nil, r.conflictOrNotFound(ctx, id)
	}
	return msg, err
}

func (r *pgMessageRepository) ResolveManualRecovery(ctx context.Context, id, operatorID, note string) (*domain.OutboundMessage, error) {
	now := r.now()
	query := `
		UPDATE outbound_messages
		SET channel_message_id = COALESCE(channel_message_id, delivery_metadata->>'channel_message_id_backup'),
		    delivery_metadata = delivery_metadata || jsonb_build_object(
		        'requires_manual_recovery', false,
		        'recovery_resolved_by', $2::text,
		        'recovery_resolved_at', $3::timestamptz,
		        'recovery_note', $4::text),
		    updated_at = $3
		WHERE id = $1 AND COALESCE((delivery_metadata->>'requires_manual_recovery')::boolean, false)
		RETURNING ` + messageColumns
	msg, err := scanMessage(r.db.QueryRow(ctx, query, id, operatorID, now, note))
	if errors.Is(err, repository.ErrMessageNotFound) {
		return nil, r.conflictOrNotFound(ctx, id)
	}
	return msg, err
}

func (r *pgMessageRepository) ListRequiringRecovery(ctx context.Context, limit int) ([]*domain.OutboundMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM outbound_messages
		WHERE COALESCE((delivery_metadata->>'requires_manual_recovery')::boolean, false)
		ORDER BY updated_at ASC
		LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.OutboundMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// conflictOrNotFound distinguishes a missing row from a failed status guard.
func (r *pgMessageRepository) conflictOrNotFound(ctx context.Context, id string) error {
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return repository.ErrStatusConflict
}
