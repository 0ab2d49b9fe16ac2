package repository

import (
	"context"
	"errors"
	"time"

	"github.com/replydesk/golang_services/internal/approval_service/domain"
)

var (
	ErrMessageNotFound          = errors.New("outbound message not found")
	ErrStatusConflict           = errors.New("outbound message status changed concurrently")
	ErrChannelMessageIDConflict = errors.New("outbound message already has a different channel message id")
	ErrMessageAlreadyExists     = errors.New("outbound message already exists")
)

// MessageRepository is the persistence contract for outbound messages.
// Status transitions are conditional writes keyed on the current approval_status.
type MessageRepository interface {
	// Create returns ErrMessageAlreadyExists when the id is taken.
	Create(ctx context.Context, msg *domain.OutboundMessage) (*domain.OutboundMessage, error)
	GetByID(ctx context.Context, id string) (*domain.OutboundMessage, error)

	// TrySetSending moves pending_approval -> sending. It returns false, with no
	// side effects, when the message is in any other status or is frozen.
	TrySetSending(ctx context.Context, id string) (bool, error)

	// ReclaimStaleSending re-takes a sending lock whose holder has not made
	// progress since staleBefore. False means the lock is still live or gone,
	// or the message is frozen for manual recovery.
	ReclaimStaleSending(ctx context.Context, id string, staleBefore time.Time) (bool, error)

	// SetChannelMessageID records the authoritative delivery marker. The column
	// is written at most once; a different existing value yields ErrChannelMessageIDConflict.
	SetChannelMessageID(ctx context.Context, id, channelMessageID string) error

	// SetDeliveryFailedMetadata touches only delivery_metadata so it can succeed
	// when the channel_message_id write did not.
	SetDeliveryFailedMetadata(ctx context.Context, id, channelMessageID string) error

	RollbackToPending(ctx context.Context, id string) error
	FinalizeApproved(ctx context.Context, id, agentID string) (*domain.OutboundMessage, error)
	// FinalizeRejected returns ErrStatusConflict when the message left pending_approval.
	FinalizeRejected(ctx context.Context, id, agentID string, reason *string) (*domain.OutboundMessage, error)

	ResolveManualRecovery(ctx context.Context, id, operatorID, note string) (*domain.OutboundMessage, error)
	ListRequiringRecovery(ctx context.Context, limit int) ([]*domain.OutboundMessage, error)
}
