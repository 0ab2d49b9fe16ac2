package http

import (
	"time"

	"github.com/replydesk/golang_services/internal/approval_service/domain"
)

// RejectMessageRequest DTO for POST /messages/{messageID}/reject. The body is optional.
type RejectMessageRequest struct {
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// ResolveRecoveryRequest DTO for POST /operator/messages/{messageID}/recovery/resolve
type ResolveRecoveryRequest struct {
	Note string `json:"note" validate:"required,min=1,max=1000"`
}

// DeliveryMetadataResponse mirrors domain.DeliveryMetadata.
type DeliveryMetadataResponse struct {
	DeliveryConfirmed      bool       `json:"delivery_confirmed"`
	RequiresManualRecovery bool       `json:"requires_manual_recovery"`
	ChannelMessageIDBackup *string    `json:"channel_message_id_backup,omitempty"`
	RecoveryFlaggedAt      *time.Time `json:"recovery_flagged_at,omitempty"`
	RecoveryResolvedBy     *string    `json:"recovery_resolved_by,omitempty"`
	RecoveryResolvedAt     *time.Time `json:"recovery_resolved_at,omitempty"`
	RecoveryNote           *string    `json:"recovery_note,omitempty"`
}

// MessageResponse DTO for every route returning a message.
type MessageResponse struct {
	ID               string                   `json:"id"`
	ConversationID   string                   `json:"conversation_id"`
	Recipient        string                   `json:"recipient"`
	Content          string                   `json:"content"`
	Direction        string                   `json:"direction"`
	ApprovalStatus   domain.ApprovalStatus    `json:"approval_status"`
	ChannelMessageID *string                  `json:"channel_message_id,omitempty"`
	DeliveryMetadata DeliveryMetadataResponse `json:"delivery_metadata"`
	ApprovedBy       *string                  `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time               `json:"approved_at,omitempty"`
	RejectionReason  *string                  `json:"rejection_reason,omitempty"`
	CreatedAt        time.Time                `json:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at"`
}

// RecoveryListResponse DTO for GET /operator/messages/recovery
type RecoveryListResponse struct {
	Messages []MessageResponse `json:"messages"`
	Count    int               `json:"count"`
}

// GenericErrorResponse is the body of plain failures.
type GenericErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ApprovalErrorResponse is the body of failures that happened around delivery.
// Delivered and RetrySafe tell the caller whether the recipient already has
// the message and whether calling approve again is safe.
type ApprovalErrorResponse struct {
	Error            string `json:"error"`
	Code             string `json:"code"`
	Delivered        bool   `json:"delivered"`
	RetrySafe        bool   `json:"retry_safe"`
	ChannelMessageID string `json:"channel_message_id,omitempty"`
	Instructions     string `json:"instructions,omitempty"`
}

// Error codes carried in response bodies.
const (
	CodeNotFound                      = "NOT_FOUND"
	CodeAlreadyApproved               = "ALREADY_APPROVED"
	CodeAlreadyRejected               = "ALREADY_REJECTED"
	CodeConcurrentlyProcessing        = "CONCURRENTLY_PROCESSING"
	CodeInvalidState                  = "INVALID_STATE"
	CodeNotFrozen                     = "NOT_FROZEN"
	CodeManualRecoveryRequired        = "MANUAL_RECOVERY_REQUIRED"
	CodeTransmissionFailed            = "TRANSMISSION_FAILED"
	CodeDeliveredButPersistFailed     = "DELIVERED_BUT_PERSIST_FAILED"
	CodeDeliveredApprovalPendingRetry = "DELIVERED_APPROVAL_PENDING_RETRY"
	CodeInternal                      = "INTERNAL_ERROR"
)

func toMessageResponse(m *domain.OutboundMessage) MessageResponse {
	md := m.DeliveryMetadata
	return MessageResponse{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		Recipient:        m.Recipient,
		Content:          m.Content,
		Direction:        m.Direction,
		ApprovalStatus:   m.ApprovalStatus,
		ChannelMessageID: m.ChannelMessageID,
		DeliveryMetadata: DeliveryMetadataResponse{
			DeliveryConfirmed:      md.DeliveryConfirmed,
			RequiresManualRecovery: md.RequiresManualRecovery,
			ChannelMessageIDBackup: md.ChannelMessageIDBackup,
			RecoveryFlaggedAt:      md.RecoveryFlaggedAt,
			RecoveryResolvedBy:     md.RecoveryResolvedBy,
			RecoveryResolvedAt:     md.RecoveryResolvedAt,
			RecoveryNote:           md.RecoveryNote,
		},
		ApprovedBy:      m.ApprovedBy,
		ApprovedAt:      m.ApprovedAt,
		RejectionReason: m.RejectionReason,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}
