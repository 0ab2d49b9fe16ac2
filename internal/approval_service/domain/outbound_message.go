package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ApprovalStatus is the review state of an AI-drafted outbound reply.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending_approval"
	ApprovalStatusSending  ApprovalStatus = "sending" // lock held while the channel call is in flight
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// DirectionOutbound is the only direction this service handles.
const DirectionOutbound = "outbound"

// IsTerminal reports whether no further status write is allowed.
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusRejected
}

// Value implements the driver.Valuer interface for ApprovalStatus.
func (s ApprovalStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements the sql.Scanner interface for ApprovalStatus.
func (s *ApprovalStatus) Scan(value interface{}) error {
	var strVal string
	switch v := value.(type) {
	case string:
		strVal = v
	case []byte:
		strVal = string(v)
	default:
		return fmt.Errorf("failed to scan ApprovalStatus: value is not string or []byte, it is %T", value)
	}
	switch ApprovalStatus(strVal) {
	case ApprovalStatusPending, ApprovalStatusSending, ApprovalStatusApproved, ApprovalStatusRejected:
		*s = ApprovalStatus(strVal)
		return nil
	default:
		return fmt.Errorf("unknown ApprovalStatus value: %s", strVal)
	}
}

// DeliveryMetadata holds the crash-recovery flags for a message.
// It is stored as a JSON document; only these fields exist.
type DeliveryMetadata struct {
	DeliveryConfirmed      bool    `json:"delivery_confirmed"`
	RequiresManualRecovery bool    `json:"requires_manual_recovery"`
	ChannelMessageIDBackup *string `json:"channel_message_id_backup,omitempty"`

	RecoveryFlaggedAt  *time.Time `json:"recovery_flagged_at,omitempty"`
	RecoveryResolvedBy *string    `json:"recovery_resolved_by,omitempty"`
	RecoveryResolvedAt *time.Time `json:"recovery_resolved_at,omitempty"`
	RecoveryNote       *string    `json:"recovery_note,omitempty"`
}

// Value implements the driver.Valuer interface so the struct maps to a jsonb column.
func (m DeliveryMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal DeliveryMetadata: %w", err)
	}
	return b, nil
}

// Scan implements the sql.Scanner interface for DeliveryMetadata.
func (m *DeliveryMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = DeliveryMetadata{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("failed to scan DeliveryMetadata: unsupported type %T", value)
	}
	var out DeliveryMetadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to unmarshal DeliveryMetadata: %w", err)
	}
	*m = out
	return nil
}

// OutboundMessage is one human-reviewable reply candidate.
type OutboundMessage struct {
	ID               string           `json:"id"` // UUID
	ConversationID   string           `json:"conversation_id"`
	Recipient        string           `json:"recipient"` // e.g. E.164 phone number
	Content          string           `json:"content"`
	Direction        string           `json:"direction"`
	ApprovalStatus   ApprovalStatus   `json:"approval_status"`
	ChannelMessageID *string          `json:"channel_message_id,omitempty"`
	SendingStartedAt *time.Time       `json:"sending_started_at,omitempty"` // when the sending lock was taken
	DeliveryMetadata DeliveryMetadata `json:"delivery_metadata"`
	ApprovedBy       *string          `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time       `json:"approved_at,omitempty"`
	RejectionReason  *string          `json:"rejection_reason,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// HasDeliveryEvidence reports whether a previous attempt already transmitted the message.
func (m *OutboundMessage) HasDeliveryEvidence() bool {
	return m.ChannelMessageID != nil || m.DeliveryMetadata.DeliveryConfirmed
}

// IsFrozen reports whether automated sending is forbidden until an operator intervenes.
func (m *OutboundMessage) IsFrozen() bool {
	return m.DeliveryMetadata.RequiresManualRecovery
}

// BackupChannelMessageID returns the recorded channel id, preferring the authoritative field.
func (m *OutboundMessage) BackupChannelMessageID() string {
	if m.ChannelMessageID != nil {
		return *m.ChannelMessageID
	}
	if m.DeliveryMetadata.ChannelMessageIDBackup != nil {
		return *m.DeliveryMetadata.ChannelMessageIDBackup
	}
	return ""
}
