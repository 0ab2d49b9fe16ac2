// Package memory provides a process-local MessageRepository. Every conditional
// write runs under one mutex, which gives it the same CAS behaviour as the
// PostgreSQL implementation within a single process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replydesk/golang_services/internal/approval_service/domain"
	"github.com/replydesk/golang_services/internal/approval_service/repository"
)

type memMessageRepository struct {
	mu       sync.Mutex
	messages map[string]*domain.OutboundMessage
	now      func() time.Time
}

// NewMessageRepository creates an empty in-memory repository.
func NewMessageRepository() repository.MessageRepository {
	return &memMessageRepository{
		messages: make(map[string]*domain.OutboundMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *memMessageRepository) Create(_ context.Context, msg *domain.OutboundMessage) (*domain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, exists := r.messages[msg.ID]; exists {
		return nil, repository.ErrMessageAlreadyExists
	}
	now := r.now()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	msg.Direction = domain.DirectionOutbound
	if msg.ApprovalStatus == "" {
		msg.ApprovalStatus = domain.ApprovalStatusPending
	}
	r.messages[msg.ID] = cloneMessage(msg)
	return cloneMessage(msg), nil
}

func (r *memMessageRepository) GetByID(_ context.Context, id string) (*domain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return nil, repository.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

func (r *memMessageRepository) TrySetSending(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok || msg.ApprovalStatus != domain.ApprovalStatusPending || msg.DeliveryMetadata.RequiresManualRecovery {
		return false, nil
	}
	now := r.now()
	msg.ApprovalStatus = domain.ApprovalStatusSending
	msg.SendingStartedAt = &now
	msg.UpdatedAt = now
	return true, nil
}

func (r *memMessageRepository) ReclaimStaleSending(_ context.Context, id string, staleBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok || msg.ApprovalStatus != domain.ApprovalStatusSending || msg.ChannelMessageID != nil ||
		msg.DeliveryMetadata.RequiresManualRecovery {
		return false, nil
	}
	if msg.SendingStartedAt != nil && !msg.SendingStartedAt.Before(staleBefore) {
		return false, nil
	}
	now := r.now()
	msg.SendingStartedAt = &now
	msg.UpdatedAt = now
	return true, nil
}

func (r *memMessageRepository) SetChannelMessageID(_ context.Context, id, channelMessageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return repository.ErrMessageNotFound
	}
	if msg.ChannelMessageID != nil && *msg.ChannelMessageID != channelMessageID {
		return repository.ErrChannelMessageIDConflict
	}
	msg.ChannelMessageID = &channelMessageID
	msg.DeliveryMetadata.DeliveryConfirmed = true
	msg.UpdatedAt = r.now()
	return nil
}

func (r *memMessageRepository) SetDeliveryFailedMetadata(_ context.Context, id, channelMessageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return repository.ErrMessageNotFound
	}
	now := r.now()
	msg.DeliveryMetadata.DeliveryConfirmed = true
	msg.DeliveryMetadata.RequiresManualRecovery = true
	msg.DeliveryMetadata.ChannelMessageIDBackup = &channelMessageID
	msg.DeliveryMetadata.RecoveryFlaggedAt = &now
	msg.UpdatedAt = now
	return nil
}

func (r *memMessageRepository) RollbackToPending(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return repository.ErrMessageNotFound
	}
	if msg.ApprovalStatus != domain.ApprovalStatusSending || msg.ChannelMessageID != nil {
		return repository.ErrStatusConflict
	}
	msg.ApprovalStatus = domain.ApprovalStatusPending
	msg.SendingStartedAt = nil
	msg.UpdatedAt = r.now()
	return nil
}

func (r *memMessageRepository) FinalizeApproved(_ context.Context, id, agentID string) (*domain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return nil, repository.ErrMessageNotFound
	}
	if msg.ApprovalStatus != domain.ApprovalStatusPending && msg.ApprovalStatus != domain.ApprovalStatusSending {
		return nil, repository.ErrStatusConflict
	}
	now := r.now()
	msg.ApprovalStatus = domain.ApprovalStatusApproved
	msg.ApprovedBy = &agentID
	msg.ApprovedAt = &now
	msg.UpdatedAt = now
	return cloneMessage(msg), nil
}

func (r *memMessageRepository) FinalizeRejected(_ context.Context, id, agentID string, reason *string) (*domain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return nil, repository.ErrMessageNotFound
	}
	if msg.ApprovalStatus != domain.ApprovalStatusPending {
		return nil, repository.ErrStatusConflict
	}
	now := r.now()
	msg.ApprovalStatus = domain.ApprovalStatusRejected
	msg.ApprovedBy = &agentID
	msg.ApprovedAt = &now
	msg.RejectionReason = cloneString(reason)
	msg.UpdatedAt = now
	return cloneMessage(msg), nil
}

func (r *memMessageRepository) ResolveManualRecovery(_ context.Context, id, operatorID, note string) (*domain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[id]
	if !ok {
		return nil, repository.ErrMessageNotFound
	}
	if !msg.DeliveryMetadata.RequiresManualRecovery {
		return nil, repository.ErrStatusConflict
	}
	now := r.now()
	if msg.ChannelMessageID == nil && msg.DeliveryMetadata.ChannelMessageIDBackup != nil {
		msg.ChannelMessageID = cloneString(msg.DeliveryMetadata.ChannelMessageIDBackup)
	}
	msg.DeliveryMetadata.RequiresManualRecovery = false
	msg.DeliveryMetadata.RecoveryResolvedBy = &operatorID
	msg.DeliveryMetadata.RecoveryResolvedAt = &now
	msg.DeliveryMetadata.RecoveryNote = &note
	msg.UpdatedAt = now
	return cloneMessage(msg), nil
}

func (r *memMessageRepository) ListRequiringRecovery(_ context.Context, limit int) ([]*domain.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.OutboundMessage
	for _, msg := range r.messages {
		if msg.DeliveryMetadata.RequiresManualRecovery {
			out = append(out, cloneMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneMessage(m *domain.OutboundMessage) *domain.OutboundMessage {
	c := *m
	c.ChannelMessageID = cloneString(m.ChannelMessageID)
	c.SendingStartedAt = cloneTime(m.SendingStartedAt)
	c.ApprovedBy = cloneString(m.ApprovedBy)
	c.ApprovedAt = cloneTime(m.ApprovedAt)
	c.RejectionReason = cloneString(m.RejectionReason)
	md := m.DeliveryMetadata
	md.ChannelMessageIDBackup = cloneString(md.ChannelMessageIDBackup)
	md.RecoveryFlaggedAt = cloneTime(md.RecoveryFlaggedAt)
	md.RecoveryResolvedBy = cloneString(md.RecoveryResolvedBy)
	md.RecoveryResolvedAt = cloneTime(md.RecoveryResolvedAt)
	md.RecoveryNote = cloneString(md.RecoveryNote)
	c.DeliveryMetadata = md
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
