package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/replydesk/golang_services/internal/approval_service/domain"
)

const (
	SubjectMessageApproved         = "messages.approved"
	SubjectMessageRejected         = "messages.rejected"
	SubjectMessageRecoveryRequired = "messages.recovery_required"
	SubjectMessageRecoveryResolved = "messages.recovery_resolved"
)

const publishTimeout = 2 * time.Second

// EventPublisher is satisfied by *messagebroker.NatsClient.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// DecisionEvent is published after a message reaches a state other services care about.
type DecisionEvent struct {
	MessageID        string                `json:"message_id"`
	ConversationID   string                `json:"conversation_id"`
	ApprovalStatus   domain.ApprovalStatus `json:"approval_status"`
	ChannelMessageID string                `json:"channel_message_id,omitempty"`
	ActorID          string                `json:"actor_id"`
	OccurredAt       time.Time             `json:"occurred_at"`
}

// publish is best-effort: failures are logged and never reach the caller.
func (s *ApprovalService) publish(ctx context.Context, subject string, msg *domain.OutboundMessage, actorID string) {
	if s.publisher == nil || msg == nil {
		return
	}
	event := DecisionEvent{
		MessageID:        msg.ID,
		ConversationID:   msg.ConversationID,
		ApprovalStatus:   msg.ApprovalStatus,
		ChannelMessageID: msg.BackupChannelMessageID(),
		ActorID:          actorID,
		OccurredAt:       s.now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal decision event", "error", err, "subject", subject, "message_id", msg.ID)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, subject, payload); err != nil {
		eventsPublishFailedCounter.WithLabelValues(subject).Inc()
		s.logger.WarnContext(ctx, "Failed to publish decision event", "error", err, "subject", subject, "message_id", msg.ID)
	}
}
