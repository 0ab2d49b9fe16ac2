package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"

	"github.com/replydesk/golang_services/internal/approval_service/domain"
	"github.com/replydesk/golang_services/internal/approval_service/repository"
)

const (
	SubjectMessageDrafted = "messages.drafted"
	draftQueueGroup       = "approval_service_drafts"
	draftProcessTimeout   = 10 * time.Second
)

// DraftPayload is what the drafting service publishes for each reply candidate.
type DraftPayload struct {
	MessageID      string `json:"message_id" validate:"required,uuid"`
	ConversationID string `json:"conversation_id" validate:"required"`
	Recipient      string `json:"recipient" validate:"required,max=64"`
	Content        string `json:"content" validate:"required,max=4096"`
}

// DraftSubscriber is satisfied by *messagebroker.NatsClient.
type DraftSubscriber interface {
	Subscribe(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// DraftConsumer stores drafted messages as pending_approval.
type DraftConsumer struct {
	repo     repository.MessageRepository
	validate *validator.Validate
	logger   *slog.Logger
}

func NewDraftConsumer(repo repository.MessageRepository, validate *validator.Validate, logger *slog.Logger) *DraftConsumer {
	return &DraftConsumer{
		repo:     repo,
		validate: validate,
		logger:   logger.With("service", "draft_consumer"),
	}
}

// Start subscribes to drafted messages on the shared queue group.
func (c *DraftConsumer) Start(ctx context.Context, subscriber DraftSubscriber) error {
	c.logger.Info("Starting draft consumer", "subject", SubjectMessageDrafted, "queue_group", draftQueueGroup)
	_, err := subscriber.Subscribe(ctx, SubjectMessageDrafted, draftQueueGroup, func(msg *nats.Msg) {
		jobCtx, cancel := context.WithTimeout(context.Background(), draftProcessTimeout)
		defer cancel()
		if err := c.HandleDraft(jobCtx, msg.Data); err != nil {
			c.logger.Error("Failed to store drafted message", "error", err, "data_len", len(msg.Data))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to NATS subject '%s': %w", SubjectMessageDrafted, err)
	}
	return nil
}

// HandleDraft stores one draft. Redelivery of a draft already stored is a no-op.
func (c *DraftConsumer) HandleDraft(ctx context.Context, data []byte) error {
	var payload DraftPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal draft payload: %w", err)
	}
	if err := c.validate.StructCtx(ctx, payload); err != nil {
		return fmt.Errorf("invalid draft payload: %w", err)
	}

	_, err := c.repo.Create(ctx, &domain.OutboundMessage{
		ID:             payload.MessageID,
		ConversationID: payload.ConversationID,
		Recipient:      payload.Recipient,
		Content:        payload.Content,
		ApprovalStatus: domain.ApprovalStatusPending,
	})
	if err != nil {
		if errors.Is(err, repository.ErrMessageAlreadyExists) {
			c.logger.DebugContext(ctx, "Draft already stored", "message_id", payload.MessageID)
			return nil
		}
		return fmt.Errorf("store draft %s: %w", payload.MessageID, err)
	}
	c.logger.InfoContext(ctx, "Draft stored for approval", "message_id", payload.MessageID, "conversation_id", payload.ConversationID)
	return nil
}
