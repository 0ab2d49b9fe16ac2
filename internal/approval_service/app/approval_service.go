package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/replydesk/golang_services/internal/approval_service/adapters/channel"
	"github.com/replydesk/golang_services/internal/approval_service/domain"
	"github.com/replydesk/golang_services/internal/approval_service/repository"
)

const (
	defaultSendTimeout    = 30 * time.Second
	defaultPersistTimeout = 15 * time.Second
	defaultRecoveryLimit  = 100
	// sendingLockMargin pads the lock TTL past the longest possible attempt.
	sendingLockMargin = 5 * time.Second
)

// ServiceConfig tunes the approval pipeline. Zero values take defaults.
type ServiceConfig struct {
	SendTimeout    time.Duration // bound on one channel call
	PersistTimeout time.Duration // bound on the post-delivery writes
	// SendingLockTTL is how long a sending lock is honoured before a retry may
	// reclaim it. Never shorter than SendTimeout + PersistTimeout + sendingLockMargin.
	SendingLockTTL time.Duration
}

// ApprovalService runs the approve/reject state machine for outbound messages.
type ApprovalService struct {
	repo      repository.MessageRepository
	channel   channel.Adapter
	publisher EventPublisher // optional
	logger    *slog.Logger
	cfg       ServiceConfig
	now       func() time.Time
}

// NewApprovalService creates a new ApprovalService. publisher may be nil.
func NewApprovalService(
	repo repository.MessageRepository,
	channelAdapter channel.Adapter,
	publisher EventPublisher,
	logger *slog.Logger,
	cfg ServiceConfig,
) *ApprovalService {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if minTTL := MinSendingLockTTL(cfg.SendTimeout, cfg.PersistTimeout); cfg.SendingLockTTL < minTTL {
		if cfg.SendingLockTTL > 0 {
			logger.Warn("Sending lock TTL shorter than one approval attempt, raising it",
				"configured", cfg.SendingLockTTL, "effective", minTTL)
		}
		cfg.SendingLockTTL = minTTL
	}
	return &ApprovalService{
		repo:      repo,
		channel:   channelAdapter,
		publisher: publisher,
		logger:    logger.With("service", "approval_app"),
		cfg:       cfg,
		now:       time.Now,
	}
}

// MinSendingLockTTL is the shortest lock that outlives a live attempt: the
// channel call, the post-delivery writes and a margin.
func MinSendingLockTTL(sendTimeout, persistTimeout time.Duration) time.Duration {
	return sendTimeout + persistTimeout + sendingLockMargin
}

// Get returns a message by id.
func (s *ApprovalService) Get(ctx context.Context, messageID string) (*domain.OutboundMessage, error) {
	msg, err := s.repo.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("load message %s: %w", messageID, err)
	}
	return msg, nil
}

// Approve sends a pending message through the channel and records the decision.
// The order of the checks below matters: a frozen message is rejected before
// delivery evidence is considered, and delivery evidence is considered before
// the sending lock is taken.
func (s *ApprovalService) Approve(ctx context.Context, messageID, agentID string) (*domain.OutboundMessage, error) {
	logger := s.logger.With("message_id", messageID, "agent_id", agentID)
	msg, err := s.approve(ctx, logger, messageID, agentID)
	approvalOutcomesCounter.WithLabelValues(outcomeLabel(err)).Inc()
	return msg, err
}

func (s *ApprovalService) approve(ctx context.Context, logger *slog.Logger, messageID, agentID string) (*domain.OutboundMessage, error) {
	msg, err := s.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if msg.ApprovalStatus.IsTerminal() {
		return nil, terminalConflict(msg.ApprovalStatus)
	}

	if msg.IsFrozen() {
		logger.WarnContext(ctx, "Approve refused: message requires manual recovery", "channel_message_id", msg.BackupChannelMessageID())
		return nil, &domain.ManualRecoveryRequiredError{MessageID: msg.ID, BackupChannelMessageID: msg.BackupChannelMessageID()}
	}

	if msg.HasDeliveryEvidence() {
		logger.InfoContext(ctx, "Message already delivered, finalizing without sending", "channel_message_id", msg.BackupChannelMessageID())
		persistCtx, cancel := s.persistContext(ctx)
		defer cancel()
		return s.finalize(persistCtx, logger, msg, agentID, msg.BackupChannelMessageID())
	}

	switch msg.ApprovalStatus {
	case domain.ApprovalStatusPending:
		locked, err := s.repo.TrySetSending(ctx, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("acquire sending lock for message %s: %w", msg.ID, err)
		}
		if !locked {
			logger.InfoContext(ctx, "Sending lock held by another request")
			return nil, domain.ErrConcurrentlyProcessing
		}
	case domain.ApprovalStatusSending:
		// Retry of an interrupted attempt. Only a stale lock may be taken over,
		// otherwise a live request is still inside its send.
		reclaimed, err := s.repo.ReclaimStaleSending(ctx, msg.ID, s.now().UTC().Add(-s.cfg.SendingLockTTL))
		if err != nil {
			return nil, fmt.Errorf("reclaim sending lock for message %s: %w", msg.ID, err)
		}
		if !reclaimed {
			logger.InfoContext(ctx, "Sending lock is still live")
			return nil, domain.ErrConcurrentlyProcessing
		}
		logger.WarnContext(ctx, "Reclaimed stale sending lock, resuming interrupted approval")
	default:
		logger.ErrorContext(ctx, "Message in unexpected approval status", "approval_status", msg.ApprovalStatus)
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidState, msg.ApprovalStatus)
	}

	channelMsgID, sendErr := s.send(ctx, logger, msg)
	if sendErr != nil {
		// Treated as not delivered; hand the message back for another attempt.
		if errors.Is(sendErr, channel.ErrUnconfirmedAcceptance) {
			logger.ErrorContext(ctx, "Channel outcome unknown, rolling back a message that may have been delivered",
				"error", sendErr, "conversation_id", msg.ConversationID)
		}
		persistCtx, cancel := s.persistContext(ctx)
		defer cancel()
		txErr := &domain.TransmissionError{MessageID: msg.ID, Err: sendErr}
		if rbErr := s.repo.RollbackToPending(persistCtx, msg.ID); rbErr != nil {
			logger.ErrorContext(ctx, "Failed to roll back message after transmission failure", "error", rbErr)
			return nil, errors.Join(txErr, fmt.Errorf("rollback to pending: %w", rbErr))
		}
		return nil, txErr
	}

	// The channel has the message. The remaining writes must run even if the
	// caller has gone away.
	persistCtx, cancel := s.persistContext(ctx)
	defer cancel()

	if err := s.repo.SetChannelMessageID(persistCtx, msg.ID, channelMsgID); err != nil {
		deliveredButUnpersistedCounter.Inc()
		logger.ErrorContext(ctx, "CRITICAL: message delivered but channel message id could not be saved",
			"error", err, "channel_message_id", channelMsgID, "conversation_id", msg.ConversationID)
		if mdErr := s.repo.SetDeliveryFailedMetadata(persistCtx, msg.ID, channelMsgID); mdErr != nil {
			logger.ErrorContext(ctx, "CRITICAL: recovery metadata could not be saved either",
				"error", mdErr, "channel_message_id", channelMsgID)
		} else {
			msg.DeliveryMetadata.RequiresManualRecovery = true
			msg.DeliveryMetadata.ChannelMessageIDBackup = &channelMsgID
			s.publish(ctx, SubjectMessageRecoveryRequired, msg, agentID)
		}
		return nil, &domain.DeliveredButPersistFailedError{MessageID: msg.ID, ChannelMessageID: channelMsgID, Err: err}
	}

	return s.finalize(persistCtx, logger, msg, agentID, channelMsgID)
}

func (s *ApprovalService) send(ctx context.Context, logger *slog.Logger, msg *domain.OutboundMessage) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.channel.Send(sendCtx, channel.SendRequest{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Recipient:      msg.Recipient,
		Content:        msg.Content,
	})
	if err == nil && (resp == nil || resp.ChannelMessageID == "") {
		err = errors.New("channel returned no message id")
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	channelSendDurationHist.WithLabelValues(s.channel.Name(), result).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.WarnContext(ctx, "Channel send failed", "error", err, "adapter", s.channel.Name())
		return "", err
	}
	logger.InfoContext(ctx, "Channel accepted message", "adapter", s.channel.Name(), "channel_message_id", resp.ChannelMessageID)
	return resp.ChannelMessageID, nil
}

// finalize writes the approved status once delivery is durably recorded.
func (s *ApprovalService) finalize(ctx context.Context, logger *slog.Logger, msg *domain.OutboundMessage, agentID, channelMsgID string) (*domain.OutboundMessage, error) {
	approved, err := s.repo.FinalizeApproved(ctx, msg.ID, agentID)
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			if current, getErr := s.repo.GetByID(ctx, msg.ID); getErr == nil && current.ApprovalStatus == domain.ApprovalStatusApproved {
				return nil, domain.ErrAlreadyApproved
			}
		}
		logger.ErrorContext(ctx, "Message delivered but approval could not be finalized", "error", err, "channel_message_id", channelMsgID)
		return nil, &domain.DeliveredApprovalPendingRetryError{MessageID: msg.ID, ChannelMessageID: channelMsgID, Err: err}
	}
	logger.InfoContext(ctx, "Message approved", "channel_message_id", channelMsgID)
	s.publish(ctx, SubjectMessageApproved, approved, agentID)
	return approved, nil
}

// Reject records a rejection. Only pending messages can be rejected.
func (s *ApprovalService) Reject(ctx context.Context, messageID, agentID string, reason *string) (*domain.OutboundMessage, error) {
	msg, err := s.reject(ctx, messageID, agentID, reason)
	rejectOutcomesCounter.WithLabelValues(outcomeLabel(err)).Inc()
	return msg, err
}

func (s *ApprovalService) reject(ctx context.Context, messageID, agentID string, reason *string) (*domain.OutboundMessage, error) {
	msg, err := s.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := rejectConflict(msg); err != nil {
		return nil, err
	}

	rejected, err := s.repo.FinalizeRejected(ctx, messageID, agentID, reason)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrMessageNotFound):
			return nil, domain.ErrNotFound
		case errors.Is(err, repository.ErrStatusConflict):
			// Lost a race; report what the message turned into.
			current, getErr := s.Get(ctx, messageID)
			if getErr != nil {
				return nil, getErr
			}
			if cErr := rejectConflict(current); cErr != nil {
				return nil, cErr
			}
			return nil, domain.ErrInvalidState
		default:
			return nil, fmt.Errorf("reject message %s: %w", messageID, err)
		}
	}
	s.logger.InfoContext(ctx, "Message rejected", "message_id", messageID, "agent_id", agentID)
	s.publish(ctx, SubjectMessageRejected, rejected, agentID)
	return rejected, nil
}

func terminalConflict(status domain.ApprovalStatus) error {
	if status == domain.ApprovalStatusApproved {
		return domain.ErrAlreadyApproved
	}
	return domain.ErrAlreadyRejected
}

func rejectConflict(msg *domain.OutboundMessage) error {
	if msg.ApprovalStatus.IsTerminal() {
		return terminalConflict(msg.ApprovalStatus)
	}
	if msg.IsFrozen() {
		return &domain.ManualRecoveryRequiredError{MessageID: msg.ID, BackupChannelMessageID: msg.BackupChannelMessageID()}
	}
	if msg.ApprovalStatus == domain.ApprovalStatusSending {
		return domain.ErrConcurrentlyProcessing
	}
	if msg.HasDeliveryEvidence() {
		return fmt.Errorf("%w: message was already delivered", domain.ErrInvalidState)
	}
	return nil
}

// ResolveManualRecovery is the operator action that unfreezes a message. The
// backup channel id becomes the authoritative one, so the next Approve
// finalizes without sending.
func (s *ApprovalService) ResolveManualRecovery(ctx context.Context, messageID, operatorID, note string) (*domain.OutboundMessage, error) {
	msg, err := s.repo.ResolveManualRecovery(ctx, messageID, operatorID, note)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrMessageNotFound):
			return nil, domain.ErrNotFound
		case errors.Is(err, repository.ErrStatusConflict):
			return nil, domain.ErrNotFrozen
		default:
			return nil, fmt.Errorf("resolve manual recovery for message %s: %w", messageID, err)
		}
	}
	s.logger.InfoContext(ctx, "Manual recovery resolved", "message_id", messageID, "operator_id", operatorID,
		"channel_message_id", msg.BackupChannelMessageID())
	s.publish(ctx, SubjectMessageRecoveryResolved, msg, operatorID)
	return msg, nil
}

// ListRequiringRecovery returns frozen messages, oldest first.
func (s *ApprovalService) ListRequiringRecovery(ctx context.Context, limit int) ([]*domain.OutboundMessage, error) {
	if limit <= 0 || limit > defaultRecoveryLimit {
		limit = defaultRecoveryLimit
	}
	msgs, err := s.repo.ListRequiringRecovery(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages requiring recovery: %w", err)
	}
	return msgs, nil
}

func (s *ApprovalService) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAlreadyApproved), errors.Is(err, domain.ErrAlreadyRejected),
		errors.Is(err, domain.ErrConcurrentlyProcessing), errors.Is(err, domain.ErrInvalidState):
		return "conflict"
	case errors.Is(err, domain.ErrManualRecoveryRequired):
		return "manual_recovery_required"
	case errors.Is(err, domain.ErrTransmissionFailed):
		return "transmission_failed"
	case errors.Is(err, domain.ErrDeliveredButPersistFailed):
		return "delivered_persist_failed"
	case errors.Is(err, domain.ErrDeliveredApprovalPendingRetry):
		return "delivered_finalize_failed"
	default:
		return "error"
	}
}
