package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware" // For GetReqID
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/replydesk/golang_services/internal/approval_service/domain"
	"github.com/replydesk/golang_services/internal/approval_service/middleware"
)

const maxRequestBodyBytes = 64 << 10

const (
	instructionsDoNotRetry = "The message was delivered to the recipient but this service could not record it. " +
		"Do not approve it again. An operator must reconcile the message using the channel message id."
	instructionsRetrySafe = "The message was delivered and recorded. Calling approve again is safe and will not resend it."
)

// ApprovalAppService is the application surface the handlers need.
type ApprovalAppService interface {
	Get(ctx context.Context, messageID string) (*domain.OutboundMessage, error)
	Approve(ctx context.Context, messageID, agentID string) (*domain.OutboundMessage, error)
	Reject(ctx context.Context, messageID, agentID string, reason *string) (*domain.OutboundMessage, error)
	ResolveManualRecovery(ctx context.Context, messageID, operatorID, note string) (*domain.OutboundMessage, error)
	ListRequiringRecovery(ctx context.Context, limit int) ([]*domain.OutboundMessage, error)
}

// ApprovalHandler serves the agent-facing approve/reject routes.
type ApprovalHandler struct {
	service  ApprovalAppService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewApprovalHandler creates a new ApprovalHandler.
func NewApprovalHandler(service ApprovalAppService, validate *validator.Validate, logger *slog.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		service:  service,
		validate: validate,
		logger:   logger.With("handler", "approval"),
	}
}

// RegisterRoutes registers message routes with the given router.
func (h *ApprovalHandler) RegisterRoutes(r chi.Router) {
	r.Get("/messages/{messageID}", h.handleGetMessage)
	r.Post("/messages/{messageID}/approve", h.handleApprove)
	r.Post("/messages/{messageID}/reject", h.handleReject)
}

func (h *ApprovalHandler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	if _, ok := middleware.AgentFromContext(ctx); !ok {
		respondWithError(w, http.StatusUnauthorized, "Agent not authenticated")
		return
	}
	messageID, ok := messageIDParam(w, r, logger)
	if !ok {
		return
	}

	msg, err := h.service.Get(ctx, messageID)
	if err != nil {
		writeServiceError(ctx, w, logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (h *ApprovalHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	agent, ok := middleware.AgentFromContext(ctx)
	if !ok {
		logger.WarnContext(ctx, "Agent not authenticated for approve")
		respondWithError(w, http.StatusUnauthorized, "Agent not authenticated")
		return
	}
	logger = logger.With("agent_id", agent.ID)

	messageID, ok := messageIDParam(w, r, logger)
	if !ok {
		return
	}

	msg, err := h.service.Approve(ctx, messageID, agent.ID)
	if err != nil {
		writeServiceError(ctx, w, logger.With("message_id", messageID), err)
		return
	}
	respondWithJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (h *ApprovalHandler) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	agent, ok := middleware.AgentFromContext(ctx)
	if !ok {
		logger.WarnContext(ctx, "Agent not authenticated for reject")
		respondWithError(w, http.StatusUnauthorized, "Agent not authenticated")
		return
	}
	logger = logger.With("agent_id", agent.ID)

	messageID, ok := messageIDParam(w, r, logger)
	if !ok {
		return
	}

	var req RejectMessageRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		logger.WarnContext(ctx, "Failed to decode reject request", "error", err)
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	msg, err := h.service.Reject(ctx, messageID, agent.ID, req.Reason)
	if err != nil {
		writeServiceError(ctx, w, logger.With("message_id", messageID), err)
		return
	}
	respondWithJSON(w, http.StatusOK, toMessageResponse(msg))
}

// writeServiceError maps service errors to responses. Failures after delivery
// always say so, and never share a response shape with an undelivered failure.
func writeServiceError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		frozenErr   *domain.ManualRecoveryRequiredError
		persistErr  *domain.DeliveredButPersistFailedError
		finalizeErr *domain.DeliveredApprovalPendingRetryError
	)

	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondWithJSON(w, http.StatusNotFound, GenericErrorResponse{Error: "Message not found", Code: CodeNotFound})
	case errors.Is(err, domain.ErrAlreadyApproved):
		respondWithJSON(w, http.StatusConflict, GenericErrorResponse{Error: err.Error(), Code: CodeAlreadyApproved})
	case errors.Is(err, domain.ErrAlreadyRejected):
		respondWithJSON(w, http.StatusConflict, GenericErrorResponse{Error: err.Error(), Code: CodeAlreadyRejected})
	case errors.Is(err, domain.ErrConcurrentlyProcessing):
		respondWithJSON(w, http.StatusConflict, GenericErrorResponse{Error: err.Error(), Code: CodeConcurrentlyProcessing})
	case errors.Is(err, domain.ErrInvalidState):
		respondWithJSON(w, http.StatusConflict, GenericErrorResponse{Error: err.Error(), Code: CodeInvalidState})
	case errors.Is(err, domain.ErrNotFrozen):
		respondWithJSON(w, http.StatusConflict, GenericErrorResponse{Error: err.Error(), Code: CodeNotFrozen})

	case errors.As(err, &frozenErr):
		logger.WarnContext(ctx, "Message requires manual recovery", "channel_message_id", frozenErr.BackupChannelMessageID)
		respondWithJSON(w, http.StatusLocked, ApprovalErrorResponse{
			Error:            frozenErr.Error(),
			Code:             CodeManualRecoveryRequired,
			Delivered:        true,
			RetrySafe:        false,
			ChannelMessageID: frozenErr.BackupChannelMessageID,
			Instructions:     instructionsDoNotRetry,
		})

	case errors.As(err, &persistErr):
		logger.ErrorContext(ctx, "CRITICAL: delivered message could not be recorded",
			"error", err, "channel_message_id", persistErr.ChannelMessageID)
		respondWithJSON(w, http.StatusInternalServerError, ApprovalErrorResponse{
			Error:            persistErr.Error(),
			Code:             CodeDeliveredButPersistFailed,
			Delivered:        true,
			RetrySafe:        false,
			ChannelMessageID: persistErr.ChannelMessageID,
			Instructions:     instructionsDoNotRetry,
		})

	case errors.As(err, &finalizeErr):
		logger.ErrorContext(ctx, "Delivered message approval not finalized", "error", err, "channel_message_id", finalizeErr.ChannelMessageID)
		respondWithJSON(w, http.StatusInternalServerError, ApprovalErrorResponse{
			Error:            finalizeErr.Error(),
			Code:             CodeDeliveredApprovalPendingRetry,
			Delivered:        true,
			RetrySafe:        true,
			ChannelMessageID: finalizeErr.ChannelMessageID,
			Instructions:     instructionsRetrySafe,
		})

	case errors.Is(err, domain.ErrTransmissionFailed):
		logger.WarnContext(ctx, "Channel transmission failed", "error", err)
		respondWithJSON(w, http.StatusBadGateway, ApprovalErrorResponse{
			Error:     "Failed to send message through the channel",
			Code:      CodeTransmissionFailed,
			Delivered: false,
			RetrySafe: true,
		})

	default:
		logger.ErrorContext(ctx, "Unexpected service error", "error", err)
		respondWithJSON(w, http.StatusInternalServerError, GenericErrorResponse{Error: "Internal server error", Code: CodeInternal})
	}
}

func messageIDParam(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (string, bool) {
	messageID := chi.URLParam(r, "messageID")
	if _, err := uuid.Parse(messageID); err != nil {
		logger.WarnContext(r.Context(), "Invalid message ID format provided", "message_id", messageID, "error", err)
		respondWithError(w, http.StatusBadRequest, "Invalid message ID format")
		return "", false
	}
	return messageID, true
}

// decodeOptionalJSON decodes a JSON body into dst; an empty body leaves dst untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Helper to respond with JSON
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			slog.Default().Error("Failed to write JSON response", "error", err)
		}
	}
}

// Helper to respond with an error
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, GenericErrorResponse{Error: message})
}
