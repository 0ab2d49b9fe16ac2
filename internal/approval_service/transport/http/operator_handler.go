package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/replydesk/golang_services/internal/approval_service/middleware"
)

// OperatorHandler serves the manual recovery routes.
type OperatorHandler struct {
	service  ApprovalAppService
	validate *validator.Validate
	logger   *slog.Logger
}

func NewOperatorHandler(service ApprovalAppService, validate *validator.Validate, logger *slog.Logger) *OperatorHandler {
	return &OperatorHandler{
		service:  service,
		validate: validate,
		logger:   logger.With("handler", "operator"),
	}
}

// RegisterRoutes registers operator routes with the given router.
func (h *OperatorHandler) RegisterRoutes(r chi.Router) {
	r.Get("/operator/messages/recovery", h.handleListRecovery)
	r.Post("/operator/messages/{messageID}/recovery/resolve", h.handleResolveRecovery)
}

func (h *OperatorHandler) handleListRecovery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := h.service.ListRequiringRecovery(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, logger, err)
		return
	}
	resp := RecoveryListResponse{Messages: make([]MessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	resp.Count = len(resp.Messages)
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *OperatorHandler) handleResolveRecovery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	operatorID, ok := middleware.OperatorFromContext(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Operator not authenticated")
		return
	}
	logger = logger.With("operator_id", operatorID)

	messageID, ok := messageIDParam(w, r, logger)
	if !ok {
		return
	}

	var req ResolveRecoveryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		logger.WarnContext(ctx, "Failed to decode resolve recovery request", "error", err)
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	msg, err := h.service.ResolveManualRecovery(ctx, messageID, operatorID, req.Note)
	if err != nil {
		writeServiceError(ctx, w, logger.With("message_id", messageID), err)
		return
	}
	logger.InfoContext(ctx, "Operator resolved manual recovery", "message_id", messageID)
	respondWithJSON(w, http.StatusOK, toMessageResponse(msg))
}
