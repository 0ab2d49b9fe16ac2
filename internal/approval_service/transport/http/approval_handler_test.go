package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/replydesk/golang_services/internal/approval_service/domain"
	"github.com/replydesk/golang_services/internal/approval_service/middleware"
	httptransport "github.com/replydesk/golang_services/internal/approval_service/transport/http"
)

// MockApprovalService mocks httptransport.ApprovalAppService.
type MockApprovalService struct {
	mock.Mock
}

func (m *MockApprovalService) Get(ctx context.Context, messageID string) (*domain.OutboundMessage, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OutboundMessage), args.Error(1)
}

func (m *MockApprovalService) Approve(ctx context.Context, messageID, agentID string) (*domain.OutboundMessage, error) {
	args := m.Called(ctx, messageID, agentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OutboundMessage), args.Error(1)
}

func (m *MockApprovalService) Reject(ctx context.Context, messageID, agentID string, reason *string) (*domain.OutboundMessage, error) {
	args := m.Called(ctx, messageID, agentID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OutboundMessage), args.Error(1)
}

func (m *MockApprovalService) ResolveManualRecovery(ctx context.Context, messageID, operatorID, note string) (*domain.OutboundMessage, error) {
	args := m.Called(ctx, messageID, operatorID, note)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OutboundMessage), args.Error(1)
}

func (m *MockApprovalService) ListRequiringRecovery(ctx context.Context, limit int) ([]*domain.OutboundMessage, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.OutboundMessage), args.Error(1)
}

const testAgentID = "agent-42"

func withAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), middleware.AuthenticatedAgentContextKey, middleware.AuthenticatedAgent{ID: testAgentID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func setupApprovalRouter(svc *MockApprovalService, authenticated bool) *chi.Mux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := httptransport.NewApprovalHandler(svc, validator.New(), logger)
	r := chi.NewRouter()
	if authenticated {
		r.Use(withAgent)
	}
	handler.RegisterRoutes(r)
	return r
}

func sampleMessage(id string, status domain.ApprovalStatus) *domain.OutboundMessage {
	channelID := "wamid.abc"
	now := time.Now().UTC()
	return &domain.OutboundMessage{
		ID:               id,
		ConversationID:   "conv-1",
		Recipient:        "+15550001111",
		Content:          "hello",
		Direction:        domain.DirectionOutbound,
		ApprovalStatus:   status,
		ChannelMessageID: &channelID,
		ApprovedBy:       strPtr(testAgentID),
		ApprovedAt:       &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func strPtr(s string) *string { return &s }

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

func TestApproveHandler_Success(t *testing.T) {
	svc := new(MockApprovalService)
	router := setupApprovalRouter(svc, true)
	id := uuid.NewString()
	svc.On("Approve", mock.Anything, id, testAgentID).Return(sampleMessage(id, domain.ApprovalStatusApproved), nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/messages/"+id+"/approve", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp httptransport.MessageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.ID)
	assert.Equal(t, domain.ApprovalStatusApproved, resp.ApprovalStatus)
	require.NotNil(t, resp.ChannelMessageID)
	assert.Equal(t, "wamid.abc", *resp.ChannelMessageID)
	svc.AssertExpectations(t)
}

func TestApproveHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStatus    int
		wantCode      string
		wantDelivered *bool
		wantRetrySafe *bool
		wantChannelID string
	}{
		{"not found", domain.ErrNotFound, http.StatusNotFound, httptransport.CodeNotFound, nil, nil, ""},
		{"already approved", domain.ErrAlreadyApproved, http.StatusConflict, httptransport.CodeAlreadyApproved, nil, nil, ""},
		{"already rejected", domain.ErrAlreadyRejected, http.StatusConflict, httptransport.CodeAlreadyRejected, nil, nil, ""},
		{"concurrently processing", domain.ErrConcurrentlyProcessing, http.StatusConflict, httptransport.CodeConcurrentlyProcessing, nil, nil, ""},
		{"invalid state", fmt.Errorf("%w: sending", domain.ErrInvalidState), http.StatusConflict, httptransport.CodeInvalidState, nil, nil, ""},
		{"manual recovery required",
			&domain.ManualRecoveryRequiredError{MessageID: "m", BackupChannelMessageID: "wamid.backup"},
			http.StatusLocked, httptransport.CodeManualRecoveryRequired, boolPtr(true), boolPtr(false), "wamid.backup"},
		{"transmission failed",
			&domain.TransmissionError{MessageID: "m", Err: errors.New("503")},
			http.StatusBadGateway, httptransport.CodeTransmissionFailed, boolPtr(false), boolPtr(true), ""},
		{"transmission failed and rollback failed",
			errors.Join(&domain.TransmissionError{MessageID: "m", Err: errors.New("503")}, errors.New("rollback: db down")),
			http.StatusBadGateway, httptransport.CodeTransmissionFailed, boolPtr(false), boolPtr(true), ""},
		{"delivered but persist failed",
			&domain.DeliveredButPersistFailedError{MessageID: "m", ChannelMessageID: "wamid.lost", Err: errors.New("db down")},
			http.StatusInternalServerError, httptransport.CodeDeliveredButPersistFailed, boolPtr(true), boolPtr(false), "wamid.lost"},
		{"delivered approval pending retry",
			&domain.DeliveredApprovalPendingRetryError{MessageID: "m", ChannelMessageID: "wamid.ok", Err: errors.New("timeout")},
			http.StatusInternalServerError, httptransport.CodeDeliveredApprovalPendingRetry, boolPtr(true), boolPtr(true), "wamid.ok"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, httptransport.CodeInternal, nil, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockApprovalService)
			router := setupApprovalRouter(svc, true)
			id := uuid.NewString()
			svc.On("Approve", mock.Anything, id, testAgentID).Return(nil, tt.err).Once()

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/messages/"+id+"/approve", nil))

			assert.Equal(t, tt.wantStatus, rr.Code)
			body := decodeBody(t, rr)
			assert.Equal(t, tt.wantCode, body["code"])
			if tt.wantDelivered != nil {
				assert.Equal(t, *tt.wantDelivered, body["delivered"])
				assert.Equal(t, *tt.wantRetrySafe, body["retry_safe"])
			} else {
				assert.NotContains(t, body, "delivered")
			}
			if tt.wantChannelID != "" {
				assert.Equal(t, tt.wantChannelID, body["channel_message_id"])
				assert.NotEmpty(t, body["instructions"])
			}
			svc.AssertExpectations(t)
		})
	}
}

func boolPtr(b bool) *bool { return &b }

func TestApproveHandler_InvalidID(t *testing.T) {
	svc := new(MockApprovalService)
	router := setupApprovalRouter(svc, true)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/messages/not-a-uuid/approve", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	svc.AssertNotCalled(t, "Approve", mock.Anything, mock.Anything, mock.Anything)
}

func TestApproveHandler_Unauthenticated(t *testing.T) {
	svc := new(MockApprovalService)
	router := setupApprovalRouter(svc, false)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/messages/"+uuid.NewString()+"/approve", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	svc.AssertNotCalled(t, "Approve", mock.Anything, mock.Anything, mock.Anything)
}

func TestRejectHandler(t *testing.T) {
	t.Run("with reason", func(t *testing.T) {
		svc := new(MockApprovalService)
		router := setupApprovalRouter(svc, true)
		id := uuid.NewString()
		svc.On("Reject", mock.Anything, id, testAgentID, mock.MatchedBy(func(r *string) bool {
			return r != nil && *r == "too informal"
		})).Return(sampleMessage(id, domain.ApprovalStatusRejected), nil).Once()

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/messages/"+id+"/reject",
			bytes.NewBufferString(`{"reason":"too informal"}`)))

		assert.Equal(t, http.StatusOK, rr.Code)
		svc.AssertExpectations(t)
	})

	t.Run("empty body", func(t *testing.T) {
		svc := new(MockApprovalService)
		router := setupApprovalRouter(svc, true)
		id := uuid.NewString()
		svc.On("Reject", mock.Anything, id, testAgentID, (*string)(nil)).Return(sampleMessage(id, domain.ApprovalStatusRejected), nil).Once()

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/messages/"+id+"/reject", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		svc.AssertExpectations(t)
	})

	t.Run("reason too long", func(t *testing.T) {
		svc := new(MockApprovalService)
		router := setupApprovalRouter(svc, true)
		body := fmt.Sprintf(`{"reason":%q}`, strings.Repeat("x", 501))

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/messages/"+uuid.NewString()+"/reject", bytes.NewBufferString(body)))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		svc.AssertNotCalled(t, "Reject", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("malformed body", func(t *testing.T) {
		svc := new(MockApprovalService)
		router := setupApprovalRouter(svc, true)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/messages/"+uuid.NewString()+"/reject", bytes.NewBufferString(`{"reason":`)))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("not pending", func(t *testing.T) {
		svc := new(MockApprovalService)
		router := setupApprovalRouter(svc, true)
		id := uuid.NewString()
		svc.On("Reject", mock.Anything, id, testAgentID, (*string)(nil)).Return(nil, domain.ErrAlreadyApproved).Once()

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/messages/"+id+"/reject", nil))

		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, httptransport.CodeAlreadyApproved, decodeBody(t, rr)["code"])
	})
}

func TestGetMessageHandler(t *testing.T) {
	svc := new(MockApprovalService)
	router := setupApprovalRouter(svc, true)
	id := uuid.NewString()
	missing := uuid.NewString()
	svc.On("Get", mock.Anything, id).Return(sampleMessage(id, domain.ApprovalStatusPending), nil).Once()
	svc.On("Get", mock.Anything, missing).Return(nil, domain.ErrNotFound).Once()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/messages/"+id, nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(domain.ApprovalStatusPending), decodeBody(t, rr)["approval_status"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/messages/"+missing, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	svc.AssertExpectations(t)
}
