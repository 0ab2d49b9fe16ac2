package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const whatsAppAdapterName = "whatsapp"

// ErrUnconfirmedAcceptance is returned when WhatsApp answered 2xx but no message
// id could be read from the response. The message may have been delivered.
var ErrUnconfirmedAcceptance = errors.New("whatsapp accepted the request without a usable message id")

// maxErrorBodyLog caps how much of a provider error body ends up in logs and errors.
const maxErrorBodyLog = 512

// WhatsAppAdapter sends text messages through the WhatsApp Cloud API.
type WhatsAppAdapter struct {
	logger        *slog.Logger
	httpClient    *http.Client
	baseURL       string
	phoneNumberID string
	accessToken   string
}

// NewWhatsAppAdapter creates an adapter. baseURL is e.g. "https://graph.facebook.com/v19.0".
func NewWhatsAppAdapter(logger *slog.Logger, baseURL, phoneNumberID, accessToken string, httpClient *http.Client) (*WhatsAppAdapter, error) {
	if strings.TrimSpace(phoneNumberID) == "" {
		return nil, errors.New("whatsapp phone number id is required")
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("whatsapp access token is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &WhatsAppAdapter{
		logger:        logger.With("adapter", whatsAppAdapterName),
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(baseURL, "/"),
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
	}, nil
}

type whatsAppTextBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type whatsAppSendRequest struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             whatsAppTextBody `json:"text"`
}

type whatsAppSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type whatsAppErrorResponse struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

func (a *WhatsAppAdapter) Name() string {
	return whatsAppAdapterName
}

func (a *WhatsAppAdapter) Send(ctx context.Context, request SendRequest) (*SendResponse, error) {
	a.logger.InfoContext(ctx, "WhatsAppAdapter: Send called", "message_id", request.MessageID, "conversation_id", request.ConversationID)

	body := whatsAppSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(request.Recipient, "+"),
		Type:             "text",
		Text:             whatsAppTextBody{Body: request.Content},
	}
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal whatsapp request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", a.baseURL, a.phoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create whatsapp http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.accessToken)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		a.logger.ErrorContext(ctx, "Failed to send request to WhatsApp", "error", err, "message_id", request.MessageID)
		return nil, fmt.Errorf("failed to send request to whatsapp: %w", err)
	}
	defer httpResp.Body.Close()

	accepted := httpResp.StatusCode >= 200 && httpResp.StatusCode < 300
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		if accepted {
			return nil, a.unconfirmed(ctx, request, fmt.Errorf("read response body: %w", err))
		}
		return nil, fmt.Errorf("whatsapp responded with status %d and the body could not be read: %w", httpResp.StatusCode, err)
	}

	if !accepted {
		var apiErr whatsAppErrorResponse
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Error.Message != "" {
			a.logger.WarnContext(ctx, "WhatsApp rejected message",
				"message_id", request.MessageID,
				"status_code", httpResp.StatusCode,
				"api_error_code", apiErr.Error.Code,
				"fbtrace_id", apiErr.Error.FBTraceID)
			return nil, fmt.Errorf("whatsapp api error (status %d, code %d): %s", httpResp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("whatsapp api error (status %d): %s", httpResp.StatusCode, truncate(string(respBody), maxErrorBodyLog))
	}

	var sendResp whatsAppSendResponse
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		return nil, a.unconfirmed(ctx, request, fmt.Errorf("failed to parse whatsapp response: %w", err))
	}
	if len(sendResp.Messages) == 0 || sendResp.Messages[0].ID == "" {
		return nil, a.unconfirmed(ctx, request, errors.New("whatsapp response did not contain a message id"))
	}

	channelMsgID := sendResp.Messages[0].ID
	a.logger.InfoContext(ctx, "WhatsApp accepted message", "message_id", request.MessageID, "channel_message_id", channelMsgID)
	return &SendResponse{ChannelMessageID: channelMsgID}, nil
}

func (a *WhatsAppAdapter) unconfirmed(ctx context.Context, request SendRequest, cause error) error {
	a.logger.ErrorContext(ctx, "WhatsApp accepted the request but no message id was returned; message may have been delivered",
		"message_id", request.MessageID,
		"conversation_id", request.ConversationID,
		"error", cause)
	return fmt.Errorf("%w: %w", ErrUnconfirmedAcceptance, cause)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
