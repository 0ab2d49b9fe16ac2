package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWhatsAppAdapter_RequiresCredentials(t *testing.T) {
	_, err := NewWhatsAppAdapter(testLogger(), "http://x", "", "token", nil)
	assert.Error(t, err)
	_, err = NewWhatsAppAdapter(testLogger(), "http://x", "12345", " ", nil)
	assert.Error(t, err)

	adapter, err := NewWhatsAppAdapter(testLogger(), "http://x/", "12345", "token", nil)
	require.NoError(t, err)
	assert.Equal(t, "whatsapp", adapter.Name())
	assert.Equal(t, "http://x", adapter.baseURL)
}

func TestWhatsAppAdapter_Send_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/109876/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body whatsAppSendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "whatsapp", body.MessagingProduct)
		assert.Equal(t, "text", body.Type)
		assert.Equal(t, "15550001111", body.To)
		assert.Equal(t, "See you at 3pm", body.Text.Body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"15550001111","wa_id":"15550001111"}],"messages":[{"id":"wamid.HBgLMTU1NTAwMDExMTEVAgARGBI"}]}`))
	}))
	defer server.Close()

	adapter, err := NewWhatsAppAdapter(testLogger(), server.URL, "109876", "test-token", server.Client())
	require.NoError(t, err)

	resp, err := adapter.Send(context.Background(), SendRequest{
		MessageID: "m-1", ConversationID: "c-1", Recipient: "+15550001111", Content: "See you at 3pm",
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "wamid.HBgLMTU1NTAwMDExMTEVAgARGBI", resp.ChannelMessageID)
}

func TestWhatsAppAdapter_Send_Failures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		errContain string
	}{
		{"api error body", http.StatusBadRequest,
			`{"error":{"message":"(#131030) Recipient phone number not in allowed list","type":"OAuthException","code":131030,"fbtrace_id":"Az8"}}`,
			"131030"},
		{"plain server error", http.StatusBadGateway, "upstream unavailable", "status 502"},
		{"no message id", http.StatusOK, `{"messages":[]}`, "did not contain a message id"},
		{"malformed success body", http.StatusOK, `{"messages":`, "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			adapter, err := NewWhatsAppAdapter(testLogger(), server.URL, "109876", "test-token", server.Client())
			require.NoError(t, err)

			resp, err := adapter.Send(context.Background(), SendRequest{MessageID: "m-1", Recipient: "15550001111", Content: "hi"})
			assert.Nil(t, resp)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContain)
		})
	}
}

func TestWhatsAppAdapter_Send_UnconfirmedAcceptance(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no message id", `{"messages":[]}`},
		{"malformed success body", `{"messages":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, nil))
			adapter, err := NewWhatsAppAdapter(logger, server.URL, "109876", "test-token", server.Client())
			require.NoError(t, err)

			_, err = adapter.Send(context.Background(), SendRequest{MessageID: "m-1", Recipient: "15550001111", Content: "hi"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnconfirmedAcceptance)
			assert.Contains(t, logs.String(), "level=ERROR")
			assert.Contains(t, logs.String(), "may have been delivered")
		})
	}

	t.Run("rejection is not ambiguous", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		adapter, err := NewWhatsAppAdapter(testLogger(), server.URL, "109876", "test-token", server.Client())
		require.NoError(t, err)
		_, err = adapter.Send(context.Background(), SendRequest{MessageID: "m-1", Recipient: "15550001111", Content: "hi"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnconfirmedAcceptance)
	})
}

func TestWhatsAppAdapter_Send_RespectsContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	adapter, err := NewWhatsAppAdapter(testLogger(), server.URL, "109876", "test-token", server.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = adapter.Send(ctx, SendRequest{MessageID: "m-1", Recipient: "15550001111", Content: "hi"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "context deadline exceeded"), err.Error())
}

func TestMockAdapter_Send(t *testing.T) {
	ok := NewMockAdapter(testLogger(), "", 0, 0, 0)
	assert.Equal(t, "mock-channel", ok.Name())
	resp, err := ok.Send(context.Background(), SendRequest{MessageID: "m-1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.ChannelMessageID, "mock."))

	failing := NewMockAdapter(testLogger(), "flaky", 1.0, 0, 0)
	_, err = failing.Send(context.Background(), SendRequest{MessageID: "m-2"})
	assert.Error(t, err)

	slow := NewMockAdapter(testLogger(), "slow", 0, 1000, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = slow.Send(ctx, SendRequest{MessageID: "m-3"})
	assert.ErrorIs(t, err, context.Canceled)
}
