package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// MockAdapter is a simulated channel for local development.
type MockAdapter struct {
	logger       *slog.Logger
	name         string
	failRate     float64 // chance to simulate failure (0.0 to 1.0)
	minLatencyMs int
	maxLatencyMs int
}

// NewMockAdapter creates a new MockAdapter.
func NewMockAdapter(logger *slog.Logger, name string, failRate float64, minLatencyMs, maxLatencyMs int) *MockAdapter {
	if name == "" {
		name = "mock-channel"
	}
	if maxLatencyMs < minLatencyMs {
		maxLatencyMs = minLatencyMs
	}
	return &MockAdapter{
		logger:       logger.With("adapter", name),
		name:         name,
		failRate:     failRate,
		minLatencyMs: minLatencyMs,
		maxLatencyMs: maxLatencyMs,
	}
}

func (a *MockAdapter) Name() string {
	return a.name
}

func (a *MockAdapter) Send(ctx context.Context, request SendRequest) (*SendResponse, error) {
	latency := a.minLatencyMs + rand.Intn(a.maxLatencyMs-a.minLatencyMs+1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(latency) * time.Millisecond):
	}

	a.logger.InfoContext(ctx, "MockAdapter: Send called",
		"message_id", request.MessageID,
		"recipient", request.Recipient,
		"content_len", len(request.Content))

	if rand.Float64() < a.failRate {
		a.logger.WarnContext(ctx, "MockAdapter: simulated failure", "message_id", request.MessageID)
		return nil, fmt.Errorf("mock channel simulated failure for recipient %s", request.Recipient)
	}

	channelMsgID := "mock." + uuid.NewString()
	a.logger.InfoContext(ctx, "MockAdapter: message sent (simulated)",
		"message_id", request.MessageID,
		"channel_message_id", channelMsgID)

	return &SendResponse{ChannelMessageID: channelMsgID}, nil
}
