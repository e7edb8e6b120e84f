// Package provider implements the no-op SMS provider.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lprpipeline/internal/pipeline/observability"
)

// MockHistory is how many accepted messages the mock provider remembers.
const MockHistory = 256

// SentMessage is one message accepted by the mock provider.
type SentMessage struct {
	To        string
	Message   string
	MessageID string
}

// MockProvider accepts every message without sending it.
type MockProvider struct {
	logger observability.Logger
	now    func() time.Time
	mu     sync.Mutex
	sent   []SentMessage
	next   int
}

// NewMockProvider constructs a MockProvider.
func NewMockProvider(logger observability.Logger) *MockProvider {
	return &MockProvider{logger: logger, now: time.Now}
}

// Name returns the provider identifier.
func (p *MockProvider) Name() string {
	return "mock"
}

// SendSMS records the message and returns a mock_<unixnano> id. It never fails.
func (p *MockProvider) SendSMS(ctx context.Context, to, message string) (string, error) {
	id := fmt.Sprintf("mock_%d", p.now().UnixNano())
	msg := SentMessage{To: to, Message: message, MessageID: id}
	p.mu.Lock()
	if len(p.sent) < MockHistory {
		p.sent = append(p.sent, msg)
	} else {
		p.sent[p.next] = msg
		p.next = (p.next + 1) % MockHistory
	}
	p.mu.Unlock()
	if p.logger != nil {
		p.logger.Info("mock sms sent", map[string]any{"to": to, "message": message, "message_id": id})
	}
	return id, nil
}

// Sent returns the most recent accepted messages, oldest first.
func (p *MockProvider) Sent() []SentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SentMessage, 0, len(p.sent))
	out = append(out, p.sent[p.next:]...)
	return append(out, p.sent[:p.next]...)
}
