// Package notify abstracts the outbound SMS transport.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"cleaner-coordinator/internal/config"
)

// Sender delivers one outbound text. No retries; callers log failures and
// move on rather than aborting the run that triggered the send.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// NewFromConfig selects the transport: a logging mock for development or the
// Twilio REST gateway.
func NewFromConfig(cfg config.Config, logger *zap.SugaredLogger) Sender {
	if cfg.TwilioMock {
		return NewMockSender(logger)
	}
	return NewTwilioSender(cfg.TwilioSID, cfg.TwilioAuthToken, cfg.TwilioFrom, logger)
}

// MockSender logs messages instead of dialing out.
type MockSender struct {
	logger *zap.SugaredLogger

	// Sent accumulates messages for assertions; only populated when
	// constructed with NewRecordingSender.
	Sent []SentMessage
	rec  bool
}

// SentMessage is one captured outbound text.
type SentMessage struct {
	To   string
	Body string
}

func NewMockSender(logger *zap.SugaredLogger) *MockSender {
	return &MockSender{logger: logger}
}

// NewRecordingSender is a MockSender that also captures sends, for tests.
func NewRecordingSender(logger *zap.SugaredLogger) *MockSender {
	return &MockSender{logger: logger, rec: true}
}

func (m *MockSender) Send(_ context.Context, to, body string) error {
	if m.rec {
		m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	}
	m.logger.Infow("mock sms", "to", to, "body", body)
	return nil
}

// TwilioSender posts to the Twilio Messages API. One form POST per message,
// basic auth, no retry.
type TwilioSender struct {
	sid    string
	token  string
	from   string
	client *http.Client
	logger *zap.SugaredLogger
}

func NewTwilioSender(sid, token, from string, logger *zap.SugaredLogger) *TwilioSender {
	return &TwilioSender{
		sid:    sid,
		token:  token,
		from:   from,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (t *TwilioSender) Send(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("From", t.from)
	form.Set("To", to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", t.sid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build twilio request: %w", err)
	}
	req.SetBasicAuth(t.sid, t.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post twilio message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("twilio responded %d: %s", resp.StatusCode, string(snippet))
	}
	t.logger.Infow("sms sent", "to", to)
	return nil
}
