// Package provider implements SMS delivery backends.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"lprpipeline/internal/pipeline/observability"
)

// DefaultTwilioBaseURL is the public Twilio REST endpoint.
const DefaultTwilioBaseURL = "https://api.twilio.com"

// TwilioConfig configures the Twilio provider.
type TwilioConfig struct {
	AccountSID    string
	AuthToken     string
	From          string
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	Client        *http.Client
	Logger        observability.Logger
}

// TwilioProvider sends SMS through the Twilio Messages API.
type TwilioProvider struct {
	cfg      TwilioConfig
	client   *http.Client
	pacer    *rate.Limiter
	endpoint string
}

type twilioMessage struct {
	SID string `json:"sid"`
}

// NewTwilioProvider validates credentials and builds the provider.
func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio account sid and auth token are required")
	}
	if cfg.From == "" {
		return nil, errors.New("twilio from number is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTwilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/2010-04-01/Accounts/" + url.PathEscape(cfg.AccountSID) + "/Messages.json"
	return &TwilioProvider{
		cfg:      cfg,
		client:   client,
		pacer:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		endpoint: endpoint,
	}, nil
}

// Name returns the provider identifier.
func (p *TwilioProvider) Name() string {
	return "twilio"
}

// SendSMS posts a form-encoded message and returns the Twilio message sid.
func (p *TwilioProvider) SendSMS(ctx context.Context, to, message string) (string, error) {
	if p == nil {
		return "", errors.New("twilio provider is nil")
	}
	if err := p.pacer.Wait(ctx); err != nil {
		return "", fmt.Errorf("pacing: %w", err)
	}

	form := url.Values{}
	form.Set("From", p.cfg.From)
	form.Set("To", to)
	form.Set("Body", message)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.cfg.AccountSID, p.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logError("sms sending error", to, err.Error())
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(body))
		if text == "" {
			text = resp.Status
		}
		p.logError("sms sending failed", to, text)
		return "", errors.New(text)
	}

	var msg twilioMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", fmt.Errorf("decode twilio response: %w", err)
	}
	if p.cfg.Logger != nil {
		p.cfg.Logger.Info("sms sent", map[string]any{"to": to, "message_id": msg.SID})
	}
	return msg.SID, nil
}

func (p *TwilioProvider) logError(msg, to, detail string) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Error(msg, map[string]any{"to": to, "error": detail})
	}
}
