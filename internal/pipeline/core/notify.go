// Package core provides the throttled SMS notification dispatcher.
package core

import (
	"context"
	"errors"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"lprpipeline/internal/pipeline/observability"
)

// SMSProvider sends one text message and returns the provider message id.
type SMSProvider interface {
	Name() string
	SendSMS(ctx context.Context, to, message string) (string, error)
}

// Default alert templates.
const (
	DefaultPlateTemplate  = "🚨 ALPR Alert: Vehicle with plate {{.Plate}} detected at {{.Location}} on {{.Timestamp}}. {{.Signature}}"
	DefaultSystemTemplate = "⚠️ System Alert: {{.Type}} - {{.Details}}. {{.Signature}}"
	DefaultSignature      = "LPR Security System."
)

// Templates holds the text/template sources for alert messages.
type Templates struct {
	PlateDetection string `yaml:"plate_detection" json:"plateDetection"`
	SystemAlert    string `yaml:"system_alert" json:"systemAlert"`
	Signature      string `yaml:"signature" json:"signature"`
	TimeLayout     string `yaml:"time_layout" json:"timeLayout"`
}

// DispatcherOptions configures the notification dispatcher.
type DispatcherOptions struct {
	Policy          string
	ProviderTimeout time.Duration
	Templates       Templates
	Logger          observability.Logger
	Metrics         observability.Metrics
	Now             func() time.Time
}

// NotificationDispatcher renders alerts, applies the sms policy per
// destination and records exactly one attempt per call.
type NotificationDispatcher struct {
	provider SMSProvider
	limiter  *RateLimiter
	log      *AttemptLog
	opts     DispatcherOptions
	plate    *template.Template
	system   *template.Template
}

type plateView struct {
	Plate     string
	Location  string
	Timestamp string
	Signature string
}

type systemView struct {
	Type      string
	Details   string
	Signature string
}

// NewNotificationDispatcher validates templates and wires collaborators.
// A nil limiter disables throttling.
func NewNotificationDispatcher(provider SMSProvider, limiter *RateLimiter, log *AttemptLog, opts DispatcherOptions) (*NotificationDispatcher, error) {
	if provider == nil {
		return nil, errors.New("sms provider is required")
	}
	if log == nil {
		return nil, errors.New("attempt log is required")
	}
	if opts.Policy == "" {
		opts.Policy = PolicySMS
	}
	if limiter != nil {
		if _, ok := limiter.Policy(opts.Policy); !ok {
			return nil, Wrap(CodeInvalidInput, "unknown sms policy "+opts.Policy, nil)
		}
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 10 * time.Second
	}
	if opts.Templates.PlateDetection == "" {
		opts.Templates.PlateDetection = DefaultPlateTemplate
	}
	if opts.Templates.SystemAlert == "" {
		opts.Templates.SystemAlert = DefaultSystemTemplate
	}
	if opts.Templates.Signature == "" {
		opts.Templates.Signature = DefaultSignature
	}
	if opts.Templates.TimeLayout == "" {
		opts.Templates.TimeLayout = "Jan 2, 2006 3:04 PM MST"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	plate, err := template.New("plate").Option("missingkey=error").Parse(opts.Templates.PlateDetection)
	if err != nil {
		return nil, Wrap(CodeInvalidInput, "invalid plate template", err)
	}
	system, err := template.New("system").Option("missingkey=error").Parse(opts.Templates.SystemAlert)
	if err != nil {
		return nil, Wrap(CodeInvalidInput, "invalid system template", err)
	}
	return &NotificationDispatcher{
		provider: provider,
		limiter:  limiter,
		log:      log,
		opts:     opts,
		plate:    plate,
		system:   system,
	}, nil
}

// Provider returns the configured provider name.
func (d *NotificationDispatcher) Provider() string {
	if d == nil {
		return ""
	}
	return d.provider.Name()
}

// SendPlateDetectionAlert notifies phone that plate was seen at location.
func (d *NotificationDispatcher) SendPlateDetectionAlert(ctx context.Context, phone, plate, location string, timestamp time.Time) *NotificationAttempt {
	if d == nil {
		return nil
	}
	if timestamp.IsZero() {
		timestamp = d.opts.Now()
	}
	message, err := render(d.plate, plateView{
		Plate:     plate,
		Location:  location,
		Timestamp: timestamp.Format(d.opts.Templates.TimeLayout),
		Signature: d.opts.Templates.Signature,
	})
	return d.dispatch(ctx, KindPlateDetection, phone, message, err)
}

// SendSystemAlert notifies phone about an operational event.
func (d *NotificationDispatcher) SendSystemAlert(ctx context.Context, phone, alertType, details string) *NotificationAttempt {
	if d == nil {
		return nil
	}
	message, err := render(d.system, systemView{
		Type:      alertType,
		Details:   details,
		Signature: d.opts.Templates.Signature,
	})
	return d.dispatch(ctx, KindSystemAlert, phone, message, err)
}

func (d *NotificationDispatcher) dispatch(ctx context.Context, kind NotificationKind, phone, message string, renderErr error) *NotificationAttempt {
	if ctx == nil {
		ctx = context.Background()
	}
	attempt := NotificationAttempt{
		ID:        uuid.NewString(),
		Kind:      kind,
		To:        phone,
		Message:   message,
		Provider:  d.provider.Name(),
		CreatedAt: d.opts.Now().UTC(),
	}

	switch {
	case renderErr != nil:
		d.fail(&attempt, Wrap(CodeInvalidInput, "render message", renderErr))
	case strings.TrimSpace(phone) == "":
		d.fail(&attempt, Wrap(CodeInvalidInput, "destination is required", nil))
	default:
		d.admitAndSend(ctx, &attempt)
	}

	if _, err := d.log.Append(ctx, attempt); err != nil {
		d.logError("attempt log append failed", map[string]any{"attempt": attempt.ID, "error": err.Error()})
	}
	if d.opts.Metrics != nil {
		d.opts.Metrics.IncNotification(attempt.Provider, string(attempt.Outcome))
	}
	d.logAttempt(attempt)
	return &attempt
}

func (d *NotificationDispatcher) admitAndSend(ctx context.Context, attempt *NotificationAttempt) {
	if d.limiter != nil {
		decision, err := d.limiter.Consume(ctx, d.opts.Policy, attempt.To)
		if err != nil {
			d.fail(attempt, err)
			return
		}
		if d.opts.Metrics != nil {
			d.opts.Metrics.IncRateLimit(d.opts.Policy, allowedLabel(decision.Allowed))
		}
		if !decision.Allowed {
			attempt.Outcome = OutcomeThrottled
			attempt.RetryAfter = decision.RetryAfter
			attempt.Error = ErrThrottled.Error()
			return
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.ProviderTimeout)
	defer cancel()
	messageID, err := callWithTimeout(sendCtx, func(c context.Context) (string, error) {
		return d.provider.SendSMS(c, attempt.To, attempt.Message)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			d.fail(attempt, Wrap(CodeTimeout, "provider timed out", err))
			return
		}
		d.fail(attempt, Wrap(CodeProviderFailure, "provider failed", err))
		return
	}
	attempt.Outcome = OutcomeSent
	attempt.MessageID = messageID
}

func (d *NotificationDispatcher) fail(attempt *NotificationAttempt, err error) {
	attempt.Outcome = OutcomeFailed
	attempt.Error = err.Error()
}

func (d *NotificationDispatcher) logAttempt(attempt NotificationAttempt) {
	if d.opts.Logger == nil {
		return
	}
	fields := map[string]any{
		"attempt":  attempt.ID,
		"kind":     string(attempt.Kind),
		"to":       attempt.To,
		"provider": attempt.Provider,
		"outcome":  string(attempt.Outcome),
	}
	switch attempt.Outcome {
	case OutcomeSent:
		fields["message_id"] = attempt.MessageID
		d.opts.Logger.Info("alert sent", fields)
	case OutcomeThrottled:
		fields["retry_after_ms"] = attempt.RetryAfter.Milliseconds()
		d.opts.Logger.Info("alert throttled", fields)
	default:
		fields["error"] = attempt.Error
		d.opts.Logger.Error("alert failed", fields)
	}
}

func (d *NotificationDispatcher) logError(msg string, fields map[string]any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Error(msg, fields)
	}
}

func render(tmpl *template.Template, view any) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, view); err != nil {
		return "", err
	}
	return b.String(), nil
}

func allowedLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "rejected"
}
