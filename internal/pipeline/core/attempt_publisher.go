// Package core forwards notification attempts to the operator channel.
package core

import (
	"context"
	"errors"
	"time"

	"lprpipeline/internal/pipeline/observability"
)

// Publisher is the slice of the hub used to forward attempts.
type Publisher interface {
	Publish(channel, name string, payload any) int
}

// AttemptPublisher reads unpublished attempts and publishes them to a hub channel.
type AttemptPublisher struct {
	Log      *AttemptLog
	Hub      Publisher
	Channel  string
	Interval time.Duration
	Batch    int
	Logger   observability.Logger
}

// Start begins the publishing loop.
func (p *AttemptPublisher) Start(ctx context.Context) error {
	if p == nil || p.Log == nil || p.Hub == nil {
		return errors.New("attempt publisher is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PublishPending(ctx)
		}
	}
}

// PublishPending forwards one batch and returns how many attempts were published.
func (p *AttemptPublisher) PublishPending(ctx context.Context) int {
	if p == nil || p.Log == nil || p.Hub == nil {
		return 0
	}
	channel := p.Channel
	if channel == "" {
		channel = "ops"
	}
	batch := p.Batch
	if batch <= 0 {
		batch = 100
	}
	rows, err := p.Log.FetchUnpublished(ctx, batch)
	if err != nil {
		return 0
	}
	published := 0
	for _, attempt := range rows {
		p.Hub.Publish(channel, EventNotificationAttempt, attempt)
		if err := p.Log.MarkPublished(ctx, attempt.ID); err != nil {
			if p.Logger != nil {
				p.Logger.Error("mark published failed", map[string]any{"attempt": attempt.ID, "error": err.Error()})
			}
			continue
		}
		published++
	}
	return published
}
