// Package core defines the service interfaces consumed by transports.
package core

import (
	"context"
	"time"
)

// DetectionService accepts frames, detections, camera status and alerts.
type DetectionService interface {
	HandleFrame(ctx context.Context, in FrameInput) (*FrameOutcome, error)
	HandleDetection(ctx context.Context, event DetectionEvent) (*DetectionOutcome, error)
	ReportCameraStatus(cameraID, status string) (int, error)
	RaiseSystemAlert(alert Alert) (int, error)
}

// NotificationService sends SMS alerts and records each attempt.
type NotificationService interface {
	Provider() string
	SendPlateDetectionAlert(ctx context.Context, phone, plate, location string, timestamp time.Time) *NotificationAttempt
	SendSystemAlert(ctx context.Context, phone, alertType, details string) *NotificationAttempt
}

// AttemptLister lists recorded notification attempts.
type AttemptLister interface {
	List(limit int) []NotificationAttempt
}

// SubscriberRegistry manages live subscribers.
type SubscriberRegistry interface {
	Connect(sink Sink) (string, error)
	Disconnect(id string)
	Authenticate(id string, identity Identity) error
	Join(id, channel string) error
	Leave(id, channel string) error
	Stats() HubStats
}

// AdmissionController applies named rate limit policies.
type AdmissionController interface {
	Consume(ctx context.Context, policy, key string) (*Decision, error)
	Blocked(policy, key string) (time.Duration, bool)
}

// WorkStatsSource reports pipeline work in progress.
type WorkStatsSource interface {
	WorkStats() WorkStats
}

// Transport is a served protocol surface.
type Transport interface {
	Start() error
	Shutdown(ctx context.Context) error
}

var (
	_ DetectionService    = (*DetectionPipeline)(nil)
	_ NotificationService = (*NotificationDispatcher)(nil)
	_ AttemptLister       = (*AttemptLog)(nil)
	_ SubscriberRegistry  = (*BroadcastHub)(nil)
	_ AdmissionController = (*RateLimiter)(nil)
	_ QueueStatusSource   = (*InferenceQueue)(nil)
	_ WorkStatsSource     = (*DetectionPipeline)(nil)
)
