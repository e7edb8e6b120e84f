// Package core defines detection, event and notification models.
package core

import (
	"time"
)

// BoundingBox locates a plate inside a frame in pixels.
type BoundingBox struct {
	X      int `json:"x" msgpack:"x" yaml:"x"`
	Y      int `json:"y" msgpack:"y" yaml:"y"`
	Width  int `json:"width" msgpack:"width" yaml:"width"`
	Height int `json:"height" msgpack:"height" yaml:"height"`
}

// Detection is one structured plate-recognition result.
type Detection struct {
	Plate          string        `json:"plate" msgpack:"plate"`
	Confidence     float64       `json:"confidence" msgpack:"confidence"`
	BoundingBox    BoundingBox   `json:"boundingBox" msgpack:"boundingBox"`
	ProcessingTime time.Duration `json:"processingTime" msgpack:"processingTime"`
	CreatedAt      time.Time     `json:"createdAt" msgpack:"createdAt"`
}

// VehicleAttributes captures auxiliary vehicle information.
type VehicleAttributes struct {
	Make  string `json:"make,omitempty" msgpack:"make,omitempty"`
	Model string `json:"model,omitempty" msgpack:"model,omitempty"`
	Color string `json:"color,omitempty" msgpack:"color,omitempty"`
	Type  string `json:"type,omitempty" msgpack:"type,omitempty"`
}

// DetectionEvent is a detection enriched with its source camera.
type DetectionEvent struct {
	ID               string             `json:"id" msgpack:"id"`
	CameraID         string             `json:"cameraId" msgpack:"cameraId"`
	Location         string             `json:"location,omitempty" msgpack:"location,omitempty"`
	Detection        Detection          `json:"detection" msgpack:"detection"`
	Vehicle          *VehicleAttributes `json:"vehicle,omitempty" msgpack:"vehicle,omitempty"`
	Registered       bool               `json:"registered" msgpack:"registered"`
	NotificationSent bool               `json:"notificationSent" msgpack:"notificationSent"`
}

// CameraStatus is the payload of a camera status event.
type CameraStatus struct {
	CameraID string `json:"cameraId" msgpack:"cameraId"`
	Status   string `json:"status" msgpack:"status"`
}

// Severity ranks system alerts.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Valid reports whether the severity is known.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	default:
		return false
	}
}

// Alert is the payload of a system alert event.
type Alert struct {
	Type     string   `json:"type" msgpack:"type"`
	Message  string   `json:"message" msgpack:"message"`
	Severity Severity `json:"severity" msgpack:"severity"`
}

// Event names delivered to subscribers.
const (
	EventNewDetection        = "new_detection"
	EventCameraStatus        = "camera_status"
	EventSystemAlert         = "system_alert"
	EventNotificationAttempt = "notification_attempt"
)

// Event is one message fanned out by the hub.
type Event struct {
	ID        string    `json:"id" msgpack:"id"`
	Name      string    `json:"event" msgpack:"event"`
	Channel   string    `json:"channel" msgpack:"channel"`
	Payload   any       `json:"payload" msgpack:"payload"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// NotificationKind identifies the alert template used for an attempt.
type NotificationKind string

const (
	KindPlateDetection NotificationKind = "plate_detection"
	KindSystemAlert    NotificationKind = "system_alert"
)

// NotificationOutcome is the result of a notification attempt.
type NotificationOutcome string

const (
	OutcomeSent      NotificationOutcome = "sent"
	OutcomeFailed    NotificationOutcome = "failed"
	OutcomeThrottled NotificationOutcome = "throttled"
)

// NotificationAttempt is an append-only record of one dispatch call.
type NotificationAttempt struct {
	ID         string              `json:"id" msgpack:"id"`
	Kind       NotificationKind    `json:"kind" msgpack:"kind"`
	To         string              `json:"to" msgpack:"to"`
	Message    string              `json:"message" msgpack:"message"`
	Provider   string              `json:"provider" msgpack:"provider"`
	Outcome    NotificationOutcome `json:"outcome" msgpack:"outcome"`
	MessageID  string              `json:"messageId,omitempty" msgpack:"messageId,omitempty"`
	Error      string              `json:"error,omitempty" msgpack:"error,omitempty"`
	RetryAfter time.Duration       `json:"retryAfter,omitempty" msgpack:"retryAfter,omitempty"`
	CreatedAt  time.Time           `json:"createdAt" msgpack:"createdAt"`
}

// PlateStatus is the registration state of a watched plate.
type PlateStatus string

const (
	PlateActive    PlateStatus = "active"
	PlateInactive  PlateStatus = "inactive"
	PlateSuspended PlateStatus = "suspended"
)

// RegisteredPlate is a plate whose owner may receive detection alerts.
type RegisteredPlate struct {
	Plate        string      `json:"plate" yaml:"plate"`
	OwnerName    string      `json:"ownerName" yaml:"owner_name"`
	OwnerPhone   string      `json:"ownerPhone" yaml:"owner_phone"`
	AlertEnabled bool        `json:"alertEnabled" yaml:"alert_enabled"`
	Status       PlateStatus `json:"status" yaml:"status"`
}

// Camera status values.
const (
	CameraOnline      = "online"
	CameraOffline     = "offline"
	CameraMaintenance = "maintenance"
)

// ValidCameraStatus reports whether status is a known camera state.
func ValidCameraStatus(status string) bool {
	switch status {
	case CameraOnline, CameraOffline, CameraMaintenance:
		return true
	default:
		return false
	}
}
