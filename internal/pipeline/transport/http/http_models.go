// Package httptransport provides HTTP request and response models.
package httptransport

import (
	"time"

	"lprpipeline/internal/pipeline/core"
)

// HTTPDetectionRequest is the body of POST /v1/detections.
type HTTPDetectionRequest struct {
	CameraID    string                  `json:"cameraId"`
	Location    string                  `json:"location"`
	Plate       string                  `json:"plate"`
	Confidence  float64                 `json:"confidence"`
	BoundingBox core.BoundingBox        `json:"boundingBox"`
	Vehicle     *core.VehicleAttributes `json:"vehicle,omitempty"`
	DetectedAt  time.Time               `json:"detectedAt,omitempty"`
}

// HTTPCameraStatusRequest is the body of POST /v1/cameras/status.
type HTTPCameraStatusRequest struct {
	CameraID string `json:"cameraId"`
	Status   string `json:"status"`
}

// HTTPSystemAlertRequest is the body of POST /v1/alerts/system.
type HTTPSystemAlertRequest struct {
	Type     string        `json:"type"`
	Message  string        `json:"message"`
	Severity core.Severity `json:"severity"`
}

// HTTPPlateNotificationRequest is the body of POST /v1/notifications/plate.
type HTTPPlateNotificationRequest struct {
	To        string    `json:"to"`
	Plate     string    `json:"plate"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// HTTPSystemNotificationRequest is the body of POST /v1/notifications/system.
type HTTPSystemNotificationRequest struct {
	To      string `json:"to"`
	Type    string `json:"type"`
	Details string `json:"details"`
}

// HTTPQueuedResponse reports how many subscribers an event was queued for.
type HTTPQueuedResponse struct {
	Queued int `json:"queued"`
}

// HTTPStatusResponse is the body of GET /v1/status.
type HTTPStatusResponse struct {
	Queue    core.QueueStatus `json:"queue"`
	Hub      core.HubStats    `json:"hub"`
	Mode     string           `json:"mode"`
	Provider string           `json:"provider,omitempty"`
	Work     *core.WorkStats  `json:"work,omitempty"`
}

type httpErrorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func toDetectionEvent(req HTTPDetectionRequest) core.DetectionEvent {
	return core.DetectionEvent{
		CameraID: req.CameraID,
		Location: req.Location,
		Detection: core.Detection{
			Plate:       req.Plate,
			Confidence:  req.Confidence,
			BoundingBox: req.BoundingBox,
			CreatedAt:   req.DetectedAt,
		},
		Vehicle: req.Vehicle,
	}
}
