// Package core wires inference, fan-out and owner alerts into one flow.
package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"lprpipeline/internal/pipeline/observability"
)

// FrameInput is a raw camera frame awaiting inference.
type FrameInput struct {
	CameraID string
	Location string
	Payload  []byte
}

// DetectionOutcome is what happened to one structured detection.
type DetectionOutcome struct {
	Event   DetectionEvent       `json:"event"`
	Queued  int                  `json:"queued"`
	Attempt *NotificationAttempt `json:"attempt,omitempty"`
}

// FrameOutcome collects the outcomes of every detection in a frame.
type FrameOutcome struct {
	Detections []DetectionOutcome `json:"detections"`
	Skipped    int                `json:"skipped,omitempty"`
	Vehicle    *VehicleAttributes `json:"vehicle,omitempty"`
	VehicleErr string             `json:"vehicleError,omitempty"`
}

// PipelineOptions configures the detection pipeline.
type PipelineOptions struct {
	MinConfidence float64
	Logger        observability.Logger
	Now           func() time.Time

	// InFlight, when set, tracks frames and detections so shutdown can drain them.
	InFlight *InFlight
}

// DetectionPipeline submits frames, broadcasts detections and alerts owners.
type DetectionPipeline struct {
	queue      *InferenceQueue
	hub        *BroadcastHub
	dispatcher *NotificationDispatcher
	watchlist  Watchlist
	opts       PipelineOptions
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewDetectionPipeline wires collaborators. Dispatcher and watchlist may be nil
// to disable owner alerts.
func NewDetectionPipeline(queue *InferenceQueue, hub *BroadcastHub, dispatcher *NotificationDispatcher, watchlist Watchlist, opts PipelineOptions) *DetectionPipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DetectionPipeline{
		queue:      queue,
		hub:        hub,
		dispatcher: dispatcher,
		watchlist:  watchlist,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// HandleFrame runs inference on a frame and handles each detection.
// ctx bounds the wait only. When the caller stops waiting, the frame stays
// queued and its detections are broadcast and alerted once inference settles.
func (p *DetectionPipeline) HandleFrame(ctx context.Context, in FrameInput) (*FrameOutcome, error) {
	if p == nil || p.queue == nil {
		return nil, Wrap(CodeUnavailable, "pipeline unavailable", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !p.begin(WorkFrame) {
		return nil, errDraining
	}
	deferred := false
	defer func() {
		if !deferred {
			p.end(WorkFrame)
		}
	}()
	if strings.TrimSpace(in.CameraID) == "" {
		return nil, Wrap(CodeInvalidInput, "camera id is required", nil)
	}
	if len(in.Payload) == 0 {
		return nil, Wrap(CodeInvalidInput, "frame payload is empty", nil)
	}
	future := p.queue.Submit(in.Payload)
	result, err := future.Await(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			deferred = true
			p.finishLater(in, future)
		}
		return nil, err
	}
	return p.applyResult(ctx, in, result), nil
}

// Close abandons frames still waiting on inference after their callers left.
func (p *DetectionPipeline) Close() {
	if p == nil {
		return
	}
	p.cancel()
}

// WorkStats reports frames and detections in progress.
func (p *DetectionPipeline) WorkStats() WorkStats {
	if p == nil {
		return WorkStats{}
	}
	return p.opts.InFlight.Stats()
}

func (p *DetectionPipeline) applyResult(ctx context.Context, in FrameInput, result *InferenceResult) *FrameOutcome {
	outcome := &FrameOutcome{Vehicle: result.Vehicle}
	if result.VehicleErr != nil {
		outcome.VehicleErr = result.VehicleErr.Error()
	}
	for _, detection := range result.Detections {
		if detection.Confidence < p.opts.MinConfidence {
			continue
		}
		handled, err := p.handleDetection(ctx, DetectionEvent{
			CameraID:  in.CameraID,
			Location:  in.Location,
			Detection: detection,
			Vehicle:   result.Vehicle,
		})
		if err != nil {
			outcome.Skipped++
			p.logError("detection skipped", map[string]any{
				"camera": in.CameraID,
				"plate":  detection.Plate,
				"error":  err.Error(),
			})
			continue
		}
		outcome.Detections = append(outcome.Detections, *handled)
	}
	return outcome
}

// finishLater hands the caller's frame slot to a goroutine that waits for the
// queued inference and then handles its detections.
func (p *DetectionPipeline) finishLater(in FrameInput, future *Future) {
	p.handoff(WorkFrame, WorkDeferred)
	go func() {
		defer p.end(WorkDeferred)
		select {
		case <-future.Done():
		case <-p.ctx.Done():
			p.logError("deferred frame abandoned", map[string]any{"camera": in.CameraID})
			return
		}
		result, err := future.Result()
		if err != nil {
			p.logError("deferred frame failed", map[string]any{"camera": in.CameraID, "error": err.Error()})
			return
		}
		outcome := p.applyResult(p.ctx, in, result)
		if p.opts.Logger != nil {
			p.opts.Logger.Info("deferred frame handled", map[string]any{
				"camera":     in.CameraID,
				"detections": len(outcome.Detections),
				"skipped":    outcome.Skipped,
			})
		}
	}()
}

// HandleDetection broadcasts an already structured detection and alerts the
// registered owner when the plate is on the watchlist.
func (p *DetectionPipeline) HandleDetection(ctx context.Context, event DetectionEvent) (*DetectionOutcome, error) {
	if p == nil {
		return nil, Wrap(CodeUnavailable, "pipeline unavailable", nil)
	}
	if !p.begin(WorkDetection) {
		return nil, errDraining
	}
	defer p.end(WorkDetection)
	return p.handleDetection(ctx, event)
}

func (p *DetectionPipeline) handleDetection(ctx context.Context, event DetectionEvent) (*DetectionOutcome, error) {
	if strings.TrimSpace(event.Detection.Plate) == "" {
		return nil, Wrap(CodeInvalidInput, "plate is required", nil)
	}
	if event.Detection.Confidence < 0 || event.Detection.Confidence > 1 {
		return nil, Wrap(CodeInvalidInput, "confidence must be within [0,1]", nil)
	}
	box := event.Detection.BoundingBox
	if box.X < 0 || box.Y < 0 || box.Width < 0 || box.Height < 0 {
		return nil, Wrap(CodeInvalidInput, "bounding box must be non-negative", nil)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Detection.CreatedAt.IsZero() {
		event.Detection.CreatedAt = p.opts.Now().UTC()
	}

	var registered RegisteredPlate
	if p.watchlist != nil {
		registered, event.Registered = p.watchlist.Lookup(event.Detection.Plate)
	}

	outcome := &DetectionOutcome{}
	outcome.Queued = p.hub.BroadcastDetection(event)
	if event.Registered && registered.Alertable() && p.dispatcher != nil {
		location := event.Location
		if location == "" {
			location = event.CameraID
		}
		attempt := p.dispatcher.SendPlateDetectionAlert(ctx, registered.OwnerPhone, event.Detection.Plate, location, event.Detection.CreatedAt)
		outcome.Attempt = attempt
		event.NotificationSent = attempt != nil && attempt.Outcome == OutcomeSent
	}
	outcome.Event = event
	if p.opts.Logger != nil {
		p.opts.Logger.Debug("detection handled", map[string]any{
			"detection":  event.ID,
			"camera":     event.CameraID,
			"plate":      event.Detection.Plate,
			"registered": event.Registered,
			"queued":     outcome.Queued,
		})
	}
	return outcome, nil
}

// ReportCameraStatus broadcasts a camera status change.
func (p *DetectionPipeline) ReportCameraStatus(cameraID, status string) (int, error) {
	if p == nil {
		return 0, Wrap(CodeUnavailable, "pipeline unavailable", nil)
	}
	if strings.TrimSpace(cameraID) == "" {
		return 0, Wrap(CodeInvalidInput, "camera id is required", nil)
	}
	if !ValidCameraStatus(status) {
		return 0, Wrap(CodeInvalidInput, "unknown camera status "+status, nil)
	}
	return p.hub.BroadcastCameraStatus(cameraID, status), nil
}

// RaiseSystemAlert broadcasts a system alert.
func (p *DetectionPipeline) RaiseSystemAlert(alert Alert) (int, error) {
	if p == nil {
		return 0, Wrap(CodeUnavailable, "pipeline unavailable", nil)
	}
	if strings.TrimSpace(alert.Type) == "" {
		return 0, Wrap(CodeInvalidInput, "alert type is required", nil)
	}
	if alert.Severity == "" {
		alert.Severity = SeverityInfo
	}
	if !alert.Severity.Valid() {
		return 0, Wrap(CodeInvalidInput, "unknown severity "+string(alert.Severity), nil)
	}
	return p.hub.BroadcastSystemAlert(alert), nil
}

var errDraining = Wrap(CodeUnavailable, "pipeline is draining", nil)

func (p *DetectionPipeline) begin(kind WorkKind) bool {
	if p.opts.InFlight == nil {
		return true
	}
	return p.opts.InFlight.Begin(kind)
}

func (p *DetectionPipeline) handoff(from, to WorkKind) {
	if p.opts.InFlight != nil {
		p.opts.InFlight.Handoff(from, to)
	}
}

func (p *DetectionPipeline) end(kind WorkKind) {
	if p.opts.InFlight != nil {
		p.opts.InFlight.End(kind)
	}
}

func (p *DetectionPipeline) logError(msg string, fields map[string]any) {
	if p.opts.Logger != nil {
		p.opts.Logger.Error(msg, fields)
	}
}
