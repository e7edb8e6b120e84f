// Package httptransport provides HTTP handlers.
package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"lprpipeline/internal/pipeline/core"
)

const defaultMaxBodyBytes = 10 << 20

func (t *HTTPTransport) registerRoutes(mux *http.ServeMux) {
	mux.Handle("/v1/inference", t.route("inference", true, t.handleInference))
	mux.Handle("/v1/detections", t.route("detections", true, t.handleDetection))
	mux.Handle("/v1/cameras/status", t.route("camera_status", true, t.handleCameraStatus))
	mux.Handle("/v1/alerts/system", t.route("system_alert", true, t.handleSystemAlert))
	mux.Handle("/v1/notifications/plate", t.route("notify_plate", true, t.handlePlateNotification))
	mux.Handle("/v1/notifications/system", t.route("notify_system", true, t.handleSystemNotification))
	mux.Handle("/v1/notifications", t.route("notifications", true, t.handleNotifications))
	mux.Handle("/v1/status", t.route("status", false, t.handleStatus))
	mux.Handle("/v1/ws", t.rateLimited(core.PolicyMiddleware, t.rateLimited(core.PolicyAPI, http.HandlerFunc(t.handleWebsocket))))
	mux.HandleFunc("/healthz", t.handleHealth)
	mux.HandleFunc("/readyz", t.handleReady)
	mux.Handle("/metrics", t.rateLimited(core.PolicyMiddleware, http.HandlerFunc(t.handleMetrics)))
	mux.Handle("/mode", t.rateLimited(core.PolicyMiddleware, http.HandlerFunc(t.handleMode)))
}

func (t *HTTPTransport) handleInference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.cfg.MaxBodyBytes))
	if err != nil {
		t.writeError(w, r, core.Wrap(core.CodeInvalidInput, "frame body too large or unreadable", err))
		return
	}
	ctx, cancel := t.requestContext(r)
	defer cancel()
	outcome, err := t.services.Detections.HandleFrame(ctx, core.FrameInput{
		CameraID: query.Get("camera_id"),
		Location: query.Get("location"),
		Payload:  payload,
	})
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (t *HTTPTransport) handleDetection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req HTTPDetectionRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		t.writeError(w, r, err)
		return
	}
	if req.CameraID == "" {
		t.writeError(w, r, core.Wrap(core.CodeInvalidInput, "camera id is required", nil))
		return
	}
	ctx, cancel := t.requestContext(r)
	defer cancel()
	outcome, err := t.services.Detections.HandleDetection(ctx, toDetectionEvent(req))
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

func (t *HTTPTransport) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req HTTPCameraStatusRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		t.writeError(w, r, err)
		return
	}
	queued, err := t.services.Detections.ReportCameraStatus(req.CameraID, req.Status)
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HTTPQueuedResponse{Queued: queued})
}

func (t *HTTPTransport) handleSystemAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req HTTPSystemAlertRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		t.writeError(w, r, err)
		return
	}
	queued, err := t.services.Detections.RaiseSystemAlert(core.Alert{Type: req.Type, Message: req.Message, Severity: req.Severity})
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HTTPQueuedResponse{Queued: queued})
}

func (t *HTTPTransport) handlePlateNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.services.Notifications == nil {
		t.writeError(w, r, core.Wrap(core.CodeUnavailable, "notifications disabled", nil))
		return
	}
	var req HTTPPlateNotificationRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		t.writeError(w, r, err)
		return
	}
	if req.Plate == "" {
		t.writeError(w, r, core.Wrap(core.CodeInvalidInput, "plate is required", nil))
		return
	}
	ctx, cancel := t.requestContext(r)
	defer cancel()
	attempt := t.services.Notifications.SendPlateDetectionAlert(ctx, req.To, req.Plate, req.Location, req.Timestamp)
	writeAttempt(w, attempt)
}

func (t *HTTPTransport) handleSystemNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.services.Notifications == nil {
		t.writeError(w, r, core.Wrap(core.CodeUnavailable, "notifications disabled", nil))
		return
	}
	var req HTTPSystemNotificationRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		t.writeError(w, r, err)
		return
	}
	if req.Type == "" {
		t.writeError(w, r, core.Wrap(core.CodeInvalidInput, "alert type is required", nil))
		return
	}
	ctx, cancel := t.requestContext(r)
	defer cancel()
	attempt := t.services.Notifications.SendSystemAlert(ctx, req.To, req.Type, req.Details)
	writeAttempt(w, attempt)
}

func (t *HTTPTransport) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.services.Attempts == nil {
		writeJSON(w, http.StatusOK, []core.NotificationAttempt{})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			t.writeError(w, r, core.Wrap(core.CodeInvalidInput, "limit must be a positive integer", err))
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, t.services.Attempts.List(limit))
}

func (t *HTTPTransport) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := HTTPStatusResponse{
		Queue: t.services.Queue.Status(),
		Hub:   t.services.Subscribers.Stats(),
		Mode:  t.currentMode().String(),
	}
	if t.services.Notifications != nil {
		resp.Provider = t.services.Notifications.Provider()
	}
	if t.services.Work != nil {
		work := t.services.Work.WorkStats()
		resp.Work = &work
	}
	writeJSON(w, http.StatusOK, resp)
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.appReady != nil && t.appReady() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (t *HTTPTransport) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.Metrics == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, t.cfg.Metrics.Snapshot())
}

func (t *HTTPTransport) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": t.currentMode().String()})
}

func (t *HTTPTransport) currentMode() core.OperatingMode {
	if t.cfg.Mode == nil {
		return core.ModeNormal
	}
	return t.cfg.Mode()
}

func (t *HTTPTransport) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if t.cfg.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), t.cfg.RequestTimeout)
}

func (t *HTTPTransport) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return core.ErrInvalidInput
	}
	r.Body = http.MaxBytesReader(w, r.Body, t.cfg.MaxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return core.Wrap(core.CodeInvalidInput, "invalid json body", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return core.Wrap(core.CodeInvalidInput, "unexpected trailing data", nil)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAttempt(w http.ResponseWriter, attempt *core.NotificationAttempt) {
	if attempt == nil {
		writeJSON(w, http.StatusInternalServerError, httpErrorResponse{Error: "no attempt recorded"})
		return
	}
	switch attempt.Outcome {
	case core.OutcomeSent:
		writeJSON(w, http.StatusOK, attempt)
	case core.OutcomeThrottled:
		setRetryAfter(w, attempt.RetryAfter)
		writeJSON(w, http.StatusTooManyRequests, attempt)
	default:
		writeJSON(w, http.StatusBadGateway, attempt)
	}
}

func (t *HTTPTransport) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := core.CodeOf(err)
	status := statusForCode(code)
	t.logRequestError(r, status, err)
	writeJSON(w, status, httpErrorResponse{Error: err.Error(), Code: string(code)})
}

func statusForCode(code core.ErrorCode) int {
	switch code {
	case core.CodeInvalidInput:
		return http.StatusBadRequest
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeUnauthorized:
		return http.StatusUnauthorized
	case core.CodeForbidden:
		return http.StatusForbidden
	case core.CodeThrottled:
		return http.StatusTooManyRequests
	case core.CodeTimeout:
		return http.StatusGatewayTimeout
	case core.CodeBackendUnavailable, core.CodeQueueClosed, core.CodeUnavailable:
		return http.StatusServiceUnavailable
	case core.CodeProviderFailure, core.CodeDeliveryFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (t *HTTPTransport) logRequestError(r *http.Request, status int, err error) {
	if t == nil || t.cfg.Logger == nil || r == nil || err == nil {
		return
	}
	fields := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"error":  err,
	}
	if status >= http.StatusInternalServerError {
		t.cfg.Logger.Error("http request error", fields)
		return
	}
	t.cfg.Logger.Info("http request error", fields)
}
