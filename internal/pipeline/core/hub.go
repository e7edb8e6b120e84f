// Package core provides the subscriber registry and event fan-out hub.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lprpipeline/internal/pipeline/observability"
)

// GlobalChannel is implicitly joined by every subscriber.
const GlobalChannel = "all"

// HubOptions configures the broadcast hub.
type HubOptions struct {
	OutboxSize         int
	DeliveryTimeout    time.Duration
	Authorizer         Authorizer
	ChannelPermissions map[string]string
	Logger             observability.Logger
	Metrics            observability.Metrics
	Now                func() time.Time
}

// HubStats summarises hub state.
type HubStats struct {
	Connected        int            `json:"connected"`
	Channels         map[string]int `json:"channels"`
	Dropped          int64          `json:"dropped"`
	DeliveryFailures int64          `json:"deliveryFailures"`
}

// BroadcastHub fans events out to connected subscribers. Each subscriber has
// a bounded outbox drained by its own worker, so per-subscriber order equals
// call order and a slow subscriber only delays itself.
type BroadcastHub struct {
	opts   HubOptions
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	users       map[string]map[string]*subscriber
	channels    map[string]map[string]*subscriber
	closed      bool

	dropped  atomic.Int64
	failures atomic.Int64
}

type subscriber struct {
	id       string
	sink     Sink
	identity *Identity
	channels map[string]struct{}

	outbox    chan Event
	quit      chan struct{}
	quitOnce  sync.Once
	deliverMu sync.Mutex
	closed    atomic.Bool
}

// NewBroadcastHub constructs an empty hub.
func NewBroadcastHub(opts HubOptions) *BroadcastHub {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 64
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 5 * time.Second
	}
	if opts.Authorizer == nil {
		opts.Authorizer = RoleAuthorizer{}
	}
	if opts.ChannelPermissions == nil {
		opts.ChannelPermissions = DefaultChannelPermissions()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BroadcastHub{
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[string]*subscriber),
		users:       make(map[string]map[string]*subscriber),
		channels:    make(map[string]map[string]*subscriber),
	}
}

// Connect registers sink and returns its subscriber id.
func (h *BroadcastHub) Connect(sink Sink) (string, error) {
	if h == nil {
		return "", Wrap(CodeUnavailable, "hub unavailable", nil)
	}
	if sink == nil {
		return "", Wrap(CodeInvalidInput, "sink is required", nil)
	}
	sub := &subscriber{
		id:       uuid.NewString(),
		sink:     sink,
		channels: make(map[string]struct{}),
		outbox:   make(chan Event, h.opts.OutboxSize),
		quit:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", Wrap(CodeUnavailable, "hub closed", nil)
	}
	h.subscribers[sub.id] = sub
	connected := len(h.subscribers)
	h.mu.Unlock()

	go h.run(sub)
	h.logInfo("subscriber connected", map[string]any{"subscriber": sub.id, "connected": connected})
	return sub.id, nil
}

// Disconnect removes id from the registry, the user index and every channel.
// It is idempotent. When it returns no further delivery to id will start.
// It must not be called from inside the subscriber's own Deliver.
func (h *BroadcastHub) Disconnect(id string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, id)
	for channel := range sub.channels {
		h.removeFromChannel(channel, sub)
	}
	if sub.identity != nil {
		h.removeFromUser(sub.identity.UserID, sub)
	}
	connected := len(h.subscribers)
	h.mu.Unlock()

	sub.stop()
	h.logInfo("subscriber disconnected", map[string]any{"subscriber": id, "connected": connected})
}

// Authenticate attaches identity to id without touching channel membership.
func (h *BroadcastHub) Authenticate(id string, identity Identity) error {
	if h == nil {
		return Wrap(CodeUnavailable, "hub unavailable", nil)
	}
	if identity.UserID == "" {
		return Wrap(CodeInvalidInput, "user id is required", nil)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[id]
	if !ok {
		return Wrap(CodeNotFound, "subscriber not found", nil)
	}
	if sub.identity != nil {
		h.removeFromUser(sub.identity.UserID, sub)
	}
	copied := identity
	copied.Permissions = append([]string(nil), identity.Permissions...)
	sub.identity = &copied
	byUser, ok := h.users[identity.UserID]
	if !ok {
		byUser = make(map[string]*subscriber)
		h.users[identity.UserID] = byUser
	}
	byUser[id] = sub
	return nil
}

// Join adds id to channel after checking the channel's permission.
func (h *BroadcastHub) Join(id, channel string) error {
	if h == nil {
		return Wrap(CodeUnavailable, "hub unavailable", nil)
	}
	if channel == "" {
		return Wrap(CodeInvalidInput, "channel is required", nil)
	}
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if !ok {
		h.mu.Unlock()
		return Wrap(CodeNotFound, "subscriber not found", nil)
	}
	if channel == GlobalChannel {
		h.mu.Unlock()
		return nil
	}
	if permission, privileged := h.opts.ChannelPermissions[channel]; privileged {
		if sub.identity == nil || !h.opts.Authorizer.Allowed(*sub.identity, permission) {
			h.mu.Unlock()
			h.logInfo("join denied", map[string]any{"subscriber": id, "channel": channel, "permission": permission})
			return Wrap(CodeForbidden, "missing permission "+permission, nil)
		}
	}
	sub.channels[channel] = struct{}{}
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[string]*subscriber)
		h.channels[channel] = members
	}
	members[id] = sub
	h.mu.Unlock()
	return nil
}

// Leave removes id from channel. Leaving a channel not joined is a no-op.
func (h *BroadcastHub) Leave(id, channel string) error {
	if h == nil {
		return Wrap(CodeUnavailable, "hub unavailable", nil)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[id]
	if !ok {
		return Wrap(CodeNotFound, "subscriber not found", nil)
	}
	if _, joined := sub.channels[channel]; !joined {
		return nil
	}
	delete(sub.channels, channel)
	h.removeFromChannel(channel, sub)
	return nil
}

// BroadcastDetection sends a new_detection event to every subscriber.
func (h *BroadcastHub) BroadcastDetection(event DetectionEvent) int {
	return h.Publish(GlobalChannel, EventNewDetection, event)
}

// BroadcastCameraStatus sends a camera_status event to every subscriber.
func (h *BroadcastHub) BroadcastCameraStatus(cameraID, status string) int {
	return h.Publish(GlobalChannel, EventCameraStatus, CameraStatus{CameraID: cameraID, Status: status})
}

// BroadcastSystemAlert sends a system_alert event to every subscriber.
func (h *BroadcastHub) BroadcastSystemAlert(alert Alert) int {
	if alert.Severity == "" {
		alert.Severity = SeverityInfo
	}
	return h.Publish(GlobalChannel, EventSystemAlert, alert)
}

// Publish queues an event for the members of channel and returns how many
// subscribers accepted it. The global channel reaches every subscriber.
func (h *BroadcastHub) Publish(channel, name string, payload any) int {
	if h == nil {
		return 0
	}
	event := h.newEvent(channel, name, payload)
	h.mu.RLock()
	var targets map[string]*subscriber
	if channel == GlobalChannel {
		targets = h.subscribers
	} else {
		targets = h.channels[channel]
	}
	queued := h.enqueueAll(targets, event)
	h.mu.RUnlock()
	return queued
}

// SendToUser queues an event for every connection of userID.
func (h *BroadcastHub) SendToUser(userID, name string, payload any) int {
	if h == nil || userID == "" {
		return 0
	}
	event := h.newEvent("user:"+userID, name, payload)
	h.mu.RLock()
	queued := h.enqueueAll(h.users[userID], event)
	h.mu.RUnlock()
	return queued
}

// ConnectedCount returns the number of registered subscribers.
func (h *BroadcastHub) ConnectedCount() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Channels returns the channels id has joined, sorted.
func (h *BroadcastHub) Channels(id string) []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subscribers[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sub.channels))
	for channel := range sub.channels {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// Stats returns counts for status reporting.
func (h *BroadcastHub) Stats() HubStats {
	if h == nil {
		return HubStats{}
	}
	h.mu.RLock()
	stats := HubStats{Connected: len(h.subscribers), Channels: make(map[string]int, len(h.channels))}
	for channel, members := range h.channels {
		stats.Channels[channel] = len(members)
	}
	h.mu.RUnlock()
	stats.Dropped = h.dropped.Load()
	stats.DeliveryFailures = h.failures.Load()
	return stats
}

// Close disconnects every subscriber and rejects new connections.
func (h *BroadcastHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	ids := make([]string, 0, len(h.subscribers))
	for id := range h.subscribers {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	h.cancel()
	for _, id := range ids {
		h.Disconnect(id)
	}
}

func (h *BroadcastHub) newEvent(channel, name string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Channel:   channel,
		Payload:   payload,
		Timestamp: h.opts.Now().UTC(),
	}
}

// enqueueAll must be called with h.mu held.
func (h *BroadcastHub) enqueueAll(targets map[string]*subscriber, event Event) int {
	queued := 0
	for _, sub := range targets {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.outbox <- event:
			queued++
		default:
			h.dropped.Add(1)
			h.incMetric(event.Name, "dropped")
		}
	}
	return queued
}

// removeFromChannel must be called with h.mu held.
func (h *BroadcastHub) removeFromChannel(channel string, sub *subscriber) {
	members := h.channels[channel]
	delete(members, sub.id)
	if len(members) == 0 {
		delete(h.channels, channel)
	}
}

// removeFromUser must be called with h.mu held.
func (h *BroadcastHub) removeFromUser(userID string, sub *subscriber) {
	byUser := h.users[userID]
	delete(byUser, sub.id)
	if len(byUser) == 0 {
		delete(h.users, userID)
	}
}

func (h *BroadcastHub) run(sub *subscriber) {
	for {
		select {
		case <-sub.quit:
			return
		case event := <-sub.outbox:
			sub.deliverMu.Lock()
			if sub.closed.Load() {
				sub.deliverMu.Unlock()
				return
			}
			h.deliver(sub, event)
			sub.deliverMu.Unlock()
		}
	}
}

func (h *BroadcastHub) deliver(sub *subscriber, event Event) {
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.DeliveryTimeout)
	defer cancel()
	err := safeDeliver(ctx, sub.sink, event)
	if err == nil {
		h.incMetric(event.Name, "delivered")
		return
	}
	h.failures.Add(1)
	h.incMetric(event.Name, "failed")
	failure := Wrap(CodeDeliveryFailure, "delivery failed", err)
	if errors.Is(err, context.DeadlineExceeded) {
		failure = Wrap(CodeTimeout, "delivery timed out", err)
	}
	if h.opts.Logger != nil {
		h.opts.Logger.Debug("delivery failed", map[string]any{
			"subscriber": sub.id,
			"event":      event.Name,
			"error":      failure.Error(),
		})
	}
}

// stop marks the subscriber closed and waits out an in-flight delivery.
func (s *subscriber) stop() {
	s.closed.Store(true)
	s.quitOnce.Do(func() { close(s.quit) })
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

func (h *BroadcastHub) incMetric(event, result string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.IncBroadcast(event, result)
	}
}

func (h *BroadcastHub) logInfo(msg string, fields map[string]any) {
	if h.opts.Logger != nil {
		h.opts.Logger.Info(msg, fields)
	}
}

// safeDeliver turns a panicking sink into a delivery error for that subscriber.
func safeDeliver(ctx context.Context, sink Sink, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Wrap(CodeDeliveryFailure, fmt.Sprintf("delivery panicked: %v", r), nil)
		}
	}()
	return sink.Deliver(ctx, event)
}
