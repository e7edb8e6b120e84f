package core_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lprpipeline/internal/pipeline/core"
)

func newTestHub(t *testing.T, opts core.HubOptions) *core.BroadcastHub {
	t.Helper()
	hub := core.NewBroadcastHub(opts)
	t.Cleanup(hub.Close)
	return hub
}

func connectSink(t *testing.T, hub *core.BroadcastHub, buffer int) (string, *core.ChannelSink) {
	t.Helper()
	sink := core.NewChannelSink(buffer)
	id, err := hub.Connect(sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return id, sink
}

func receive(t *testing.T, sink *core.ChannelSink) core.Event {
	t.Helper()
	select {
	case event := <-sink.Events():
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return core.Event{}
}

func expectNone(t *testing.T, sink *core.ChannelSink) {
	t.Helper()
	select {
	case event := <-sink.Events():
		t.Fatalf("expected no event got %#v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastHub_OpsScenario(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, core.HubOptions{})
	first, firstSink := connectSink(t, hub, 8)
	second, secondSink := connectSink(t, hub, 8)
	_, outsiderSink := connectSink(t, hub, 8)

	for i, id := range []string{first, second} {
		if err := hub.Authenticate(id, core.Identity{UserID: []string{"u1", "u2"}[i], Role: core.RoleAdmin}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := hub.Join(id, "ops"); err != nil {
			t.Fatalf("unexpected join error: %v", err)
		}
	}

	alert := core.Alert{Type: "camera_down", Severity: core.SeverityError, Message: "cam-3 offline"}
	if queued := hub.BroadcastSystemAlert(alert); queued != 3 {
		t.Fatalf("expected global alert queued for 3 got %d", queued)
	}
	for _, sink := range []*core.ChannelSink{firstSink, secondSink, outsiderSink} {
		event := receive(t, sink)
		if event.Name != core.EventSystemAlert || event.Payload.(core.Alert) != alert {
			t.Fatalf("unexpected event: %#v", event)
		}
		expectNone(t, sink)
	}

	if queued := hub.Publish("ops", core.EventSystemAlert, alert); queued != 2 {
		t.Fatalf("expected channel publish queued for 2 got %d", queued)
	}
	receive(t, firstSink)
	receive(t, secondSink)
	expectNone(t, outsiderSink)
}

func TestBroadcastHub_PreservesPerSubscriberOrder(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, core.HubOptions{OutboxSize: 256})
	_, sink := connectSink(t, hub, 0)

	for i := 0; i < 100; i++ {
		hub.BroadcastCameraStatus("cam-1", time.Duration(i).String())
	}
	for i := 0; i < 100; i++ {
		event := receive(t, sink)
		status := event.Payload.(core.CameraStatus)
		if status.Status != time.Duration(i).String() {
			t.Fatalf("expected event %d got %s", i, status.Status)
		}
	}
}

func TestBroadcastHub_SlowAndFailingSubscribersAreIsolated(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, core.HubOptions{DeliveryTimeout: 20 * time.Millisecond})
	blocked := make(chan struct{})
	defer close(blocked)
	if _, err := hub.Connect(core.SinkFunc(func(ctx context.Context, event core.Event) error {
		select {
		case <-blocked:
		case <-ctx.Done():
		}
		return ctx.Err()
	})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := hub.Connect(core.SinkFunc(func(ctx context.Context, event core.Event) error {
		return errors.New("socket closed")
	})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, healthy := connectSink(t, hub, 8)

	for i := 0; i < 3; i++ {
		hub.BroadcastDetection(core.DetectionEvent{ID: "d", CameraID: "cam-1"})
	}
	for i := 0; i < 3; i++ {
		if event := receive(t, healthy); event.Name != core.EventNewDetection {
			t.Fatalf("unexpected event %#v", event)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Stats().DeliveryFailures < 6 {
		if time.Now().After(deadline) {
			t.Fatalf("expected failures recorded, got %d", hub.Stats().DeliveryFailures)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastHub_PanickingSinkIsIsolated(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, core.HubOptions{})
	if _, err := hub.Connect(core.SinkFunc(func(ctx context.Context, event core.Event) error {
		panic("transport exploded")
	})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, healthy := connectSink(t, hub, 4)

	alert := core.Alert{Type: "camera_down", Severity: core.SeverityError, Message: "cam-3 offline"}
	hub.BroadcastSystemAlert(alert)
	hub.BroadcastSystemAlert(alert)
	for i := 0; i < 2; i++ {
		if event := receive(t, healthy); event.Name != core.EventSystemAlert {
			t.Fatalf("expected system alert got %s", event.Name)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Stats().DeliveryFailures < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected panics counted as failures, got %d", hub.Stats().DeliveryFailures)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ConnectedCount() != 2 {
		t.Fatalf("expected both subscribers still connected got %d", hub.ConnectedCount())
	}
}

func TestBroadcastHub_NoDeliveryAfterDisconnect(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, core.HubOptions{OutboxSize: 1024})
	var gone atomic.Bool
	var violations atomic.Int64
	id, err := hub.Connect(core.SinkFunc(func(ctx context.Context, event core.Event) error {
		if gone.Load() {
			violations.Add(1)
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					hub.BroadcastDetection(core.DetectionEvent{ID: "d"})
				}
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	hub.Disconnect(id)
	gone.Store(true)
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	if violations.Load() != 0 {
		t.Fatalf("expected no delivery after disconnect, got %d", violations.Load())
	}
	hub.Disconnect(id)
	if hub.ConnectedCount() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestBroadcastHub_ConnectedCountUnderChurn(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, core.HubOptions{})
	const k, m = 200, 120
	ids := make([]string, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := hub.Connect(core.NewChannelSink(1))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			hub.Disconnect(id)
			hub.Disconnect(id)
		}(ids[i])
	}
	wg.Wait()
	if got := hub.ConnectedCount(); got != k-m {
		t.Fatalf("expected %d connected got %d", k-m, got)
	}
}

func TestBroadcastHub_SendToUserReachesEveryConnection(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, core.HubOptions{})
	tabA, sinkA := connectSink(t, hub, 4)
	tabB, sinkB := connectSink(t, hub, 4)
	other, otherSink := connectSink(t, hub, 4)
	for id, user := range map[string]string{tabA: "alice", tabB: "alice", other: "bob"} {
		if err := hub.Authenticate(id, core.Identity{UserID: user, Role: core.RoleViewer}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if queued := hub.SendToUser("alice", "notification", map[string]string{"msg": "hi"}); queued != 2 {
		t.Fatalf("expected 2 queued got %d", queued)
	}
	receive(t, sinkA)
	receive(t, sinkB)
	expectNone(t, otherSink)

	if queued := hub.SendToUser("nobody", "notification", nil); queued != 0 {
		t.Fatalf("expected zero matches got %d", queued)
	}
	hub.Disconnect(tabA)
	if queued := hub.SendToUser("alice", "notification", nil); queued != 1 {
		t.Fatalf("expected 1 queued after disconnect got %d", queued)
	}
}

func TestBroadcastHub_JoinRequiresPermission(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, core.HubOptions{})
	id, _ := connectSink(t, hub, 1)

	if err := hub.Join(id, "ops"); !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("expected forbidden without identity, got %v", err)
	}
	if err := hub.Authenticate(id, core.Identity{UserID: "v", Role: core.RoleViewer}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hub.Join(id, "ops"); !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("expected forbidden for viewer, got %v", err)
	}
	if err := hub.Join(id, "lobby"); err != nil {
		t.Fatalf("expected open channel join, got %v", err)
	}
	if err := hub.Authenticate(id, core.Identity{UserID: "v", Role: core.RoleOperator, Permissions: []string{core.PermissionSystemSettings}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hub.Join(id, "ops"); err != nil {
		t.Fatalf("expected join with permission, got %v", err)
	}
	if got := hub.Channels(id); len(got) != 2 || got[0] != "lobby" || got[1] != "ops" {
		t.Fatalf("unexpected channels %v", got)
	}
	if err := hub.Leave(id, "ops"); err != nil {
		t.Fatalf("unexpected leave error: %v", err)
	}
	if queued := hub.Publish("ops", "x", nil); queued != 0 {
		t.Fatalf("expected no members after leave, got %d", queued)
	}
	if err := hub.Join("missing", "lobby"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBroadcastHub_OverflowDropsNewEvents(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, core.HubOptions{OutboxSize: 1, DeliveryTimeout: time.Second})
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	if _, err := hub.Connect(core.SinkFunc(func(ctx context.Context, event core.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hub.BroadcastCameraStatus("cam", "online")
	<-started
	hub.BroadcastCameraStatus("cam", "online")
	if queued := hub.BroadcastCameraStatus("cam", "offline"); queued != 0 {
		t.Fatalf("expected overflow drop, got %d queued", queued)
	}
	close(release)
	if hub.Stats().Dropped != 1 {
		t.Fatalf("expected 1 dropped got %d", hub.Stats().Dropped)
	}
}

func TestBroadcastHub_CloseRejectsConnect(t *testing.T) {
	t.Parallel()

	hub := core.NewBroadcastHub(core.HubOptions{})
	connectSink(t, hub, 1)
	hub.Close()
	if hub.ConnectedCount() != 0 {
		t.Fatalf("expected no subscribers after close")
	}
	if _, err := hub.Connect(core.NewChannelSink(1)); core.CodeOf(err) != core.CodeUnavailable {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
}
