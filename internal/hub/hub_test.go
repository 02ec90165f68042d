package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"jobengine/internal/adapter/repo"
	"jobengine/internal/domain"
	"jobengine/internal/event"
	"jobengine/internal/middleware"
)

type hubFixture struct {
	store  *repo.MemoryStore
	bus    *event.Bus
	server *httptest.Server
	cancel context.CancelFunc
}

// newHubFixture starts a hub behind an httptest server. The test identity is
// injected from headers so the fixture does not need a signed token.
func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	store := repo.NewMemoryStore()
	bus := event.NewBus(zerolog.Nop())
	h := New(store, bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := middleware.ContextWithUserID(r.Context(), r.Header.Get("X-Test-User"))
		ctx = middleware.ContextWithRole(ctx, r.Header.Get("X-Test-Role"))
		h.ServeWS(w, r.WithContext(ctx))
	}))

	f := &hubFixture{store: store, bus: bus, server: server, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return f
}

func (f *hubFixture) dial(t *testing.T, userID, role string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := http.Header{"X-Test-User": {userID}}
	if role != "" {
		header.Set("X-Test-Role", role)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *hubFixture) seedJob(t *testing.T, ownerID string) string {
	t.Helper()
	id := uuid.NewString()
	job := &domain.Job{
		ID:         id,
		OwnerID:    ownerID,
		Type:       "asset_generation",
		Status:     domain.JobStatusInProgress,
		TotalItems: 1,
		CreatedAt:  time.Now().UTC(),
		Items:      []domain.JobItem{{JobID: id, Index: 0, Status: domain.ItemStatusPending}},
	}
	if err := f.store.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return id
}

func readFrame(t *testing.T, conn *websocket.Conn) pushFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame pushFrame
	var raw struct {
		Target  string           `json:"target"`
		JobID   string           `json:"jobId"`
		Kind    domain.EventKind `json:"kind"`
		Payload json.RawMessage  `json:"payload"`
		Error   string           `json:"error"`
	}
	if err := conn.ReadJSON(&raw); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame.Target = raw.Target
	frame.JobID = raw.JobID
	frame.Kind = raw.Kind
	frame.Error = raw.Error
	return frame
}

func subscribe(t *testing.T, conn *websocket.Conn, jobID string) {
	t.Helper()
	if err := conn.WriteJSON(clientFrame{Action: actionSubscribe, JobID: jobID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

// publishUntilReceived retries the publish until the subscription has taken
// effect server side, since subscribe has no acknowledgment frame.
func publishUntilReceived(t *testing.T, f *hubFixture, conn *websocket.Conn, jobID string) pushFrame {
	t.Helper()
	got := make(chan pushFrame, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var raw struct {
			Target string           `json:"target"`
			JobID  string           `json:"jobId"`
			Kind   domain.EventKind `json:"kind"`
			Error  string           `json:"error"`
		}
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}
		got <- pushFrame{Target: raw.Target, JobID: raw.JobID, Kind: raw.Kind, Error: raw.Error}
	}()

	deadline := time.After(3 * time.Second)
	for {
		f.bus.PublishJobItemEvent(context.Background(), domain.NewJobItemStartedEvent(jobID, 0, time.Now().UTC()))
		select {
		case frame := <-got:
			return frame
		case <-deadline:
			t.Fatal("no frame received after subscribing")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSubscribeReceivesProgress(t *testing.T) {
	f := newHubFixture(t)
	jobID := f.seedJob(t, "owner-1")
	conn := f.dial(t, "owner-1", "")
	subscribe(t, conn, jobID)

	frame := publishUntilReceived(t, f, conn, jobID)
	if frame.Target != TargetProgress {
		t.Fatalf("expected %q, got %q", TargetProgress, frame.Target)
	}
	if frame.JobID != jobID || frame.Kind != domain.EventJobItemStarted {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestJobCompletedUsesDedicatedTarget(t *testing.T) {
	f := newHubFixture(t)
	jobID := f.seedJob(t, "owner-1")
	conn := f.dial(t, "owner-1", "")
	subscribe(t, conn, jobID)

	// Wait for the room membership to be live before the terminal event.
	publishUntilReceived(t, f, conn, jobID)

	f.bus.PublishJobEvent(context.Background(), domain.NewJobCompletedEvent(jobID, domain.JobStatusCompleted, 1, 0, time.Now().UTC()))
	frame := readFrame(t, conn)
	if frame.Target != TargetJobCompleted {
		t.Fatalf("expected %q, got %q (frame %+v)", TargetJobCompleted, frame.Target, frame)
	}
}

func TestSubscribeInvalidJobID(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "owner-1", "")
	subscribe(t, conn, "not-a-uuid")

	frame := readFrame(t, conn)
	if frame.Target != TargetError || frame.Error != "invalid job id" {
		t.Fatalf("expected invalid job id error, got %+v", frame)
	}
}

func TestSubscribeUnknownJob(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "owner-1", "")
	subscribe(t, conn, uuid.NewString())

	frame := readFrame(t, conn)
	if frame.Target != TargetError || frame.Error != "job not found" {
		t.Fatalf("expected job not found error, got %+v", frame)
	}
}

func TestSubscribeForeignJobDenied(t *testing.T) {
	f := newHubFixture(t)
	jobID := f.seedJob(t, "owner-1")
	conn := f.dial(t, "owner-2", "")
	subscribe(t, conn, jobID)

	frame := readFrame(t, conn)
	if frame.Target != TargetError || frame.Error != "not authorized for this job" {
		t.Fatalf("expected authorization error, got %+v", frame)
	}
}

func TestAdminMaySubscribeToAnyJob(t *testing.T) {
	f := newHubFixture(t)
	jobID := f.seedJob(t, "owner-1")
	conn := f.dial(t, "admin-1", middleware.RoleAdmin)
	subscribe(t, conn, jobID)

	frame := publishUntilReceived(t, f, conn, jobID)
	if frame.Target != TargetProgress {
		t.Fatalf("expected progress frame for admin, got %+v", frame)
	}
}

func TestEventsAreScopedToRoom(t *testing.T) {
	f := newHubFixture(t)
	jobA := f.seedJob(t, "owner-1")
	jobB := f.seedJob(t, "owner-1")
	conn := f.dial(t, "owner-1", "")
	subscribe(t, conn, jobA)

	publishUntilReceived(t, f, conn, jobA)

	// An event for an unsubscribed job must not reach this client.
	f.bus.PublishJobItemEvent(context.Background(), domain.NewJobItemStartedEvent(jobB, 0, time.Now().UTC()))
	f.bus.PublishJobEvent(context.Background(), domain.NewJobCompletedEvent(jobA, domain.JobStatusCompleted, 1, 0, time.Now().UTC()))

	frame := readFrame(t, conn)
	if frame.JobID != jobA || frame.Target != TargetJobCompleted {
		t.Fatalf("expected only job %s frames, got %+v", jobA, frame)
	}
}

func TestServeWSRequiresIdentity(t *testing.T) {
	f := newHubFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure without identity")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestUnknownActionYieldsError(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "owner-1", "")
	if err := conn.WriteJSON(clientFrame{Action: "shout", JobID: uuid.NewString()}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Target != TargetError || frame.Error != "unknown action" {
		t.Fatalf("expected unknown action error, got %+v", frame)
	}
}
