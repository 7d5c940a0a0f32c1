package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/treza-labs/enclave-orchestrator/pkg/engine"
)

func newTestStore(t *testing.T) (*SQLiteStore, *Feed) {
	t.Helper()

	feed := NewFeed(16, zerolog.Nop())
	t.Cleanup(func() { _ = feed.Close() })

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "requests.db")}, feed)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return store, feed
}

func newTestRequest(id string, status engine.Status) *engine.Request {
	return &engine.Request{
		ID:            id,
		Status:        status,
		Configuration: json.RawMessage(`{"instance_type":"m5.large","cpu_count":2}`),
		WalletAddress: "0xdeadbeef",
	}
}

func receiveEvent(t *testing.T, messages <-chan *message.Message) engine.ChangeEvent {
	t.Helper()
	select {
	case msg := <-messages:
		var event engine.ChangeEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			t.Fatalf("failed to decode change event: %v", err)
		}
		msg.Ack()
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return engine.ChangeEvent{}
	}
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	req := newTestRequest("enc-1", engine.StatusPendingDeploy)
	if err := store.Create(ctx, req); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "enc-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "enc-1" || got.Status != engine.StatusPendingDeploy {
		t.Errorf("unexpected record: %+v", got)
	}
	if string(got.Configuration) != `{"instance_type":"m5.large","cpu_count":2}` {
		t.Errorf("configuration mangled: %s", got.Configuration)
	}
	if got.WalletAddress != "0xdeadbeef" {
		t.Errorf("wallet address mangled: %s", got.WalletAddress)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set on create")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateDefaultsEmptyConfiguration(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	req := &engine.Request{ID: "enc-2", Status: engine.StatusPendingDeploy}
	if err := store.Create(ctx, req); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "enc-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Configuration) != "{}" {
		t.Errorf("expected empty object configuration, got %s", got.Configuration)
	}
}

func TestUpdateFieldsPartialOverwrite(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRequest("enc-3", engine.StatusPendingDeploy)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Status-only update leaves error fields untouched.
	if err := store.UpdateFields(ctx, "enc-3", engine.StatusUpdate(engine.StatusDeploying)); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	got, err := store.Get(ctx, "enc-3")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != engine.StatusDeploying || got.ErrorMessage != "" || got.ErrorType != "" {
		t.Errorf("unexpected record after status update: %+v", got)
	}

	// Failure update writes status and both error fields at once.
	if err := store.UpdateFields(ctx, "enc-3", engine.FailureUpdate("boom", "SandboxExecutionError")); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	got, err = store.Get(ctx, "enc-3")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != engine.StatusFailed || got.ErrorMessage != "boom" || got.ErrorType != "SandboxExecutionError" {
		t.Errorf("unexpected record after failure update: %+v", got)
	}

	if err := store.UpdateFields(ctx, "missing", engine.StatusUpdate(engine.StatusFailed)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRefreshesUpdatedAt(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store.now = func() time.Time { return clock }

	if err := store.Create(ctx, newTestRequest("enc-4", engine.StatusPendingDeploy)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	clock = base.Add(time.Minute)
	if err := store.UpdateFields(ctx, "enc-4", engine.StatusUpdate(engine.StatusDeploying)); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}

	got, err := store.Get(ctx, "enc-4")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("updated_at %s not after created_at %s", got.UpdatedAt, got.CreatedAt)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("created_at must not move on update, got %s", got.CreatedAt)
	}
}

func TestChangeEventsPublished(t *testing.T) {
	store, feed := newTestStore(t)
	ctx := context.Background()

	messages, err := feed.SubscribeChanges(ctx)
	if err != nil {
		t.Fatalf("SubscribeChanges failed: %v", err)
	}

	if err := store.Create(ctx, newTestRequest("enc-5", engine.StatusPendingDeploy)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	event := receiveEvent(t, messages)
	if event.Kind != engine.ChangeInsert || event.ID != "enc-5" {
		t.Errorf("unexpected insert event: %+v", event)
	}
	if event.NewImage.Status != engine.StatusPendingDeploy {
		t.Errorf("insert event carries wrong image: %+v", event.NewImage)
	}

	if err := store.UpdateFields(ctx, "enc-5", engine.StatusUpdate(engine.StatusDeploying)); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	event = receiveEvent(t, messages)
	if event.Kind != engine.ChangeModify || event.NewImage.Status != engine.StatusDeploying {
		t.Errorf("unexpected modify event: %+v", event)
	}
}

func TestRepublishEmitsCurrentImage(t *testing.T) {
	store, feed := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRequest("enc-6", engine.StatusPendingDestroy)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	messages, err := feed.SubscribeChanges(ctx)
	if err != nil {
		t.Fatalf("SubscribeChanges failed: %v", err)
	}

	if err := store.Republish(ctx, "enc-6"); err != nil {
		t.Fatalf("Republish failed: %v", err)
	}
	event := receiveEvent(t, messages)
	if event.Kind != engine.ChangeModify || event.NewImage.Status != engine.StatusPendingDestroy {
		t.Errorf("unexpected republished event: %+v", event)
	}

	if err := store.Republish(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListStale(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store.now = func() time.Time { return clock }

	if err := store.Create(ctx, newTestRequest("old-pending", engine.StatusPendingDeploy)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, newTestRequest("old-deploying", engine.StatusDeploying)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	clock = base.Add(time.Hour)
	if err := store.Create(ctx, newTestRequest("fresh-pending", engine.StatusPendingDeploy)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stale, err := store.ListStale(ctx,
		[]engine.Status{engine.StatusPendingDeploy, engine.StatusPendingDestroy},
		base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old-pending" {
		t.Errorf("expected only old-pending, got %v", requestIDs(stale))
	}

	none, err := store.ListStale(ctx, nil, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no results for empty status set, got %v", requestIDs(none))
	}
}

func TestListByStatusOrdering(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store.now = func() time.Time { return clock }

	for i, id := range []string{"first", "second", "third"} {
		clock = base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, newTestRequest(id, engine.StatusFailed)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	failed, err := store.ListByStatus(ctx, engine.StatusFailed)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	got := requestIDs(failed)
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRequest("enc-7", engine.StatusDestroyed)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Delete(ctx, "enc-7"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "enc-7"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "enc-7"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func requestIDs(reqs []*engine.Request) []string {
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		ids = append(ids, req.ID)
	}
	return ids
}
