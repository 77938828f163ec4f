package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tasknet/dispatch/internal/bus"
	"github.com/tasknet/dispatch/internal/state"
	"github.com/tasknet/dispatch/pkg/models"
)

func setupRegistry(t *testing.T) (*Registry, *state.DB, *bus.Bus) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	events := bus.New()
	return New(db, 2, time.Minute, events), db, events
}

// register adds a worker and sends one heartbeat so it is eligible.
func register(t *testing.T, r *Registry, machineID string, capabilities ...string) string {
	t.Helper()
	ctx := context.Background()
	id, err := r.RegisterOrUpdate(ctx, machineID, "worker-"+machineID, capabilities, 2)
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}
	if err := r.RecordHeartbeat(ctx, id, models.WorkerStatusIdle, models.ResourceGauges{}, ""); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	return id
}

func TestRegisterOrUpdate_Idempotent(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()

	first, err := r.RegisterOrUpdate(ctx, "m1", "alpha", []string{"browser"}, 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := r.RegisterOrUpdate(ctx, "m1", "alpha", []string{"browser"}, 1)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first != second {
		t.Errorf("re-registration changed worker ID: %s != %s", first, second)
	}
}

func TestListEligible_FiltersCapability(t *testing.T) {
	r, _, _ := setupRegistry(t)

	withTool := register(t, r, "m1", "browser")
	register(t, r, "m2", "shell")

	eligible := r.ListEligible("browser")
	if len(eligible) != 1 || eligible[0].ID != withTool {
		t.Errorf("eligible = %v, want only %s", workerIDs(eligible), withTool)
	}

	// Empty capability matches all alive workers.
	if n := len(r.ListEligible("")); n != 2 {
		t.Errorf("eligible for any tool = %d, want 2", n)
	}
}

func TestListEligible_ExcludesSaturated(t *testing.T) {
	r, _, _ := setupRegistry(t)
	id := register(t, r, "m1")

	r.NoteAssigned(id)
	if n := len(r.ListEligible("")); n != 1 {
		t.Fatalf("worker under cap should remain eligible, got %d", n)
	}

	r.NoteAssigned(id)
	if n := len(r.ListEligible("")); n != 0 {
		t.Errorf("worker at cap of 2 still eligible, got %d", n)
	}

	r.NoteReleased(id)
	if n := len(r.ListEligible("")); n != 1 {
		t.Errorf("worker not eligible again after release, got %d", n)
	}
}

func TestListEligible_ExcludesStaleHeartbeat(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	defer db.Close()

	r := New(db, 2, 50*time.Millisecond, nil)
	register(t, r, "m1")

	time.Sleep(80 * time.Millisecond)
	if n := len(r.ListEligible("")); n != 0 {
		t.Errorf("stale worker still eligible, got %d", n)
	}
}

func TestListEligible_SortedByWorkerID(t *testing.T) {
	r, _, _ := setupRegistry(t)
	register(t, r, "m1")
	register(t, r, "m2")
	register(t, r, "m3")

	eligible := r.ListEligible("")
	for i := 1; i < len(eligible); i++ {
		if eligible[i-1].ID >= eligible[i].ID {
			t.Errorf("eligible workers not sorted by ID: %v", workerIDs(eligible))
			break
		}
	}
}

func TestListEligible_ReturnsCopies(t *testing.T) {
	r, _, _ := setupRegistry(t)
	register(t, r, "m1")

	eligible := r.ListEligible("")
	eligible[0].ActiveSubtasks = 99

	if again := r.ListEligible(""); len(again) != 1 {
		t.Errorf("mutating a returned worker leaked into the snapshot")
	}
}

func TestMarkOffline_PublishesEvent(t *testing.T) {
	r, _, events := setupRegistry(t)
	id := register(t, r, "m1")

	sub := events.Subscribe(bus.TopicWorkerOffline)
	defer events.Unsubscribe(sub)

	if err := r.MarkOffline(context.Background(), id, "unregistered"); err != nil {
		t.Fatalf("mark offline: %v", err)
	}

	if n := len(r.ListEligible("")); n != 0 {
		t.Errorf("offline worker still eligible, got %d", n)
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.WorkerOfflineEvent)
		if payload.WorkerID != id || payload.Reason != "unregistered" {
			t.Errorf("event = %+v", payload)
		}
	default:
		t.Error("no worker.offline event published")
	}
}

func TestSweep_MarksStaleOffline(t *testing.T) {
	r, db, events := setupRegistry(t)
	ctx := context.Background()

	stale := register(t, r, "stale")
	fresh := register(t, r, "fresh")

	// Age the stale worker's heartbeat in the store and the view.
	old := time.Now().Add(-10 * time.Minute)
	if _, err := db.Exec(`UPDATE workers SET last_heartbeat = ? WHERE id = ?`,
		old.UTC().Format(time.RFC3339Nano), stale); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	sub := events.Subscribe(bus.TopicWorkerOffline)
	defer events.Unsubscribe(sub)

	ids, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale {
		t.Errorf("swept = %v, want [%s]", ids, stale)
	}

	w, err := db.GetWorker(ctx, stale)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != models.WorkerStatusOffline {
		t.Errorf("stale worker status = %s, want offline", w.Status)
	}
	if w, _ := db.GetWorker(ctx, fresh); w.Status == models.WorkerStatusOffline {
		t.Error("fresh worker swept offline")
	}

	select {
	case ev := <-sub.Ch():
		if payload := ev.Payload.(bus.WorkerOfflineEvent); payload.Reason != "heartbeat-timeout" {
			t.Errorf("reason = %s, want heartbeat-timeout", payload.Reason)
		}
	default:
		t.Error("no worker.offline event for swept worker")
	}
}

func TestRefresh_RebuildsFromStore(t *testing.T) {
	r, db, _ := setupRegistry(t)
	register(t, r, "m1")

	// A second registry over the same store starts empty until Refresh.
	r2 := New(db, 2, time.Minute, nil)
	if n := r2.CountAvailable(); n != 0 {
		t.Fatalf("fresh registry sees %d workers before refresh", n)
	}
	if err := r2.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n := r2.CountAvailable(); n != 1 {
		t.Errorf("after refresh available = %d, want 1", n)
	}
}

func workerIDs(workers []*models.Worker) []string {
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}
	return ids
}
