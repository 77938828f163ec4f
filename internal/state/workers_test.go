package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tasknet/dispatch/pkg/models"
)

func TestUpsertWorker_IdempotentByMachineID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first, err := db.UpsertWorker(ctx, "machine-a", "alpha", []string{"browser"}, 1)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := db.UpsertWorker(ctx, "machine-a", "alpha-renamed", []string{"browser", "shell"}, 3)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first != second {
		t.Errorf("re-registration produced a new worker ID: %s != %s", first, second)
	}

	w, err := db.GetWorker(ctx, first)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Name != "alpha-renamed" || w.TrustTier != 3 {
		t.Errorf("registration not refreshed: name=%s trust=%d", w.Name, w.TrustTier)
	}
	if len(w.Capabilities) != 2 {
		t.Errorf("capabilities = %v, want 2 entries", w.Capabilities)
	}
}

func TestUpsertWorker_DistinctMachines(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a, _ := db.UpsertWorker(ctx, "machine-a", "alpha", nil, 1)
	b, _ := db.UpsertWorker(ctx, "machine-b", "beta", nil, 1)
	if a == b {
		t.Error("distinct machines share a worker ID")
	}
}

func TestRecordWorkerHeartbeat(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	id := registerTestWorker(t, db, "m1")

	gauges := models.ResourceGauges{CPUPercent: 42.5, MemoryPercent: 60, DiskPercent: 10}
	if err := db.RecordWorkerHeartbeat(ctx, id, models.WorkerStatusBusy, gauges, "task-1"); err != nil {
		t.Fatalf("record heartbeat: %v", err)
	}

	w, err := db.GetWorker(ctx, id)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != models.WorkerStatusBusy {
		t.Errorf("status = %s, want busy", w.Status)
	}
	if w.Gauges.CPUPercent != 42.5 {
		t.Errorf("cpu = %v, want 42.5", w.Gauges.CPUPercent)
	}
	if w.CurrentTaskID != "task-1" {
		t.Errorf("current task = %s, want task-1", w.CurrentTaskID)
	}
}

func TestRecordWorkerHeartbeat_UnknownWorker(t *testing.T) {
	db := setupTestDB(t)

	err := db.RecordWorkerHeartbeat(context.Background(), "missing", models.WorkerStatusIdle, models.ResourceGauges{}, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementWorkerLoad_RespectsCap(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	id := registerTestWorker(t, db, "m1")

	ok, err := db.IncrementWorkerLoad(ctx, id, 1)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if !ok {
		t.Fatal("first increment should succeed")
	}

	ok, err = db.IncrementWorkerLoad(ctx, id, 1)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if ok {
		t.Error("increment past cap succeeded")
	}

	if err := db.DecrementWorkerLoad(ctx, id); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if ok, _ := db.IncrementWorkerLoad(ctx, id, 1); !ok {
		t.Error("increment after release should succeed")
	}
}

func TestIncrementWorkerLoad_OfflineWorker(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	id := registerTestWorker(t, db, "m1")

	if err := db.MarkWorkerOffline(ctx, id); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	ok, err := db.IncrementWorkerLoad(ctx, id, 5)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if ok {
		t.Error("incremented load on an offline worker")
	}
}

func TestDecrementWorkerLoad_FloorsAtZero(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	id := registerTestWorker(t, db, "m1")

	if err := db.DecrementWorkerLoad(ctx, id); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	w, _ := db.GetWorker(ctx, id)
	if w.ActiveSubtasks != 0 {
		t.Errorf("active_subtasks = %d, want 0", w.ActiveSubtasks)
	}
}

func TestMarkStaleWorkersOffline(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	stale := registerTestWorker(t, db, "stale")
	fresh := registerTestWorker(t, db, "fresh")

	old := formatTime(time.Now().Add(-10 * time.Minute))
	if _, err := db.Exec(`UPDATE workers SET last_heartbeat = ? WHERE id = ?`, old, stale); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	ids, err := db.MarkStaleWorkersOffline(ctx, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale {
		t.Errorf("stale ids = %v, want [%s]", ids, stale)
	}

	w, _ := db.GetWorker(ctx, stale)
	if w.Status != models.WorkerStatusOffline {
		t.Errorf("stale worker status = %s, want offline", w.Status)
	}
	w, _ = db.GetWorker(ctx, fresh)
	if w.Status == models.WorkerStatusOffline {
		t.Error("fresh worker marked offline")
	}
}

func TestCountAvailableWorkers(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := registerTestWorker(t, db, "a")
	registerTestWorker(t, db, "b")
	offline := registerTestWorker(t, db, "c")

	if err := db.MarkWorkerOffline(ctx, offline); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	if ok, _ := db.IncrementWorkerLoad(ctx, a, 1); !ok {
		t.Fatal("increment failed")
	}

	n, err := db.CountAvailableWorkers(ctx, 1)
	if err != nil {
		t.Fatalf("count available: %v", err)
	}
	if n != 1 {
		t.Errorf("available = %d, want 1 (one saturated, one offline)", n)
	}
}
