// Package registry tracks worker identity, capabilities, liveness, and
// load. It layers a fast in-memory liveness view over the durable store:
// candidate listing reads the view, while the allocator re-validates
// eligibility against the store at commit time.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tasknet/dispatch/internal/bus"
	"github.com/tasknet/dispatch/internal/state"
	"github.com/tasknet/dispatch/pkg/models"
)

// Registry manages worker state.
type Registry struct {
	store *state.DB
	// maxPerWorker is the per-worker concurrency cap used for
	// eligibility filtering.
	maxPerWorker int
	// heartbeatTimeout is how stale a heartbeat may be before a worker
	// stops being eligible.
	heartbeatTimeout time.Duration
	// events receives worker lifecycle notifications; may be nil.
	events *bus.Bus

	// snapshot is the in-memory liveness view keyed by worker ID.
	snapshot map[string]*models.Worker
	// mu protects snapshot.
	mu sync.RWMutex
}

// New creates a Registry backed by the given store.
func New(store *state.DB, maxPerWorker int, heartbeatTimeout time.Duration, events *bus.Bus) *Registry {
	return &Registry{
		store:            store,
		maxPerWorker:     maxPerWorker,
		heartbeatTimeout: heartbeatTimeout,
		events:           events,
		snapshot:         make(map[string]*models.Worker),
	}
}

// Refresh rebuilds the in-memory view from the durable store.
// Called at startup so a restarted scheduler sees registered workers
// before their next heartbeat.
func (r *Registry) Refresh(ctx context.Context) error {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = make(map[string]*models.Worker, len(workers))
	for _, w := range workers {
		r.snapshot[w.ID] = w
	}
	return nil
}

// RegisterOrUpdate registers a worker or refreshes an existing
// registration. Idempotent by machine ID: repeat calls return the same
// worker ID and never create a duplicate record.
func (r *Registry) RegisterOrUpdate(ctx context.Context, machineID, name string, capabilities []string, trustTier int) (string, error) {
	workerID, err := r.store.UpsertWorker(ctx, machineID, name, capabilities, trustTier)
	if err != nil {
		return "", err
	}

	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.snapshot[workerID] = w
	r.mu.Unlock()
	return workerID, nil
}

// RecordHeartbeat updates a worker's liveness timestamp, status, and
// resource gauges, and publishes the fresh state to the in-memory view.
// Returns state.ErrNotFound (wrapped) for unknown worker IDs.
func (r *Registry) RecordHeartbeat(ctx context.Context, workerID string, status models.WorkerStatus, gauges models.ResourceGauges, currentTaskID string) error {
	if err := r.store.RecordWorkerHeartbeat(ctx, workerID, status, gauges, currentTaskID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.snapshot[workerID]; ok {
		w.Status = status
		w.Gauges = gauges
		w.CurrentTaskID = currentTaskID
		w.LastHeartbeat = time.Now()
	} else {
		// First heartbeat seen since startup; pull the full row.
		if w, err := r.store.GetWorker(ctx, workerID); err == nil {
			r.snapshot[workerID] = w
		}
	}
	return nil
}

// ListEligible returns workers that are alive, under the per-worker cap,
// heartbeat-fresh, and (if capability is non-empty) advertise the
// capability. Results are ordered by worker ID so callers see a stable
// sequence; the scorer re-ranks them.
func (r *Registry) ListEligible(capability string) []*models.Worker {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var eligible []*models.Worker
	for _, w := range r.snapshot {
		if !w.Status.Alive() {
			continue
		}
		if w.ActiveSubtasks >= r.maxPerWorker {
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			continue
		}
		if !w.HasCapability(capability) {
			continue
		}
		cp := *w
		eligible = append(eligible, &cp)
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	return eligible
}

// NoteAssigned records a successful allocation in the in-memory view so
// subsequent eligibility checks within the same cycle see the new load.
// The durable counter was already incremented by the allocator's CAS.
func (r *Registry) NoteAssigned(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.snapshot[workerID]; ok {
		w.ActiveSubtasks++
	}
}

// NoteReleased records a released load slot in the in-memory view.
func (r *Registry) NoteReleased(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.snapshot[workerID]; ok && w.ActiveSubtasks > 0 {
		w.ActiveSubtasks--
	}
}

// MarkOffline transitions a worker to offline in both the store and the
// in-memory view. Idempotent.
func (r *Registry) MarkOffline(ctx context.Context, workerID, reason string) error {
	if err := r.store.MarkWorkerOffline(ctx, workerID); err != nil {
		return err
	}

	r.mu.Lock()
	if w, ok := r.snapshot[workerID]; ok {
		w.Status = models.WorkerStatusOffline
	}
	r.mu.Unlock()

	if r.events != nil {
		r.events.Publish(bus.TopicWorkerOffline, bus.WorkerOfflineEvent{
			WorkerID: workerID,
			Reason:   reason,
		})
	}
	return nil
}

// Sweep marks every worker whose heartbeat aged past the timeout as
// offline and returns the affected worker IDs.
func (r *Registry) Sweep(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-r.heartbeatTimeout)
	ids, err := r.store.MarkStaleWorkersOffline(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	for _, id := range ids {
		if w, ok := r.snapshot[id]; ok {
			w.Status = models.WorkerStatusOffline
		}
	}
	r.mu.Unlock()

	if r.events != nil {
		for _, id := range ids {
			r.events.Publish(bus.TopicWorkerOffline, bus.WorkerOfflineEvent{
				WorkerID: id,
				Reason:   "heartbeat-timeout",
			})
		}
	}
	return ids, nil
}

// CountAvailable returns the number of workers currently eligible for
// any capability.
func (r *Registry) CountAvailable() int {
	return len(r.ListEligible(""))
}
