package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasknet/dispatch/internal/bus"
	"github.com/tasknet/dispatch/internal/config"
	"github.com/tasknet/dispatch/internal/registry"
	"github.com/tasknet/dispatch/internal/state"
	"github.com/tasknet/dispatch/pkg/models"
)

// Outcome classifies the result of one allocation attempt.
type Outcome string

const (
	// OutcomeAssigned means the subtask was bound to a worker.
	OutcomeAssigned Outcome = "assigned"
	// OutcomeQueued means no eligible worker existed and the subtask
	// was pushed to the allocation queue.
	OutcomeQueued Outcome = "queued"
	// OutcomeDeferred means the attempt was abandoned without a
	// decision; the Reason field says why.
	OutcomeDeferred Outcome = "deferred"
)

// Deferral reasons.
const (
	ReasonLocked            = "locked"
	ReasonAlreadyAssigned   = "already-assigned"
	ReasonDependenciesUnmet = "dependencies-unmet"
)

// Result is the outcome of an allocation attempt.
type Result struct {
	// Outcome classifies the attempt.
	Outcome Outcome
	// WorkerID is the bound worker for assigned outcomes.
	WorkerID string
	// Tool is the bound tool for assigned outcomes.
	Tool string
	// Reason explains deferred outcomes.
	Reason string
}

// Allocator binds subtasks to workers. It is the only component allowed
// to mutate worker load counters, and every mutation goes through a
// compare-and-swap against the durable store.
type Allocator struct {
	store    *state.DB
	registry *registry.Registry
	cfg      config.SchedulerConfig
	events   *bus.Bus
	metrics  *Metrics
	// holder identifies this allocator instance as a lock owner.
	holder string

	// scorerMu guards scorer, which config hot-reload swaps while
	// allocations are running.
	scorerMu sync.RWMutex
	scorer   *Scorer
}

// NewAllocator creates an Allocator.
func NewAllocator(store *state.DB, reg *registry.Registry, scorer *Scorer, cfg config.SchedulerConfig, events *bus.Bus, metrics *Metrics) *Allocator {
	return &Allocator{
		store:    store,
		registry: reg,
		scorer:   scorer,
		cfg:      cfg,
		events:   events,
		metrics:  metrics,
		holder:   uuid.NewString(),
	}
}

// SetScorer swaps the scorer used to rank candidates. Safe to call
// while allocations are in flight.
func (a *Allocator) SetScorer(sc *Scorer) {
	a.scorerMu.Lock()
	a.scorer = sc
	a.scorerMu.Unlock()
}

func (a *Allocator) pickWinner(st *models.Subtask, candidates []*models.Worker) *models.Worker {
	a.scorerMu.RLock()
	sc := a.scorer
	a.scorerMu.RUnlock()
	return sc.Pick(st, candidates)
}

// Allocate attempts to bind the subtask to exactly one worker, or defers
// it to the queue. At most one allocation decision commits per subtask
// per ready episode: concurrent triggers are serialized by the
// per-subtask lock, and the commit itself is a CAS so even a lost lock
// cannot double-bind.
func (a *Allocator) Allocate(ctx context.Context, subtaskID string) (Result, error) {
	// Cheap rejection path: respect the global in-flight ceiling before
	// taking the lock.
	inFlight, err := a.store.CountInProgress(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("count in-flight: %w", err)
	}
	if inFlight >= a.cfg.MaxConcurrentSubtasks {
		debugLog("[allocator] global ceiling reached (%d/%d), queueing %s", inFlight, a.cfg.MaxConcurrentSubtasks, subtaskID)
		return a.queue(ctx, subtaskID)
	}

	lockKey := "alloc:" + subtaskID
	acquired, err := a.store.AcquireLock(ctx, lockKey, a.holder, a.cfg.LockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("acquire allocation lock: %w", err)
	}
	if !acquired {
		return Result{Outcome: OutcomeDeferred, Reason: ReasonLocked}, nil
	}
	defer a.releaseLock(lockKey)

	// Re-read under the lock: a concurrent trigger may have already
	// decided this subtask.
	st, err := a.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return Result{}, err
	}
	if !st.Status.Allocatable() {
		return Result{Outcome: OutcomeDeferred, Reason: ReasonAlreadyAssigned}, nil
	}

	unmet, err := a.unmetDependencies(ctx, st)
	if err != nil {
		return Result{}, err
	}
	if unmet {
		return Result{Outcome: OutcomeDeferred, Reason: ReasonDependenciesUnmet}, nil
	}

	for attempt := 0; attempt <= a.cfg.CASRetries; attempt++ {
		candidates := a.registry.ListEligible(st.RecommendedTool)
		winner := a.pickWinner(st, candidates)
		if winner == nil {
			return a.queue(ctx, subtaskID)
		}

		tool := assignedTool(st, winner)

		// Commit: bump the worker's load only while it is still under
		// its cap, then claim the subtask. Either CAS failing means the
		// world moved between listing and commit; retry from listing.
		bumped, err := a.store.IncrementWorkerLoad(ctx, winner.ID, a.cfg.MaxSubtasksPerWorker)
		if err != nil {
			return Result{}, err
		}
		if !bumped {
			debugLog("[allocator] commit conflict on worker %s for subtask %s (attempt %d)", winner.ID, subtaskID, attempt+1)
			if a.metrics != nil {
				a.metrics.CommitConflicts.Inc()
			}
			a.registry.NoteAssigned(winner.ID) // snapshot was stale; converge it
			continue
		}

		claimed, err := a.store.ClaimSubtask(ctx, subtaskID, winner.ID, tool, a.cfg.MaxConcurrentSubtasks)
		if err != nil {
			return Result{}, err
		}
		if !claimed {
			// Give the slot back, then distinguish why the claim lost:
			// a subtask still allocatable means the global ceiling filled
			// between the pre-check and the commit, so it queues; anything
			// else means a concurrent trigger already committed it.
			if derr := a.store.DecrementWorkerLoad(ctx, winner.ID); derr != nil {
				debugLog("[allocator] failed to release slot on %s: %v", winner.ID, derr)
			}
			cur, gerr := a.store.GetSubtask(ctx, subtaskID)
			if gerr == nil && cur.Status.Allocatable() {
				debugLog("[allocator] ceiling filled under subtask %s, queueing", subtaskID)
				return a.queue(ctx, subtaskID)
			}
			return Result{Outcome: OutcomeDeferred, Reason: ReasonAlreadyAssigned}, nil
		}

		a.registry.NoteAssigned(winner.ID)
		if err := a.store.DequeueSubtask(ctx, subtaskID); err != nil {
			debugLog("[allocator] dequeue after assignment failed for %s: %v", subtaskID, err)
		}

		debugLog("[allocator] assigned subtask %s to worker %s (tool %s)", subtaskID, winner.ID, tool)
		if a.metrics != nil {
			a.metrics.SubtasksAssigned.Inc()
		}
		if a.events != nil {
			a.events.Publish(bus.TopicSubtaskAssigned, bus.SubtaskAssignedEvent{
				SubtaskID: subtaskID,
				TaskID:    st.TaskID,
				WorkerID:  winner.ID,
				Tool:      tool,
			})
		}
		return Result{Outcome: OutcomeAssigned, WorkerID: winner.ID, Tool: tool}, nil
	}

	debugLog("[allocator] CAS retries exhausted for subtask %s, queueing", subtaskID)
	return a.queue(ctx, subtaskID)
}

// lockReleaseTimeout bounds the release of an allocation lock.
const lockReleaseTimeout = 2 * time.Second

// releaseLock releases an allocation lock under a fresh context, so a
// lock taken by an attempt whose context expired does not linger for
// the full TTL.
func (a *Allocator) releaseLock(lockKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
	defer cancel()
	if err := a.store.ReleaseLock(ctx, lockKey, a.holder); err != nil {
		debugLog("[allocator] release lock %s: %v", lockKey, err)
	}
}

// queue parks the subtask on the FIFO fallback.
func (a *Allocator) queue(ctx context.Context, subtaskID string) (Result, error) {
	if err := a.store.MarkQueued(ctx, subtaskID); err != nil {
		return Result{}, err
	}
	if err := a.store.EnqueueSubtask(ctx, subtaskID); err != nil {
		return Result{}, err
	}
	if a.metrics != nil {
		a.metrics.SubtasksQueued.Inc()
	}
	if a.events != nil {
		st, err := a.store.GetSubtask(ctx, subtaskID)
		taskID := ""
		if err == nil {
			taskID = st.TaskID
		}
		a.events.Publish(bus.TopicSubtaskQueued, bus.SubtaskQueuedEvent{
			SubtaskID: subtaskID,
			TaskID:    taskID,
		})
	}
	return Result{Outcome: OutcomeQueued}, nil
}

// unmetDependencies reports whether any dependency of the subtask has
// not completed.
func (a *Allocator) unmetDependencies(ctx context.Context, st *models.Subtask) (bool, error) {
	for _, depID := range st.DependsOn {
		dep, err := a.store.GetSubtask(ctx, depID)
		if err != nil {
			return false, fmt.Errorf("load dependency %s: %w", depID, err)
		}
		if dep.Status != models.SubtaskStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// assignedTool picks the tool a subtask is bound with: the recommended
// tool when the worker advertises it, otherwise the worker's first
// capability.
func assignedTool(st *models.Subtask, w *models.Worker) string {
	if st.RecommendedTool != "" && w.HasCapability(st.RecommendedTool) {
		return st.RecommendedTool
	}
	if len(w.Capabilities) > 0 {
		return w.Capabilities[0]
	}
	return st.RecommendedTool
}
