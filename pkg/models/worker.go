package models

import "time"

// WorkerStatus represents the liveness state of a worker.
type WorkerStatus string

const (
	// WorkerStatusOnline indicates the worker is reachable.
	WorkerStatusOnline WorkerStatus = "online"
	// WorkerStatusIdle indicates the worker is reachable with no load.
	WorkerStatusIdle WorkerStatus = "idle"
	// WorkerStatusBusy indicates the worker reported itself saturated.
	WorkerStatusBusy WorkerStatus = "busy"
	// WorkerStatusOffline indicates the worker unregistered or its
	// heartbeat aged out.
	WorkerStatusOffline WorkerStatus = "offline"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusOnline, WorkerStatusIdle, WorkerStatusBusy, WorkerStatusOffline:
		return true
	default:
		return false
	}
}

// Alive returns true if a worker in this status may receive work.
func (s WorkerStatus) Alive() bool {
	return s == WorkerStatusOnline || s == WorkerStatusIdle
}

// ResourceGauges holds advisory load readings reported by a worker's
// heartbeat. Values are percentages in [0,100].
type ResourceGauges struct {
	// CPUPercent is the worker's CPU utilization.
	CPUPercent float64 `json:"cpu_percent"`
	// MemoryPercent is the worker's memory utilization.
	MemoryPercent float64 `json:"memory_percent"`
	// DiskPercent is the worker's disk utilization.
	DiskPercent float64 `json:"disk_percent"`
}

// Worker is a registered execution agent advertising tool capabilities.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id"`
	// MachineID is the stable machine identifier that survives
	// re-registration; registration is idempotent by this key.
	MachineID string `json:"machine_id"`
	// Name is the human-readable worker name.
	Name string `json:"name"`
	// Capabilities lists the tool names this worker can execute.
	Capabilities []string `json:"capabilities"`
	// Status is the liveness state derived from heartbeat recency.
	Status WorkerStatus `json:"status"`
	// Gauges holds the most recent advisory resource readings.
	Gauges ResourceGauges `json:"gauges"`
	// TrustTier is the privacy tier this worker is cleared for.
	TrustTier int `json:"trust_tier"`
	// ActiveSubtasks is the number of subtasks currently bound to
	// this worker. Mutated only through the allocator's CAS commit.
	ActiveSubtasks int `json:"active_subtasks"`
	// CurrentTaskID is the task the worker reported working on.
	CurrentTaskID string `json:"current_task_id,omitempty"`
	// LastHeartbeat is the time of the most recent heartbeat.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// RegisteredAt is when the worker first registered.
	RegisteredAt time.Time `json:"registered_at"`
}

// HasCapability returns true if the worker advertises the given tool.
// An empty tool matches any worker.
func (w *Worker) HasCapability(tool string) bool {
	if tool == "" {
		return true
	}
	for _, c := range w.Capabilities {
		if c == tool {
			return true
		}
	}
	return false
}
