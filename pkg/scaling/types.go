package scaling

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TargetDuration is the time budget within which every queued job should complete
// given the aggregate throughput of the active fleet.
const TargetDuration = time.Minute

var (
	// ErrInvalidWorkload is returned by the resolver when a workload snapshot violates its preconditions.
	ErrInvalidWorkload = errors.New("invalid workload")
	// ErrWorkerNotFound signals that a worker does not exist (anymore) in the backend.
	// Stopping such a worker is considered successful.
	ErrWorkerNotFound = errors.New("worker not found")
)

// Workload is a snapshot of the pending work, taken fresh every cycle.
type Workload struct {
	WaitingRequests    int
	AverageJobDuration time.Duration
}

// Validate checks the workload preconditions.
func (w Workload) Validate() error {
	if w.WaitingRequests < 0 {
		return fmt.Errorf("%w: negative waiting requests (%d)", ErrInvalidWorkload, w.WaitingRequests)
	}
	if w.AverageJobDuration <= 0 {
		return fmt.Errorf("%w: non-positive average job duration (%s)", ErrInvalidWorkload, w.AverageJobDuration)
	}
	return nil
}

// WorkerID identifies a single worker instance.
type WorkerID string

func (id WorkerID) String() string { return string(id) }

// WorkerState is the lifecycle state of a worker.
type WorkerState int

const (
	Initializing WorkerState = iota
	Running
	Idling
	Stopping
	Failed
)

var workerStateNames = [...]string{
	Initializing: "INITIALIZING",
	Running:      "RUNNING",
	Idling:       "IDLING",
	Stopping:     "STOPPING",
	Failed:       "FAILED",
}

func (s WorkerState) String() string {
	if s < 0 || int(s) >= len(workerStateNames) {
		return fmt.Sprintf("WorkerState(%d)", int(s))
	}
	return workerStateNames[s]
}

// IsActive reports whether the worker counts towards the current capacity.
// Stopping and failed workers are already leaving or non-functional.
func (s WorkerState) IsActive() bool {
	switch s {
	case Initializing, Running, Idling:
		return true
	default:
		return false
	}
}

// ParseWorkerState parses the upper-case state name (case-insensitive).
func ParseWorkerState(v string) (WorkerState, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	for i, name := range workerStateNames {
		if name == v {
			return WorkerState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown worker state %q", v)
}

// Workers is a snapshot of the fleet, keyed by worker id.
type Workers map[WorkerID]WorkerState

// SortedIDs returns the worker ids in ascending order.
func (w Workers) SortedIDs() []WorkerID {
	ids := make([]WorkerID, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Action is the scaling decision for one cycle. It is a closed set:
// NoAction, ScaleUp and ScaleDown are the only implementations.
type Action interface {
	Kind() string
	isAction()
}

// Action kinds, as reported by Action.Kind.
const (
	KindNoAction  = "no_action"
	KindScaleUp   = "scale_up"
	KindScaleDown = "scale_down"
)

// NoAction leaves the fleet untouched.
type NoAction struct{}

// ScaleUp requests WorkersToAdd new workers. WorkersToAdd is always positive.
type ScaleUp struct {
	WorkersToAdd int
}

// ScaleDown requests the given idle workers to be stopped, in order. The list is never empty.
type ScaleDown struct {
	WorkersToStop []WorkerID
}

func (NoAction) Kind() string  { return KindNoAction }
func (ScaleUp) Kind() string   { return KindScaleUp }
func (ScaleDown) Kind() string { return KindScaleDown }

func (NoAction) isAction()  {}
func (ScaleUp) isAction()   {}
func (ScaleDown) isAction() {}

// Result reports the operations the executor confirmed in one cycle.
// Callers must not assume the requested amount was achieved.
type Result struct {
	Action         Action
	WorkersStarted []WorkerID
	WorkersStopped []WorkerID
	StartFailures  int
	StopFailures   int
}
