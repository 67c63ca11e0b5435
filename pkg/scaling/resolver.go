package scaling

import (
	"fmt"
	"math/bits"
)

// Resolve computes the scaling action for a single workload/fleet snapshot.
//
// The fleet is sized so that every queued job completes within TargetDuration:
// the required count is ceil(WaitingRequests * AverageJobDuration / TargetDuration).
// Scale-down only ever selects IDLING workers, in ascending WorkerID order, and never
// more than the difference between active and required workers.
func Resolve(workload Workload, workers Workers) (Action, error) {
	return Resolver{}.Resolve(workload, workers)
}

// Resolver resolves scaling actions. The zero value applies no fleet cap.
type Resolver struct {
	// MaxWorkers caps the active fleet size on scale-up. Zero means unbounded.
	MaxWorkers int
}

// Resolve computes the scaling action for the given snapshots. It holds no state and performs no I/O.
func (r Resolver) Resolve(workload Workload, workers Workers) (Action, error) {
	required, err := RequiredWorkers(workload)
	if err != nil {
		return nil, err
	}
	active := ActiveWorkers(workers)

	switch {
	case required < active:
		return resolveScaleDown(active-required, workers), nil
	case active < required:
		add := required - active
		if r.MaxWorkers > 0 && active+add > r.MaxWorkers {
			add = r.MaxWorkers - active
		}
		if add <= 0 {
			return NoAction{}, nil
		}
		return ScaleUp{WorkersToAdd: add}, nil
	default:
		return NoAction{}, nil
	}
}

// RequiredWorkers returns how many workers are needed to drain the workload within TargetDuration.
// A fractional remainder always rounds up.
func RequiredWorkers(workload Workload) (int, error) {
	if err := workload.Validate(); err != nil {
		return 0, err
	}
	// 128-bit product keeps large backlogs from overflowing time.Duration.
	hi, lo := bits.Mul64(uint64(workload.WaitingRequests), uint64(workload.AverageJobDuration))
	target := uint64(TargetDuration)
	if hi >= target {
		return 0, fmt.Errorf("%w: workload too large (%d x %s)", ErrInvalidWorkload, workload.WaitingRequests, workload.AverageJobDuration)
	}
	fullyLoaded, remainder := bits.Div64(hi, lo, target)
	if remainder > 0 {
		fullyLoaded++
	}
	if fullyLoaded > uint64(maxInt) {
		return 0, fmt.Errorf("%w: required workers overflow", ErrInvalidWorkload)
	}
	return int(fullyLoaded), nil
}

// ActiveWorkers counts the workers in an active state.
func ActiveWorkers(workers Workers) int {
	n := 0
	for _, state := range workers {
		if state.IsActive() {
			n++
		}
	}
	return n
}

func resolveScaleDown(maxShutdown int, workers Workers) Action {
	toStop := make([]WorkerID, 0, maxShutdown)
	for _, id := range workers.SortedIDs() {
		if len(toStop) == maxShutdown {
			break
		}
		if workers[id] == Idling {
			toStop = append(toStop, id)
		}
	}
	if len(toStop) == 0 {
		return NoAction{}
	}
	return ScaleDown{WorkersToStop: toStop}
}

const maxInt = int(^uint(0) >> 1)
