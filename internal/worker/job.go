package worker

import "errors"

// Job is one unit of background work. Owner decides fairness: owners take
// turns, so one user's backlog cannot starve another's.
type Job struct {
	Owner string
	Kind  string
	Run   func()

	stop bool
}

var (
	ErrQueueFull = errors.New("job queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)
