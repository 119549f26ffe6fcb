package tournament

import (
	"errors"
	"time"

	"github.com/brensch/tankrl/session"
)

// Exit codes shared by the binaries and the supervisor.
const (
	ExitOK = 0
	// ExitLogic is a failure that retrying will not fix.
	ExitLogic = 1
	// ExitConnection is a simulator connection failure; the job may be
	// retried.
	ExitConnection = 75
)

// ExitCode maps an error from a tournament job to a process exit code.
func ExitCode(err error) int {
	var setup *session.ConnectionSetupError
	var lost *session.ConnectionLostError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &setup), errors.As(err, &lost):
		return ExitConnection
	default:
		return ExitLogic
	}
}

type EventKind int

const (
	EventPairingStarted EventKind = iota
	EventEpisode
	EventPairingFinished
	EventPairingResumed
	EventWorkerDone
)

func (k EventKind) String() string {
	switch k {
	case EventPairingStarted:
		return "started"
	case EventEpisode:
		return "episode"
	case EventPairingFinished:
		return "finished"
	case EventPairingResumed:
		return "resumed"
	case EventWorkerDone:
		return "done"
	}
	return "unknown"
}

// Event reports worker progress to a dashboard.
type Event struct {
	Kind     EventKind
	Worker   int
	Agent    string
	Opponent string
	// Pairing counts from 1 within the worker's schedule of Total pairings.
	Pairing int
	Total   int
	Episode Episode
	Result  Result
	Delta   int
	Err     error
	Time    time.Time
}

// emit never blocks; progress is dropped when nobody is reading.
func emit(ch chan<- Event, ev Event) {
	if ch == nil {
		return
	}
	ev.Time = time.Now()
	select {
	case ch <- ev:
	default:
	}
}
