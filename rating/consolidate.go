package rating

import (
	"fmt"
	"strings"
)

// ConsolidationError reports partial worker deltas that cannot be merged
// into a trustworthy rating. Nothing should be persisted when one is returned.
type ConsolidationError struct {
	Agent  string
	Reason string
	Err    error
}

func (e *ConsolidationError) Error() string {
	msg := "rating consolidation"
	if e.Agent != "" {
		msg += " for " + e.Agent
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConsolidationError) Unwrap() error { return e.Err }

// Consolidate applies the sum of all partial deltas to the last rating once.
func Consolidate(last float64, deltas ...int) float64 {
	sum := 0
	for _, d := range deltas {
		sum += d
	}
	return last + float64(sum)
}

// Consolidator collects one delta per worker (1..Workers) for a single agent.
type Consolidator struct {
	Agent   string
	Workers int

	deltas map[int]int
}

func NewConsolidator(agent string, workers int) *Consolidator {
	return &Consolidator{Agent: agent, Workers: workers, deltas: make(map[int]int, workers)}
}

// Add records worker's partial delta.
func (c *Consolidator) Add(worker, delta int) error {
	if worker < 1 || worker > c.Workers {
		return &ConsolidationError{Agent: c.Agent, Reason: fmt.Sprintf("worker %d outside 1..%d", worker, c.Workers)}
	}
	if _, ok := c.deltas[worker]; ok {
		return &ConsolidationError{Agent: c.Agent, Reason: fmt.Sprintf("duplicate delta from worker %d", worker)}
	}
	c.deltas[worker] = delta
	return nil
}

// Missing lists workers that have not reported yet.
func (c *Consolidator) Missing() []int {
	var missing []int
	for w := 1; w <= c.Workers; w++ {
		if _, ok := c.deltas[w]; !ok {
			missing = append(missing, w)
		}
	}
	return missing
}

// Total returns the summed delta once every worker has reported.
func (c *Consolidator) Total() (int, error) {
	if c.Workers < 1 {
		return 0, &ConsolidationError{Agent: c.Agent, Reason: "no workers configured"}
	}
	if missing := c.Missing(); len(missing) > 0 {
		ws := make([]string, len(missing))
		for i, w := range missing {
			ws[i] = fmt.Sprint(w)
		}
		return 0, &ConsolidationError{Agent: c.Agent, Reason: "missing deltas from workers " + strings.Join(ws, ",")}
	}
	sum := 0
	for _, d := range c.deltas {
		sum += d
	}
	return sum, nil
}

// Apply appends the consolidated rating to h at steps.
func (c *Consolidator) Apply(h *History, steps int64) (float64, error) {
	total, err := c.Total()
	if err != nil {
		return 0, err
	}
	next := Consolidate(h.Last(), total)
	if err := h.Append(steps, next); err != nil {
		return 0, &ConsolidationError{Agent: c.Agent, Reason: "append history", Err: err}
	}
	return next, nil
}
