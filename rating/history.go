package rating

import (
	"errors"
	"fmt"
)

// ErrStepsDecreased is returned when a history entry would go back in time.
var ErrStepsDecreased = errors.New("rating history steps must not decrease")

// History is an agent's rating over its training lifetime, stored as two
// parallel arrays to match the stats file layout.
type History struct {
	Steps  []int64   `json:"steps"`
	Values []float64 `json:"value"`
}

// NewHistory starts a history with a single entry.
func NewHistory(value float64, steps int64) History {
	return History{Steps: []int64{steps}, Values: []float64{value}}
}

func (h *History) Len() int { return len(h.Values) }

// Last returns the most recent rating, or DefaultRating for an empty history.
func (h *History) Last() float64 {
	if len(h.Values) == 0 {
		return DefaultRating
	}
	return h.Values[len(h.Values)-1]
}

// LastSteps returns the step count of the most recent entry.
func (h *History) LastSteps() int64 {
	if len(h.Steps) == 0 {
		return 0
	}
	return h.Steps[len(h.Steps)-1]
}

// Append records a new rating at steps. Equal step counts are allowed since
// an agent may be re-rated without training in between.
func (h *History) Append(steps int64, value float64) error {
	if err := h.Validate(); err != nil {
		return err
	}
	if len(h.Steps) > 0 && steps < h.LastSteps() {
		return fmt.Errorf("append steps=%d after %d: %w", steps, h.LastSteps(), ErrStepsDecreased)
	}
	h.Steps = append(h.Steps, steps)
	h.Values = append(h.Values, value)
	return nil
}

// Reset discards the history and starts again from a single entry.
func (h *History) Reset(value float64, steps int64) {
	h.Steps = []int64{steps}
	h.Values = []float64{value}
}

// Average returns the mean of the last n ratings (all of them if n <= 0 or
// n exceeds the history length).
func (h *History) Average(n int) float64 {
	if len(h.Values) == 0 {
		return DefaultRating
	}
	if n <= 0 || n > len(h.Values) {
		n = len(h.Values)
	}
	sum := 0.0
	for _, v := range h.Values[len(h.Values)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// Validate checks that both arrays line up and steps never decrease.
func (h *History) Validate() error {
	if len(h.Steps) != len(h.Values) {
		return fmt.Errorf("rating history has %d steps but %d values", len(h.Steps), len(h.Values))
	}
	for i := 1; i < len(h.Steps); i++ {
		if h.Steps[i] < h.Steps[i-1] {
			return fmt.Errorf("entry %d: %w", i, ErrStepsDecreased)
		}
	}
	return nil
}
