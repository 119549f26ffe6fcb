package tournament

import (
	"log/slog"
	"strconv"

	"github.com/brensch/tankrl/rating"
	"github.com/brensch/tankrl/store"
)

// Update is one agent's consolidated rating change.
type Update struct {
	Agent  string
	Before float64
	After  float64
	Delta  int
	Steps  int64
}

// Consolidate sums the delta files of workers 1..n for every agent in ids
// and appends one history entry per agent. Every file is read and checked
// before any stats file is written; a missing or unreadable delta aborts
// with a *rating.ConsolidationError and leaves the stats untouched.
func Consolidate(dir store.Dir, ids []string, n int, log *slog.Logger) ([]Update, error) {
	if log == nil {
		log = slog.Default()
	}
	type pending struct {
		id    string
		stats *store.AgentStats
	}
	var (
		all     []pending
		updates []Update
	)
	for _, id := range ids {
		s, err := dir.LoadStats(id)
		if err != nil {
			return nil, &rating.ConsolidationError{Agent: id, Reason: "load stats", Err: err}
		}
		c := rating.NewConsolidator(id, n)
		for worker := 1; worker <= n; worker++ {
			d, err := dir.ReadDelta(id, worker)
			if err != nil {
				return nil, &rating.ConsolidationError{Agent: id, Reason: "read delta of worker " + strconv.Itoa(worker), Err: err}
			}
			if err := c.Add(worker, d); err != nil {
				return nil, err
			}
		}
		before := s.Rating()
		if _, err := c.Apply(&s.Elo, s.NumSteps); err != nil {
			return nil, err
		}
		total, _ := c.Total()
		s.LastEloChangeSteps = s.NumSteps
		if !s.IsExploiter() {
			consolidatePerformance(&s.Performance, s.NumSteps)
		}
		all = append(all, pending{id: id, stats: s})
		updates = append(updates, Update{Agent: id, Before: before, After: s.Elo.Last(), Delta: total, Steps: s.NumSteps})
	}

	for _, p := range all {
		if err := dir.SaveStats(p.id, p.stats); err != nil {
			return nil, err
		}
	}
	for _, u := range updates {
		log.Info("consolidated rating", "agent", u.Agent, "before", u.Before, "after", u.After, "delta", u.Delta)
	}
	return updates, nil
}

// consolidatePerformance merges the trailing evaluation entries recorded at
// the agent's current step count into a single averaged entry.
func consolidatePerformance(p *store.Performance, numSteps int64) {
	n := len(p.TrainedSteps)
	if n == 0 || len(p.AvgReward) != n || len(p.AvgSteps) != n {
		return
	}
	end := n - 1
	for end > 0 && p.TrainedSteps[end-1] == numSteps {
		end--
	}
	p.TrainedSteps = p.TrainedSteps[:end+1]
	p.AvgReward = append(p.AvgReward[:end:end], mean(p.AvgReward[end:]))
	p.AvgSteps = append(p.AvgSteps[:end:end], mean(p.AvgSteps[end:]))
}

func mean(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
