package tournament

import (
	"math/rand"
	"slices"

	"github.com/brensch/tankrl/rating"
	"github.com/brensch/tankrl/store"
)

// Contender is a competitor considered for replacement.
type Contender struct {
	ID     string
	Rating float64
	Steps  int64
}

// Replacement retires Loser in favour of a descendant of Winner.
type Replacement struct {
	Winner   string
	Loser    string
	Expected float64
	WinRate  float64
}

// ReplaceConfig holds replacement planning configuration.
type ReplaceConfig struct {
	// WinThresh must be exceeded by both the expected score and the
	// head-to-head win rate of the stronger agent.
	WinThresh float64
	// MinSteps is the training both agents need before either is compared.
	MinSteps int64
	Rand     *rand.Rand
}

// DefaultReplaceConfig returns sensible defaults
func DefaultReplaceConfig() ReplaceConfig {
	return ReplaceConfig{WinThresh: 0.7, MinSteps: 10_000_000}
}

// LoadContenders reads the current rating and step count of every
// competitor in ids. Exploiters are skipped.
func LoadContenders(dir store.Dir, ids []string) ([]Contender, error) {
	competitors, _ := store.SplitExploiters(ids)
	out := make([]Contender, 0, len(competitors))
	for _, id := range competitors {
		s, err := dir.LoadStats(id)
		if err != nil {
			return nil, err
		}
		out = append(out, Contender{ID: id, Rating: s.Rating(), Steps: s.NumSteps})
	}
	return out, nil
}

// Replacements visits every pair of contenders in random order. The higher
// rated side replaces the other when both are trained past MinSteps and it
// is favoured beyond WinThresh both by rating and by its head-to-head win
// rate. An agent is replaced at most once and a replaced agent wins nothing.
// Pairs with no head-to-head record are skipped.
func Replacements(agents []Contender, h2h func(a, b string) (float64, bool), cfg ReplaceConfig) []Replacement {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	type pair struct{ a, b Contender }
	var pairs []pair
	for i, a := range agents {
		for _, b := range agents[i+1:] {
			pairs = append(pairs, pair{a, b})
		}
	}
	rng.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })

	removed := make(map[string]bool)
	var out []Replacement
	for _, p := range pairs {
		a, b := p.a, p.b
		if a.Rating < b.Rating {
			a, b = b, a
		}
		if removed[a.ID] || removed[b.ID] || a.Steps < cfg.MinSteps || b.Steps < cfg.MinSteps {
			continue
		}
		expected := rating.ExpectedScore(a.Rating, b.Rating)
		if expected <= cfg.WinThresh {
			continue
		}
		rate, ok := h2h(a.ID, b.ID)
		if !ok || rate <= cfg.WinThresh {
			continue
		}
		removed[b.ID] = true
		out = append(out, Replacement{Winner: a.ID, Loser: b.ID, Expected: expected, WinRate: rate})
	}
	return out
}

// HeadToHeadLookup indexes query results for Replacements.
func HeadToHeadLookup(records []store.HeadToHead) func(a, b string) (float64, bool) {
	idx := make(map[[2]string]store.HeadToHead, len(records))
	for _, r := range records {
		idx[[2]string{r.Agent, r.Opponent}] = r
	}
	return func(a, b string) (float64, bool) {
		r, ok := idx[[2]string{a, b}]
		if !ok || r.Games == 0 {
			return 0, false
		}
		return r.WinRate(), true
	}
}

// RetireLosers drops every replaced agent and its exploiters from a
// population, keeping the order of the rest.
func RetireLosers(ids []string, reps []Replacement) []string {
	_, exploiters := store.SplitExploiters(ids)
	gone := make(map[string]bool)
	for _, r := range reps {
		for _, id := range withExploiters(r.Loser, exploiters) {
			gone[id] = true
		}
	}
	return slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return gone[id] })
}
