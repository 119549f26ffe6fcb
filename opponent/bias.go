package opponent

import "github.com/brensch/tankrl/rating"

// Bias is a target ratio of agent wins to losses. Selection is skewed
// towards whichever outcome is behind the ratio. The zero value disables it.
type Bias struct {
	Wins   int
	Losses int
}

func (b Bias) enabled() bool { return b.Wins > 0 && b.Losses > 0 }

// tally counts wins and losses since the ratio was last satisfied.
type tally struct {
	wins   int
	losses int
}

// need is positive when more losses are needed and negative when more wins
// are needed.
func (t tally) need(b Bias) int {
	if !b.enabled() {
		return 0
	}
	return t.wins*b.Losses - t.losses*b.Wins
}

func (t *tally) record(o rating.Outcome, b Bias) {
	if !b.enabled() {
		return
	}
	switch o {
	case rating.Player1Win:
		t.wins++
	case rating.Player2Win:
		t.losses++
	default:
		return
	}
	if t.need(b) == 0 {
		t.wins, t.losses = 0, 0
	}
}

// mask zeroes the weights of opponents that would not move the tally
// towards the ratio.
func (t tally) mask(w, ratings []float64, center float64, b Bias) {
	n := t.need(b)
	for i, r := range ratings {
		switch {
		case n > 0 && r < center:
			w[i] = 0
		case n < 0 && r > center:
			w[i] = 0
		}
	}
}

// fallback picks the strongest opponent when losses are needed and the
// weakest when wins are needed.
func (t tally) fallback(ratings []float64, b Bias) (int, bool) {
	n := t.need(b)
	if n == 0 || len(ratings) == 0 {
		return 0, false
	}
	best := 0
	for i, r := range ratings {
		if (n > 0 && r > ratings[best]) || (n < 0 && r < ratings[best]) {
			best = i
		}
	}
	return best, true
}
