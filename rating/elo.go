// Package rating implements the ELO arithmetic used to rate agents against
// each other: expected scores, per-side rating deltas, rating histories and
// the consolidation of partial deltas computed by parallel tournament workers.
package rating

import "math"

// DefaultRating is the rating given to an agent with no history.
const DefaultRating = 1000

const (
	// TournamentK is the K factor used for population tournaments.
	TournamentK = 32
	// MatchmakingK is the K factor used when tracking a single agent's rating
	// during AI matchmaking.
	MatchmakingK = 16
)

// Outcome is the result of one episode.
type Outcome int

const (
	NoWinner Outcome = iota
	Player1Win
	Player2Win
)

// OutcomeFromWinner maps the simulator's winner index (0, 1 or -1) to an Outcome.
func OutcomeFromWinner(winner int) Outcome {
	switch winner {
	case 0:
		return Player1Win
	case 1:
		return Player2Win
	default:
		return NoWinner
	}
}

func (o Outcome) String() string {
	switch o {
	case Player1Win:
		return "player1"
	case Player2Win:
		return "player2"
	default:
		return "draw"
	}
}

// Observed returns player 1's observed score for the outcome: 1 for a win,
// 0 for a loss and 0.5 for a draw.
func (o Outcome) Observed() float64 {
	switch o {
	case Player1Win:
		return 1
	case Player2Win:
		return 0
	default:
		return 0.5
	}
}

// ExpectedScore is the probability that a player rated a beats a player rated b.
func ExpectedScore(a, b float64) float64 {
	return 1 / (1 + math.Pow(10, (b-a)/400))
}

// Delta returns the rating changes for both sides after A scored observedA
// against B. Each side is computed from its own expected score, so the two
// deltas are not forced to cancel out after rounding.
func Delta(a, b, k, observedA float64) (deltaA, deltaB int) {
	expectedA := ExpectedScore(a, b)
	expectedB := ExpectedScore(b, a)

	deltaA = int(math.RoundToEven(k * (observedA - expectedA)))
	deltaB = int(math.RoundToEven(k * ((1 - observedA) - expectedB)))
	return deltaA, deltaB
}

// Score is the win rate over a set of games with draws counted as half a win.
// It returns 0.5 when no games were played.
func Score(wins, losses, games int) float64 {
	if games <= 0 {
		return 0.5
	}
	draws := games - wins - losses
	if draws < 0 {
		draws = 0
	}
	return (float64(wins) + 0.5*float64(draws)) / float64(games)
}

// Tracker follows a single agent's rating match by match, applying only the
// agent's side of each delta.
type Tracker struct {
	Rating float64
	K      float64
}

// NewTracker returns a tracker starting at rating with the matchmaking K.
func NewTracker(rating float64) *Tracker {
	return &Tracker{Rating: rating, K: MatchmakingK}
}

// Update applies the result of one match against an opponent and returns the
// applied delta. The agent is player 1.
func (t *Tracker) Update(opponent float64, outcome Outcome) int {
	k := t.K
	if k <= 0 {
		k = MatchmakingK
	}
	d, _ := Delta(t.Rating, opponent, k, outcome.Observed())
	t.Rating += float64(d)
	return d
}
