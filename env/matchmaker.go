package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/brensch/tankrl/codec"
	"github.com/brensch/tankrl/opponent"
	"github.com/brensch/tankrl/rating"
)

// Candidate is a checkpoint the matchmaker may pick as opponent.
type Candidate struct {
	ID     string
	Path   string
	Rating float64
}

type MatchmakerConfig struct {
	// Rating is the agent's starting rating.
	Rating float64
	K      float64
	// Spread is the rating window opponents are sampled from.
	Spread float64
	Seed   int64
	Logger *slog.Logger
}

// DefaultMatchmakerConfig returns sensible defaults
func DefaultMatchmakerConfig() MatchmakerConfig {
	return MatchmakerConfig{
		Rating: rating.DefaultRating,
		K:      rating.MatchmakingK,
		Spread: 5,
		Seed:   1,
	}
}

// Matchmaker keeps a running rating for the agent and, before every
// episode, swaps in an opponent sampled around it.
type Matchmaker struct {
	env        *Env
	log        *slog.Logger
	cfg        MatchmakerConfig
	tracker    *rating.Tracker
	rng        *rand.Rand
	candidates []Candidate
	cur        int
	started    bool
}

func NewMatchmaker(e *Env, candidates []Candidate, cfg MatchmakerConfig) (*Matchmaker, error) {
	if len(candidates) == 0 {
		return nil, errors.New("matchmaker needs at least one candidate")
	}
	if cfg.Logger == nil {
		cfg.Logger = e.log
	}
	if cfg.Spread <= 0 {
		cfg.Spread = DefaultMatchmakerConfig().Spread
	}
	t := rating.NewTracker(cfg.Rating)
	if cfg.K > 0 {
		t.K = cfg.K
	}
	// The matchmaker owns opponent choice; the pool only plays slot 0.
	e.pool.SetMode(opponent.ModeCurrent)
	return &Matchmaker{
		env:        e,
		log:        cfg.Logger,
		cfg:        cfg,
		tracker:    t,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		candidates: append([]Candidate(nil), candidates...),
	}, nil
}

// Reset scores the previous episode, picks the next opponent and starts
// a new episode.
func (m *Matchmaker) Reset(ctx context.Context) (codec.Observation, error) {
	m.score()
	if err := m.next(); err != nil {
		return codec.Observation{}, err
	}
	obs, err := m.env.Reset(ctx)
	if err != nil {
		return obs, err
	}
	m.started = true
	return obs, nil
}

// Finish scores the last episode played and returns the final rating.
// Reset scores every earlier one.
func (m *Matchmaker) Finish() float64 {
	m.score()
	return m.tracker.Rating
}

func (m *Matchmaker) score() {
	if !m.started {
		return
	}
	m.started = false
	prev := m.candidates[m.cur]
	outcome := rating.OutcomeFromWinner(m.env.LastWinner())
	d := m.tracker.Update(prev.Rating, outcome)
	m.log.Debug("agent rating updated", "opponent", prev.ID, "outcome", outcome, "delta", d, "rating", m.tracker.Rating)
}

func (m *Matchmaker) next() error {
	ratings := make([]float64, len(m.candidates))
	for i, c := range m.candidates {
		ratings[i] = c.Rating
	}
	idx := opponent.Choose(m.rng, opponent.Weights(ratings, m.tracker.Rating, m.cfg.Spread))
	c := m.candidates[idx]
	if _, err := m.env.ReplaceOpponent(0, c.Path, c.Rating); err != nil {
		return fmt.Errorf("matchmaker opponent %s: %w", c.ID, err)
	}
	m.cur = idx
	return nil
}

func (m *Matchmaker) Step(ctx context.Context, action codec.Action) (codec.Observation, float64, bool, Info, error) {
	return m.env.Step(ctx, action)
}

// Rating is the agent's current rating.
func (m *Matchmaker) Rating() float64 { return m.tracker.Rating }

// Current is the candidate playing the current episode.
func (m *Matchmaker) Current() Candidate { return m.candidates[m.cur] }

func (m *Matchmaker) Env() *Env { return m.env }
