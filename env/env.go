// Package env is the environment an agent trains or is evaluated in: one
// simulator session, one observation codec and the opponents it plays.
package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brensch/tankrl/codec"
	"github.com/brensch/tankrl/opponent"
	"github.com/brensch/tankrl/policy"
	"github.com/brensch/tankrl/rating"
	"github.com/brensch/tankrl/session"
)

// OpponentSpec names a checkpoint to load when the environment is created.
type OpponentSpec struct {
	Path   string
	Rating float64
}

// Config holds environment configuration.
type Config struct {
	Session session.Config

	// ImageBased switches observations from the raw vector to a raster.
	ImageBased bool
	// LevelPath is the level file drawn into raster observations. Empty uses
	// codec.DefaultLevel.
	LevelPath string
	// P is the agent's pixel scale; OppP the opponent's (0 means P).
	P    int
	OppP int

	// EloMatch samples opponents around Pool.Center every reset. Otherwise
	// the current opponent keeps playing, or opponents take turns when
	// RoundRobin is set.
	EloMatch       bool
	RoundRobin     bool
	RandomOpponent bool
	Survivor       bool
	TimeReward     float64

	Pool      opponent.Config
	Opponents []OpponentSpec

	Seed   int64
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
		P:       codec.DefaultPixelScale,
		Pool:    opponent.DefaultConfig(),
		Seed:    1,
	}
}

// Info describes the transition returned by Step.
type Info struct {
	// Winner is the wire winner: 0 agent, 1 opponent, -1 none.
	Winner         int
	HasWinner      bool
	LostConnection bool
	// Opponent is the ID of the opponent that played, empty for the random
	// opponent.
	Opponent string
	Steps    int
}

// Env plays the agent as player 1 against the pool's current opponent.
// It is not safe for concurrent use.
type Env struct {
	cfg    Config
	log    *slog.Logger
	sess   *session.Session
	enc    codec.Encoder
	pool   *opponent.Pool
	random *policy.Random

	opp        *opponent.Record
	lastObs    codec.Observation
	lastRaw    []float64
	lastWinner int
	episodes   int
}

// New builds the codec and opponent pool, loads cfg.Opponents and connects
// to the simulator. Anything created is released again on failure.
func New(ctx context.Context, cfg Config, load policy.Loader) (*Env, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	enc, err := newEncoder(cfg)
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.EloMatch:
		cfg.Pool.Mode = opponent.ModeWeighted
	case cfg.RoundRobin:
		cfg.Pool.Mode = opponent.ModeRoundRobin
	default:
		cfg.Pool.Mode = opponent.ModeCurrent
	}
	if cfg.Pool.Seed == 0 {
		cfg.Pool.Seed = cfg.Seed
	}

	e := &Env{
		cfg:        cfg,
		log:        cfg.Logger.With("game_port", cfg.Session.GamePort),
		enc:        enc,
		pool:       opponent.NewPool(cfg.Pool, load),
		random:     policy.NewRandom(cfg.Seed),
		lastWinner: -1,
	}
	if !cfg.RandomOpponent {
		for _, o := range cfg.Opponents {
			if _, err := e.pool.Load(o.Path, o.Rating); err != nil {
				e.pool.Unload()
				return nil, err
			}
		}
	}

	sess, err := session.Dial(ctx, cfg.Session)
	if err != nil {
		e.pool.Unload()
		return nil, err
	}
	e.sess = sess
	return e, nil
}

func newEncoder(cfg Config) (codec.Encoder, error) {
	if !cfg.ImageBased {
		return codec.VectorCodec{}, nil
	}
	level := codec.DefaultLevel()
	if cfg.LevelPath != "" {
		l, err := codec.LoadLevel(cfg.LevelPath)
		if err != nil {
			return nil, err
		}
		level = l
	}
	p := cfg.P
	if p <= 0 {
		p = codec.DefaultPixelScale
	}
	return codec.NewRasterCodec(level, p, cfg.OppP)
}

// Reset picks the opponent for the next episode and starts it.
func (e *Env) Reset(ctx context.Context) (codec.Observation, error) {
	if e.cfg.RandomOpponent {
		e.opp = nil
	} else {
		rec, err := e.pool.Select()
		if err != nil {
			return codec.Observation{}, err
		}
		e.opp = rec
	}

	raw, err := e.sess.ResetEpisode(ctx)
	if err != nil {
		return codec.Observation{}, fmt.Errorf("reset episode: %w", err)
	}
	obs, err := e.enc.Encode(raw)
	if err != nil {
		return codec.Observation{}, err
	}
	e.lastObs, e.lastRaw = obs, raw
	e.episodes++
	if e.opp != nil {
		e.log.Debug("episode started", "episode", e.episodes, "opponent", e.opp.ID, "opponent_rating", e.opp.Rating)
	}
	return obs, nil
}

// Step plays one tick. A lost connection ends the episode with zero reward
// and the previous observation.
func (e *Env) Step(ctx context.Context, action codec.Action) (codec.Observation, float64, bool, Info, error) {
	if e.lastObs.IsZero() {
		return codec.Observation{}, 0, false, Info{}, errors.New("step before reset")
	}
	info := Info{Winner: -1}
	var opp policy.Policy = e.random
	if e.opp != nil {
		opp = e.opp.Policy
		info.Opponent = e.opp.ID
	}

	oppObs, err := e.enc.Opponent(e.lastObs, e.lastRaw)
	if err != nil {
		return codec.Observation{}, 0, false, info, fmt.Errorf("opponent observation: %w", err)
	}
	oppAction, err := opp.Predict(oppObs)
	if err != nil {
		return codec.Observation{}, 0, false, info, fmt.Errorf("opponent predict: %w", err)
	}

	tr, err := e.sess.Step(ctx, action.Clip().Slice(), oppAction.Clip().Slice())
	if err != nil {
		return codec.Observation{}, 0, false, info, err
	}
	info.Steps = tr.Steps
	if tr.LostConnection {
		info.LostConnection = true
		e.lastWinner = -1
		return e.lastObs, 0, true, info, nil
	}

	obs, err := e.enc.Encode(tr.State)
	if err != nil {
		return codec.Observation{}, 0, false, info, err
	}
	e.lastObs, e.lastRaw = obs, tr.State

	reward, done := e.reward(tr)
	info.Winner, info.HasWinner = tr.Winner, tr.HasWinner
	if done {
		e.lastWinner = tr.Winner
		e.pool.RecordOutcome(rating.OutcomeFromWinner(tr.Winner))
	}
	return obs, reward, done, info, nil
}

func (e *Env) reward(tr session.Transition) (float64, bool) {
	reward := e.cfg.TimeReward
	done := tr.Done || tr.HasWinner
	if tr.HasWinner {
		switch tr.Winner {
		case 0:
			reward = 1
		case 1:
			reward = -1
		}
	}
	if e.cfg.Survivor && done {
		if tr.HasWinner {
			reward = -1
		} else {
			reward = 1
		}
	}
	return reward, done
}

// LoadOpponent adds an opponent to the pool and makes it current.
func (e *Env) LoadOpponent(path string, r float64) (*opponent.Record, error) {
	return e.pool.Load(path, r)
}

// ReplaceOpponent loads an opponent into slot idx and makes it current.
func (e *Env) ReplaceOpponent(idx int, path string, r float64) (*opponent.Record, error) {
	return e.pool.Replace(idx, path, r)
}

func (e *Env) UnloadOpponents() error {
	e.opp = nil
	return e.pool.Unload()
}

// NextOpponent makes the following pool entry current.
func (e *Env) NextOpponent() (*opponent.Record, error) {
	return e.pool.Next()
}

// LastWinner is the winner of the last finished episode, -1 when there was
// none or the episode was cut short.
func (e *Env) LastWinner() int { return e.lastWinner }

// Episodes counts resets.
func (e *Env) Episodes() int { return e.episodes }

// Opponent is the record playing the current episode, nil when the random
// policy plays.
func (e *Env) Opponent() *opponent.Record { return e.opp }

func (e *Env) Pool() *opponent.Pool { return e.pool }

func (e *Env) Session() *session.Session { return e.sess }

// KillCompanion kills the simulator process. It may be called from another
// goroutine.
func (e *Env) KillCompanion() error { return e.sess.KillCompanion() }

// Close ends the session and closes every loaded opponent.
func (e *Env) Close() error {
	e.opp = nil
	return errors.Join(e.sess.Close(), e.pool.Unload())
}
