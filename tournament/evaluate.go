// Package tournament rates a population by playing every agent against
// every other across parallel workers and reconciling their partial rating
// deltas into each agent's history.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/brensch/tankrl/codec"
	"github.com/brensch/tankrl/env"
	"github.com/brensch/tankrl/policy"
	"github.com/brensch/tankrl/rating"
)

// Environment is the part of env.Env an evaluation drives.
type Environment interface {
	Reset(ctx context.Context) (codec.Observation, error)
	Step(ctx context.Context, action codec.Action) (codec.Observation, float64, bool, env.Info, error)
}

// Result summarises a batch of episodes from the agent's side.
type Result struct {
	Wins   int
	Losses int
	// Draws includes episodes cut short by a lost connection.
	Draws     int
	Games     int
	Lost      int
	AvgReward float64
	AvgSteps  float64
}

// Score is the agent's win rate with draws counted as half.
func (r Result) Score() float64 { return rating.Score(r.Wins, r.Losses, r.Games) }

// Episode is one finished game.
type Episode struct {
	Env    int
	Index  int
	Reward float64
	Steps  int
	Winner int
	Lost   bool
}

// Evaluate plays trials episodes of agent spread across envs, one goroutine
// per env. onEpisode, if set, is called after every episode from the
// goroutine that played it.
func Evaluate(ctx context.Context, envs []Environment, agent policy.Policy, trials int, onEpisode func(Episode)) (Result, error) {
	if len(envs) == 0 {
		return Result{}, errors.New("evaluate needs at least one environment")
	}
	if trials <= 0 {
		return Result{}, nil
	}

	var (
		next      atomic.Int64
		mu        sync.Mutex
		res       Result
		sumReward float64
		sumSteps  int
	)
	g, ctx := errgroup.WithContext(ctx)
	for i, e := range envs {
		g.Go(func() error {
			for {
				n := next.Add(1)
				if n > int64(trials) {
					return nil
				}
				ep, err := playEpisode(ctx, e, agent)
				if err != nil {
					return fmt.Errorf("env %d episode %d: %w", i, n, err)
				}
				ep.Env, ep.Index = i, int(n)

				mu.Lock()
				res.Games++
				switch {
				case ep.Lost:
					res.Lost++
					res.Draws++
				case ep.Winner == 0:
					res.Wins++
				case ep.Winner == 1:
					res.Losses++
				default:
					res.Draws++
				}
				sumReward += ep.Reward
				sumSteps += ep.Steps
				mu.Unlock()

				if onEpisode != nil {
					onEpisode(ep)
				}
			}
		})
	}
	err := g.Wait()
	if res.Games > 0 {
		res.AvgReward = sumReward / float64(res.Games)
		res.AvgSteps = float64(sumSteps) / float64(res.Games)
	}
	return res, err
}

func playEpisode(ctx context.Context, e Environment, agent policy.Policy) (Episode, error) {
	obs, err := e.Reset(ctx)
	if err != nil {
		return Episode{}, err
	}
	var total float64
	for {
		if err := ctx.Err(); err != nil {
			return Episode{}, err
		}
		a, err := agent.Predict(obs)
		if err != nil {
			return Episode{}, fmt.Errorf("agent predict: %w", err)
		}
		var (
			r    float64
			done bool
			info env.Info
		)
		obs, r, done, info, err = e.Step(ctx, a)
		if err != nil {
			return Episode{}, err
		}
		total += r
		if done {
			return Episode{Reward: total, Steps: info.Steps, Winner: info.Winner, Lost: info.LostConnection}, nil
		}
	}
}
