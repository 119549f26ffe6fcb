package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/brensch/tankrl/env"
	"github.com/brensch/tankrl/opponent"
	"github.com/brensch/tankrl/policy"
	"github.com/brensch/tankrl/rating"
	"github.com/brensch/tankrl/tournament"
)

func runEvaluate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	agentPath := fs.String("agent", getEnvOrDefault("agent", ""), "Agent checkpoint (.onnx)")
	opponents := fs.String("opponents", getEnvOrDefault("opponents", ""), "Comma separated opponent checkpoints, each optionally path@rating")
	modelDir := fs.String("model-dir", getEnvOrDefault("model-dir", ""), "Take opponents from this model directory's population instead")
	popPath := fs.String("population", getEnvOrDefault("population", ""), "Population file (default <model-dir>/population.txt)")
	avgLen := fs.Int("avg-len", getEnvIntOrDefault("avg-len", 5), "Population opponents are rated by the mean of their last avg-len ratings (0 uses the whole history)")
	selectMode := fs.String("select", getEnvOrDefault("select", "round-robin"), "Opponent selection: weighted, round-robin or current")
	center := fs.Float64("center", getEnvFloatOrDefault("center", rating.DefaultRating), "Rating weighted selection centres on")
	spread := fs.Float64("spread", getEnvFloatOrDefault("spread", opponent.DefaultSpread), "Rating spread of weighted selection")
	random := fs.Bool("random-opponent", getEnvBoolOrDefault("random-opponent", false), "Play a uniformly random opponent")
	trials := fs.Int("num-trials", getEnvIntOrDefault("num-trials", 50), "Episodes to play")
	port := fs.Int("port", getEnvIntOrDefault("port", 50000), "Simulator port of the first environment")
	numEnvs := fs.Int("num-envs", getEnvIntOrDefault("num-envs", 1), "Parallel environments on consecutive ports")
	lf := addLogFlags(fs)
	ef := addEnvFlags(fs)
	fs.Parse(args)
	logger := lf.logger(os.Stderr)

	if *agentPath == "" {
		log.Fatalf("-agent is required")
	}
	mode, err := opponent.ParseMode(*selectMode)
	if err != nil {
		log.Fatalf("Invalid -select: %v", err)
	}
	specs, err := parseOpponents(*opponents)
	if err != nil {
		log.Fatalf("Invalid -opponents: %v", err)
	}
	if *modelDir != "" {
		cands, err := populationOpponents(*modelDir, *popPath, *agentPath, *avgLen)
		if err != nil {
			log.Fatalf("Failed to load population opponents: %v", err)
		}
		for _, c := range cands {
			specs = append(specs, env.OpponentSpec{Path: c.Path, Rating: c.Rating})
		}
	}
	if len(specs) == 0 && !*random {
		log.Fatalf("No opponents: set -opponents, -model-dir or -random-opponent")
	}

	base, err := ef.config(logger)
	if err != nil {
		log.Fatalf("Invalid environment flags: %v", err)
	}
	base.Opponents = specs
	base.RandomOpponent = *random
	base.EloMatch = mode == opponent.ModeWeighted
	base.RoundRobin = mode == opponent.ModeRoundRobin
	base.Pool.Center = *center
	base.Pool.Spread = *spread
	base.Session.LocalPort = -1
	loader := ef.loader(logger)

	agent, err := loader(*agentPath)
	if err != nil {
		log.Fatalf("Failed to load agent: %v", err)
	}
	defer policy.Close(agent)

	var envs []tournament.Environment
	for i := 0; i < *numEnvs; i++ {
		cfg := base
		cfg.Session.GamePort = *port + i
		cfg.Seed = base.Seed + int64(i)
		e, err := env.New(ctx, cfg, loader)
		if err != nil {
			log.Printf("Failed to open env %d: %v", i, err)
			return tournament.ExitCode(err)
		}
		defer e.Close()
		envs = append(envs, e)
	}

	log.Printf("Evaluating %s against %d opponents over %d episodes", *agentPath, len(specs), *trials)
	res, err := tournament.Evaluate(ctx, envs, agent, *trials, func(ep tournament.Episode) {
		logger.Debug("episode", "env", ep.Env, "index", ep.Index, "winner", ep.Winner, "reward", ep.Reward, "steps", ep.Steps, "lost", ep.Lost)
	})
	if err != nil {
		log.Printf("Evaluation failed: %v", err)
		return tournament.ExitCode(err)
	}
	log.Printf("Result: games=%d wins=%d losses=%d draws=%d lost_connections=%d", res.Games, res.Wins, res.Losses, res.Draws, res.Lost)
	log.Printf("  Score: %.3f  Avg reward: %.3f  Avg steps: %.1f", res.Score(), res.AvgReward, res.AvgSteps)
	return tournament.ExitOK
}
