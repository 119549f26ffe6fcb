package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/brensch/tankrl/env"
	"github.com/brensch/tankrl/policy"
	"github.com/brensch/tankrl/tournament"
)

// runMatchmake plays an agent against population members sampled around
// its running rating, one opponent per episode.
func runMatchmake(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("matchmake", flag.ExitOnError)
	d := env.DefaultMatchmakerConfig()
	agentPath := fs.String("agent", getEnvOrDefault("agent", ""), "Agent checkpoint (.onnx)")
	modelDir := fs.String("model-dir", getEnvOrDefault("model-dir", "models"), "Base directory for agent models")
	popPath := fs.String("population", getEnvOrDefault("population", ""), "Population file (default <model-dir>/population.txt)")
	avgLen := fs.Int("avg-len", getEnvIntOrDefault("avg-len", 5), "Population opponents are rated by the mean of their last avg-len ratings (0 uses the whole history)")
	startRating := fs.Float64("rating", getEnvFloatOrDefault("rating", d.Rating), "Agent's starting rating")
	k := fs.Float64("k", getEnvFloatOrDefault("k", d.K), "Rating K factor")
	spread := fs.Float64("spread", getEnvFloatOrDefault("spread", d.Spread), "Rating spread opponents are sampled from")
	episodes := fs.Int("episodes", getEnvIntOrDefault("episodes", 100), "Episodes to play")
	port := fs.Int("port", getEnvIntOrDefault("port", 50000), "Simulator port")
	seed := fs.Int64("seed", int64(getEnvIntOrDefault("seed", int(d.Seed))), "Opponent sampling seed")
	lf := addLogFlags(fs)
	ef := addEnvFlags(fs)
	fs.Parse(args)
	logger := lf.logger(os.Stderr)

	if *agentPath == "" {
		log.Fatalf("-agent is required")
	}
	cands, err := populationOpponents(*modelDir, *popPath, *agentPath, *avgLen)
	if err != nil {
		log.Fatalf("Failed to load population: %v", err)
	}
	cfg, err := ef.config(logger)
	if err != nil {
		log.Fatalf("Invalid environment flags: %v", err)
	}
	cfg.Session.GamePort = *port
	cfg.Pool.Capacity = 1
	loader := ef.loader(logger)

	agent, err := loader(*agentPath)
	if err != nil {
		log.Fatalf("Failed to load agent: %v", err)
	}
	defer policy.Close(agent)

	e, err := env.New(ctx, cfg, loader)
	if err != nil {
		log.Printf("Failed to open env: %v", err)
		return tournament.ExitCode(err)
	}
	defer e.Close()

	mcfg := d
	mcfg.Rating, mcfg.K, mcfg.Spread, mcfg.Seed = *startRating, *k, *spread, *seed
	mcfg.Logger = logger
	mm, err := env.NewMatchmaker(e, cands, mcfg)
	if err != nil {
		log.Fatalf("Failed to create matchmaker: %v", err)
	}

	log.Printf("Matchmaking %s against %d candidates, starting at %.0f", *agentPath, len(cands), *startRating)
	// Episodes run one at a time so each is scored before the next pick.
	res, err := tournament.Evaluate(ctx, []tournament.Environment{mm}, agent, *episodes, func(ep tournament.Episode) {
		if ep.Index%10 == 0 {
			log.Printf("Episode %d: rating %.0f", ep.Index, mm.Rating())
		}
	})
	final := mm.Finish()
	if err != nil {
		log.Printf("Matchmaking failed at rating %.0f: %v", final, err)
		return tournament.ExitCode(err)
	}
	log.Printf("Result: games=%d wins=%d losses=%d draws=%d lost_connections=%d", res.Games, res.Wins, res.Losses, res.Draws, res.Lost)
	log.Printf("Final rating: %.0f", final)
	return tournament.ExitOK
}
