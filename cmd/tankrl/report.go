package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/brensch/tankrl/store"
	"github.com/brensch/tankrl/tournament"
)

// runReport prints standings over the match logs and, with -replace, the
// replacements the latest ratings and head-to-head records call for.
func runReport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	rd := tournament.DefaultReplaceConfig()
	modelDir := fs.String("model-dir", getEnvOrDefault("model-dir", "models"), "Base directory for agent models")
	extra := fs.String("matches", getEnvOrDefault("matches", ""), "Extra comma separated directories of match logs")
	round := fs.String("round", getEnvOrDefault("round", "latest"), "Round to report: latest, all, or a round tag")
	replace := fs.Bool("replace", getEnvBoolOrDefault("replace", false), "Plan replacements of weak agents by strong ones")
	winThresh := fs.Float64("win-thresh", getEnvFloatOrDefault("win-thresh", rd.WinThresh), "Expected score and head-to-head win rate a replacement must exceed")
	minSteps := fs.Int64("min-steps", int64(getEnvIntOrDefault("min-steps", int(rd.MinSteps))), "Training steps both agents need before a replacement")
	apply := fs.Bool("apply", getEnvBoolOrDefault("apply", false), "Remove replaced agents and their exploiters from the population file")
	popPath := fs.String("population", getEnvOrDefault("population", ""), "Population file (default <model-dir>/population.txt)")
	seed := fs.Int64("seed", int64(getEnvIntOrDefault("seed", 1)), "Seed for the order pairs are considered in")
	lf := addLogFlags(fs)
	fs.Parse(args)
	lf.logger(os.Stderr)

	dir := store.Dir{Root: *modelDir}
	roots := append([]string{dir.MatchLogDir()}, splitList(*extra)...)
	db, err := store.OpenMatchDB(roots...)
	if err != nil {
		log.Fatalf("Failed to open match logs: %v", err)
	}
	defer db.Close()

	tag := *round
	switch tag {
	case "all":
		tag = ""
	case "latest":
		if tag, err = store.LatestRound(ctx, db); err != nil {
			log.Fatalf("Failed to find latest round: %v", err)
		}
	}
	standings, err := store.QueryStandings(ctx, db, tag)
	if err != nil {
		log.Fatalf("Failed to query standings: %v", err)
	}
	if tag == "" {
		fmt.Println("Standings over all rounds")
	} else {
		fmt.Printf("Standings for round %s\n", tag)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tGAMES\tWINS\tLOSSES\tDRAWS\tLOST\tWIN RATE\tDELTA")
	for _, s := range standings {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%.3f\t%+d\n", s.Agent, s.Games, s.Wins, s.Losses, s.Draws, s.Lost, s.WinRate(), s.Delta)
	}
	tw.Flush()

	if !*replace {
		return tournament.ExitOK
	}
	if *popPath == "" {
		*popPath = filepath.Join(*modelDir, "population.txt")
	}
	ids, err := store.LoadPopulation(*popPath)
	if err != nil {
		log.Fatalf("Failed to load population: %v", err)
	}
	contenders, err := tournament.LoadContenders(dir, ids)
	if err != nil {
		log.Fatalf("Failed to load contenders: %v", err)
	}
	h2h, err := store.QueryHeadToHead(ctx, db, tag)
	if err != nil {
		log.Fatalf("Failed to query head to head: %v", err)
	}
	cfg := rd
	cfg.WinThresh, cfg.MinSteps = *winThresh, *minSteps
	cfg.Rand = rand.New(rand.NewSource(*seed))
	reps := tournament.Replacements(contenders, tournament.HeadToHeadLookup(h2h), cfg)
	if len(reps) == 0 {
		fmt.Println("\nNo viable replacements at this time")
		return tournament.ExitOK
	}
	fmt.Println("\nReplacements")
	for _, r := range reps {
		fmt.Printf("  %s replaces %s (expected %.3f, head to head %.3f)\n", r.Winner, r.Loser, r.Expected, r.WinRate)
	}
	if *apply {
		kept := tournament.RetireLosers(ids, reps)
		if err := store.SavePopulation(*popPath, kept); err != nil {
			log.Fatalf("Failed to rewrite population: %v", err)
		}
		log.Printf("Rewrote %s: %d -> %d agents", *popPath, len(ids), len(kept))
	}
	return tournament.ExitOK
}
