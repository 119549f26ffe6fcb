package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/brensch/tankrl/store"
	"github.com/brensch/tankrl/tournament"
)

func runConsolidate(_ context.Context, args []string) int {
	fs := flag.NewFlagSet("consolidate", flag.ExitOnError)
	modelDir := fs.String("model-dir", getEnvOrDefault("model-dir", "models"), "Base directory for agent models")
	popPath := fs.String("population", getEnvOrDefault("population", ""), "Population file (default <model-dir>/population.txt)")
	n := fs.Int("n", getEnvIntOrDefault("n", 0), "Number of partitions to consolidate, from 1 to N")
	clean := fs.Bool("clean", getEnvBoolOrDefault("clean", false), "Delete the worker delta files once consolidated")
	lf := addLogFlags(fs)
	fs.Parse(args)
	logger := lf.logger(os.Stderr)

	if fi, err := os.Stat(*modelDir); err != nil || !fi.IsDir() {
		log.Fatalf("Base directory for agent models is not a folder: %s", *modelDir)
	}
	if *n < 1 {
		log.Fatalf("-n must be at least 1")
	}
	if *popPath == "" {
		*popPath = filepath.Join(*modelDir, "population.txt")
	}
	ids, err := store.LoadPopulation(*popPath)
	if err != nil {
		log.Fatalf("Failed to load population: %v", err)
	}
	log.Printf("Consolidating %d agents from %d workers", len(ids), *n)

	dir := store.Dir{Root: *modelDir}
	updates, err := tournament.Consolidate(dir, ids, *n, logger)
	if err != nil {
		log.Printf("Consolidation failed, no stats were written: %v", err)
		return tournament.ExitLogic
	}
	for _, u := range updates {
		log.Printf("  %-32s %8.1f -> %8.1f (%+d)", u.Agent, u.Before, u.After, u.Delta)
	}
	if *clean {
		for worker := 1; worker <= *n; worker++ {
			if err := dir.RemoveWorkerFiles(ids, worker); err != nil {
				log.Printf("Failed to remove worker %d files: %v", worker, err)
			}
		}
	}
	return tournament.ExitOK
}
