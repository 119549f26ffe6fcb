package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/brensch/tankrl/store"
	"github.com/brensch/tankrl/tournament"
)

func runTournament(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tournament", flag.ExitOnError)
	d := tournament.DefaultWorkerConfig()
	modelDir := fs.String("model-dir", getEnvOrDefault("model-dir", "models"), "Base directory for agent models")
	popPath := fs.String("population", getEnvOrDefault("population", ""), "Population file (default <model-dir>/population.txt)")
	trials := fs.Int("num-trials", getEnvIntOrDefault("num-trials", d.Trials), "Episodes per pairing")
	basePort := fs.Int("base-port", getEnvIntOrDefault("base-port", d.BasePort), "Base simulator port; env i of worker idx uses base+idx+i*part")
	numEnvs := fs.Int("num-envs", getEnvIntOrDefault("num-envs", d.NumEnvs), "Parallel environments")
	idx := fs.Int("idx", getEnvIntOrDefault("idx", 0), "This worker's 1-based partition index (0 plays everything)")
	part := fs.Int("part", getEnvIntOrDefault("part", d.Parts), "Number of partitions; above 1 deltas are written to worker files")
	k := fs.Float64("k", getEnvFloatOrDefault("k", d.K), "Rating K factor")
	round := fs.String("round", getEnvOrDefault("round", ""), "Round tag for the match log (default: start time)")
	tui := fs.Bool("tui", getEnvBoolOrDefault("tui", false), "Show a progress dashboard; logs go to <model-dir>/tournament-worker<idx>.log")
	lf := addLogFlags(fs)
	ef := addEnvFlags(fs)
	fs.Parse(args)

	var logOut io.Writer = os.Stderr
	if *tui {
		// Redirect logs to file to avoid messing up the dashboard.
		path := filepath.Join(*modelDir, "tournament-worker"+strconv.Itoa(*idx)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
		logOut = f
	}
	logger := lf.logger(logOut)
	envCfg, err := ef.config(logger)
	if err != nil {
		log.Fatalf("Invalid environment flags: %v", err)
	}
	if fi, err := os.Stat(*modelDir); err != nil || !fi.IsDir() {
		log.Fatalf("Base directory for agent models is not a folder: %s", *modelDir)
	}
	if *popPath == "" {
		*popPath = filepath.Join(*modelDir, "population.txt")
	}

	cfg := d
	cfg.Dir = store.Dir{Root: *modelDir}
	cfg.Population = *popPath
	cfg.Trials = *trials
	cfg.Worker = *idx
	cfg.Parts = *part
	cfg.K = *k
	cfg.BasePort = *basePort
	cfg.NumEnvs = *numEnvs
	cfg.Env = envCfg
	cfg.Env.Session.LocalPort = d.Env.Session.LocalPort
	cfg.Round = *round
	cfg.Logger = logger

	events := make(chan tournament.Event, 256)
	cfg.Events = events

	log.Printf("Starting tournament worker %d/%d", *idx, *part)
	log.Printf("  Model Dir: %s", *modelDir)
	log.Printf("  Population: %s", *popPath)
	log.Printf("  Trials: %d, Envs: %d, Base Port: %d", *trials, *numEnvs, *basePort)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := tournament.NewWorker(cfg, ef.loader(logger))

	type outcome struct {
		status store.WorkerStatus
		err    error
	}
	var p *tea.Program
	if *tui {
		p = tea.NewProgram(newDashboard(*idx, *part, events), tea.WithAltScreen())
	}
	done := make(chan outcome, 1)
	go func() {
		st, err := w.Run(ctx)
		done <- outcome{st, err}
		if p != nil {
			p.Send(workerFinishedMsg{status: st, err: err})
		}
	}()

	if p != nil {
		if _, err := p.Run(); err != nil {
			log.Printf("Dashboard error: %v", err)
		}
		// Quitting the dashboard early stops the worker.
		cancel()
	} else {
		go logEvents(events)
	}

	res := <-done
	if res.err != nil {
		log.Printf("Tournament worker failed: %v", res.err)
	} else {
		log.Printf("Tournament worker finished: pairings=%d resumed=%d lost_connections=%d", res.status.Pairings, res.status.Resumed, res.status.Lost)
	}
	return tournament.ExitCode(res.err)
}

func logEvents(events <-chan tournament.Event) {
	for ev := range events {
		switch ev.Kind {
		case tournament.EventPairingFinished:
			log.Printf("Pairing %d/%d %s vs %s: W%d L%d D%d lost=%d score=%.3f delta=%+d",
				ev.Pairing, ev.Total, ev.Agent, ev.Opponent, ev.Result.Wins, ev.Result.Losses, ev.Result.Draws, ev.Result.Lost, ev.Result.Score(), ev.Delta)
		case tournament.EventPairingResumed:
			log.Printf("Pairing %d/%d %s vs %s: resumed delta=%+d", ev.Pairing, ev.Total, ev.Agent, ev.Opponent, ev.Delta)
		}
	}
}
