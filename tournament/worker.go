package tournament

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/brensch/tankrl/env"
	"github.com/brensch/tankrl/opponent"
	"github.com/brensch/tankrl/policy"
	"github.com/brensch/tankrl/rating"
	"github.com/brensch/tankrl/store"
)

// WorkerConfig holds tournament worker configuration.
type WorkerConfig struct {
	Dir        store.Dir
	Population string
	Trials     int
	// Worker is this worker's 1-based partition index; Parts the number of
	// partitions. With Parts <= 1 the worker plays everything and applies
	// deltas directly to the stats files.
	Worker int
	Parts  int
	K      float64

	BasePort int
	NumEnvs  int
	// Ports, when set, overrides the simulator port of each environment.
	Ports []int
	Env   env.Config

	// Round tags match log rows; empty uses the start time.
	Round       string
	MatchLogDir string

	Logger *slog.Logger
	Events chan<- Event
}

// DefaultWorkerConfig returns sensible defaults
func DefaultWorkerConfig() WorkerConfig {
	cfg := WorkerConfig{
		Trials:   50,
		Parts:    1,
		K:        rating.TournamentK,
		BasePort: 52000,
		NumEnvs:  1,
		Env:      env.DefaultConfig(),
	}
	// Neighbouring environments listen on consecutive ports.
	cfg.Env.Session.LocalPort = -1
	return cfg
}

// Worker plays its partition of the population against everyone else.
type Worker struct {
	cfg  WorkerConfig
	load policy.Loader
	log  *slog.Logger
}

func NewWorker(cfg WorkerConfig, load policy.Loader) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.K <= 0 {
		cfg.K = rating.TournamentK
	}
	if cfg.NumEnvs <= 0 {
		cfg.NumEnvs = 1
	}
	if cfg.Parts <= 0 {
		cfg.Parts = 1
	}
	if cfg.Round == "" {
		cfg.Round = time.Now().UTC().Format("20060102T150405Z")
	}
	if cfg.MatchLogDir == "" {
		cfg.MatchLogDir = cfg.Dir.MatchLogDir()
	}
	return &Worker{cfg: cfg, load: load, log: cfg.Logger.With("worker", cfg.Worker)}
}

func (w *Worker) partitioned() bool { return w.cfg.Parts > 1 && w.cfg.Worker > 0 }

type runStats struct {
	pairings int
	resumed  int
	lost     int
}

// Run plays the worker's schedule and persists the deltas, then writes the
// worker status file. Finished pairings are logged as they complete; after
// a failure, the next Run with the same configuration resumes from the log.
func (w *Worker) Run(ctx context.Context) (store.WorkerStatus, error) {
	status := store.WorkerStatus{Worker: w.cfg.Worker, Parts: w.cfg.Parts, Started: time.Now().UTC()}
	st, err := w.run(ctx)
	status.Pairings, status.Resumed, status.Lost = st.pairings, st.resumed, st.lost
	status.ExitCode = ExitCode(err)
	if err != nil {
		status.Error = err.Error()
	}
	status.Finished = time.Now().UTC()
	if werr := w.cfg.Dir.WriteStatus(status); werr != nil {
		err = errors.Join(err, fmt.Errorf("write status: %w", werr))
	}
	emit(w.cfg.Events, Event{Kind: EventWorkerDone, Worker: w.cfg.Worker, Err: err})
	return status, err
}

func (w *Worker) run(ctx context.Context) (st runStats, err error) {
	cfg := w.cfg
	ids, err := store.LoadPopulation(cfg.Population)
	if err != nil {
		return st, err
	}
	competitors, exploiters := store.SplitExploiters(ids)
	for _, c := range competitors {
		if err := cfg.Dir.CheckAgent(c); err != nil {
			return st, err
		}
	}
	mine := Partition(competitors, cfg.Worker, cfg.Parts)
	w.log.Info("tournament worker starting", "competitors", len(competitors), "mine", len(mine), "trials", cfg.Trials, "envs", cfg.NumEnvs)

	plog, err := store.OpenPairingLog(cfg.Dir.PairingLogPath(cfg.Worker))
	if err != nil {
		return st, err
	}
	defer plog.Close()
	if n := plog.Count(); n > 0 {
		w.log.Info("resuming from pairing log", "pairings", n)
	}

	mw, err := store.NewMatchWriter(cfg.MatchLogDir, cfg.Worker)
	if err != nil {
		return st, err
	}
	// Rows for finished pairings are published even when the run fails,
	// since a resumed run will not play them again.
	defer func() {
		path, rows, ferr := mw.Finalize()
		if ferr != nil {
			err = errors.Join(err, ferr)
			return
		}
		if rows > 0 {
			w.log.Info("wrote match log", "path", path, "rows", rows)
		}
	}()

	envs, err := w.openEnvs(ctx)
	if err != nil {
		return st, err
	}
	defer func() {
		for _, e := range envs {
			if cerr := e.Close(); cerr != nil {
				w.log.Warn("close env", "error", cerr)
			}
		}
	}()

	deltas := make(map[string]int, len(competitors))
	total := len(mine) * (len(competitors) - 1)
	for _, c := range mine {
		if err := w.playAgent(ctx, c, competitors, envs, plog, mw, deltas, total, &st); err != nil {
			return st, err
		}
	}
	w.log.Info("tournament worker finished pairings", "deltas", deltas)

	if w.partitioned() {
		err = w.writeDeltas(competitors, exploiters, deltas)
	} else {
		err = w.applyDeltas(competitors, exploiters, deltas)
	}
	if err != nil {
		return st, err
	}
	return st, plog.Remove()
}

func (w *Worker) playAgent(ctx context.Context, c string, competitors []string, envs []*env.Env,
	plog *store.PairingLog, mw *store.MatchWriter, deltas map[string]int, total int, st *runStats) error {
	cfg := w.cfg
	cPath, cStats, err := cfg.Dir.LatestCheckpoint(c)
	if err != nil {
		return err
	}
	cID := opponent.CheckpointID(cPath)
	var agent policy.Policy
	defer func() {
		if agent != nil {
			_ = policy.Close(agent)
		}
	}()

	for _, opp := range competitors {
		if opp == c {
			continue
		}
		st.pairings++
		oPath, oStats, err := cfg.Dir.LatestCheckpoint(opp)
		if err != nil {
			return err
		}
		oID := opponent.CheckpointID(oPath)
		ev := Event{Worker: cfg.Worker, Agent: cID, Opponent: oID, Pairing: st.pairings, Total: total}

		if p, ok := plog.Lookup(cID, oID); ok {
			deltas[c] += p.AgentDelta
			deltas[opp] += p.OpponentDelta
			st.resumed++
			ev.Kind, ev.Delta = EventPairingResumed, p.AgentDelta
			emit(cfg.Events, ev)
			continue
		}

		if agent == nil {
			if agent, err = w.load(cPath); err != nil {
				return fmt.Errorf("load agent %s: %w", cPath, err)
			}
		}
		cElo, oElo := cStats.Rating(), oStats.Rating()
		w.log.Info("tournament eval", "agent", cID, "opponent", oID, "agent_elo", cElo, "opponent_elo", oElo)
		ev.Kind = EventPairingStarted
		emit(cfg.Events, ev)

		res, err := w.playPairing(ctx, envs, agent, oPath, oElo, ev)
		if err != nil {
			return fmt.Errorf("%s vs %s: %w", cID, oID, err)
		}
		st.lost += res.Lost
		dC, dO := rating.Delta(cElo, oElo, cfg.K, res.Score())
		deltas[c] += dC
		deltas[opp] += dO

		if err := plog.Add(store.Pairing{Agent: cID, Opponent: oID, AgentDelta: dC, OpponentDelta: dO}); err != nil {
			return err
		}
		row := store.MatchRow{
			Round:         cfg.Round,
			Worker:        int32(cfg.Worker),
			Agent:         c,
			AgentSteps:    cStats.NumSteps,
			Opponent:      opp,
			OpponentSteps: oStats.NumSteps,
			AgentElo:      cElo,
			OpponentElo:   oElo,
			Wins:          int32(res.Wins),
			Losses:        int32(res.Losses),
			Draws:         int32(res.Draws),
			Games:         int32(res.Games),
			Lost:          int32(res.Lost),
			AvgReward:     res.AvgReward,
			AvgSteps:      res.AvgSteps,
			Score:         res.Score(),
			AgentDelta:    int32(dC),
			OpponentDelta: int32(dO),
			FinishedNs:    time.Now().UnixNano(),
		}
		if err := mw.Write(row); err != nil {
			return fmt.Errorf("write match row: %w", err)
		}
		ev.Kind, ev.Result, ev.Delta = EventPairingFinished, res, dC
		emit(cfg.Events, ev)
	}
	return nil
}

func (w *Worker) playPairing(ctx context.Context, envs []*env.Env, agent policy.Policy, oPath string, oElo float64, ev Event) (Result, error) {
	targets := make([]Environment, len(envs))
	for i, e := range envs {
		if err := e.UnloadOpponents(); err != nil {
			w.log.Warn("unload opponents", "error", err)
		}
		if _, err := e.LoadOpponent(oPath, oElo); err != nil {
			return Result{}, err
		}
		targets[i] = e
	}
	return Evaluate(ctx, targets, agent, w.cfg.Trials, func(ep Episode) {
		ev := ev
		ev.Kind, ev.Episode = EventEpisode, ep
		emit(w.cfg.Events, ev)
	})
}

func (w *Worker) openEnvs(ctx context.Context) ([]*env.Env, error) {
	cfg := w.cfg
	envs := make([]*env.Env, 0, cfg.NumEnvs)
	for i := 0; i < cfg.NumEnvs; i++ {
		ecfg := cfg.Env
		ecfg.Logger = w.log
		ecfg.Session.Logger = nil
		ecfg.EloMatch, ecfg.RoundRobin, ecfg.RandomOpponent = false, false, false
		ecfg.Opponents = nil
		ecfg.Pool.Capacity = 1
		if i < len(cfg.Ports) {
			ecfg.Session.GamePort = cfg.Ports[i]
		} else {
			ecfg.Session.GamePort = EnvPort(cfg.BasePort, cfg.Worker, i, cfg.Parts)
		}
		if cfg.NumEnvs > 1 && ecfg.Session.GameLogPath != "" {
			ecfg.Session.GameLogPath = indexedPath(ecfg.Session.GameLogPath, i)
		}
		e, err := env.New(ctx, ecfg, w.load)
		if err != nil {
			for _, opened := range envs {
				opened.Close()
			}
			return nil, fmt.Errorf("env %d on port %d: %w", i, ecfg.Session.GamePort, err)
		}
		envs = append(envs, e)
	}
	return envs, nil
}

// indexedPath turns game.log into game-2.log.
func indexedPath(path string, i int) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + strconv.Itoa(i) + ext
}

// writeDeltas writes this worker's partial delta for every competitor and
// its exploiters; Consolidate sums them once all workers are done.
func (w *Worker) writeDeltas(competitors []string, exploiters map[string][]string, deltas map[string]int) error {
	for _, c := range competitors {
		for _, id := range withExploiters(c, exploiters) {
			if err := w.cfg.Dir.WriteDelta(id, w.cfg.Worker, deltas[c]); err != nil {
				return err
			}
		}
	}
	w.log.Info("wrote worker deltas", "agents", len(competitors), "with_exploiters", len(exploiters))
	return nil
}

// applyDeltas appends each competitor's delta to its history. Exploiters
// move with their matching agent. Every stats file is loaded before any is
// written.
func (w *Worker) applyDeltas(competitors []string, exploiters map[string][]string, deltas map[string]int) error {
	type pending struct {
		id    string
		stats *store.AgentStats
	}
	var all []pending
	for _, c := range competitors {
		for _, id := range withExploiters(c, exploiters) {
			s, err := w.cfg.Dir.LoadStats(id)
			if err != nil {
				return err
			}
			if err := s.ApplyDelta(deltas[c]); err != nil {
				return &rating.ConsolidationError{Agent: id, Reason: "apply delta", Err: err}
			}
			all = append(all, pending{id: id, stats: s})
		}
	}
	for _, p := range all {
		if err := w.cfg.Dir.SaveStats(p.id, p.stats); err != nil {
			return err
		}
	}
	w.log.Info("applied deltas", "agents", len(all))
	return nil
}

func withExploiters(id string, exploiters map[string][]string) []string {
	return append([]string{id}, exploiters[id]...)
}
