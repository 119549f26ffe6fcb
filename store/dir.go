package store

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Dir is a model directory: one subdirectory per agent holding stats.json,
// checkpoints and worker delta files.
type Dir struct {
	Root string
}

func (d Dir) AgentDir(id string) string { return filepath.Join(d.Root, id) }

func (d Dir) StatsPath(id string) string { return filepath.Join(d.Root, id, "stats.json") }

// CheckpointPath is <root>/<id>/<id>_<steps>.onnx.
func (d Dir) CheckpointPath(id string, steps int64) string {
	return filepath.Join(d.Root, id, id+"_"+strconv.FormatInt(steps, 10)+".onnx")
}

func (d Dir) DeltaPath(id string, worker int) string {
	return filepath.Join(d.Root, id, "elo_change-worker"+strconv.Itoa(worker)+".txt")
}

func (d Dir) StatusPath(worker int) string {
	return filepath.Join(d.Root, "status-worker"+strconv.Itoa(worker)+".json")
}

func (d Dir) PairingLogPath(worker int) string {
	return filepath.Join(d.Root, "pairings-worker"+strconv.Itoa(worker)+".log")
}

func (d Dir) MatchLogDir() string { return filepath.Join(d.Root, "matches") }

// LoadStats reads an agent's stats.json.
func (d Dir) LoadStats(id string) (*AgentStats, error) {
	s := &AgentStats{}
	if err := readJSON(d.StatsPath(id), s); err != nil {
		return nil, fmt.Errorf("load stats for %s: %w", id, err)
	}
	return s, nil
}

// SaveStats rewrites an agent's stats.json atomically.
func (d Dir) SaveStats(id string, s *AgentStats) error {
	if err := s.Elo.Validate(); err != nil {
		return fmt.Errorf("save stats for %s: %w", id, err)
	}
	return WriteJSONAtomic(d.StatsPath(id), s)
}

// CheckAgent verifies that id has an agent directory with a stats file.
func (d Dir) CheckAgent(id string) error {
	if fi, err := os.Stat(d.AgentDir(id)); err != nil || !fi.IsDir() {
		return fmt.Errorf("agent %q does not lead to a valid model directory", id)
	}
	if _, err := os.Stat(d.StatsPath(id)); err != nil {
		return fmt.Errorf("agent %q does not have a stats file", id)
	}
	return nil
}

// LatestCheckpoint is the checkpoint at the agent's current step count.
func (d Dir) LatestCheckpoint(id string) (string, *AgentStats, error) {
	s, err := d.LoadStats(id)
	if err != nil {
		return "", nil, err
	}
	return d.CheckpointPath(id, s.NumSteps), s, nil
}

// WriteDelta writes one worker's rating delta for an agent.
func (d Dir) WriteDelta(id string, worker, delta int) error {
	return WriteFileAtomic(d.DeltaPath(id, worker), []byte(strconv.Itoa(delta)), 0o644)
}

// ReadDelta reads the first line of a worker delta file.
func (d Dir) ReadDelta(id string, worker int) (int, error) {
	b, err := os.ReadFile(d.DeltaPath(id, worker))
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	v, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", d.DeltaPath(id, worker), err)
	}
	return v, nil
}

// WorkerStatus is written by a tournament worker when it finishes.
type WorkerStatus struct {
	Worker   int       `json:"worker"`
	Parts    int       `json:"parts"`
	ExitCode int       `json:"exit_code"`
	Pairings int       `json:"pairings"`
	Resumed  int       `json:"resumed,omitempty"`
	Lost     int       `json:"lost_connections"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
}

func (d Dir) WriteStatus(s WorkerStatus) error {
	return WriteJSONAtomic(d.StatusPath(s.Worker), s)
}

func (d Dir) ReadStatus(worker int) (WorkerStatus, error) {
	return ReadStatusFile(d.StatusPath(worker))
}

func ReadStatusFile(path string) (WorkerStatus, error) {
	var s WorkerStatus
	err := readJSON(path, &s)
	return s, err
}

// LoadPopulation reads a newline-delimited list of agent IDs. Blank lines
// are skipped.
func LoadPopulation(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open population file: %w", err)
	}
	defer f.Close()
	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read population file: %w", err)
	}
	return ids, nil
}

func SavePopulation(path string, ids []string) error {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	return WriteFileAtomic(path, []byte(b.String()), 0o644)
}

// SplitExploiters separates the competitors of a population from their
// nemesis and survivor agents. exploiters maps a competitor to those of its
// exploiters that are in the population, nemesis first.
func SplitExploiters(ids []string) (competitors []string, exploiters map[string][]string) {
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}
	exploiters = make(map[string][]string)
	for _, id := range ids {
		if strings.HasSuffix(id, NemesisSuffix) || strings.HasSuffix(id, SurvivorSuffix) {
			continue
		}
		competitors = append(competitors, id)
		for _, suffix := range []string{NemesisSuffix, SurvivorSuffix} {
			if present[id+suffix] {
				exploiters[id] = append(exploiters[id], id+suffix)
			}
		}
	}
	return competitors, exploiters
}

// RemoveWorkerFiles deletes the delta files a worker wrote for ids. Missing
// files are ignored.
func (d Dir) RemoveWorkerFiles(ids []string, worker int) error {
	var errs []error
	for _, id := range ids {
		if err := os.Remove(d.DeltaPath(id, worker)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
