package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brensch/tankrl/rating"
)

const legacyStats = `{
    "num_steps": 250000,
    "last_eval_steps": 200000,
    "last_elo_change_steps": 200000,
    "performance": {"avg_reward": [0.25], "avg_steps": [410.5], "trained_steps": [200000]},
    "elo": {"steps": [0, 200000], "value": [1000, 1032]},
    "parent": null,
    "matching_agent": null,
    "nemesis": false,
    "survivor": false,
    "win_rates": {"0": [["Other_1", 3, 1, 5, 0.4, 300]]},
    "curr_iter": 1
}`

func writeAgent(t *testing.T, d Dir, id, stats string) {
	t.Helper()
	if err := os.MkdirAll(d.AgentDir(id), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(d.StatsPath(id), []byte(stats), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestStats_RoundTripKeepsUnknownKeys(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	writeAgent(t, d, "Brave1", legacyStats)

	s, err := d.LoadStats("Brave1")
	if err != nil {
		t.Fatalf("LoadStats: %v", err)
	}
	if s.NumSteps != 250000 || s.Rating() != 1032 || s.Performance.AvgSteps[0] != 410.5 {
		t.Fatalf("stats %+v", s)
	}
	if err := s.ApplyDelta(-12); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if err := d.SaveStats("Brave1", s); err != nil {
		t.Fatalf("SaveStats: %v", err)
	}

	b, err := os.ReadFile(d.StatsPath("Brave1"))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("saved stats are not JSON: %v", err)
	}
	for _, k := range []string{"win_rates", "curr_iter", "parent", "matching_agent", "nemesis", "survivor"} {
		if _, ok := raw[k]; !ok {
			t.Fatalf("key %q dropped on save: %s", k, b)
		}
	}
	again, err := d.LoadStats("Brave1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	h := again.Elo
	if h.Len() != 3 || h.Last() != 1020 || h.LastSteps() != 250000 || again.LastEloChangeSteps != 250000 {
		t.Fatalf("history after delta %+v", h)
	}
}

func TestStats_UnratedAgentGetsDefault(t *testing.T) {
	s := &AgentStats{NumSteps: 40}
	if s.Rating() != rating.DefaultRating {
		t.Fatalf("rating=%v", s.Rating())
	}
	if s.Elo.Len() != 1 || s.Elo.LastSteps() != 40 {
		t.Fatalf("history %+v", s.Elo)
	}
	fresh := NewAgentStats(0)
	if fresh.Rating() != rating.DefaultRating || fresh.IsExploiter() {
		t.Fatalf("fresh stats %+v", fresh)
	}
}

func TestSaveStats_RejectsBrokenHistory(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	s := NewAgentStats(1000)
	s.Elo.Steps = append(s.Elo.Steps, 5)
	if err := d.SaveStats("x", s); err == nil {
		t.Fatalf("expected error for mismatched history")
	}
	if _, err := os.Stat(d.StatsPath("x")); !os.IsNotExist(err) {
		t.Fatalf("stats written despite error")
	}
}

func TestPopulation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "population.txt")
	if err := os.WriteFile(path, []byte("A\n\nB-nemesis\nB\r\nC-survivor\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ids, err := LoadPopulation(path)
	if err != nil {
		t.Fatalf("LoadPopulation: %v", err)
	}
	if strings.Join(ids, ",") != "A,B-nemesis,B,C-survivor" {
		t.Fatalf("ids %v", ids)
	}
	comps, exploiters := SplitExploiters(ids)
	if strings.Join(comps, ",") != "A,B" {
		t.Fatalf("competitors %v", comps)
	}
	// C-survivor has no competitor and A has no exploiters.
	if len(exploiters) != 1 || strings.Join(exploiters["B"], ",") != "B-nemesis" {
		t.Fatalf("exploiters %v", exploiters)
	}

	if err := SavePopulation(path, []string{"X", "Y"}); err != nil {
		t.Fatalf("SavePopulation: %v", err)
	}
	ids, _ = LoadPopulation(path)
	if strings.Join(ids, ",") != "X,Y" {
		t.Fatalf("reloaded %v", ids)
	}
}

func TestPaths(t *testing.T) {
	d := Dir{Root: "/models"}
	if got := d.CheckpointPath("Brave1", 1200); got != "/models/Brave1/Brave1_1200.onnx" {
		t.Fatalf("CheckpointPath=%q", got)
	}
	if got := d.DeltaPath("Brave1", 3); got != "/models/Brave1/elo_change-worker3.txt" {
		t.Fatalf("DeltaPath=%q", got)
	}
	if got := d.StatusPath(2); got != "/models/status-worker2.json" {
		t.Fatalf("StatusPath=%q", got)
	}
}

func TestDeltaFiles(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	if err := d.WriteDelta("A", 2, -17); err != nil {
		t.Fatalf("WriteDelta: %v", err)
	}
	v, err := d.ReadDelta("A", 2)
	if err != nil || v != -17 {
		t.Fatalf("ReadDelta = %d, %v", v, err)
	}
	if err := os.WriteFile(d.DeltaPath("A", 3), []byte("12\ntrailing junk\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if v, err := d.ReadDelta("A", 3); err != nil || v != 12 {
		t.Fatalf("first-line delta = %d, %v", v, err)
	}
	if err := os.WriteFile(d.DeltaPath("A", 4), []byte("twelve"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ReadDelta("A", 4); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := d.RemoveWorkerFiles([]string{"A", "missing"}, 2); err != nil {
		t.Fatalf("RemoveWorkerFiles: %v", err)
	}
	if _, err := d.ReadDelta("A", 2); !os.IsNotExist(err) {
		t.Fatalf("delta file not removed: %v", err)
	}
}

func TestWorkerStatus(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	want := WorkerStatus{Worker: 2, Parts: 4, ExitCode: 75, Pairings: 6, Finished: time.Unix(1700000000, 0).UTC()}
	if err := d.WriteStatus(want); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	got, err := d.ReadStatus(2)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if got.ExitCode != 75 || got.Pairings != 6 || !got.Finished.Equal(want.Finished) {
		t.Fatalf("status %+v", got)
	}
	entries, _ := os.ReadDir(d.Root)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestPairingLog_Resume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairings-worker1.log")
	l, err := OpenPairingLog(path)
	if err != nil {
		t.Fatalf("OpenPairingLog: %v", err)
	}
	if err := l.Add(Pairing{Agent: "A_10", Opponent: "B_20", AgentDelta: 5, OpponentDelta: -6}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := l.Add(Pairing{Agent: "A_10", Opponent: "B_20", AgentDelta: 99}); err != nil {
		t.Fatalf("duplicate Add: %v", err)
	}
	l.Close()

	// Simulate a crash mid-write.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("A_10 C_30 4")
	f.Close()

	l, err = OpenPairingLog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	if l.Count() != 1 {
		t.Fatalf("count=%d want 1", l.Count())
	}
	p, ok := l.Lookup("A_10", "B_20")
	if !ok || p.AgentDelta != 5 || p.OpponentDelta != -6 {
		t.Fatalf("lookup %+v %v", p, ok)
	}
	if _, ok := l.Lookup("A_10", "C_30"); ok {
		t.Fatalf("torn line was parsed")
	}
	if got := l.Pairings(); len(got) != 1 || got[0].Opponent != "B_20" {
		t.Fatalf("pairings %+v", got)
	}
	if err := l.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("log not removed")
	}
}

func sampleRows() []MatchRow {
	return []MatchRow{
		{Round: "r1", Worker: 1, Agent: "A", AgentSteps: 10, Opponent: "B", OpponentSteps: 20, Wins: 3, Losses: 1, Draws: 1, Games: 5, AgentDelta: 6, OpponentDelta: -6},
		{Round: "r1", Worker: 1, Agent: "B", AgentSteps: 20, Opponent: "A", OpponentSteps: 10, Wins: 2, Losses: 2, Draws: 1, Games: 5, AgentDelta: 0, OpponentDelta: 0},
	}
}

func TestMatchWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewMatchWriter(dir, 1)
	if err != nil {
		t.Fatalf("NewMatchWriter: %v", err)
	}
	if err := w.Write(sampleRows()...); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(w.OutPath()); !os.IsNotExist(err) {
		t.Fatalf("file visible before Finalize")
	}
	path, n, err := w.Finalize()
	if err != nil || n != 2 || path != w.OutPath() {
		t.Fatalf("Finalize = %q, %d, %v", path, n, err)
	}
	rows, err := ReadMatches(path)
	if err != nil {
		t.Fatalf("ReadMatches: %v", err)
	}
	if len(rows) != 2 || rows[0].Agent != "A" || rows[0].Wins != 3 || rows[1].Opponent != "A" {
		t.Fatalf("rows %+v", rows)
	}
	if err := w.Write(sampleRows()...); err == nil {
		t.Fatalf("write after Finalize should fail")
	}

	empty, _ := NewMatchWriter(dir, 2)
	if path, n, err := empty.Finalize(); path != "" || n != 0 || err != nil {
		t.Fatalf("empty Finalize = %q, %d, %v", path, n, err)
	}
	files, err := MatchFiles(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("MatchFiles = %v, %v", files, err)
	}
}

func TestStandings(t *testing.T) {
	dir := t.TempDir()
	w, err := NewMatchWriter(dir, 1)
	if err != nil {
		t.Fatal(err)
	}
	w.Write(sampleRows()...)
	if _, _, err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	db, err := OpenMatchDB(dir)
	if err != nil {
		t.Fatalf("OpenMatchDB: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	got, err := QueryStandings(ctx, db, "")
	if err != nil {
		t.Fatalf("QueryStandings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("standings %+v", got)
	}
	// A: 3+2 wins, 1+2 losses, 2 draws over 10 games, +6 rating.
	a := got[0]
	if a.Agent != "A" || a.Games != 10 || a.Wins != 5 || a.Losses != 3 || a.Draws != 2 || a.Delta != 6 || a.Matches != 2 {
		t.Fatalf("A standing %+v", a)
	}
	if a.WinRate() != 0.6 {
		t.Fatalf("win rate %v", a.WinRate())
	}
	if none, err := QueryStandings(ctx, db, "r2"); err != nil || len(none) != 0 {
		t.Fatalf("other round = %+v, %v", none, err)
	}
}

func TestStandings_NoFiles(t *testing.T) {
	db, err := OpenMatchDB(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("OpenMatchDB: %v", err)
	}
	defer db.Close()
	got, err := QueryStandings(context.Background(), db, "")
	if err != nil || len(got) != 0 {
		t.Fatalf("standings = %+v, %v", got, err)
	}
}

func TestHeadToHead(t *testing.T) {
	dir := t.TempDir()
	w, err := NewMatchWriter(dir, 1)
	if err != nil {
		t.Fatal(err)
	}
	w.Write(sampleRows()...)
	if _, _, err := w.Finalize(); err != nil {
		t.Fatal(err)
	}
	db, err := OpenMatchDB(dir)
	if err != nil {
		t.Fatalf("OpenMatchDB: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	got, err := QueryHeadToHead(ctx, db, "r1")
	if err != nil {
		t.Fatalf("QueryHeadToHead: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("head to head %+v", got)
	}
	ab, ba := got[0], got[1]
	if ab.Agent != "A" || ab.Opponent != "B" || ab.Wins != 5 || ab.Losses != 3 || ab.Games != 10 {
		t.Fatalf("A vs B %+v", ab)
	}
	if ba.Wins != 3 || ba.Losses != 5 || ba.WinRate() != 0.3 {
		t.Fatalf("B vs A %+v", ba)
	}

	round, err := LatestRound(ctx, db)
	if err != nil || round != "r1" {
		t.Fatalf("LatestRound = %q, %v", round, err)
	}
}

func TestLatestRound_Empty(t *testing.T) {
	db, err := OpenMatchDB(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	round, err := LatestRound(context.Background(), db)
	if err != nil || round != "" {
		t.Fatalf("LatestRound = %q, %v", round, err)
	}
}
