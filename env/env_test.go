package env

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/brensch/tankrl/codec"
	"github.com/brensch/tankrl/opponent"
	"github.com/brensch/tankrl/policy"
	"github.com/brensch/tankrl/session/simtest"
)

var agentAction = codec.Action{0.5, -0.5, 1, 0, 1}

// stubLoader hands out a fixed-action policy per checkpoint and records
// every observation the opponents see.
type stubLoader struct {
	mu     sync.Mutex
	action codec.Action
	seen   []codec.Observation
	loads  []string
	closed int
}

type stubPolicy struct {
	l *stubLoader
}

func (p stubPolicy) Predict(obs codec.Observation) (codec.Action, error) {
	p.l.mu.Lock()
	defer p.l.mu.Unlock()
	p.l.seen = append(p.l.seen, obs)
	return p.l.action, nil
}

func (p stubPolicy) Close() error {
	p.l.mu.Lock()
	p.l.closed++
	p.l.mu.Unlock()
	return nil
}

func (l *stubLoader) load(path string) (policy.Policy, error) {
	if filepath.Base(path) == "missing.onnx" {
		return nil, os.ErrNotExist
	}
	l.mu.Lock()
	l.loads = append(l.loads, path)
	l.mu.Unlock()
	return stubPolicy{l: l}, nil
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testConfig(port int) Config {
	cfg := DefaultConfig()
	cfg.Session.GamePort = port
	cfg.Session.LocalPort = -1
	cfg.Session.ConnectAttempts = 3
	cfg.Session.Backoff = 10 * time.Millisecond
	cfg.Session.Timeout = 2 * time.Second
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Opponents = []OpponentSpec{{Path: "pop/opp/opp_100.onnx", Rating: 1000}}
	return cfg
}

func newEnv(t *testing.T, cfg Config, l *stubLoader) *Env {
	t.Helper()
	e, err := New(testContext(t), cfg, l.load)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// playEpisode steps until done and returns the rewards and the final info.
func playEpisode(t *testing.T, e *Env) ([]float64, Info) {
	t.Helper()
	ctx := testContext(t)
	if _, err := e.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	var rewards []float64
	for i := 0; i < 100; i++ {
		_, r, done, info, err := e.Step(ctx, agentAction)
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		rewards = append(rewards, r)
		if done {
			return rewards, info
		}
	}
	t.Fatalf("episode did not finish")
	return nil, Info{}
}

func TestEnv_EpisodeRewards(t *testing.T) {
	sim := simtest.New(t, simtest.Options{EpisodeLength: 3, Winner: 0})
	l := &stubLoader{action: codec.Action{2, -3, 0.25, 0, 1}}
	cfg := testConfig(sim.Port())
	cfg.TimeReward = -0.01
	e := newEnv(t, cfg, l)

	rewards, info := playEpisode(t, e)
	want := []float64{-0.01, -0.01, 1}
	if len(rewards) != len(want) {
		t.Fatalf("rewards %v want %v", rewards, want)
	}
	for i := range want {
		if rewards[i] != want[i] {
			t.Fatalf("rewards %v want %v", rewards, want)
		}
	}
	if info.Winner != 0 || !info.HasWinner || info.Opponent != "opp_100" || info.Steps != 3 {
		t.Fatalf("info %+v", info)
	}
	if e.LastWinner() != 0 {
		t.Fatalf("LastWinner=%d want 0", e.LastWinner())
	}

	acts := sim.Actions()
	if len(acts) != 3 {
		t.Fatalf("simulator saw %d steps", len(acts))
	}
	p2 := acts[0][1]
	wantP2 := []float64{1, -1, 0.25, 0, 1}
	for i := range wantP2 {
		if p2[i] != wantP2[i] {
			t.Fatalf("opponent action %v want clipped %v", p2, wantP2)
		}
	}
	if acts[0][0][0] != 0.5 || acts[0][0][1] != -0.5 {
		t.Fatalf("agent action %v", acts[0][0])
	}
}

func TestEnv_OpponentSeesSwappedVector(t *testing.T) {
	sim := simtest.New(t, simtest.Options{EpisodeLength: 1, Winner: 1})
	l := &stubLoader{}
	e := newEnv(t, testConfig(sim.Port()), l)

	rewards, _ := playEpisode(t, e)
	if rewards[0] != -1 {
		t.Fatalf("loss reward=%v want -1", rewards[0])
	}
	if len(l.seen) != 1 {
		t.Fatalf("opponent predicted %d times", len(l.seen))
	}
	v := l.seen[0].Vector
	// DefaultState puts player 2 at (8, 4) and player 1 at (1, 1).
	if v[0] != 8 || v[1] != 4 || v[codec.PlayerFeatures] != 1 || v[codec.PlayerFeatures+1] != 1 {
		t.Fatalf("opponent view %v", v[:codec.PlayerFeatures+2])
	}
	if e.LastWinner() != 1 {
		t.Fatalf("LastWinner=%d", e.LastWinner())
	}
}

func TestEnv_DoneWithoutWinner(t *testing.T) {
	sim := simtest.New(t, simtest.Options{EpisodeLength: 2, OmitWinner: true})
	cfg := testConfig(sim.Port())
	cfg.TimeReward = 0.5
	e := newEnv(t, cfg, &stubLoader{})

	rewards, info := playEpisode(t, e)
	if rewards[1] != 0.5 {
		t.Fatalf("draw reward=%v want the time reward", rewards[1])
	}
	if info.HasWinner || info.Winner != -1 || e.LastWinner() != -1 {
		t.Fatalf("info %+v last winner %d", info, e.LastWinner())
	}
}

func TestEnv_SurvivorRewards(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts simtest.Options
		want float64
	}{
		{"timeout", simtest.Options{EpisodeLength: 2, OmitWinner: true}, 1},
		{"agent won", simtest.Options{EpisodeLength: 2, Winner: 0}, -1},
		{"draw reported", simtest.Options{EpisodeLength: 2, Winner: -1}, -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sim := simtest.New(t, tc.opts)
			cfg := testConfig(sim.Port())
			cfg.Survivor = true
			e := newEnv(t, cfg, &stubLoader{})
			rewards, _ := playEpisode(t, e)
			if rewards[0] != 0 || rewards[1] != tc.want {
				t.Fatalf("rewards %v want [0 %v]", rewards, tc.want)
			}
		})
	}
}

func TestEnv_LostConnection(t *testing.T) {
	sim := simtest.New(t, simtest.Options{EpisodeLength: 5, Winner: 0})
	e := newEnv(t, testConfig(sim.Port()), &stubLoader{})
	ctx := testContext(t)

	if _, err := e.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	prev, _, _, _, err := e.Step(ctx, agentAction)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	sim.DropAtStep(2)
	obs, r, done, info, err := e.Step(ctx, agentAction)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !done || r != 0 || !info.LostConnection || info.Winner != -1 {
		t.Fatalf("lost step r=%v done=%v info=%+v", r, done, info)
	}
	for i := range prev.Vector {
		if obs.Vector[i] != prev.Vector[i] {
			t.Fatalf("lost step changed the observation")
		}
	}
	if e.LastWinner() != -1 {
		t.Fatalf("LastWinner=%d", e.LastWinner())
	}

	// The session reconnected; the next episode plays normally.
	if _, info := playEpisode(t, e); info.LostConnection || info.Winner != 0 {
		t.Fatalf("episode after reconnect %+v", info)
	}
}

func TestEnv_RandomOpponent(t *testing.T) {
	sim := simtest.New(t, simtest.Options{EpisodeLength: 4, Winner: 0})
	cfg := testConfig(sim.Port())
	cfg.RandomOpponent = true
	l := &stubLoader{}
	e := newEnv(t, cfg, l)

	_, info := playEpisode(t, e)
	if info.Opponent != "" || len(l.loads) != 0 {
		t.Fatalf("random env loaded opponents: %+v %v", info, l.loads)
	}
	for _, a := range sim.Actions() {
		for _, v := range a[1] {
			if v < -1 || v > 1 {
				t.Fatalf("random action %v out of range", a[1])
			}
		}
	}
}

func TestEnv_EmptyPool(t *testing.T) {
	sim := simtest.New(t, simtest.Options{})
	cfg := testConfig(sim.Port())
	cfg.Opponents = nil
	e := newEnv(t, cfg, &stubLoader{})
	if _, err := e.Reset(testContext(t)); !errors.Is(err, opponent.ErrEmptyPool) {
		t.Fatalf("Reset err=%v want ErrEmptyPool", err)
	}
	if _, _, _, _, err := e.Step(testContext(t), agentAction); err == nil {
		t.Fatalf("Step before reset should fail")
	}
}

func TestEnv_LoadFailureReleasesOpponents(t *testing.T) {
	sim := simtest.New(t, simtest.Options{})
	cfg := testConfig(sim.Port())
	cfg.Opponents = append(cfg.Opponents, OpponentSpec{Path: "pop/missing.onnx"})
	l := &stubLoader{}
	if _, err := New(testContext(t), cfg, l.load); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("New err=%v want ErrNotExist", err)
	}
	if l.closed != 1 {
		t.Fatalf("closed %d opponents want 1", l.closed)
	}
	if sim.Accepted() != 0 {
		t.Fatalf("dialled despite load failure")
	}
}

func TestEnv_ImageBased(t *testing.T) {
	sim := simtest.New(t, simtest.Options{EpisodeLength: 1, Winner: 0})
	cfg := testConfig(sim.Port())
	cfg.ImageBased = true
	l := &stubLoader{}
	e := newEnv(t, cfg, l)

	obs, err := e.Reset(testContext(t))
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if obs.Raster == nil || obs.Raster.Width != 20*3 || obs.Raster.Height != 12*3 {
		t.Fatalf("raster %+v want 60x36", obs.Raster)
	}
	if _, _, _, _, err := e.Step(testContext(t), agentAction); err != nil {
		t.Fatalf("Step: %v", err)
	}
	r := l.seen[0].Raster
	x, y, ok := e.enc.(*codec.RasterCodec).DecodePosition(r, 0)
	if !ok || x != 8 || y != 4 {
		t.Fatalf("opponent sees itself at (%d,%d,%v) want (8,4)", x, y, ok)
	}
}

func TestEnv_EloMatchSamplesAroundCenter(t *testing.T) {
	sim := simtest.New(t, simtest.Options{EpisodeLength: 1, Winner: 0})
	cfg := testConfig(sim.Port())
	cfg.EloMatch = true
	cfg.Pool.Center = 1500
	cfg.Opponents = []OpponentSpec{
		{Path: "pop/a/a_1.onnx", Rating: 1000},
		{Path: "pop/b/b_1.onnx", Rating: 1500},
		{Path: "pop/c/c_1.onnx", Rating: 2000},
	}
	e := newEnv(t, cfg, &stubLoader{})
	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		_, info := playEpisode(t, e)
		counts[info.Opponent]++
	}
	if counts["b_1"] < 8 {
		t.Fatalf("opponent counts %v", counts)
	}
}

func TestMatchmaker_UpdatesRatingAndReplacesOpponent(t *testing.T) {
	sim := simtest.New(t, simtest.Options{EpisodeLength: 1, Winner: 0})
	cfg := testConfig(sim.Port())
	cfg.Opponents = nil
	l := &stubLoader{}
	e := newEnv(t, cfg, l)

	mm, err := NewMatchmaker(e, []Candidate{
		{ID: "near_1", Path: "pop/near/near_1.onnx", Rating: 1000},
		{ID: "far_1", Path: "pop/far/far_1.onnx", Rating: 3000},
	}, DefaultMatchmakerConfig())
	if err != nil {
		t.Fatalf("NewMatchmaker: %v", err)
	}
	ctx := testContext(t)
	for ep := 0; ep < 2; ep++ {
		if _, err := mm.Reset(ctx); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if mm.Current().ID != "near_1" {
			t.Fatalf("picked %s", mm.Current().ID)
		}
		if _, _, done, _, err := mm.Step(ctx, agentAction); err != nil || !done {
			t.Fatalf("Step done=%v err=%v", done, err)
		}
	}
	if mm.Rating() != 1008 {
		t.Fatalf("rating before scoring the second episode = %v", mm.Rating())
	}
	if _, err := mm.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	// Two wins against an equal opponent at K=16: +8 then +8 against 1000
	// from 1008 rounds to 8.
	if mm.Rating() != 1016 {
		t.Fatalf("rating=%v want 1016", mm.Rating())
	}
	if e.Pool().Len() != 1 || len(l.loads) != 3 || l.closed != 2 {
		t.Fatalf("pool len=%d loads=%d closed=%d", e.Pool().Len(), len(l.loads), l.closed)
	}

	if _, _, _, _, err := mm.Step(ctx, agentAction); err != nil {
		t.Fatalf("Step: %v", err)
	}
	// 16 * (1 - 0.523) rounds to 8.
	if got := mm.Finish(); got != 1024 {
		t.Fatalf("final rating=%v want 1024", got)
	}
	if got := mm.Finish(); got != 1024 {
		t.Fatalf("Finish scored twice: %v", got)
	}
}

func TestNewMatchmaker_NoCandidates(t *testing.T) {
	sim := simtest.New(t, simtest.Options{})
	e := newEnv(t, testConfig(sim.Port()), &stubLoader{})
	if _, err := NewMatchmaker(e, nil, DefaultMatchmakerConfig()); err == nil {
		t.Fatalf("expected error")
	}
}
