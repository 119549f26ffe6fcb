// Package opponent holds the opponents loaded by one environment and picks
// which one plays the next episode.
package opponent

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"

	"github.com/brensch/tankrl/policy"
	"github.com/brensch/tankrl/rating"
)

var ErrEmptyPool = errors.New("opponent: pool is empty")

// Mode selects how Select picks an opponent.
type Mode int

const (
	// ModeWeighted samples by rating distance to the centre.
	ModeWeighted Mode = iota
	// ModeRoundRobin cycles through opponents in load order.
	ModeRoundRobin
	// ModeCurrent keeps playing the current opponent until Next or Load.
	ModeCurrent
)

func (m Mode) String() string {
	switch m {
	case ModeWeighted:
		return "weighted"
	case ModeRoundRobin:
		return "round-robin"
	case ModeCurrent:
		return "current"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "weighted", "elo":
		return ModeWeighted, nil
	case "round-robin", "roundrobin":
		return ModeRoundRobin, nil
	case "current":
		return ModeCurrent, nil
	}
	return 0, fmt.Errorf("unknown selection mode %q", s)
}

// Record is one loaded opponent.
type Record struct {
	Policy policy.Policy
	Rating float64
	// ID is the checkpoint file name without extension, "name_steps".
	ID    string
	Path  string
	Order int
}

// Config holds pool configuration.
type Config struct {
	// Capacity bounds the pool; the oldest opponent is evicted when a load
	// goes past it. 0 means unbounded.
	Capacity int
	Spread   float64
	Center   float64
	Mode     Mode
	Bias     Bias
	Seed     int64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Spread: DefaultSpread,
		Center: rating.DefaultRating,
		Mode:   ModeWeighted,
		Seed:   1,
	}
}

// Pool is owned by a single environment and is not safe for concurrent use.
type Pool struct {
	cfg  Config
	load policy.Loader
	rng  *rand.Rand

	records []*Record
	cur     int
	rr      int
	order   int
	tally   tally
}

func NewPool(cfg Config, load policy.Loader) *Pool {
	return &Pool{cfg: cfg, load: load, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// CheckpointID derives the pool key of a checkpoint path.
func CheckpointID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (p *Pool) open(path string, r float64) (*Record, error) {
	pol, err := p.load(path)
	if err != nil {
		return nil, fmt.Errorf("load opponent %s: %w", path, err)
	}
	p.order++
	return &Record{Policy: pol, Rating: r, ID: CheckpointID(path), Path: path, Order: p.order}, nil
}

// Load adds an opponent and makes it current, evicting the oldest opponent
// when the pool is over capacity.
func (p *Pool) Load(path string, r float64) (*Record, error) {
	rec, err := p.open(path, r)
	if err != nil {
		return nil, err
	}
	p.records = append(p.records, rec)
	for p.cfg.Capacity > 0 && len(p.records) > p.cfg.Capacity {
		evicted := p.records[0]
		p.records = p.records[1:]
		_ = policy.Close(evicted.Policy)
		if p.rr > 0 {
			p.rr--
		}
	}
	p.cur = len(p.records) - 1
	return rec, nil
}

// Replace loads an opponent into slot idx and makes it current. An idx past
// the end appends as Load does.
func (p *Pool) Replace(idx int, path string, r float64) (*Record, error) {
	if idx < 0 {
		return nil, fmt.Errorf("opponent index %d out of range", idx)
	}
	if idx >= len(p.records) {
		return p.Load(path, r)
	}
	rec, err := p.open(path, r)
	if err != nil {
		return nil, err
	}
	_ = policy.Close(p.records[idx].Policy)
	p.records[idx] = rec
	p.cur = idx
	return rec, nil
}

// Unload closes and removes every opponent.
func (p *Pool) Unload() error {
	var errs []error
	for _, rec := range p.records {
		if err := policy.Close(rec.Policy); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", rec.ID, err))
		}
	}
	p.records = nil
	p.cur, p.rr = 0, 0
	return errors.Join(errs...)
}

func (p *Pool) Len() int { return len(p.records) }

// Records returns the loaded opponents in load order.
func (p *Pool) Records() []*Record {
	return append([]*Record(nil), p.records...)
}

func (p *Pool) Current() (*Record, error) {
	if len(p.records) == 0 {
		return nil, ErrEmptyPool
	}
	return p.records[p.cur], nil
}

// CurrentIndex is the slot of the current opponent.
func (p *Pool) CurrentIndex() int { return p.cur }

// Next advances to the following opponent, wrapping at the end.
func (p *Pool) Next() (*Record, error) {
	if len(p.records) == 0 {
		return nil, ErrEmptyPool
	}
	p.cur = (p.cur + 1) % len(p.records)
	return p.records[p.cur], nil
}

func (p *Pool) SetCenter(r float64) { p.cfg.Center = r }

func (p *Pool) Center() float64 { return p.cfg.Center }

func (p *Pool) SetSpread(d float64) { p.cfg.Spread = d }

func (p *Pool) Mode() Mode { return p.cfg.Mode }

func (p *Pool) SetMode(m Mode) { p.cfg.Mode = m }

// Select picks the opponent for the next episode according to the mode and
// makes it current.
func (p *Pool) Select() (*Record, error) {
	if len(p.records) == 0 {
		return nil, ErrEmptyPool
	}
	switch p.cfg.Mode {
	case ModeCurrent:
	case ModeRoundRobin:
		p.cur = p.rr % len(p.records)
		p.rr = (p.cur + 1) % len(p.records)
	default:
		p.cur = p.sample()
	}
	return p.records[p.cur], nil
}

// Weights are the selection weights Select would sample from, after bias.
func (p *Pool) Weights() []float64 {
	ratings := p.ratings()
	w := Weights(ratings, p.cfg.Center, p.cfg.Spread)
	p.tally.mask(w, ratings, p.cfg.Center, p.cfg.Bias)
	return w
}

func (p *Pool) ratings() []float64 {
	out := make([]float64, len(p.records))
	for i, rec := range p.records {
		out[i] = rec.Rating
	}
	return out
}

func (p *Pool) sample() int {
	ratings := p.ratings()
	w := Weights(ratings, p.cfg.Center, p.cfg.Spread)
	if sum(w) <= 0 {
		// Nobody is in range; the bias has nothing to choose between.
		return Choose(p.rng, w)
	}
	p.tally.mask(w, ratings, p.cfg.Center, p.cfg.Bias)
	if sum(w) <= 0 {
		if idx, ok := p.tally.fallback(ratings, p.cfg.Bias); ok {
			return idx
		}
	}
	return Choose(p.rng, w)
}

func sum(w []float64) float64 {
	total := 0.0
	for _, v := range w {
		total += v
	}
	return total
}

// RecordOutcome feeds a finished episode (agent is player 1) into the ratio
// bias.
func (p *Pool) RecordOutcome(o rating.Outcome) {
	p.tally.record(o, p.cfg.Bias)
}
