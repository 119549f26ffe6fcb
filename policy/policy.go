// Package policy defines the opaque policy collaborator: anything that maps
// an observation to an action. Training is out of scope; checkpoints are
// loaded through a Loader.
package policy

import (
	"io"
	"math/rand"
	"sync"

	"github.com/brensch/tankrl/codec"
)

// Policy maps an observation to an action. Implementations used from
// several goroutines must be safe for concurrent use.
type Policy interface {
	Predict(obs codec.Observation) (codec.Action, error)
}

// Loader opens a checkpoint file.
type Loader func(path string) (Policy, error)

// Func adapts a plain function to Policy.
type Func func(obs codec.Observation) (codec.Action, error)

func (f Func) Predict(obs codec.Observation) (codec.Action, error) { return f(obs) }

// Constant always returns the same action.
func Constant(a codec.Action) Policy {
	return Func(func(codec.Observation) (codec.Action, error) { return a, nil })
}

// Random samples every component uniformly from [-1, 1).
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandom(seed int64) *Random {
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

func (r *Random) Predict(codec.Observation) (codec.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var a codec.Action
	for i := range a {
		a[i] = r.rng.Float32()*2 - 1
	}
	return a, nil
}

// Close closes p if it holds resources.
func Close(p Policy) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// RuntimeStats describes batched inference throughput.
type RuntimeStats struct {
	TotalBatches  int64
	TotalItems    int64
	TotalRunNanos int64
	LastBatchSize int64
	QueueLen      int
	AvgBatchSize  float64
	AvgRunMs      float64
}

// StatsProvider is implemented by policies that batch inference.
type StatsProvider interface {
	Stats() RuntimeStats
}
