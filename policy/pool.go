package policy

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/brensch/tankrl/codec"
)

// Pool fans out Predict calls across several copies of the same checkpoint.
// Each ONNX copy has its own batching loop and runtime session, so envs
// sharing one agent do not serialise on a single session.
type Pool struct {
	policies []Policy
	rr       atomic.Uint64
}

// NewPool loads path `sessions` times through load.
func NewPool(path string, sessions int, load Loader) (*Pool, error) {
	if sessions <= 0 {
		sessions = 1
	}
	policies := make([]Policy, 0, sessions)
	for i := 0; i < sessions; i++ {
		p, err := load(path)
		if err != nil {
			for _, created := range policies {
				_ = Close(created)
			}
			return nil, fmt.Errorf("load %s copy %d/%d: %w", path, i+1, sessions, err)
		}
		policies = append(policies, p)
	}
	return &Pool{policies: policies}, nil
}

// NewPoolOf wraps existing policies.
func NewPoolOf(policies ...Policy) *Pool {
	return &Pool{policies: policies}
}

func (p *Pool) Len() int { return len(p.policies) }

func (p *Pool) Predict(obs codec.Observation) (codec.Action, error) {
	if len(p.policies) == 0 {
		return codec.Action{}, fmt.Errorf("policy pool is empty")
	}
	idx := int(p.rr.Add(1)-1) % len(p.policies)
	return p.policies[idx].Predict(obs)
}

func (p *Pool) Close() error {
	var errs []error
	for _, pol := range p.policies {
		if err := Close(pol); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats aggregates members that report batching statistics.
func (p *Pool) Stats() RuntimeStats {
	var out RuntimeStats
	for _, pol := range p.policies {
		sp, ok := pol.(StatsProvider)
		if !ok {
			continue
		}
		st := sp.Stats()
		out.TotalBatches += st.TotalBatches
		out.TotalItems += st.TotalItems
		out.TotalRunNanos += st.TotalRunNanos
		out.QueueLen += st.QueueLen
		if st.LastBatchSize > out.LastBatchSize {
			out.LastBatchSize = st.LastBatchSize
		}
	}
	if out.TotalBatches > 0 {
		out.AvgBatchSize = float64(out.TotalItems) / float64(out.TotalBatches)
		out.AvgRunMs = (float64(out.TotalRunNanos) / 1e6) / float64(out.TotalBatches)
	}
	return out
}
