package store

import (
	"encoding/json"
	"fmt"

	"github.com/brensch/tankrl/rating"
)

const (
	NemesisSuffix  = "-nemesis"
	SurvivorSuffix = "-survivor"
)

// Performance holds evaluation results recorded during training.
type Performance struct {
	AvgReward    []float64 `json:"avg_reward,omitempty"`
	AvgSteps     []float64 `json:"avg_steps,omitempty"`
	TrainedSteps []int64   `json:"trained_steps,omitempty"`
}

// AgentStats is the contents of an agent's stats.json. Keys this package
// does not know about are kept and written back unchanged.
type AgentStats struct {
	NumSteps           int64          `json:"num_steps"`
	LastEvalSteps      int64          `json:"last_eval_steps"`
	LastEloChangeSteps int64          `json:"last_elo_change_steps"`
	Performance        Performance    `json:"performance"`
	Elo                rating.History `json:"elo"`
	Parent             *string        `json:"parent"`
	MatchingAgent      *string        `json:"matching_agent"`
	Nemesis            bool           `json:"nemesis"`
	Survivor           bool           `json:"survivor"`
	ImageBased         bool           `json:"image_based,omitempty"`
	EnvP               int            `json:"env_p,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// NewAgentStats returns the stats of a fresh agent rated startingElo.
func NewAgentStats(startingElo float64) *AgentStats {
	if startingElo == 0 {
		startingElo = rating.DefaultRating
	}
	return &AgentStats{Elo: rating.NewHistory(startingElo, 0)}
}

type agentStatsJSON AgentStats

var statsKeys = []string{
	"num_steps", "last_eval_steps", "last_elo_change_steps", "performance",
	"elo", "parent", "matching_agent", "nemesis", "survivor", "image_based", "env_p",
}

func (s *AgentStats) UnmarshalJSON(b []byte) error {
	var known agentStatsJSON
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, k := range statsKeys {
		delete(all, k)
	}
	*s = AgentStats(known)
	if len(all) > 0 {
		s.Extra = all
	}
	return nil
}

func (s AgentStats) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(agentStatsJSON(s))
	if err != nil || len(s.Extra) == 0 {
		return b, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, ok := all[k]; !ok {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// Rating is the agent's latest rating. An agent that was never rated is
// given the default rating at its current step count.
func (s *AgentStats) Rating() float64 {
	if s.Elo.Len() == 0 {
		s.Elo.Reset(rating.DefaultRating, s.NumSteps)
	}
	return s.Elo.Last()
}

// ApplyDelta appends last+delta at the agent's current step count.
func (s *AgentStats) ApplyDelta(delta int) error {
	last := s.Rating()
	if err := s.Elo.Append(s.NumSteps, last+float64(delta)); err != nil {
		return fmt.Errorf("apply delta %d: %w", delta, err)
	}
	s.LastEloChangeSteps = s.NumSteps
	return nil
}

// IsExploiter reports whether the agent trains against a matching agent
// rather than the population.
func (s *AgentStats) IsExploiter() bool { return s.Nemesis || s.Survivor }
