// Package codec turns the simulator's flat numeric state into observations
// for policies: either the raw feature vector or a three channel raster.
//
// Layout of the raw state (52 floats, 26 per player):
//
//	0..1   position
//	2..3   velocity
//	4..5   aim direction
//	6..25  five projectiles, each position(2) + velocity(2)
//
// Player 2's block starts at index 26 with the same layout.
package codec

import "fmt"

const (
	NumPlayers     = 2
	PlayerFeatures = 26
	VectorSize     = NumPlayers * PlayerFeatures
	MaxProjectiles = 5
	ActionSize     = 5
)

// Feature offsets within one player's block.
const (
	offPos         = 0
	offVel         = 2
	offAim         = 4
	offProjectiles = 6
	projectileSize = 4
)

// Action is one player's input for a tick: move x/y, aim x/y, fire.
type Action [ActionSize]float32

// Clip returns a copy with every component clamped to [-1, 1].
func (a Action) Clip() Action {
	for i, v := range a {
		if v < -1 {
			a[i] = -1
		} else if v > 1 {
			a[i] = 1
		}
	}
	return a
}

// Slice converts the action for JSON encoding.
func (a Action) Slice() []float64 {
	out := make([]float64, ActionSize)
	for i, v := range a {
		out[i] = float64(v)
	}
	return out
}

// Observation is what a policy sees. Exactly one of Vector and Raster is set.
type Observation struct {
	Vector []float32
	Raster *Raster
}

// IsZero reports whether the observation carries no data.
func (o Observation) IsZero() bool { return o.Vector == nil && o.Raster == nil }

// Shape is the per-sample tensor shape: [52] or [H, W, 3].
func (o Observation) Shape() []int64 {
	if o.Raster != nil {
		return []int64{int64(o.Raster.Height), int64(o.Raster.Width), Channels}
	}
	return []int64{int64(len(o.Vector))}
}

// Tensor flattens the observation into dst (reallocated if too small) as
// float32 values. Raster pixels keep their 0..255 range.
func (o Observation) Tensor(dst []float32) []float32 {
	if o.Raster == nil {
		if cap(dst) < len(o.Vector) {
			dst = make([]float32, len(o.Vector))
		}
		dst = dst[:len(o.Vector)]
		copy(dst, o.Vector)
		return dst
	}
	n := len(o.Raster.Pix)
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i, p := range o.Raster.Pix {
		dst[i] = float32(p)
	}
	return dst
}

// Encoder converts raw simulator state into observations for the agent and
// for its opponent.
type Encoder interface {
	Encode(raw []float64) (Observation, error)
	// Opponent derives player 2's view of the same tick. raw is the state
	// agent was encoded from.
	Opponent(agent Observation, raw []float64) (Observation, error)
}

// VectorCodec passes the raw state through unchanged.
type VectorCodec struct{}

func (VectorCodec) Encode(raw []float64) (Observation, error) {
	if len(raw) != VectorSize {
		return Observation{}, fmt.Errorf("raw state has %d values, want %d", len(raw), VectorSize)
	}
	v := make([]float32, VectorSize)
	for i, f := range raw {
		v[i] = float32(f)
	}
	return Observation{Vector: v}, nil
}

// Opponent swaps the two player blocks so player 2 sees itself first.
func (VectorCodec) Opponent(agent Observation, _ []float64) (Observation, error) {
	if len(agent.Vector) != VectorSize {
		return Observation{}, fmt.Errorf("agent vector has %d values, want %d", len(agent.Vector), VectorSize)
	}
	v := make([]float32, 0, VectorSize)
	v = append(v, agent.Vector[PlayerFeatures:]...)
	v = append(v, agent.Vector[:PlayerFeatures]...)
	return Observation{Vector: v}, nil
}
