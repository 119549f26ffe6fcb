package codec

import (
	"fmt"
	"math"
)

const Channels = 3

// Channel assignment. Walls never move; the two player channels are redrawn
// every tick.
const (
	ChanPlayer1 = 0
	ChanWalls   = 1
	ChanPlayer2 = 2
)

// Pixel intensities. Overlapping marks are added and saturate at 255.
const (
	IntensityPos       = 120
	IntensityVec       = 75
	IntensityAim       = 30
	IntensityBulletPos = 100
	IntensityWall      = 255
)

// DefaultPixelScale is the number of pixels per grid cell along each axis.
const DefaultPixelScale = 3

// Raster is an H×W×3 image stored row-major with interleaved channels.
type Raster struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewRaster(width, height int) *Raster {
	return &Raster{Width: width, Height: height, Pix: make([]uint8, width*height*Channels)}
}

func (r *Raster) index(x, y, c int) int { return (y*r.Width+x)*Channels + c }

func (r *Raster) At(x, y, c int) uint8 { return r.Pix[r.index(x, y, c)] }

func (r *Raster) Set(x, y, c int, v uint8) { r.Pix[r.index(x, y, c)] = v }

func (r *Raster) inBounds(x, y int) bool {
	return x >= 0 && x < r.Width && y >= 0 && y < r.Height
}

// add brightens a pixel, saturating at 255.
func (r *Raster) add(x, y, c int, v uint8) {
	i := r.index(x, y, c)
	sum := int(r.Pix[i]) + int(v)
	if sum > math.MaxUint8 {
		sum = math.MaxUint8
	}
	r.Pix[i] = uint8(sum)
}

func (r *Raster) Clone() *Raster {
	out := &Raster{Width: r.Width, Height: r.Height, Pix: make([]uint8, len(r.Pix))}
	copy(out.Pix, r.Pix)
	return out
}

// Mirror returns a copy with the two player channels swapped, which is the
// other player's view of the same tick.
func Mirror(r *Raster) *Raster {
	out := r.Clone()
	for i := 0; i < len(out.Pix); i += Channels {
		out.Pix[i+ChanPlayer1], out.Pix[i+ChanPlayer2] = r.Pix[i+ChanPlayer2], r.Pix[i+ChanPlayer1]
	}
	return out
}

// RasterCodec draws raw states onto a fixed size image derived from a level.
type RasterCodec struct {
	level  *Level
	p      int
	static *Raster

	// opp is set when the opponent policy expects a different pixel scale.
	opp *RasterCodec
}

// NewRasterCodec builds a codec drawing each grid cell as p×p pixels. oppP is
// the opponent's pixel scale; pass p (or 0) when both sides share it.
func NewRasterCodec(level *Level, p, oppP int) (*RasterCodec, error) {
	c, err := newRasterCodec(level, p)
	if err != nil {
		return nil, err
	}
	if oppP > 0 && oppP != p {
		c.opp, err = newRasterCodec(level, oppP)
		if err != nil {
			return nil, fmt.Errorf("opponent codec: %w", err)
		}
	}
	return c, nil
}

func newRasterCodec(level *Level, p int) (*RasterCodec, error) {
	if level == nil {
		return nil, fmt.Errorf("raster codec requires a level")
	}
	if p <= 0 {
		return nil, fmt.Errorf("pixel scale must be positive, got %d", p)
	}
	static := NewRaster(level.Columns()*p, level.Rows()*p)
	for x, ys := range level.Walls {
		if x < level.Dims.MinX || x > level.Dims.MaxX {
			continue
		}
		xp := (x - level.Dims.MinX) * p
		for _, y := range ys {
			if y < level.Dims.MinY || y > level.Dims.MaxY {
				continue
			}
			yp := (y - level.Dims.MinY) * p
			for dy := 0; dy < p; dy++ {
				for dx := 0; dx < p; dx++ {
					static.Set(xp+dx, yp+dy, ChanWalls, IntensityWall)
				}
			}
		}
	}
	return &RasterCodec{level: level, p: p, static: static}, nil
}

func (c *RasterCodec) PixelScale() int { return c.p }

func (c *RasterCodec) Width() int { return c.static.Width }

func (c *RasterCodec) Height() int { return c.static.Height }

// Static returns a copy of the wall-only image.
func (c *RasterCodec) Static() *Raster { return c.static.Clone() }

func (c *RasterCodec) Encode(raw []float64) (Observation, error) {
	dst := NewRaster(c.static.Width, c.static.Height)
	if err := c.EncodeInto(dst, raw); err != nil {
		return Observation{}, err
	}
	return Observation{Raster: dst}, nil
}

// EncodeInto redraws dst in place: walls are restored from the level and both
// player channels are drawn from raw.
func (c *RasterCodec) EncodeInto(dst *Raster, raw []float64) error {
	if len(raw) != VectorSize {
		return fmt.Errorf("raw state has %d values, want %d", len(raw), VectorSize)
	}
	if dst.Width != c.static.Width || dst.Height != c.static.Height || len(dst.Pix) != len(c.static.Pix) {
		return fmt.Errorf("raster is %dx%d, codec draws %dx%d", dst.Width, dst.Height, c.static.Width, c.static.Height)
	}
	copy(dst.Pix, c.static.Pix)
	c.drawPlayer(dst, raw[:PlayerFeatures], ChanPlayer1)
	c.drawPlayer(dst, raw[PlayerFeatures:], ChanPlayer2)
	return nil
}

// Opponent mirrors the agent's image when both sides use the same pixel
// scale and otherwise redraws at the opponent's scale before mirroring.
func (c *RasterCodec) Opponent(agent Observation, raw []float64) (Observation, error) {
	if c.opp == nil {
		if agent.Raster == nil {
			return Observation{}, fmt.Errorf("agent observation has no raster")
		}
		return Observation{Raster: Mirror(agent.Raster)}, nil
	}
	obs, err := c.opp.Encode(raw)
	if err != nil {
		return Observation{}, err
	}
	return Observation{Raster: Mirror(obs.Raster)}, nil
}

func (c *RasterCodec) gridX(v float64) int { return int((v - float64(c.level.Dims.MinX)) * float64(c.p)) }

func (c *RasterCodec) gridY(v float64) int { return int((v - float64(c.level.Dims.MinY)) * float64(c.p)) }

func (c *RasterCodec) scaled(v float64) int { return int(v * float64(c.p)) }

func (c *RasterCodec) drawPlayer(dst *Raster, f []float64, ch int) {
	maxX, maxY := dst.Width-1, dst.Height-1

	posX := clampInt(c.gridX(f[offPos]), 0, maxX)
	posY := clampInt(c.gridY(f[offPos+1]), 0, maxY)
	vecX := clampInt(posX+c.scaled(f[offVel]), 0, maxX)
	vecY := clampInt(posY+c.scaled(f[offVel+1]), 0, maxY)
	aimX := clampInt(posX+c.scaled(f[offAim]), 0, maxX)
	aimY := clampInt(posY+c.scaled(f[offAim+1]), 0, maxY)

	dst.add(posX, posY, ch, IntensityPos)
	dst.add(vecX, vecY, ch, IntensityVec)
	dst.add(aimX, aimY, ch, IntensityAim)

	for i := 0; i < MaxProjectiles; i++ {
		b := f[offProjectiles+i*projectileSize:]
		// Absent projectiles are reported far outside the arena; anything
		// left of or below the grid is not drawn.
		bx := minInt(c.gridX(b[0]), maxX)
		by := minInt(c.gridY(b[1]), maxY)
		if bx < 0 || by < 0 {
			continue
		}
		dst.add(bx, by, ch, IntensityBulletPos)

		bvx := minInt(bx+c.scaled(b[2]), maxX)
		bvy := minInt(by+c.scaled(b[3]), maxY)
		if dst.inBounds(bvx, bvy) {
			dst.add(bvx, bvy, ch, IntensityVec)
		}
	}
}

// DecodePosition finds the grid cell of a player's position marker. player
// is 0 or 1. It returns false when no marker is present.
//
// Marks are summed, so a pixel is only taken as the position when its value
// can be built with the position marker. Pixels that can only be built that
// way win over ambiguous ones; ties go to the first in row-major order.
func (c *RasterCodec) DecodePosition(r *Raster, player int) (x, y int, ok bool) {
	ch := ChanPlayer1
	if player == 1 {
		ch = ChanPlayer2
	}
	best, bx, by := 0, 0, 0
	for py := 0; py < r.Height; py++ {
		for px := 0; px < r.Width; px++ {
			if rank := positionRank(r.At(px, py, ch)); rank > best {
				best, bx, by = rank, px, py
			}
		}
	}
	if best == 0 {
		return 0, 0, false
	}
	return c.level.Dims.MinX + bx/c.p, c.level.Dims.MinY + by/c.p, true
}

// positionRank is 2 for a value only reachable with the position marker, 1
// for a value reachable with or without it (including saturation) and 0
// otherwise.
func positionRank(v uint8) int {
	if v == 255 {
		return 1
	}
	with := marksSum(int(v)-IntensityPos)
	without := marksSum(int(v))
	switch {
	case with && !without:
		return 2
	case with:
		return 1
	}
	return 0
}

// marksSum reports whether v is a sum of at most one aim mark, up to
// MaxProjectiles bullet marks and up to MaxProjectiles+1 velocity marks.
func marksSum(v int) bool {
	if v < 0 {
		return false
	}
	for aim := 0; aim <= 1; aim++ {
		for b := 0; b <= MaxProjectiles; b++ {
			rest := v - aim*IntensityAim - b*IntensityBulletPos
			if rest >= 0 && rest%IntensityVec == 0 && rest/IntensityVec <= MaxProjectiles+1 {
				return true
			}
		}
	}
	return false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
