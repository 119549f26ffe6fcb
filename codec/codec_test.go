package codec

import (
	"math"
	"strings"
	"testing"
)

const testLevelJSON = `{"Walls": {"dims": {"minX": 0, "maxX": 9, "minY": 0, "maxY": 5}, "0": [0, 1, 2, 3, 4, 5], "5": [2]}}`

func testLevel(t *testing.T) *Level {
	t.Helper()
	lvl, err := ParseLevel([]byte(testLevelJSON))
	if err != nil {
		t.Fatalf("ParseLevel: %v", err)
	}
	return lvl
}

// rawState builds a state with both players at rest and no projectiles.
func rawState(p1x, p1y, p2x, p2y float64) []float64 {
	raw := make([]float64, VectorSize)
	for _, base := range []int{0, PlayerFeatures} {
		for i := 0; i < MaxProjectiles; i++ {
			off := base + offProjectiles + i*projectileSize
			raw[off] = -100
			raw[off+1] = -100
		}
	}
	raw[0], raw[1] = p1x, p1y
	raw[PlayerFeatures], raw[PlayerFeatures+1] = p2x, p2y
	return raw
}

// dumpChannel renders one channel for failure messages, top row first.
func dumpChannel(r *Raster, c int) string {
	var sb strings.Builder
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			switch v := r.At(x, y, c); {
			case v == 0:
				sb.WriteByte('.')
			case v >= IntensityPos:
				sb.WriteByte('#')
			default:
				sb.WriteByte('+')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func countNonZero(r *Raster, c int) int {
	n := 0
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			if r.At(x, y, c) != 0 {
				n++
			}
		}
	}
	return n
}

func TestParseLevel(t *testing.T) {
	lvl := testLevel(t)
	if lvl.Columns() != 10 || lvl.Rows() != 6 {
		t.Fatalf("Columns/Rows = %d/%d want 10/6", lvl.Columns(), lvl.Rows())
	}
	if len(lvl.Walls[0]) != 6 || len(lvl.Walls[5]) != 1 {
		t.Fatalf("walls = %v", lvl.Walls)
	}
	if _, err := ParseLevel([]byte(`{"Walls": {"0": [1]}}`)); err == nil {
		t.Fatalf("expected error for missing dims")
	}
	if _, err := ParseLevel([]byte(`{"Walls": {"dims": {"minX": 0, "maxX": 3, "minY": 0, "maxY": 3}, "x": [1]}}`)); err == nil {
		t.Fatalf("expected error for non-numeric column")
	}
}

func TestRasterCodec_StaticWalls(t *testing.T) {
	c, err := NewRasterCodec(testLevel(t), 3, 0)
	if err != nil {
		t.Fatalf("NewRasterCodec: %v", err)
	}
	if c.Width() != 30 || c.Height() != 18 {
		t.Fatalf("dims = %dx%d want 30x18", c.Width(), c.Height())
	}
	obs, err := c.Encode(rawState(4, 4, 8, 1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r := obs.Raster
	for y := 0; y < r.Height; y++ {
		for x := 0; x < 3; x++ {
			if r.At(x, y, ChanWalls) != IntensityWall {
				t.Fatalf("wall pixel (%d,%d) = %d\n%s", x, y, r.At(x, y, ChanWalls), dumpChannel(r, ChanWalls))
			}
		}
	}
	// column 5 row 2 is a single 3x3 block
	if got := countNonZero(r, ChanWalls); got != 3*18+9 {
		t.Fatalf("wall pixels = %d want %d\n%s", got, 3*18+9, dumpChannel(r, ChanWalls))
	}
	if r.At(15, 6, ChanWalls) != IntensityWall || r.At(18, 6, ChanWalls) != 0 {
		t.Fatalf("wall block misplaced\n%s", dumpChannel(r, ChanWalls))
	}
}

func TestRasterCodec_PositionRoundTrip(t *testing.T) {
	lvl := testLevel(t)
	c, err := NewRasterCodec(lvl, 3, 0)
	if err != nil {
		t.Fatalf("NewRasterCodec: %v", err)
	}
	for x := float64(lvl.Dims.MinX); x <= float64(lvl.Dims.MaxX); x += 0.25 {
		for y := float64(lvl.Dims.MinY); y <= float64(lvl.Dims.MaxY); y += 0.25 {
			obs, err := c.Encode(rawState(x, y, 0, 0))
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			gx, gy, ok := c.DecodePosition(obs.Raster, 0)
			if !ok {
				t.Fatalf("no position marker for (%v,%v)", x, y)
			}
			if math.Abs(float64(gx)-math.Floor(x)) > 1 || math.Abs(float64(gy)-math.Floor(y)) > 1 {
				t.Fatalf("pos (%v,%v) decoded to (%d,%d)", x, y, gx, gy)
			}
		}
	}
}

func TestRasterCodec_ClipsAtMaxBounds(t *testing.T) {
	lvl := testLevel(t)
	c, err := NewRasterCodec(lvl, 3, 0)
	if err != nil {
		t.Fatalf("NewRasterCodec: %v", err)
	}
	for _, pos := range [][2]float64{{9, 5}, {10, 6}, {50, 50}} {
		obs, err := c.Encode(rawState(pos[0], pos[1], 0, 0))
		if err != nil {
			t.Fatalf("Encode(%v): %v", pos, err)
		}
		gx, gy, ok := c.DecodePosition(obs.Raster, 0)
		if !ok || gx != lvl.Dims.MaxX || gy != lvl.Dims.MaxY {
			t.Fatalf("pos %v decoded to (%d,%d,%v) want (%d,%d)", pos, gx, gy, ok, lvl.Dims.MaxX, lvl.Dims.MaxY)
		}
	}
	obs, err := c.Encode(rawState(-5, -5, 0, 0))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if gx, gy, _ := c.DecodePosition(obs.Raster, 0); gx != 0 || gy != 0 {
		t.Fatalf("negative pos decoded to (%d,%d) want (0,0)", gx, gy)
	}
}

func TestRasterCodec_DecodePositionIgnoresProjectiles(t *testing.T) {
	c, err := NewRasterCodec(testLevel(t), 3, 0)
	if err != nil {
		t.Fatalf("NewRasterCodec: %v", err)
	}
	raw := rawState(5, 5, 8, 1)
	// Stationary projectiles draw 100+75 at their cell, ahead of the tank in
	// scan order.
	raw[offProjectiles], raw[offProjectiles+1] = 0, 0
	raw[offProjectiles+projectileSize], raw[offProjectiles+projectileSize+1] = 2, 1
	obs, err := c.Encode(raw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := obs.Raster.At(0, 0, ChanPlayer1); got != IntensityBulletPos+IntensityVec {
		t.Fatalf("projectile pixel = %d", got)
	}
	gx, gy, ok := c.DecodePosition(obs.Raster, 0)
	if !ok || gx != 5 || gy != 5 {
		t.Fatalf("decoded (%d,%d,%v) want (5,5)\n%s", gx, gy, ok, dumpChannel(obs.Raster, ChanPlayer1))
	}

	// A moving tank draws 120+30, which two velocity marks also make.
	raw = rawState(3, 2, 8, 1)
	raw[offVel] = 1
	raw[offProjectiles], raw[offProjectiles+1] = 0, 0
	if obs, err = c.Encode(raw); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if gx, gy, ok = c.DecodePosition(obs.Raster, 0); !ok || gx != 3 || gy != 2 {
		t.Fatalf("moving tank decoded (%d,%d,%v) want (3,2)", gx, gy, ok)
	}

	if _, _, ok := c.DecodePosition(NewRaster(c.Width(), c.Height()), 0); ok {
		t.Fatal("empty raster has a position")
	}
}

func TestPositionRank(t *testing.T) {
	cases := []struct {
		v    uint8
		want int
	}{
		{0, 0},
		{IntensityPos, 2},
		{IntensityPos + IntensityVec, 2},
		{IntensityBulletPos + IntensityVec, 0},
		{IntensityPos + IntensityAim, 1}, // also two velocity marks
		{255, 1},
	}
	for _, tc := range cases {
		if got := positionRank(tc.v); got != tc.want {
			t.Errorf("positionRank(%d) = %d want %d", tc.v, got, tc.want)
		}
	}
}

func TestRasterCodec_Saturates(t *testing.T) {
	c, err := NewRasterCodec(testLevel(t), 3, 0)
	if err != nil {
		t.Fatalf("NewRasterCodec: %v", err)
	}
	raw := rawState(4, 4, 8, 1)
	// A stationary projectile on top of the player: 120+75+30+100+75.
	raw[offProjectiles] = 4
	raw[offProjectiles+1] = 4
	obs, err := c.Encode(raw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := obs.Raster.At(12, 12, ChanPlayer1); got != 255 {
		t.Fatalf("pixel = %d want 255", got)
	}
}

func TestRasterCodec_MarkersAndAbsentProjectiles(t *testing.T) {
	c, err := NewRasterCodec(testLevel(t), 3, 0)
	if err != nil {
		t.Fatalf("NewRasterCodec: %v", err)
	}
	raw := rawState(4, 2, 8, 1)
	raw[offVel] = 1   // velocity pixel 3 to the right
	raw[offAim+1] = 1 // aim pixel 3 down
	obs, err := c.Encode(raw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r := obs.Raster
	if got := countNonZero(r, ChanPlayer1); got != 3 {
		t.Fatalf("player pixels = %d want 3\n%s", got, dumpChannel(r, ChanPlayer1))
	}
	if r.At(12, 6, ChanPlayer1) != IntensityPos || r.At(15, 6, ChanPlayer1) != IntensityVec || r.At(12, 9, ChanPlayer1) != IntensityAim {
		t.Fatalf("markers misplaced\n%s", dumpChannel(r, ChanPlayer1))
	}

	// Projectile near the right edge: velocity pixel clamps to the last column.
	raw[offProjectiles] = 9
	raw[offProjectiles+1] = 0
	raw[offProjectiles+2] = 2
	obs, err = c.Encode(raw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r = obs.Raster
	if r.At(27, 0, ChanPlayer1) != IntensityBulletPos {
		t.Fatalf("projectile pixel = %d\n%s", r.At(27, 0, ChanPlayer1), dumpChannel(r, ChanPlayer1))
	}
	if r.At(29, 0, ChanPlayer1) != IntensityVec {
		t.Fatalf("projectile velocity pixel missing\n%s", dumpChannel(r, ChanPlayer1))
	}

	// Projectile moving left off the grid: position drawn, velocity skipped.
	raw[offProjectiles] = 0.5
	raw[offProjectiles+2] = -1
	obs, err = c.Encode(raw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r = obs.Raster
	if r.At(1, 0, ChanPlayer1) != IntensityBulletPos {
		t.Fatalf("projectile pixel = %d\n%s", r.At(1, 0, ChanPlayer1), dumpChannel(r, ChanPlayer1))
	}
	if got := countNonZero(r, ChanPlayer1); got != 4 {
		t.Fatalf("player pixels = %d want 4\n%s", got, dumpChannel(r, ChanPlayer1))
	}

	// Projectile left of the grid is not drawn at all.
	raw[offProjectiles] = -0.5
	obs, err = c.Encode(raw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := countNonZero(obs.Raster, ChanPlayer1); got != 3 {
		t.Fatalf("player pixels = %d want 3\n%s", got, dumpChannel(obs.Raster, ChanPlayer1))
	}
}

func TestRasterCodec_EncodeIntoReusesBuffer(t *testing.T) {
	c, err := NewRasterCodec(testLevel(t), 3, 0)
	if err != nil {
		t.Fatalf("NewRasterCodec: %v", err)
	}
	dst := NewRaster(c.Width(), c.Height())
	if err := c.EncodeInto(dst, rawState(2, 2, 7, 3)); err != nil {
		t.Fatalf("EncodeInto: %v", err)
	}
	if err := c.EncodeInto(dst, rawState(6, 4, 7, 3)); err != nil {
		t.Fatalf("EncodeInto: %v", err)
	}
	if got := countNonZero(dst, ChanPlayer1); got != 1 {
		t.Fatalf("stale markers left behind\n%s", dumpChannel(dst, ChanPlayer1))
	}
	if err := c.EncodeInto(NewRaster(3, 3), rawState(0, 0, 0, 0)); err == nil {
		t.Fatalf("expected size mismatch error")
	}
	if err := c.EncodeInto(dst, make([]float64, 10)); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestMirror(t *testing.T) {
	c, err := NewRasterCodec(testLevel(t), 3, 0)
	if err != nil {
		t.Fatalf("NewRasterCodec: %v", err)
	}
	raw := rawState(1, 1, 8, 4)
	agent, err := c.Encode(raw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	opp, err := c.Opponent(agent, raw)
	if err != nil {
		t.Fatalf("Opponent: %v", err)
	}
	if gx, gy, _ := c.DecodePosition(opp.Raster, 0); gx != 8 || gy != 4 {
		t.Fatalf("mirrored player 1 at (%d,%d) want (8,4)", gx, gy)
	}
	if gx, gy, _ := c.DecodePosition(opp.Raster, 1); gx != 1 || gy != 1 {
		t.Fatalf("mirrored player 2 at (%d,%d) want (1,1)", gx, gy)
	}
	for i := ChanWalls; i < len(agent.Raster.Pix); i += Channels {
		if agent.Raster.Pix[i] != opp.Raster.Pix[i] {
			t.Fatalf("wall channel changed by mirror at %d", i)
		}
	}
	if gx, _, _ := c.DecodePosition(agent.Raster, 0); gx != 1 {
		t.Fatalf("Mirror modified its input")
	}
}

func TestRasterCodec_OpponentAtOtherScale(t *testing.T) {
	c, err := NewRasterCodec(testLevel(t), 3, 2)
	if err != nil {
		t.Fatalf("NewRasterCodec: %v", err)
	}
	raw := rawState(1, 1, 8, 4)
	agent, err := c.Encode(raw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	opp, err := c.Opponent(agent, raw)
	if err != nil {
		t.Fatalf("Opponent: %v", err)
	}
	if opp.Raster.Width != 20 || opp.Raster.Height != 12 {
		t.Fatalf("opponent raster %dx%d want 20x12", opp.Raster.Width, opp.Raster.Height)
	}
	if opp.Raster.At(16, 8, ChanPlayer1) < IntensityPos {
		t.Fatalf("opponent not drawn at its own position\n%s", dumpChannel(opp.Raster, ChanPlayer1))
	}
}

func TestVectorCodec(t *testing.T) {
	var c VectorCodec
	raw := make([]float64, VectorSize)
	for i := range raw {
		raw[i] = float64(i)
	}
	obs, err := c.Encode(raw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(obs.Vector) != VectorSize || obs.Vector[51] != 51 {
		t.Fatalf("identity encode failed: %v", obs.Vector)
	}
	opp, err := c.Opponent(obs, raw)
	if err != nil {
		t.Fatalf("Opponent: %v", err)
	}
	if opp.Vector[0] != 26 || opp.Vector[25] != 51 || opp.Vector[26] != 0 || opp.Vector[51] != 25 {
		t.Fatalf("halves not swapped: %v", opp.Vector)
	}
	if _, err := c.Encode(raw[:10]); err == nil {
		t.Fatalf("expected length error")
	}
	if got := obs.Shape(); len(got) != 1 || got[0] != VectorSize {
		t.Fatalf("Shape = %v", got)
	}
}

func TestActionClip(t *testing.T) {
	a := Action{-3, 0.5, 2, -1, 1}.Clip()
	want := Action{-1, 0.5, 1, -1, 1}
	if a != want {
		t.Fatalf("Clip = %v want %v", a, want)
	}
}

func TestObservationToFloat32(t *testing.T) {
	c, err := NewRasterCodec(testLevel(t), 2, 0)
	if err != nil {
		t.Fatalf("NewRasterCodec: %v", err)
	}
	obs, err := c.Encode(rawState(3, 3, 6, 2))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf := ObservationToFloat32(obs)
	defer PutFloatBuffer(buf)
	if len(*buf) != 20*12*Channels {
		t.Fatalf("len = %d want %d", len(*buf), 20*12*Channels)
	}
	if (*buf)[ChanWalls] != IntensityWall {
		t.Fatalf("wall value = %v", (*buf)[ChanWalls])
	}
	shape := obs.Shape()
	if shape[0] != 12 || shape[1] != 20 || shape[2] != Channels {
		t.Fatalf("Shape = %v", shape)
	}
}
