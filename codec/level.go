package codec

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Dims are the inclusive grid bounds of a level.
type Dims struct {
	MinX int `json:"minX"`
	MaxX int `json:"maxX"`
	MinY int `json:"minY"`
	MaxY int `json:"maxY"`
}

// Level is the static wall geometry of an arena. Walls maps a grid column to
// the rows occupied by walls in that column.
type Level struct {
	Dims  Dims
	Walls map[int][]int
}

// LoadLevel reads a level file of the form
//
//	{"Walls": {"dims": {"minX":0,"maxX":19,"minY":0,"maxY":11}, "0": [0,1,...], ...}}
func LoadLevel(path string) (*Level, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read level: %w", err)
	}
	return ParseLevel(b)
}

func ParseLevel(b []byte) (*Level, error) {
	var file struct {
		Walls map[string]json.RawMessage `json:"Walls"`
	}
	if err := json.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("parse level: %w", err)
	}
	rawDims, ok := file.Walls["dims"]
	if !ok {
		return nil, fmt.Errorf("parse level: Walls.dims missing")
	}
	lvl := &Level{Walls: make(map[int][]int)}
	if err := json.Unmarshal(rawDims, &lvl.Dims); err != nil {
		return nil, fmt.Errorf("parse level dims: %w", err)
	}
	if lvl.Dims.MaxX < lvl.Dims.MinX || lvl.Dims.MaxY < lvl.Dims.MinY {
		return nil, fmt.Errorf("invalid level dims %+v", lvl.Dims)
	}
	for key, raw := range file.Walls {
		if key == "dims" {
			continue
		}
		x, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("parse level column %q: %w", key, err)
		}
		var ys []int
		if err := json.Unmarshal(raw, &ys); err != nil {
			return nil, fmt.Errorf("parse level column %d: %w", x, err)
		}
		lvl.Walls[x] = ys
	}
	return lvl, nil
}

// Columns is the number of grid cells across.
func (l *Level) Columns() int { return l.Dims.MaxX - l.Dims.MinX + 1 }

// Rows is the number of grid cells down.
func (l *Level) Rows() int { return l.Dims.MaxY - l.Dims.MinY + 1 }

// DefaultLevel is an empty 20x12 arena, used for raster observations when no
// level file is given.
func DefaultLevel() *Level {
	return &Level{Dims: Dims{MinX: 0, MaxX: 19, MinY: 0, MaxY: 11}, Walls: make(map[int][]int)}
}
