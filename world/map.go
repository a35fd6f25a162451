package world

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"ballpit/physics"
	"ballpit/utils"

	"github.com/go-gl/mathgl/mgl64"
)

type tileIndex int

// tileSize is the edge length of a tile in world units.
const tileSize = 1.0

const (
	emptyTile tileIndex = iota
	blockTile
)

var tileIndices = []Tile{
	// emptyTile
	{
		Dense: false,
	},
	// blockTile
	{
		Dense:  true,
		Height: 1,
	},
}

type Tile struct {
	Dense  bool
	Height float64
}

// Map is a top-down grid of tiles laid on the ground plane, centred on the
// origin. Row y of the grid runs along +Z.
type Map struct {
	Tiles  []tileIndex
	Width  int64
	Height int64
}

func (m *Map) At(x, y int64) (*Tile, error) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return nil, errors.New("out of bounds")
	}
	return &tileIndices[m.Tiles[m.Width*y+x]], nil
}

func (m *Map) ForEach(callback func(x, y int64, tile Tile)) {
	for y := int64(0); y < m.Height; y++ {
		for x := int64(0); x < m.Width; x++ {
			callback(x, y, tileIndices[m.Tiles[m.Width*y+x]])
		}
	}
}

// Center returns the world position of the middle of tile (x, y) at ground
// level.
func (m *Map) Center(x, y int64) mgl64.Vec3 {
	return mgl64.Vec3{
		(float64(x) - float64(m.Width)/2 + 0.5) * tileSize,
		0,
		(float64(y) - float64(m.Height)/2 + 0.5) * tileSize,
	}
}

// Statics returns one box per dense tile.
func (m *Map) Statics() []physics.Static {
	var statics []physics.Static
	m.ForEach(func(x, y int64, tile Tile) {
		if !tile.Dense {
			return
		}
		center := m.Center(x, y).Add(mgl64.Vec3{0, tile.Height / 2, 0})
		statics = append(statics, physics.NewBox(center, mgl64.Vec3{tileSize, tile.Height, tileSize}))
	})
	return statics
}

// LoadMap parses a tile map: the width and height on their own lines, then
// one row per line where '.' is empty and '#' is a block.
func LoadMap(contents string) (*Map, error) {
	scanner := bufio.NewScanner(strings.NewReader(contents))

	scanner.Scan()
	width, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, err
	}

	scanner.Scan()
	height, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("map is %dx%d", width, height)
	}

	tiles := make([]tileIndex, 0, width*height)
	for scanner.Scan() {
		for _, item := range scanner.Text() {
			switch item {
			case '.':
				tiles = append(tiles, emptyTile)
			case '#':
				tiles = append(tiles, blockTile)
			}
		}
	}
	if len(tiles) != width*height {
		return nil, fmt.Errorf("map has %d tiles, want %dx%d", len(tiles), width, height)
	}

	return &Map{
		Tiles:  tiles,
		Width:  int64(width),
		Height: int64(height),
	}, nil
}

func ReadMap(fileName string) (*Map, error) {
	b, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	return LoadMap(string(b))
}

// buildLevel adds the ground plane plus every configured box and tile to w.
func buildLevel(w *physics.World, cfg *utils.MapConfig) error {
	w.AddStatic(physics.NewPlane(up, 0))
	for _, box := range cfg.Boxes {
		w.AddStatic(physics.NewBox(mgl64.Vec3(box.Position), mgl64.Vec3(box.Size)))
	}
	if cfg.Tiles == "" {
		return nil
	}
	m, err := ReadMap(cfg.Tiles)
	if err != nil {
		return fmt.Errorf("loading map %s: %w", cfg.Tiles, err)
	}
	for _, s := range m.Statics() {
		w.AddStatic(s)
	}
	return nil
}
