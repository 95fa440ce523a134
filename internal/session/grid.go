// internal/session/grid.go
package session

import (
	"encoding/json"
	"fmt"
	"math/rand"
)

// GridSize is the fixed side length of a playing grid.
const GridSize = 3

// Grid is a player's fixed 3x3 arrangement of distinct draw-universe values.
type Grid [GridSize][GridSize]int

// ValidateGrid checks the grid invariants: GridSize x GridSize shape is
// enforced by the type, values must be pairwise distinct and inside
// [1, maxNumber].
func ValidateGrid(g Grid, maxNumber int) error {
	seen := make(map[int]bool, GridSize*GridSize)
	for _, row := range g {
		for _, n := range row {
			if n < 1 || n > maxNumber {
				return fmt.Errorf("%w: value %d outside 1..%d", ErrInvalidGrid, n, maxNumber)
			}
			if seen[n] {
				return fmt.Errorf("%w: duplicate value %d", ErrInvalidGrid, n)
			}
			seen[n] = true
		}
	}
	return nil
}

// randomGrid builds a valid grid from maxNumber distinct values. Used when
// the arranging window elapses before a player submitted one.
func randomGrid(r *rand.Rand, maxNumber int) Grid {
	perm := r.Perm(maxNumber)
	var g Grid
	for i := 0; i < GridSize; i++ {
		for j := 0; j < GridSize; j++ {
			g[i][j] = perm[i*GridSize+j] + 1
		}
	}
	return g
}

func marshalGrid(g Grid) string {
	data, _ := json.Marshal(g)
	return string(data)
}

func unmarshalGrid(raw string) (Grid, error) {
	var g Grid
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return Grid{}, fmt.Errorf("stored grid corrupt: %w", err)
	}
	return g, nil
}

// pattern is a named set of grid cells that constitutes a win when every
// value in it has been drawn.
type pattern struct {
	name  string
	cells [GridSize][2]int
}

// winPatterns enumerates the 2N+2 patterns in the fixed order rows, columns,
// main diagonal, anti diagonal. The order makes "which pattern won" reporting
// deterministic.
func winPatterns() []pattern {
	ps := make([]pattern, 0, 2*GridSize+2)
	for i := 0; i < GridSize; i++ {
		var p pattern
		p.name = fmt.Sprintf("row_%d", i)
		for j := 0; j < GridSize; j++ {
			p.cells[j] = [2]int{i, j}
		}
		ps = append(ps, p)
	}
	for j := 0; j < GridSize; j++ {
		var p pattern
		p.name = fmt.Sprintf("col_%d", j)
		for i := 0; i < GridSize; i++ {
			p.cells[i] = [2]int{i, j}
		}
		ps = append(ps, p)
	}
	main := pattern{name: "diagonal_main"}
	anti := pattern{name: "diagonal_anti"}
	for i := 0; i < GridSize; i++ {
		main.cells[i] = [2]int{i, i}
		anti.cells[i] = [2]int{i, GridSize - 1 - i}
	}
	return append(ps, main, anti)
}

// evaluatePatterns checks every pattern of g against the drawn set. It
// returns the first satisfied pattern's name, or ok=false along with the
// nearest-complete pattern and the values it still misses (diagnostic only).
func evaluatePatterns(g Grid, drawn map[int]bool) (winner string, ok bool, nearest string, missing []int) {
	bestMissing := GridSize + 1
	for _, p := range winPatterns() {
		var miss []int
		for _, c := range p.cells {
			if v := g[c[0]][c[1]]; !drawn[v] {
				miss = append(miss, v)
			}
		}
		if len(miss) == 0 {
			return p.name, true, "", nil
		}
		if len(miss) < bestMissing {
			bestMissing = len(miss)
			nearest = p.name
			missing = miss
		}
	}
	return "", false, nearest, missing
}
