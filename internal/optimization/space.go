package optimization

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// spaceFile is the on-disk form of a parameter space
type spaceFile struct {
	Parameters []types.Parameter `yaml:"parameters"`
}

// LoadSpace reads a YAML parameter space:
//
//	parameters:
//	  - name: period
//	    min: 5
//	    max: 50
//	    step: 1
//	  - name: mode
//	    values: [fast, slow]
func LoadSpace(path string) ([]types.Parameter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter space: %w", err)
	}

	var file spaceFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse parameter space %s: %w", path, err)
	}

	if err := ValidateSpace(file.Parameters); err != nil {
		return nil, fmt.Errorf("invalid parameter space %s: %w", path, err)
	}
	return file.Parameters, nil
}

// ValidateSpace checks that every parameter is named once and has a usable
// range or value list
func ValidateSpace(space []types.Parameter) error {
	seen := make(map[string]bool, len(space))
	for _, p := range space {
		if p.Name == "" {
			return fmt.Errorf("parameter without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true

		if !p.Discrete() && p.Max < p.Min {
			return fmt.Errorf("parameter %q: max %v is below min %v", p.Name, p.Max, p.Min)
		}
	}
	return nil
}

// Defaults returns the script defaults as a solution
func Defaults(script *strategy.Script) types.Solution {
	out := make(types.Solution, len(script.Defaults))
	for k, v := range script.Defaults {
		out[k] = v
	}
	return out
}

func stepOf(p types.Parameter) float64 {
	if p.Step <= 0 {
		return 1
	}
	return p.Step
}

func roundValue(v float64) float64 {
	return math.Round(v*1e10) / 1e10
}

// RandomValue draws a value of p. Ranges yield min + k × step for a random
// k below (max - min) / step.
func RandomValue(p types.Parameter, rng *rand.Rand) any {
	if p.Discrete() {
		return p.Values[rng.Intn(len(p.Values))]
	}

	step := stepOf(p)
	steps := (p.Max - p.Min) / step
	return roundValue(p.Min + math.Floor(rng.Float64()*steps)*step)
}

// RandomSolution starts from defaults and draws every parameter of space
func RandomSolution(defaults types.Solution, space []types.Parameter, rng *rand.Rand) types.Solution {
	sol := defaults.Clone()
	for _, p := range space {
		sol[p.Name] = RandomValue(p, rng)
	}
	return sol
}

type move struct {
	key   string
	value any
}

// RandomNeighbour applies a few random moves to sol. Each parameter offers a
// fresh random value plus one step in either direction where that stays in
// bounds; at least one move is applied.
func RandomNeighbour(sol types.Solution, space []types.Parameter, rng *rand.Rand) types.Solution {
	var moves []move

	for _, p := range space {
		moves = append(moves, move{p.Name, RandomValue(p, rng)})

		if p.Discrete() {
			idx := indexOf(p.Values, sol[p.Name])
			if idx > 0 {
				moves = append(moves, move{p.Name, p.Values[idx-1]})
			}
			if idx >= 0 && idx < len(p.Values)-1 {
				moves = append(moves, move{p.Name, p.Values[idx+1]})
			}
			continue
		}

		current, ok := toFloat(sol[p.Name])
		if !ok {
			continue
		}
		step := stepOf(p)
		if current-step >= p.Min {
			moves = append(moves, move{p.Name, roundValue(current - step)})
		}
		if current+step <= p.Max {
			moves = append(moves, move{p.Name, roundValue(current + step)})
		}
	}

	out := sol.Clone()
	if len(moves) == 0 {
		return out
	}

	changes := max(1, int(rng.Float64()*float64(len(moves))*0.2))
	for i := 0; i < changes; i++ {
		m := moves[rng.Intn(len(moves))]
		out[m.key] = m.value
	}
	return out
}

func indexOf(values []any, v any) int {
	for i, candidate := range values {
		if sameValue(candidate, v) {
			return i
		}
	}
	return -1
}

// sameValue compares numbers by value regardless of their Go type
func sameValue(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
