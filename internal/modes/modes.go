// Package modes provides named market presets. A mode fixes the account,
// the trading window, the fee model and the symbols of a market.
package modes

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

//go:embed modes.yaml
var builtin []byte

// Mode is a market preset
type Mode struct {
	Name               string          `json:"name" yaml:"-"`
	Description        string          `json:"description" yaml:"description"`
	Capital            float64         `json:"capital" yaml:"capital"`
	Start              time.Time       `json:"start" yaml:"start"`
	End                time.Time       `json:"end" yaml:"end"`
	Fee                float64         `json:"fee" yaml:"fee"`
	FundingFee         float64         `json:"fundingFee" yaml:"fundingFee"`
	Slippage           float64         `json:"slippage" yaml:"slippage"`
	Leverage           float64         `json:"leverage" yaml:"leverage"`
	Interval           types.Timeframe `json:"interval" yaml:"interval"`
	DataInterval       types.Timeframe `json:"dataInterval" yaml:"dataInterval"`
	SimulationInterval types.Timeframe `json:"simulationInterval" yaml:"simulationInterval"`
	MinBalance         float64         `json:"minBalance" yaml:"minBalance"`
	MaxCost            float64         `json:"maxCost" yaml:"maxCost"`
	Risk               float64         `json:"risk" yaml:"risk"`
	FileTemplate       string          `json:"fileTemplate" yaml:"fileTemplate"`
	Symbols            []string        `json:"symbols" yaml:"symbols"`
}

// Settings returns the trading settings of the mode
func (m Mode) Settings() types.Settings {
	s := types.DefaultSettings()
	s.Interval = m.Interval
	s.Fee = m.Fee
	s.Leverage = m.Leverage
	s.MaxCost = m.MaxCost
	s.MinBalance = m.MinBalance
	s.Risk = m.Risk
	s.MaxCandlesToBuy = 1
	s.FixedProfit = 0
	s.MaxPositions = 6
	return s
}

// SimulationSettings returns the account and window of the mode
func (m Mode) SimulationSettings() types.SimulationSettings {
	return types.SimulationSettings{
		Capital:            m.Capital,
		Start:              m.Start,
		End:                m.End,
		DataInterval:       m.DataInterval,
		SimulationInterval: m.SimulationInterval,
		FundingFee:         m.FundingFee,
		Slippage:           m.Slippage,
		Symbols:            append([]string(nil), m.Symbols...),
	}
}

// FileName returns the data file name of symbol
func (m Mode) FileName(symbol string) string {
	return strings.ReplaceAll(m.FileTemplate, "{symbol}", symbol)
}

// Set is a collection of modes by name
type Set map[string]Mode

type modesFile struct {
	Modes map[string]Mode `yaml:"modes"`
}

// Parse decodes a modes document
func Parse(data []byte) (Set, error) {
	var file modesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse modes: %w", err)
	}

	set := make(Set, len(file.Modes))
	for name, m := range file.Modes {
		m.Name = name
		if _, err := m.SimulationInterval.Duration(); err != nil {
			return nil, fmt.Errorf("mode %s: %w", name, err)
		}
		if _, err := m.DataInterval.Duration(); err != nil {
			return nil, fmt.Errorf("mode %s: %w", name, err)
		}
		if m.End.Before(m.Start) {
			return nil, fmt.Errorf("mode %s: end is before start", name)
		}
		set[name] = m
	}
	return set, nil
}

// LoadFile reads a modes document from disk
func LoadFile(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read modes file: %w", err)
	}
	return Parse(data)
}

var (
	builtinOnce sync.Once
	builtinSet  Set
	builtinErr  error
)

// Builtin returns the presets compiled into the binary
func Builtin() Set {
	builtinOnce.Do(func() {
		builtinSet, builtinErr = Parse(builtin)
	})
	if builtinErr != nil {
		panic(fmt.Sprintf("invalid embedded modes: %v", builtinErr))
	}
	return builtinSet
}

// Get returns the named mode
func (s Set) Get(name string) (Mode, error) {
	m, ok := s[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Mode{}, fmt.Errorf("unknown mode %q", name)
	}
	return m, nil
}

// List returns the modes sorted by name
func (s Set) List() []Mode {
	out := make([]Mode, 0, len(s))
	for _, m := range s {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Merge returns a set with the modes of other added to or replacing
// those of s
func (s Set) Merge(other Set) Set {
	out := make(Set, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Get returns a builtin mode
func Get(name string) (Mode, error) {
	return Builtin().Get(name)
}
