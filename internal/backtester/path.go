package backtester

import (
	"fmt"

	"github.com/atlas-desktop/strategy-lab/internal/candles"
)

// PricePath decides which prices a bar is replayed as and in what order.
// The order determines whether a stop or a limit inside the same bar
// triggers first, so it has a direct effect on results.
type PricePath interface {
	Steps() int
	Price(bar candles.Bar, step int) float32
}

// OHLCPath replays open, low, high, close
type OHLCPath struct{}

func (OHLCPath) Steps() int { return 4 }

func (OHLCPath) Price(bar candles.Bar, step int) float32 {
	switch step {
	case 0:
		return bar.Open
	case 1:
		return bar.Low
	case 2:
		return bar.High
	default:
		return bar.Close
	}
}

// OpenHighLowClose replays open, high, low, close
type OpenHighLowClose struct{}

func (OpenHighLowClose) Steps() int { return 4 }

func (OpenHighLowClose) Price(bar candles.Bar, step int) float32 {
	switch step {
	case 0:
		return bar.Open
	case 1:
		return bar.High
	case 2:
		return bar.Low
	default:
		return bar.Close
	}
}

// CloseOnly replays one step per bar at the close
type CloseOnly struct{}

func (CloseOnly) Steps() int { return 1 }

func (CloseOnly) Price(bar candles.Bar, _ int) float32 { return bar.Close }

// PathByName returns a built-in path: "olhc" (open, low, high, close; the
// default), "ohlc" or "close".
func PathByName(name string) (PricePath, error) {
	switch name {
	case "", "olhc":
		return OHLCPath{}, nil
	case "ohlc":
		return OpenHighLowClose{}, nil
	case "close":
		return CloseOnly{}, nil
	}
	return nil, fmt.Errorf("%w: unknown price path %q", ErrInvalidInput, name)
}
