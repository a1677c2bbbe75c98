package strategy

import (
	"math"

	"github.com/atlas-desktop/strategy-lab/internal/candles"
)

// finite maps infinities to NaN so callers have one undefined value to check
func finite(v float64) float64 {
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

// SMA returns the simple moving average of the last period closes.
// It returns NaN when the series is too short.
func SMA(s *candles.Series, period int) float64 {
	n := s.Len()
	if period <= 0 || n < period {
		return math.NaN()
	}

	sum := 0.0
	for i := n - period; i < n; i++ {
		sum += float64(s.MustGet(i).Close)
	}
	return finite(sum / float64(period))
}

// ATR returns the average true range over the last period bars
func ATR(s *candles.Series, period int) float64 {
	n := s.Len()
	if period <= 0 || n < period+1 {
		return math.NaN()
	}

	sum := 0.0
	for i := n - period; i < n; i++ {
		bar := s.MustGet(i)
		prev := float64(s.MustGet(i - 1).Close)
		tr := math.Max(float64(bar.High)-float64(bar.Low),
			math.Max(math.Abs(float64(bar.High)-prev), math.Abs(float64(bar.Low)-prev)))
		sum += tr
	}
	return finite(sum / float64(period))
}

// Highest returns the highest high of the last period bars
func Highest(s *candles.Series, period int) float64 {
	if period <= 0 || s.Len() < period {
		return math.NaN()
	}
	_, high := s.MinMax(s.Len()-period, s.Len())
	return finite(float64(high))
}

// Lowest returns the lowest low of the last period bars
func Lowest(s *candles.Series, period int) float64 {
	if period <= 0 || s.Len() < period {
		return math.NaN()
	}
	low, _ := s.MinMax(s.Len()-period, s.Len())
	return finite(float64(low))
}

// Momentum returns the relative change of the close over period bars
func Momentum(s *candles.Series, period int) float64 {
	n := s.Len()
	if period <= 0 || n < period+1 {
		return math.NaN()
	}
	past := float64(s.MustGet(n - 1 - period).Close)
	if past == 0 {
		return math.NaN()
	}
	return finite((float64(s.MustGet(n-1).Close) - past) / past)
}
