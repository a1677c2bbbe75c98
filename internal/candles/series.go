// Package candles provides the compact binary bar series used by the backtester.
//
// A series is a window over a shared, immutable buffer of 20-byte bar records
// (int32 time in seconds, float32 open, high, low, close; little-endian).
// Windows are cheap to create and never copy the buffer.
package candles

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// BarSize is the encoded size of one bar in bytes
const BarSize = 20

var (
	// ErrInvalidInput is returned for malformed buffers and bad arguments
	ErrInvalidInput = errors.New("candles: invalid input")
	// ErrRange is returned when an index falls outside the window
	ErrRange = errors.New("candles: index out of range")
)

// Bar is one OHLC record
type Bar struct {
	Time  int32   `json:"time"`
	Open  float32 `json:"open"`
	High  float32 `json:"high"`
	Low   float32 `json:"low"`
	Close float32 `json:"close"`
}

// Series is an immutable windowed view over a bar buffer
type Series struct {
	buf         []byte
	interval    types.Timeframe
	intervalSec int64
	start       int
	end         int
}

// New creates a series over buf restricted to bars [start, end).
// start is clamped to 0, an end of -1 or past the data selects the last bar,
// and an end before start yields an empty window.
func New(buf []byte, interval types.Timeframe, start, end int) (*Series, error) {
	if len(buf)%BarSize != 0 {
		return nil, fmt.Errorf("%w: buffer length %d is not a multiple of %d", ErrInvalidInput, len(buf), BarSize)
	}

	sec, err := interval.Seconds()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	n := len(buf) / BarSize
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	if end == -1 || end > n {
		end = n
	}
	if end < start {
		end = start
	}

	return &Series{
		buf:         buf,
		interval:    interval,
		intervalSec: sec,
		start:       start,
		end:         end,
	}, nil
}

// NewFromBars encodes bars into a fresh buffer and wraps it
func NewFromBars(bars []Bar, interval types.Timeframe) (*Series, error) {
	return New(Encode(bars), interval, 0, -1)
}

// Len returns the number of bars in the window
func (s *Series) Len() int { return s.end - s.start }

// Interval returns the bar interval label
func (s *Series) Interval() types.Timeframe { return s.interval }

// IntervalSeconds returns the bar interval in seconds
func (s *Series) IntervalSeconds() int64 { return s.intervalSec }

// Get returns bar i of the window
func (s *Series) Get(i int) (Bar, error) {
	if i < 0 || i >= s.Len() {
		return Bar{}, fmt.Errorf("%w: %d not in [0, %d)", ErrRange, i, s.Len())
	}
	return s.at(i), nil
}

// MustGet is Get for callers that already checked the bounds
func (s *Series) MustGet(i int) Bar {
	b, err := s.Get(i)
	if err != nil {
		panic(err)
	}
	return b
}

// Offset returns the bar o positions back from the last one
func (s *Series) Offset(o int) (Bar, error) {
	return s.Get(s.Len() - 1 - o)
}

// First returns the first bar of the window
func (s *Series) First() (Bar, error) { return s.Get(0) }

// Last returns the last bar of the window
func (s *Series) Last() (Bar, error) { return s.Offset(0) }

func (s *Series) at(i int) Bar {
	off := (s.start + i) * BarSize
	return decodeBar(s.buf[off : off+BarSize])
}

// IndexOfTime returns the window index of the first bar whose coverage
// [time, time+interval) contains or follows t, or -1 when t is past the end.
func (s *Series) IndexOfTime(t int64) int {
	n := s.Len()
	idx := sort.Search(n, func(i int) bool {
		return int64(s.at(i).Time)+s.intervalSec > t
	})
	if idx == n {
		return -1
	}
	return idx
}

// MinMax returns the lowest low and highest high over window indices [a, b)
func (s *Series) MinMax(a, b int) (low, high float32) {
	if a < 0 {
		a = 0
	}
	if b > s.Len() {
		b = s.Len()
	}

	low = math.MaxFloat32
	high = -math.MaxFloat32
	for i := a; i < b; i++ {
		bar := s.at(i)
		if bar.Low < low {
			low = bar.Low
		}
		if bar.High > high {
			high = bar.High
		}
	}
	return low, high
}

// Range returns a zero-copy sub-window over window indices [a, b)
func (s *Series) Range(a, b int) *Series {
	if a < 0 {
		a = 0
	}
	if b > s.Len() {
		b = s.Len()
	}
	if b < a {
		b = a
	}
	return &Series{
		buf:         s.buf,
		interval:    s.interval,
		intervalSec: s.intervalSec,
		start:       s.start + a,
		end:         s.start + b,
	}
}

// Transform resamples the series to a coarser interval. Bars before the
// first one starting at 00:00 UTC are discarded. The result owns a new buffer.
func (s *Series) Transform(interval types.Timeframe) (*Series, error) {
	if interval == s.interval {
		return s, nil
	}

	sec, err := interval.Seconds()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	i := 0
	for ; i < s.Len(); i++ {
		if int64(s.at(i).Time)%86400 < 60 {
			break
		}
	}

	out := make([]Bar, 0, (s.Len()-i)*int(s.intervalSec)/int(max(sec, 1))+1)
	for ; i < s.Len(); i++ {
		bar := s.at(i)
		if len(out) == 0 || int64(bar.Time)-int64(out[len(out)-1].Time) >= sec {
			out = append(out, bar)
			continue
		}

		cur := &out[len(out)-1]
		if bar.Low < cur.Low {
			cur.Low = bar.Low
		}
		if bar.High > cur.High {
			cur.High = bar.High
		}
		cur.Close = bar.Close
	}

	return New(Encode(out), interval, 0, -1)
}

// Bars decodes the window into a slice
func (s *Series) Bars() []Bar {
	bars := make([]Bar, s.Len())
	for i := range bars {
		bars[i] = s.at(i)
	}
	return bars
}

// Bytes returns the window's raw encoded bytes. The slice aliases the buffer
// and must not be modified.
func (s *Series) Bytes() []byte {
	return s.buf[s.start*BarSize : s.end*BarSize]
}
