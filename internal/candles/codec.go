package candles

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Encode writes bars back to back in the 20-byte little-endian layout
func Encode(bars []Bar) []byte {
	buf := make([]byte, len(bars)*BarSize)
	for i, bar := range bars {
		encodeBar(buf[i*BarSize:(i+1)*BarSize], bar)
	}
	return buf
}

func encodeBar(b []byte, bar Bar) {
	binary.LittleEndian.PutUint32(b[0:], uint32(bar.Time))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(bar.Open))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(bar.High))
	binary.LittleEndian.PutUint32(b[12:], math.Float32bits(bar.Low))
	binary.LittleEndian.PutUint32(b[16:], math.Float32bits(bar.Close))
}

func decodeBar(b []byte) Bar {
	return Bar{
		Time:  int32(binary.LittleEndian.Uint32(b[0:])),
		Open:  math.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
		High:  math.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
		Low:   math.Float32frombits(binary.LittleEndian.Uint32(b[12:])),
		Close: math.Float32frombits(binary.LittleEndian.Uint32(b[16:])),
	}
}

// ReadFile loads a headerless binary bar file
func ReadFile(path string, interval types.Timeframe) (*Series, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bar file: %w", err)
	}
	return New(buf, interval, 0, -1)
}

// WriteFile stores the window of s as a headerless binary bar file
func WriteFile(path string, s *Series) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, s.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write bar file: %w", err)
	}
	return nil
}
