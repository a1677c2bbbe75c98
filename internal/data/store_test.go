package data_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

const hour = 3600

func hourlyBars(n int) []candles.Bar {
	bars := make([]candles.Bar, n)
	price := float32(100)
	for i := range bars {
		bars[i] = candles.Bar{
			Time:  int32(1_600_000_000 + i*hour),
			Open:  price,
			High:  price + 2,
			Low:   price - 1,
			Close: price + 1,
		}
		price++
	}
	return bars
}

func newSeries(t *testing.T, bars []candles.Bar) *candles.Series {
	t.Helper()
	s, err := candles.NewFromBars(bars, types.Timeframe1h)
	if err != nil {
		t.Fatalf("Failed to build series: %v", err)
	}
	return s
}

func newStore(t *testing.T, template string, validate bool) *data.Store {
	t.Helper()
	store, err := data.NewStore(zap.NewNop(), types.DataConfig{
		DataDir:        t.TempDir(),
		FileTemplate:   template,
		ValidateOnLoad: validate,
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func TestStoreSaveAndLoad(t *testing.T) {
	ctx := context.Background()

	for _, format := range []string{data.FormatBinary, data.FormatParquet} {
		t.Run(format, func(t *testing.T) {
			store := newStore(t, "{symbol}-{interval}", true)

			if _, err := store.Save("BTCUSDT", newSeries(t, hourlyBars(48)), format); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			series, err := store.Load(ctx, "BTCUSDT", types.Timeframe1h)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if series.Len() != 48 {
				t.Fatalf("got %d bars, expected 48", series.Len())
			}
			last, _ := series.Last()
			if last.Close != 148 {
				t.Errorf("last close = %v, expected 148", last.Close)
			}

			again, _ := store.Load(ctx, "BTCUSDT", types.Timeframe1h)
			if again != series || store.CacheSize() != 1 {
				t.Errorf("expected the second load to hit the cache")
			}

			report, ok := store.Report("BTCUSDT")
			if !ok || !report.IsUsable {
				t.Errorf("report = %+v", report)
			}
		})
	}
}

func TestStoreNotFound(t *testing.T) {
	store := newStore(t, "{symbol}-{interval}", false)

	_, err := store.Load(context.Background(), "NOPE", types.Timeframe1h)
	if !errors.Is(err, data.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsCorruptSeries(t *testing.T) {
	store := newStore(t, "{symbol}", true)

	bars := hourlyBars(10)
	bars[4].High = bars[4].Low - 5
	if err := candles.WriteFile(filepath.Join(store.Dir(), "ETHUSDT.bin"), newSeries(t, bars)); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	_, err := store.Load(context.Background(), "ETHUSDT", types.Timeframe1h)
	if !errors.Is(err, data.ErrUnusable) {
		t.Fatalf("expected ErrUnusable, got %v", err)
	}
	if store.CacheSize() != 0 {
		t.Error("a rejected series must not be cached")
	}
}

func TestStoreModeFiles(t *testing.T) {
	store := newStore(t, "{symbol}-{interval}", false)
	name := "SOLUSDT-1h-futures-binance-data.bin"

	if err := candles.WriteFile(filepath.Join(store.Dir(), name), newSeries(t, hourlyBars(5))); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	series, err := store.LoadFile(context.Background(), name, "SOLUSDT", types.Timeframe1h)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if series.Len() != 5 {
		t.Errorf("got %d bars, expected 5", series.Len())
	}
}

func TestStoreSymbols(t *testing.T) {
	store := newStore(t, "{symbol}-{interval}", false)

	for _, sym := range []string{"BTCUSDT", "ADAUSDT"} {
		if _, err := store.Save(sym, newSeries(t, hourlyBars(3)), data.FormatBinary); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if _, err := store.Save("BTCUSDT", newSeries(t, hourlyBars(3)), data.FormatParquet); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	symbols, err := store.Symbols()
	if err != nil {
		t.Fatalf("Symbols failed: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "ADAUSDT" || symbols[1] != "BTCUSDT" {
		t.Errorf("symbols = %v", symbols)
	}
}

func TestStoreCanceledContext(t *testing.T) {
	store := newStore(t, "{symbol}", false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Load(ctx, "BTCUSDT", types.Timeframe1h); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
