// Package data provides bar series storage and loading.
package data

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Supported file formats
const (
	FormatBinary  = ".bin"
	FormatParquet = ".parquet"
)

var (
	// ErrNotFound is returned when no file exists for a symbol
	ErrNotFound = errors.New("data: series not found")
	// ErrUnusable is returned when validation finds critical issues
	ErrUnusable = errors.New("data: series failed validation")
)

// Store loads bar series from a data directory. File names come from a
// template where {symbol} and {interval} are substituted; a template without
// an extension matches both binary and Parquet files.
type Store struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	config    types.DataConfig
	validator *Validator
	cache     map[string]*candles.Series
	reports   map[string]*QualityReport
}

// NewStore creates a store over cfg.DataDir, creating the directory if needed
func NewStore(logger *zap.Logger, cfg types.DataConfig) (*Store, error) {
	if cfg.FileTemplate == "" {
		cfg.FileTemplate = types.DefaultDataConfig().FileTemplate
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &Store{
		logger:    logger,
		config:    cfg,
		validator: NewValidator(logger),
		cache:     make(map[string]*candles.Series),
		reports:   make(map[string]*QualityReport),
	}, nil
}

// Dir returns the data directory
func (s *Store) Dir() string { return s.config.DataDir }

// Validator returns the validator used on load
func (s *Store) Validator() *Validator { return s.validator }

// FileName resolves template for symbol and interval
func FileName(template, symbol string, interval types.Timeframe) string {
	name := strings.ReplaceAll(template, "{symbol}", symbol)
	return strings.ReplaceAll(name, "{interval}", string(interval))
}

// Load returns the series of symbol using the store's template
func (s *Store) Load(ctx context.Context, symbol string, interval types.Timeframe) (*candles.Series, error) {
	return s.LoadFile(ctx, FileName(s.config.FileTemplate, symbol, interval), symbol, interval)
}

// LoadFile returns the series stored under name, relative to the data
// directory. Series are cached by resolved path and interval.
func (s *Store) LoadFile(ctx context.Context, name, symbol string, interval types.Timeframe) (*candles.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.resolve(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s", err, symbol, interval)
	}
	key := path + "@" + string(interval)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var series *candles.Series
	switch filepath.Ext(path) {
	case FormatParquet:
		series, err = candles.ReadParquet(path, interval)
	default:
		series, err = candles.ReadFile(path, interval)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", symbol, err)
	}

	if s.config.ValidateOnLoad {
		report := s.validator.Validate(series, symbol)
		s.mu.Lock()
		s.reports[symbol] = report
		s.mu.Unlock()
		if report.Critical() {
			return nil, fmt.Errorf("%w: %s scored %d with %d issues", ErrUnusable, symbol, report.QualityScore, len(report.Issues))
		}
	}

	s.mu.Lock()
	s.cache[key] = series
	s.mu.Unlock()

	s.logger.Debug("Loaded series",
		zap.String("symbol", symbol),
		zap.String("path", path),
		zap.Int("bars", series.Len()),
	)
	return series, nil
}

func (s *Store) resolve(name string) (string, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.config.DataDir, name)
	}

	candidates := []string{path}
	if ext := filepath.Ext(path); ext != FormatBinary && ext != FormatParquet {
		candidates = []string{path + FormatBinary, path + FormatParquet, path}
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", ErrNotFound
}

// Save writes series for symbol in the given format
func (s *Store) Save(symbol string, series *candles.Series, format string) (string, error) {
	name := FileName(s.config.FileTemplate, symbol, series.Interval())
	if ext := filepath.Ext(name); ext == FormatBinary || ext == FormatParquet {
		name = strings.TrimSuffix(name, ext)
	}
	path := filepath.Join(s.config.DataDir, name+format)

	var err error
	switch format {
	case FormatBinary:
		err = candles.WriteFile(path, series)
	case FormatParquet:
		err = candles.WriteParquet(path, symbol, series)
	default:
		return "", fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	for key := range s.cache {
		if strings.HasPrefix(key, filepath.Join(s.config.DataDir, name)) {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()

	s.logger.Info("Saved series", zap.String("symbol", symbol), zap.String("path", path), zap.Int("bars", series.Len()))
	return path, nil
}

// Symbols lists the symbols with a file matching the template
func (s *Store) Symbols() ([]string, error) {
	entries, err := os.ReadDir(s.config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	pattern := templatePattern(s.config.FileTemplate)
	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if m := pattern.FindStringSubmatch(e.Name()); m != nil {
			seen[m[1]] = struct{}{}
		}
	}

	symbols := make([]string, 0, len(seen))
	for sym := range seen {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func templatePattern(template string) *regexp.Regexp {
	ext := filepath.Ext(template)
	base := template
	if ext == FormatBinary || ext == FormatParquet {
		base = strings.TrimSuffix(template, ext)
	}

	expr := regexp.QuoteMeta(base)
	expr = strings.Replace(expr, regexp.QuoteMeta("{symbol}"), `([A-Za-z0-9_]+?)`, 1)
	expr = strings.ReplaceAll(expr, regexp.QuoteMeta("{symbol}"), `[A-Za-z0-9_]+?`)
	expr = strings.ReplaceAll(expr, regexp.QuoteMeta("{interval}"), `[0-9]+[mhdw]`)
	if !strings.Contains(template, "{symbol}") {
		expr = "(" + expr + ")"
	}
	return regexp.MustCompile(`^` + expr + `(?:\.bin|\.parquet)$`)
}

// Report returns the last quality report for symbol
func (s *Store) Report(symbol string) (*QualityReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[symbol]
	return r, ok
}

// ClearCache drops every cached series
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*candles.Series)
}

// CacheSize returns the number of cached series
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
