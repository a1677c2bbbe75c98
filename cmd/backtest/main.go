// Command backtest runs simulations, optimizations and Monte Carlo studies
// from the terminal, and converts bar files between the binary and Parquet
// layouts.
//
//	backtest run -mode alts -script momentum -symbols BTCUSDT,ETHUSDT -progress
//	backtest optimize -method annealing -script breakout -duration 5m
//	backtest montecarlo -script monkey -runs 5000
//	backtest convert -in BTCUSDT.parquet -out BTCUSDT-1h.bin -interval 1h
//	backtest quality -symbol BTCUSDT -interval 1h
//	backtest modes
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/internal/config"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/modes"
	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/internal/orchestrator"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

const usage = `usage: backtest <command> [flags]

commands:
  run         simulate a script over a mode and print the report
  optimize    search the parameter space of a script
  montecarlo  simulate, then resample the trades
  convert     convert bars between .bin and .parquet
  quality     validate a stored series
  modes       list the market modes
  scripts     list the builtin scripts
`

// common holds the flags every simulating command shares
type common struct {
	config    string
	modesFile string
	dataDir   string
	mode      string
	script    string
	symbols   string
	overrides string
	verbose   bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "config file")
	fs.StringVar(&c.modesFile, "modes", "", "extra modes file")
	fs.StringVar(&c.dataDir, "data", "", "data directory (overrides config)")
	fs.StringVar(&c.mode, "mode", "", "market mode (default from config)")
	fs.StringVar(&c.script, "script", "momentum", "script name")
	fs.StringVar(&c.symbols, "symbols", "", "comma separated symbols (default from mode)")
	fs.StringVar(&c.overrides, "set", "", `script options as JSON, e.g. '{"period":20}'`)
	fs.BoolVar(&c.verbose, "v", false, "debug logging")
}

func (c *common) spec() (orchestrator.RunSpec, error) {
	spec := orchestrator.RunSpec{Mode: c.mode, Script: c.script}
	if c.symbols != "" {
		for _, s := range strings.Split(c.symbols, ",") {
			if s = strings.TrimSpace(s); s != "" {
				spec.Symbols = append(spec.Symbols, strings.ToUpper(s))
			}
		}
	}
	if c.overrides != "" {
		if err := json.Unmarshal([]byte(c.overrides), &spec.Overrides); err != nil {
			return spec, fmt.Errorf("invalid -set: %w", err)
		}
	}
	return spec, nil
}

// lab wires an orchestrator from configuration
type lab struct {
	logger *zap.Logger
	cfg    *types.AppConfig
	orch   *orchestrator.Orchestrator
}

func (c *common) open() (*lab, error) {
	opts := config.DefaultOptions()
	opts.File = c.config
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, err
	}
	if c.dataDir != "" {
		cfg.Data.DataDir = c.dataDir
	}

	level := zapcore.WarnLevel
	if c.verbose {
		level = zapcore.DebugLevel
	}
	logger := newLogger(level)

	store, err := data.NewStore(logger, cfg.Data)
	if err != nil {
		return nil, err
	}

	set := modes.Builtin()
	if c.modesFile != "" {
		extra, err := modes.LoadFile(c.modesFile)
		if err != nil {
			return nil, err
		}
		set = set.Merge(extra)
	}

	orchConfig := orchestrator.DefaultConfig()
	orchConfig.DefaultMode = cfg.Mode
	orchConfig.Optimizer = cfg.Optimizer

	orch, err := orchestrator.New(logger, orchConfig, store, strategy.NewRegistry(logger), set, nil)
	if err != nil {
		return nil, err
	}
	return &lab{logger: logger, cfg: cfg, orch: orch}, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		err = runCmd(ctx, args)
	case "optimize":
		err = optimizeCmd(ctx, args)
	case "montecarlo":
		err = monteCarloCmd(ctx, args)
	case "convert":
		err = convertCmd(args)
	case "quality":
		err = qualityCmd(ctx, args)
	case "modes":
		err = modesCmd(args)
	case "scripts":
		err = scriptsCmd()
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd(ctx context.Context, args []string) error {
	var c common
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	c.register(fs)
	trades := fs.Bool("trades", false, "print every trade")
	progress := fs.Bool("progress", false, "print progress to stderr")
	fs.Parse(args)

	l, err := c.open()
	if err != nil {
		return err
	}
	defer l.logger.Sync()

	spec, err := c.spec()
	if err != nil {
		return err
	}

	req, _, err := l.orch.Prepare(ctx, spec)
	if err != nil {
		return err
	}
	var stopProgress func()
	if *progress {
		req.OnEvent, stopProgress = progressPrinter()
	}
	result, err := l.orch.Execute(ctx, req)
	if stopProgress != nil {
		stopProgress()
	}
	if err != nil {
		return err
	}
	if *trades {
		return printJSON(result.Trades)
	}
	return printJSON(l.orch.Report(result, req.Series))
}

// progressPrinter writes run progress to stderr. stop waits for the last line.
func progressPrinter() (backtester.EventHandler, func()) {
	events := make(chan types.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Progress != nil {
				fmt.Fprintf(os.Stderr, "\r%3d%%", ev.Progress.Percentage)
			}
		}
		fmt.Fprintln(os.Stderr)
	}()
	return backtester.ChannelHandler(events), func() {
		close(events)
		<-done
	}
}

func optimizeCmd(ctx context.Context, args []string) error {
	var c common
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	c.register(fs)
	method := fs.String("method", "annealing", "list, grid, annealing, genetic or runs")
	duration := fs.Duration("duration", 0, "time limit (default from config)")
	spacePath := fs.String("space", "", "YAML parameter space (default from script)")
	keyA := fs.String("keyA", "", "first grid axis")
	keyB := fs.String("keyB", "", "second grid axis")
	runs := fs.Int("runs", 10, "runs for the runs method")
	fs.Parse(args)

	l, err := c.open()
	if err != nil {
		return err
	}
	defer l.logger.Sync()

	run, err := c.spec()
	if err != nil {
		return err
	}
	spec := orchestrator.OptimizeSpec{
		RunSpec: run,
		Method:  optimization.Method(*method),
		KeyA:    *keyA,
		KeyB:    *keyB,
		Runs:    *runs,
		Seconds: int(duration.Seconds()),
	}
	if *spacePath != "" {
		if spec.Space, err = optimization.LoadSpace(*spacePath); err != nil {
			return err
		}
	}

	outcome, err := l.orch.Optimize(ctx, spec, func(p orchestrator.Point) {
		label := ""
		if len(p.Label) > 0 {
			b, _ := json.Marshal(p.Label)
			label = string(b) + " "
		}
		fmt.Fprintf(os.Stderr, "%s%s fitness=%.4f balance=%.2f trades=%d dd=%.4f\n",
			label, p.Solution.Key(), p.Evaluation.Fitness, p.Evaluation.Balance,
			p.Evaluation.Trades, p.Evaluation.MaxDrawdown)
	})
	if outcome != nil {
		if perr := printJSON(outcome); perr != nil {
			return perr
		}
	}
	return err
}

func monteCarloCmd(ctx context.Context, args []string) error {
	var c common
	fs := flag.NewFlagSet("montecarlo", flag.ExitOnError)
	c.register(fs)
	runs := fs.Int("runs", 0, "simulations (default from config)")
	fs.Parse(args)

	l, err := c.open()
	if err != nil {
		return err
	}
	defer l.logger.Sync()

	spec, err := c.spec()
	if err != nil {
		return err
	}

	result, err := l.orch.Backtest(ctx, spec, nil)
	if err != nil {
		return err
	}
	mc, err := l.orch.MonteCarlo(ctx, result, *runs)
	if err != nil {
		return err
	}
	return printJSON(mc)
}

func convertCmd(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	in := fs.String("in", "", "input file (.bin or .parquet)")
	out := fs.String("out", "", "output file (.bin or .parquet)")
	interval := fs.String("interval", "1h", "bar interval")
	symbol := fs.String("symbol", "", "symbol written to parquet records (default from the output name)")
	fs.Parse(args)

	if *in == "" || *out == "" {
		return errors.New("convert needs -in and -out")
	}
	tf := types.Timeframe(*interval)
	if _, err := tf.Duration(); err != nil {
		return err
	}

	var (
		series *candles.Series
		err    error
	)
	switch filepath.Ext(*in) {
	case data.FormatParquet:
		series, err = candles.ReadParquet(*in, tf)
	default:
		series, err = candles.ReadFile(*in, tf)
	}
	if err != nil {
		return err
	}

	switch filepath.Ext(*out) {
	case data.FormatParquet:
		name := *symbol
		if name == "" {
			name = strings.SplitN(strings.TrimSuffix(filepath.Base(*out), data.FormatParquet), "-", 2)[0]
		}
		err = candles.WriteParquet(*out, name, series)
	default:
		err = candles.WriteFile(*out, series)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "wrote %d bars to %s\n", series.Len(), *out)
	return nil
}

func qualityCmd(ctx context.Context, args []string) error {
	var c common
	fs := flag.NewFlagSet("quality", flag.ExitOnError)
	c.register(fs)
	symbol := fs.String("symbol", "", "symbol to validate")
	interval := fs.String("interval", "1h", "bar interval")
	fs.Parse(args)

	if *symbol == "" {
		return errors.New("quality needs -symbol")
	}

	l, err := c.open()
	if err != nil {
		return err
	}
	defer l.logger.Sync()

	store := l.orch.Store()
	series, err := store.Load(ctx, strings.ToUpper(*symbol), types.Timeframe(*interval))
	if err != nil {
		return err
	}
	return printJSON(store.Validator().Validate(series, strings.ToUpper(*symbol)))
}

func modesCmd(args []string) error {
	fs := flag.NewFlagSet("modes", flag.ExitOnError)
	modesFile := fs.String("modes", "", "extra modes file")
	fs.Parse(args)

	set := modes.Builtin()
	if *modesFile != "" {
		extra, err := modes.LoadFile(*modesFile)
		if err != nil {
			return err
		}
		set = set.Merge(extra)
	}

	for _, m := range set.List() {
		fmt.Printf("%-12s %s  %s..%s  %s  %d symbols\n",
			m.Name, m.SimulationInterval,
			m.Start.Format(time.DateOnly), m.End.Format(time.DateOnly),
			m.Description, len(m.Symbols))
	}
	return nil
}

func scriptsCmd() error {
	for _, s := range strategy.NewRegistry(zap.NewNop()).List() {
		fmt.Printf("%-10s %s\n", s.Name, s.Description)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogger(level zapcore.Level) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
