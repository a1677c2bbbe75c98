package data

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/candles"
)

// Issue types reported by the validator
const (
	IssueNoData        = "NO_DATA"
	IssueGap           = "GAP_DETECTED"
	IssueNonPositive   = "NON_POSITIVE_PRICE"
	IssueExtremeMove   = "EXTREME_MOVE"
	IssueGapMove       = "GAP_MOVE"
	IssueInconsistent  = "OHLC_INCONSISTENT"
	IssueDuplicate     = "DUPLICATE_TIMESTAMP"
	IssueOutOfOrder    = "OUT_OF_ORDER"
	SeverityCritical   = "critical"
	SeverityHigh       = "high"
	SeverityMedium     = "medium"
	SeverityLow        = "low"
	usableQualityScore = 70
)

// Validator checks bar series integrity before they are simulated
type Validator struct {
	logger *zap.Logger

	MaxIntradayMove float64 // high/low range relative to low
	MaxGapMove      float64 // open relative to the previous close
	GapMultiple     int64   // missing-bar threshold in intervals
}

// DataIssue represents a data quality problem
type DataIssue struct {
	Type     string    `json:"type"`
	Severity string    `json:"severity"`
	Time     time.Time `json:"time"`
	Symbol   string    `json:"symbol"`
	Message  string    `json:"message"`
	Value    string    `json:"value,omitempty"`
	BarIndex int       `json:"barIndex"`
}

// QualityReport summarizes a series
type QualityReport struct {
	Symbol       string      `json:"symbol"`
	Interval     string      `json:"interval"`
	TotalBars    int         `json:"totalBars"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"qualityScore"`
	IsUsable     bool        `json:"isUsable"`

	GapCount          int `json:"gapCount"`
	PriceAnomalyCount int `json:"priceAnomalyCount"`
	OHLCErrorCount    int `json:"ohlcErrorCount"`
	OrderErrorCount   int `json:"orderErrorCount"`

	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration string    `json:"duration"`

	Recommendations []string `json:"recommendations"`
}

// Critical reports whether any issue makes the series unsafe to simulate
func (r *QualityReport) Critical() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// NewValidator creates a validator tuned for 24/7 crypto markets
func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{
		logger:          logger,
		MaxIntradayMove: 0.30,
		MaxGapMove:      0.20,
		GapMultiple:     3,
	}
}

// Validate runs every check over the series
func (v *Validator) Validate(series *candles.Series, symbol string) *QualityReport {
	if series == nil || series.Len() == 0 {
		return &QualityReport{
			Symbol:          symbol,
			Issues:          []DataIssue{{Type: IssueNoData, Severity: SeverityCritical, Symbol: symbol, Message: "No data provided"}},
			Recommendations: []string{"Download data for the requested window"},
		}
	}

	bars := series.Bars()
	issues := make([]DataIssue, 0)
	issues = append(issues, v.checkOrder(bars, symbol)...)
	issues = append(issues, v.checkGaps(bars, series.IntervalSeconds(), symbol)...)
	issues = append(issues, v.checkPrices(bars, symbol)...)
	issues = append(issues, v.checkConsistency(bars, symbol)...)

	first, last := bars[0], bars[len(bars)-1]
	start := time.Unix(int64(first.Time), 0).UTC()
	end := time.Unix(int64(last.Time), 0).UTC()

	report := &QualityReport{
		Symbol:            symbol,
		Interval:          string(series.Interval()),
		TotalBars:         len(bars),
		Issues:            issues,
		QualityScore:      qualityScore(len(bars), issues),
		GapCount:          countIssues(issues, IssueGap),
		PriceAnomalyCount: countIssues(issues, IssueNonPositive, IssueExtremeMove, IssueGapMove),
		OHLCErrorCount:    countIssues(issues, IssueInconsistent),
		OrderErrorCount:   countIssues(issues, IssueDuplicate, IssueOutOfOrder),
		Start:             start,
		End:               end,
		Duration:          end.Sub(start).String(),
		Recommendations:   recommendations(issues, len(bars)),
	}
	report.IsUsable = report.QualityScore >= usableQualityScore && !report.Critical()

	if len(issues) > 0 {
		v.logger.Debug("Series has quality issues",
			zap.String("symbol", symbol),
			zap.Int("issues", len(issues)),
			zap.Int("score", report.QualityScore),
		)
	}
	return report
}

func (v *Validator) checkOrder(bars []candles.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)
	for i := 1; i < len(bars); i++ {
		switch {
		case bars[i].Time == bars[i-1].Time:
			issues = append(issues, issue(IssueDuplicate, SeverityCritical, symbol, i, bars[i],
				fmt.Sprintf("Duplicate timestamp (also at index %d)", i-1), ""))
		case bars[i].Time < bars[i-1].Time:
			issues = append(issues, issue(IssueOutOfOrder, SeverityCritical, symbol, i, bars[i],
				"Bar is out of chronological order", ""))
		}
	}
	return issues
}

// checkGaps reports runs of missing bars. Weekend closes on traditional
// markets show up as medium gaps; only very long holes rate high.
func (v *Validator) checkGaps(bars []candles.Bar, interval int64, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)
	if interval <= 0 || v.GapMultiple <= 0 {
		return issues
	}

	for i := 1; i < len(bars); i++ {
		delta := int64(bars[i].Time) - int64(bars[i-1].Time)
		if delta <= interval*v.GapMultiple {
			continue
		}
		severity := SeverityMedium
		if delta > interval*v.GapMultiple*10 {
			severity = SeverityHigh
		}
		gap := time.Duration(delta) * time.Second
		issues = append(issues, issue(IssueGap, severity, symbol, i-1, bars[i-1],
			fmt.Sprintf("Data gap detected: %s (expected %s)", gap, time.Duration(interval)*time.Second), gap.String()))
	}
	return issues
}

func (v *Validator) checkPrices(bars []candles.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)
	for i, bar := range bars {
		if bar.Open <= 0 || bar.High <= 0 || bar.Low <= 0 || bar.Close <= 0 {
			issues = append(issues, issue(IssueNonPositive, SeverityCritical, symbol, i, bar,
				"Zero or negative price detected", ""))
			continue
		}

		if move := float64(bar.High-bar.Low) / float64(bar.Low); move > v.MaxIntradayMove {
			issues = append(issues, issue(IssueExtremeMove, SeverityHigh, symbol, i, bar,
				fmt.Sprintf("Extreme intraday move: %.2f%%", move*100), fmt.Sprintf("%.4f", move)))
		}

		if i == 0 || bars[i-1].Close <= 0 {
			continue
		}
		prev := float64(bars[i-1].Close)
		if move := math.Abs(float64(bar.Open)-prev) / prev; move > v.MaxGapMove {
			issues = append(issues, issue(IssueGapMove, SeverityMedium, symbol, i, bar,
				fmt.Sprintf("Large price gap: %.2f%%", move*100), fmt.Sprintf("%.4f", move)))
		}
	}
	return issues
}

func (v *Validator) checkConsistency(bars []candles.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)
	for i, bar := range bars {
		if bar.High < bar.Open || bar.High < bar.Close || bar.High < bar.Low ||
			bar.Low > bar.Open || bar.Low > bar.Close {
			issues = append(issues, issue(IssueInconsistent, SeverityCritical, symbol, i, bar,
				fmt.Sprintf("Bar range does not contain its prices (O:%g H:%g L:%g C:%g)", bar.Open, bar.High, bar.Low, bar.Close), ""))
		}
	}
	return issues
}

// Clean returns a copy of series with duplicates dropped, bars sorted by
// time, invalid prices removed and ranges widened to contain open and close.
func (v *Validator) Clean(series *candles.Series) (*candles.Series, error) {
	bars := series.Bars()
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time < bars[j].Time })

	cleaned := make([]candles.Bar, 0, len(bars))
	for _, bar := range bars {
		if n := len(cleaned); n > 0 && cleaned[n-1].Time == bar.Time {
			continue
		}
		if bar.Open <= 0 || bar.High <= 0 || bar.Low <= 0 || bar.Close <= 0 || bar.High < bar.Low {
			continue
		}
		bar.High = max(bar.High, bar.Open, bar.Close)
		bar.Low = min(bar.Low, bar.Open, bar.Close)
		cleaned = append(cleaned, bar)
	}

	v.logger.Info("Data cleaning complete",
		zap.Int("original_bars", len(bars)),
		zap.Int("cleaned_bars", len(cleaned)),
		zap.Int("removed", len(bars)-len(cleaned)),
	)

	return candles.NewFromBars(cleaned, series.Interval())
}

func issue(kind, severity, symbol string, index int, bar candles.Bar, message, value string) DataIssue {
	return DataIssue{
		Type:     kind,
		Severity: severity,
		Time:     time.Unix(int64(bar.Time), 0).UTC(),
		Symbol:   symbol,
		Message:  message,
		Value:    value,
		BarIndex: index,
	}
}

// qualityScore returns 0-100. Penalties are normalized by series length so
// long histories tolerate a few isolated problems.
func qualityScore(totalBars int, issues []DataIssue) int {
	if totalBars == 0 {
		return 0
	}

	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			penalty += 10
		case SeverityHigh:
			penalty += 5
		case SeverityMedium:
			penalty += 2
		case SeverityLow:
			penalty += 0.5
		}
	}

	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}

func recommendations(issues []DataIssue, totalBars int) []string {
	recs := make([]string, 0)
	counts := make(map[string]int)
	for _, issue := range issues {
		counts[issue.Type]++
	}

	if counts[IssueGap] > 0 {
		recs = append(recs, "Fill data gaps or exclude the affected periods from the simulation window")
	}
	if counts[IssueInconsistent] > 0 || counts[IssueNonPositive] > 0 {
		recs = append(recs, "Corrupt bars detected, re-download the series or run it through the cleaner")
	}
	if counts[IssueExtremeMove] > totalBars/100 {
		recs = append(recs, "Many extreme price moves detected, verify the data source")
	}
	if counts[IssueDuplicate] > 0 || counts[IssueOutOfOrder] > 0 {
		recs = append(recs, "Sort bars by time and drop duplicates before backtesting")
	}
	if len(recs) == 0 {
		recs = append(recs, "Data quality is acceptable for backtesting")
	}
	return recs
}

func countIssues(issues []DataIssue, kinds ...string) int {
	count := 0
	for _, issue := range issues {
		for _, k := range kinds {
			if issue.Type == k {
				count++
				break
			}
		}
	}
	return count
}
