package analysis

import (
	"math"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Report is the full set of statistics for one run
type Report struct {
	Trades                int          `json:"trades"`
	Winners               int          `json:"winners"`
	Losers                int          `json:"losers"`
	WinRate               float64      `json:"winRate"`
	Balance               float64      `json:"balance"`
	NetProfit             float64      `json:"netProfit"`
	GrossProfit           float64      `json:"grossProfit"`
	GrossLoss             float64      `json:"grossLoss"`
	ROI                   float64      `json:"roi"`
	AnnualROI             float64      `json:"annualRoi"`
	MonthlyROI            float64      `json:"monthlyRoi"`
	MaxDrawdown           float64      `json:"maxDrawdown"`
	AverageDrawdown       float64      `json:"averageDrawdown"`
	ExpectedValue         float64      `json:"expectedValue"`
	ExpectedValueOnMargin float64      `json:"expectedValueOnMargin"`
	AverageLoss           float64      `json:"averageLoss"`
	Expectation           float64      `json:"expectation"`
	BiggestWinner         float64      `json:"biggestWinner"`
	BiggestLoser          float64      `json:"biggestLoser"`
	WinningStreak         int          `json:"winningStreak"`
	LosingStreak          int          `json:"losingStreak"`
	StandardDeviation     float64      `json:"standardDeviation"`
	StandardError         float64      `json:"standardError"`
	Kelly                 float64      `json:"kelly"`
	Sharpe                float64      `json:"sharpe"`
	Divergence            float64      `json:"divergence"`
	Years                 float64      `json:"years"`
	RatioTimeInMarket     float64      `json:"ratioTimeInMarket"`
	AverageTradesInMarket float64      `json:"averageTradesInMarket"`
	MonthlyROIs           []YearROIs   `json:"monthlyRois"`
	HourOfDay             []Bucket     `json:"hourOfDay"`
	DayOfWeek             []Bucket     `json:"dayOfWeek"`
	Correlations          []SymbolPair `json:"correlations,omitempty"`
}

// Summarize computes the report for result. sim supplies the starting
// capital; a zero value falls back to the settings echoed in the result.
func Summarize(result *types.SimulationResult, sim types.SimulationSettings) *Report {
	if sim.Capital == 0 {
		sim = result.SimSettings
	}

	trades := PerformanceTrades(result)
	performances := Performances(trades)
	winners, losers := Winners(trades), Losers(trades)

	r := &Report{
		Trades:                len(trades),
		Winners:               len(winners),
		Losers:                len(losers),
		Balance:               result.Balance.InexactFloat64(),
		NetProfit:             NetProfit(trades),
		GrossProfit:           GrossProfit(trades),
		GrossLoss:             GrossLoss(trades),
		ROI:                   ROI(trades, sim),
		AnnualROI:             finite(AnnualROI(result, trades, sim)),
		MonthlyROI:            finite(MonthlyROI(result, trades, sim)),
		MaxDrawdown:           MaxDrawdown(performances),
		AverageDrawdown:       AverageDrawdown(performances),
		ExpectedValue:         ExpectedValue(trades),
		ExpectedValueOnMargin: ExpectedValueOnMargin(trades),
		AverageLoss:           AverageLoss(trades),
		Expectation:           Expectation(trades),
		BiggestWinner:         BiggestWinner(trades),
		BiggestLoser:          BiggestLoser(trades),
		WinningStreak:         WinningStreak(trades),
		LosingStreak:          LosingStreak(trades),
		StandardDeviation:     StandardDeviation(trades),
		StandardError:         StandardError(trades),
		Kelly:                 Kelly(trades),
		Sharpe:                Sharpe(trades, sim),
		Divergence:            finite(Divergence(result)),
		Years:                 Years(result),
		RatioTimeInMarket:     RatioTimeInMarket(result, trades),
		AverageTradesInMarket: AverageTradesInMarket(result, trades),
		MonthlyROIs:           MonthlyROIs(result),
		HourOfDay:             HourOfDay(trades),
		DayOfWeek:             DayOfWeek(trades),
	}
	if len(trades) > 0 {
		r.WinRate = float64(len(winners)) / float64(len(trades))
	}

	return r
}

// finite maps NaN and infinities to 0 so the report stays JSON encodable
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
