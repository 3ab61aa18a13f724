package risk

import (
	"tradegate/internal/domain"
)

// Exposure is the aggregate notional of positions as a percentage of equity.
func Exposure(positions map[string]domain.Position, equity float64) float64 {
	if equity <= 0 {
		return 0
	}
	total := 0.0
	for _, p := range positions {
		total += p.Notional()
	}
	return total / equity * 100.0
}

// RealizedPnL is the profit of closing size units of p at exitPrice.
func RealizedPnL(p domain.Position, size, exitPrice float64) float64 {
	return (exitPrice - p.EntryPrice) * size * p.Side.Sign()
}

type PerformanceSummary struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	RealizedPnL float64 `json:"realized_pnl"`
	AveragePnL  float64 `json:"average_pnl"`
	BestTrade   float64 `json:"best_trade"`
	WorstTrade  float64 `json:"worst_trade"`
}

func Summarize(trades []domain.TradeRecord) PerformanceSummary {
	var s PerformanceSummary
	for i, t := range trades {
		s.TotalTrades++
		s.RealizedPnL += t.PnL
		switch {
		case t.PnL > 0:
			s.Wins++
		case t.PnL < 0:
			s.Losses++
		}
		if i == 0 || t.PnL > s.BestTrade {
			s.BestTrade = t.PnL
		}
		if i == 0 || t.PnL < s.WorstTrade {
			s.WorstTrade = t.PnL
		}
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalTrades)
		s.AveragePnL = s.RealizedPnL / float64(s.TotalTrades)
	}
	return s
}
