// Package tradecore is the Go client of the tradecore-server backtest
// service.
package tradecore

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully qualified gRPC names of the backtest service.
const (
	ServiceName = "tradecore.v1.Backtest"
	RunMethod   = "/" + ServiceName + "/Run"
	SweepMethod = "/" + ServiceName + "/Sweep"
)

// RunRequest asks the server to backtest one strategy over stored bars.
type RunRequest struct {
	Strategy string         `json:"strategy"`
	Symbol   string         `json:"symbol"`
	Market   string         `json:"market,omitempty"`
	Start    string         `json:"start"` // YYYY-MM-DD
	End      string         `json:"end,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	// Cash overrides the server's starting cash when positive.
	Cash   float64 `json:"cash,omitempty"`
	Forex  bool    `json:"forex,omitempty"`
	Record bool    `json:"record,omitempty"`
}

// SweepRequest backtests every combination of Grid merged over Params.
type SweepRequest struct {
	RunRequest
	Grid    map[string][]any `json:"grid"`
	Workers int              `json:"workers,omitempty"`
	// Metric ranks successful results best first; empty keeps grid order.
	Metric string `json:"metric,omitempty"`
	// Top limits a ranked response to the best n results.
	Top int `json:"top,omitempty"`
}

// Summary is the metrics of one finished backtest.
type Summary struct {
	RunID        string         `json:"run_id"`
	Strategy     string         `json:"strategy"`
	Symbol       string         `json:"symbol"`
	Params       map[string]any `json:"params,omitempty"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	Bars         int            `json:"bars"`
	InitialCash  float64        `json:"initial_cash"`
	FinalEquity  float64        `json:"final_equity"`
	TotalReturn  float64        `json:"total_return"`
	SharpeRatio  float64        `json:"sharpe_ratio"`
	MaxDrawdown  float64        `json:"max_drawdown"`
	TotalTrades  int            `json:"total_trades"`
	WinRate      float64        `json:"win_rate"`
	ProfitFactor float64        `json:"profit_factor"`
	Stopped      string         `json:"stopped,omitempty"`
}

// SweepEntry is one combination of a sweep. Exactly one of Summary and
// Error is set.
type SweepEntry struct {
	Index   int            `json:"index"`
	Params  map[string]any `json:"params"`
	Summary *Summary       `json:"summary,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// SweepResponse lists the sweep results.
type SweepResponse struct {
	Total   int          `json:"total"`
	Failed  int          `json:"failed"`
	Metric  string       `json:"metric,omitempty"`
	Results []SweepEntry `json:"results"`
}

// Encode converts v into the Struct carried on the wire through its JSON
// form.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return st, nil
}

// Decode fills out from a wire Struct. Numbers arrive as float64 inside
// untyped maps.
func Decode(st *structpb.Struct, out any) error {
	b, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("decoding %T: %w", out, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decoding %T: %w", out, err)
	}
	return nil
}
