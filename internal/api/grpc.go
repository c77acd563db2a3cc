package api

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"tradecore/internal/account"
	"tradecore/internal/config"
	"tradecore/internal/optimize"
	"tradecore/internal/strategy"
	"tradecore/pkg/tradecore"
)

// BacktestServer is the server side of the tradecore.v1.Backtest service.
// Requests and replies are Structs holding the JSON form of the
// pkg/tradecore types.
type BacktestServer interface {
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Sweep(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// BacktestServiceDesc describes the service for grpc.Server.RegisterService.
var BacktestServiceDesc = grpc.ServiceDesc{
	ServiceName: tradecore.ServiceName,
	HandlerType: (*BacktestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: unaryHandler(tradecore.RunMethod, BacktestServer.Run)},
		{MethodName: "Sweep", Handler: unaryHandler(tradecore.SweepMethod, BacktestServer.Sweep)},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterBacktestServer registers srv on gs.
func RegisterBacktestServer(gs grpc.ServiceRegistrar, srv BacktestServer) {
	gs.RegisterService(&BacktestServiceDesc, srv)
}

type unaryMethod func(BacktestServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BacktestServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BacktestServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// BacktestService runs backtests and sweeps against the local bar store.
type BacktestService struct {
	backtester *strategy.Backtester
	account    account.Config
	market     string
	workers    int
	log        *slog.Logger
}

var _ BacktestServer = (*BacktestService)(nil)

// NewBacktestService creates a BacktestService. Account defaults, the
// default market and the default sweep width come from cfg.
func NewBacktestService(bt *strategy.Backtester, cfg *config.Config, log *slog.Logger) *BacktestService {
	if log == nil {
		log = slog.Default()
	}
	return &BacktestService{
		backtester: bt,
		account:    cfg.Account,
		market:     cfg.Backtest.Market,
		workers:    cfg.Sweep.Workers,
		log:        log.With("component", "backtest-service"),
	}
}

// Run implements BacktestServer.
func (s *BacktestService) Run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tradecore.RunRequest
	if err := tradecore.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cfg, err := s.backtestConfig(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.log.Info("run requested", "strategy", req.Strategy, "symbol", req.Symbol, "start", req.Start, "end", req.End)
	res, err := s.backtester.Run(ctx, cfg)
	if err != nil {
		s.log.Warn("run failed", "strategy", req.Strategy, "symbol", req.Symbol, "error", err)
		return nil, statusOf(err)
	}
	return encode(SummaryOf(res))
}

// Sweep implements BacktestServer.
func (s *BacktestService) Sweep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tradecore.SweepRequest
	if err := tradecore.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cfg, err := s.backtestConfig(req.RunRequest)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	combos, err := optimize.Grid(req.Grid)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Metric != "" {
		if _, err := optimize.Metric(&strategy.BacktestResult{}, req.Metric); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	bars, err := s.backtester.LoadBars(ctx, cfg)
	if err != nil {
		return nil, statusOf(err)
	}

	workers := req.Workers
	if workers <= 0 {
		workers = s.workers
	}
	s.log.Info("sweep requested", "strategy", req.Strategy, "symbol", req.Symbol,
		"combinations", len(combos), "workers", workers)
	results, err := optimize.NewSweep(s.backtester, workers, s.log).Run(ctx, cfg, bars, combos)
	if err != nil {
		return nil, statusOf(err)
	}

	resp := tradecore.SweepResponse{Total: len(results), Metric: req.Metric}
	for _, r := range results {
		if r.Err != nil {
			resp.Failed++
		}
	}
	if req.Metric != "" {
		results, _ = optimize.Rank(results, req.Metric)
		if req.Top > 0 && len(results) > req.Top {
			results = results[:req.Top]
		}
	}
	resp.Results = make([]tradecore.SweepEntry, 0, len(results))
	for _, r := range results {
		entry := tradecore.SweepEntry{Index: r.Index, Params: r.Params}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		} else {
			entry.Summary = SummaryOf(r.Backtest)
		}
		resp.Results = append(resp.Results, entry)
	}
	return encode(resp)
}

func (s *BacktestService) backtestConfig(req tradecore.RunRequest) (strategy.BacktestConfig, error) {
	if req.Strategy == "" || req.Symbol == "" {
		return strategy.BacktestConfig{}, errors.New("strategy and symbol are required")
	}
	market := req.Market
	if market == "" {
		market = s.market
	}
	start, end, err := config.Backtest{Start: req.Start, End: req.End}.Range()
	if err != nil {
		return strategy.BacktestConfig{}, err
	}
	acct := s.account
	if req.Cash > 0 {
		acct.Cash = req.Cash
	}
	return strategy.BacktestConfig{
		Strategy: req.Strategy,
		Params:   req.Params,
		Symbol:   req.Symbol,
		Market:   market,
		Start:    start,
		End:      end,
		Account:  acct,
		Forex:    req.Forex,
		Record:   req.Record,
	}, nil
}

// SummaryOf converts a backtest result to its wire summary.
func SummaryOf(r *strategy.BacktestResult) *tradecore.Summary {
	sum := &tradecore.Summary{
		RunID:        r.RunID,
		Strategy:     r.Strategy,
		Symbol:       r.Symbol,
		Params:       r.Params,
		Start:        r.Start,
		End:          r.End,
		Bars:         r.Bars,
		InitialCash:  r.InitialCash,
		FinalEquity:  r.FinalEquity,
		TotalReturn:  r.TotalReturn,
		SharpeRatio:  r.SharpeRatio,
		MaxDrawdown:  r.MaxDrawdown,
		TotalTrades:  r.TotalTrades,
		WinRate:      r.WinRate,
		ProfitFactor: r.ProfitFactor,
	}
	if r.Stopped != nil {
		sum.Stopped = r.Stopped.Error()
	}
	return sum
}

func encode(v any) (*structpb.Struct, error) {
	st, err := tradecore.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// statusOf maps backtest errors onto gRPC codes.
func statusOf(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, strategy.ErrNoBars):
		code = codes.NotFound
	case errors.Is(err, strategy.ErrUnknownStrategy), errors.Is(err, strategy.ErrInvalidParams):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}
