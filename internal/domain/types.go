// Package domain holds the plain value types shared by the feed, account,
// engine and storage layers.
package domain

import "time"

// Market identifies the venue family a symbol trades on.
type Market string

const (
	MarketUS     Market = "us"
	MarketCN     Market = "cn"
	MarketCrypto Market = "crypto"
)

// Bar is one OHLCV sample for a fixed time interval.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// Side is the direction of exposure. It is derived from the sign of a size.
type Side int

const (
	Short Side = -1
	Flat  Side = 0
	Long  Side = 1
)

// SideOf returns the side implied by a signed size.
func SideOf(size float64) Side {
	switch {
	case size > 0:
		return Long
	case size < 0:
		return Short
	default:
		return Flat
	}
}

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderState is a step of the order lifecycle:
// pending -> placed -> (partial) -> filled | canceled.
type OrderState string

const (
	OrderStatePending  OrderState = "pending"
	OrderStatePlaced   OrderState = "placed"
	OrderStatePartial  OrderState = "partial"
	OrderStateFilled   OrderState = "filled"
	OrderStateCanceled OrderState = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	return s == OrderStateFilled || s == OrderStateCanceled
}

// Rank orders states along the lifecycle so that merges never move an order
// backwards.
func (s OrderState) Rank() int {
	switch s {
	case OrderStatePending:
		return 0
	case OrderStatePlaced:
		return 1
	case OrderStatePartial:
		return 2
	case OrderStateFilled, OrderStateCanceled:
		return 3
	default:
		return -1
	}
}

// PositionState is the lifecycle of a position. The zero value is a position
// that has been constructed but not entered yet.
type PositionState string

const (
	PositionStateNew  PositionState = ""
	PositionStateOpen PositionState = "open"
	PositionStateExit PositionState = "exit"
)
