// Package broker provides the live venues the engine's reconciler drives:
// an Alpaca adapter and an in-memory paper broker. Each implements both
// engine.Broker and engine.Translator.
package broker

import "tradecore/internal/engine"

// Venue is what a live trader needs from a broker.
type Venue interface {
	engine.Broker
	engine.Translator
}

// Compile-time interface checks.
var (
	_ Venue = (*AlpacaBroker)(nil)
	_ Venue = (*PaperBroker)(nil)
)
