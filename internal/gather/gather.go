// Package gather fills the bar store from a market-data source.
package gather

import (
	"context"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run gathers until done or until ctx is cancelled.
	Run(ctx context.Context) error
}
