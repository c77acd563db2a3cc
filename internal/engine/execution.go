package engine

import (
	"fmt"
	"time"
)

// Execution is an immutable record of one fill.
type Execution struct {
	ID         string
	OrderID    string
	PositionID string
	Size       float64
	Price      float64
	At         time.Time
}

func (x *Execution) String() string {
	return fmt.Sprintf("execution %s %g@%g", x.OrderID, x.Size, x.Price)
}

// recordFill stores an execution for a filled order when execution tracking
// is enabled.
func (e *Exchange) recordFill(o *Order, positionID string) error {
	if e.executions == nil {
		return nil
	}
	return e.OnExecution(&Execution{
		ID:         o.ID,
		OrderID:    o.ID,
		PositionID: positionID,
		Size:       o.Size,
		Price:      o.FilledPrice,
		At:         o.FilledAt,
	}, true)
}
