package experiment

import (
	"errors"
	"fmt"
)

// ErrAggregation is wrapped by every AggregationError.
var ErrAggregation = errors.New("aggregation failed")

// AggregationError reports a per-cell result that is missing or unreadable
// when results are gathered. A partial dataset is never returned.
type AggregationError struct {
	CellID int
	Key    string
	Err    error
}

func (e *AggregationError) Error() string {
	if e.CellID < 0 {
		return fmt.Sprintf("%v: %v", ErrAggregation, e.Err)
	}
	return fmt.Sprintf("%v: cell %d (%s): %v", ErrAggregation, e.CellID, e.Key, e.Err)
}

func (e *AggregationError) Unwrap() []error { return []error{ErrAggregation, e.Err} }
