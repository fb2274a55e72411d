// Package blocks describes range partitions: the fluent settings a caller
// declares, the date and numeric requests built from them, and the factory
// contract that turns a request into claimable blocks.
package blocks

import (
	"context"
	"time"
)

// RangeBlock is one claimable sub-range. Only the bounds matching Kind are set.
type RangeBlock struct {
	ID         string    `json:"id"`
	Kind       RangeKind `json:"kind"`
	FromDate   time.Time `json:"from_date"`
	ToDate     time.Time `json:"to_date"`
	FromNumber int64     `json:"from_number,omitempty"`
	ToNumber   int64     `json:"to_number,omitempty"`
}

// RangeBlockContext is the handle a worker uses to process one block.
type RangeBlockContext interface {
	Block() RangeBlock
	Start(ctx context.Context) error
	Complete(ctx context.Context) error
	Failed(ctx context.Context, message string) error
}

// Factory enumerates blocks for a request, including blocks of failed or
// dead prior attempts when the request asks for them.
type Factory interface {
	GenerateDateRangeBlocks(ctx context.Context, req DateRangeRequest) ([]RangeBlockContext, error)
	GenerateNumericRangeBlocks(ctx context.Context, req NumericRangeRequest) ([]RangeBlockContext, error)
}
