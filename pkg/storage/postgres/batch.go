package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// DefaultBatchSize bounds the rows written per transaction.
const DefaultBatchSize = 1000

// BatchError reports the keys that could not be written even one row at a time.
// Every other row of the call was committed.
type BatchError struct {
	FailedKeys []string
	Err        error // first underlying failure
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d rows failed to write: %v", len(e.FailedKeys), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// writeBatches commits rows in transactions of at most size rows. A failing
// transaction is retried in halves down to single rows, so one bad row never
// blocks the rest of its batch.
func writeBatches[T any](ctx context.Context, db *gorm.DB, rows []T, size int,
	key func(T) string, write func(tx *gorm.DB, batch []T) error) error {
	if size <= 0 {
		size = DefaultBatchSize
	}

	var failed []string
	var firstErr error
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		keys, err := writeSplitting(ctx, db, rows[start:end], key, write)
		if len(keys) > 0 {
			failed = append(failed, keys...)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(failed) > 0 {
		return &BatchError{FailedKeys: failed, Err: firstErr}
	}
	return nil
}

func writeSplitting[T any](ctx context.Context, db *gorm.DB, batch []T,
	key func(T) string, write func(tx *gorm.DB, batch []T) error) ([]string, error) {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return write(tx, batch)
	})
	if err == nil {
		return nil, nil
	}

	// Nothing more will succeed once the context is gone.
	if len(batch) == 1 || ctx.Err() != nil {
		keys := make([]string, len(batch))
		for i, row := range batch {
			keys[i] = key(row)
		}
		return keys, err
	}

	mid := len(batch) / 2
	leftKeys, leftErr := writeSplitting(ctx, db, batch[:mid], key, write)
	rightKeys, rightErr := writeSplitting(ctx, db, batch[mid:], key, write)
	if leftErr == nil {
		leftErr = rightErr
	}
	return append(leftKeys, rightKeys...), leftErr
}
