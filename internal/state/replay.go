package state

import (
	"context"
	"log/slog"
)

// ReplayOptions controls Replay.
type ReplayOptions struct {
	// MaxRetries re-enqueues a failed operation (via Retry) while its
	// RetryCount is below this value. Zero disables retries.
	MaxRetries uint32

	// Observable, when set, receives one event per update that changed
	// its document. Updates already present emit nothing.
	Observable *ChangeObservable

	Logger *slog.Logger
}

// ReplayResult reports the outcome of one replayed operation.
type ReplayResult struct {
	Operation Operation
	Err       error

	// RetryID is the id of the re-enqueued copy when the operation failed
	// and was retried, zero otherwise.
	RetryID uint64
}

// OK reports whether the operation applied.
func (r ReplayResult) OK() bool { return r.Err == nil }

// Replay dequeues the operations queued when it starts and applies each
// against store in FIFO order. A failing operation is reported in its
// result and does not stop the loop; operations re-enqueued by a retry
// are left for the next Replay.
//
// If ctx is cancelled, Replay stops before the next operation and returns
// the results so far together with ctx.Err(). Unprocessed operations stay
// queued.
func Replay(ctx context.Context, queue *OperationQueue, store *DocumentStore, opts ReplayOptions) ([]ReplayResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := queue.Len()
	results := make([]ReplayResult, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		op, ok := queue.Dequeue()
		if !ok {
			break
		}

		res := ReplayResult{Operation: op, Err: applyOperation(store, opts.Observable, op)}
		if res.Err != nil {
			logger.Warn("replay failed", "op", op.String(), "error", res.Err)
			if op.RetryCount < opts.MaxRetries {
				id, err := queue.Retry(op)
				if err != nil {
					logger.Warn("retry enqueue failed", "op", op.String(), "error", err)
				} else {
					res.RetryID = id
				}
			}
		}
		results = append(results, res)
	}
	return results, nil
}

func applyOperation(store *DocumentStore, obs *ChangeObservable, op Operation) error {
	switch op.Kind {
	case OpCreate:
		_, err := store.Create(op.DocumentID)
		return err
	case OpDelete:
		return store.Delete(op.DocumentID)
	case OpUpdate:
		h, err := store.Get(op.DocumentID)
		if err != nil {
			return err
		}
		before, err := h.Version()
		if err != nil {
			return err
		}
		res, err := h.ApplyChanges(op.Change)
		if err != nil {
			return err
		}
		if obs != nil && res.Version != before {
			change := op.IdempotencyKey
			if change == "" {
				change = res.Change
			}
			obs.Notify(ChangeEvent{DocumentID: op.DocumentID, Timestamp: store.now(), Change: change})
		}
		return nil
	}
	return NewQueueError("unknown operation kind " + string(op.Kind))
}
