// Package scheduler runs deferred and repeating tasks.
//
// A single timer goroutine (the driver) keeps every pending firing in a
// min-heap ordered by due time. When a firing is due the driver hands the task
// body to the worker pool (internal/task/engine) and, for repeating tasks,
// re-inserts the next firing on a fixed-rate grid. The driver never runs task
// code itself, so a slow body cannot delay other firings.
//
// Tasks are created through an immutable Builder:
//
//	t, err := s.Builder().Named("flush").After(time.Second).Every(time.Minute).
//		Schedule(ctx, func(ctx context.Context, t *scheduler.Task) error {
//			return flush(ctx)
//		})
//
// Bodies receive a context that is cancelled by Task.Cancel and by Shutdown;
// cancellation is cooperative.
//
// Repeating tasks never overlap: a firing that arrives while the previous run
// is still in flight is skipped and counted (Task.Skipped).
package scheduler
