// Package scheduler decides when persisted jobs are due and hands their
// executions to the dispatcher.
//
// Each tick:
//   - loads ACTIVE jobs whose next_fire_at has passed
//   - claims each firing with a compare-and-swap on next_fire_at
//   - creates the PENDING execution log per the job's concurrency policy
//   - sweeps undelivered logs whose not_before has passed (delayed retries)
//
// The API methods (CreateJob, PauseJob, ExecuteNow, ...) only touch the store;
// the loop observes their effect on its next tick.
package scheduler
