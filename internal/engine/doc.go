// Package engine implements the local workflow engine that drives
// visitations.
//
// A visitation is written against a host that invokes it with a JSON state,
// retries failed invocations, enforces a deadline per invocation and fans
// out lanes in parallel. The engine is that host for local runs, tests and
// the CLI.
//
// EXECUTION MODEL:
//
//	Submit ─▶ job_initialize ─▶ lane 0: walker_initialize ─▶ walker_walk ×k ─▶ walker_finalize ─┐
//	                          ├▶ lane 1: ...                                                      ├▶ job_finalize
//	                          └▶ lane N-1: ...                                                    ┘
//
// Each box is one invocation. The next invocation of a lane is chosen from
// the status the previous one left behind:
//
//   - init: walker_initialize
//   - walk: walker_walk
//   - finished: walker_finalize
//   - end: the lane is done
//
// Lanes run concurrently on an errgroup; nothing is shared between them
// except the store.
//
// INVOCATIONS:
//
// Every invocation runs under its own context deadline (the hard limit) and
// receives a remaining-time oracle for that deadline plus the shutdown
// margin. A result returned after the deadline is discarded. Failures are
// retried with jittered exponential backoff up to the attempt limit, except
// fatal errors (see IsFatal), which fail the lane at once.
//
// CHECKPOINTS:
//
// The state returned by every successful invocation is written to the store
// under a seq from Clock. Run on an execution that was interrupted resumes
// every lane from its latest checkpoint; work since the last checkpoint is
// redone, which is safe because target operations are idempotent.
//
// FAILURE:
//
// When a lane fails, walker_failed runs for it, the remaining lanes are
// cancelled, job_failed runs and the execution is marked FAILED. No partial
// result is ever reported as success. Cancelling the context passed to Run
// is an interruption, not a failure: the execution stays RUNNING.
package engine
