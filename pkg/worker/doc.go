// Package worker provides the background workers that drive provisor
// workflow instances forward.
//
// Workers consume advance tasks from a task queue and call Advance on the
// engine for each. Because Advance serializes on a per-instance lease,
// multiple workers can safely operate on the same queue and the same
// instances; a worker that loses the lease race treats the task as done.
//
// Suspended instances never occupy a worker: when a step parks on a slow
// remote operation, the engine enqueues a delayed task and the worker moves
// on. The delayed task re-delivers the instance when its next poll is due.
//
// Most applications construct workers via helper functions in the provisor
// package, which wire engines, queues, and observers together with sensible
// defaults.
package worker
