// Package backend stores task results in per-task broker queues and reads
// them back.
//
// Every task gets its own binding: a queue named "{exchange}.{task_id}"
// bound to a shared exchange with the same name as its routing key.
// Producers and consumers derive the name independently, so a reader that
// arrives before the result was published still finds the queue.
//
// Three read paths exist:
//
//   - GetMany and WaitFor consume the bindings of a set of tasks until
//     every one of them has produced a ready result or the drain times out.
//   - GetTaskMeta reads a task's backlog without consuming it for good: it
//     acknowledges every superseded state message, requeues the most recent
//     one and returns it.
//   - The consumer package shares one subscription per broker channel
//     among many waiters and feeds the cache as messages arrive.
//
// Every ready record observed on any path is written to the process-local
// cache, including records for tasks the caller did not ask about. The
// broker stays the source of truth; the cache only saves network reads.
package backend
