/*
Package orchestrator is component A: create_worker, watch_workers, exec, and
delete_worker, each backed by a containerd container/task in a dedicated
namespace.

# Failure policy

Transient errors (connection reset, unavailable, timeout) are retried with
exponential backoff bounded by the caller's context deadline. A 409 on
create_worker is fatal for that attempt — the pool manager is expected to
regenerate the worker name and retry as a fresh creation. A 404 on
delete_worker is treated as success, since deletion is idempotent by
contract.

# Watching workers

watch_workers is specified as an infinite, reconnect-safe stream of
(name, phase, ready) transitions. This package implements it by polling the
containerd container/task list on a fixed interval and emitting the full
current state every tick, rather than consuming containerd's typed task
lifecycle event envelopes — see DESIGN.md for why. Every tick is already a
full re-list, so a consumer that falls behind never permanently loses a
transition; it just sees it fused into the next snapshot.
*/
package orchestrator
