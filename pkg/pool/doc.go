/*
Package pool is component D: the executor pool manager. It keeps a warm pool
of single-use sandbox workers at a configured target size, serves Acquire
calls in strict FIFO order, and reconciles tracked state against the
orchestrator's observed state.

# State machine

	Provisioning --ready-->  Ready --acquire--> Assigned --release--> Terminating --observed gone--> Gone
	     \                     \                    \
	      ---------failure-----------------failure--------> Gone

Gone is terminal and releases the tracker entry. No non-Gone state is allowed
to persist without a timer: workers stuck in Provisioning past the configured
bound are force-deleted, Terminating workers are declared Gone once the
watch stream stops reporting them, and a Terminating worker still reported
past the same bound gets its delete reissued.

# Concurrency

All pool state lives in one goroutine (run). Acquire, Release, and
SnapshotState post commands to it and await replies; the watch consumer feeds
the same channel, and the replenishment ticker is served by the same loop.
Nothing else ever touches the
state, so there are no locks and waiter wake-up order is exactly enqueue
order.

# Single-use workers

Release never requeues: every worker serves at most one request and is then
destroyed. This trades throughput for hard per-session isolation — a fresh
worker can never leak another session's workspace residue.
*/
package pool
