// Package resource coordinates accelerator and host memory across worker
// processes that share nothing but the coordination store.
//
// Each worker registers itself, keeps a heartbeat, and records one lease per
// model it holds. The aggregate counters in the usage hash equal the sum of
// all live leases; they are only ever changed by signed HINCRBY deltas inside
// the same transaction that writes or deletes the lease. Workers that stop
// heartbeating are reclaimed by whichever coordinator call notices them next.
package resource
