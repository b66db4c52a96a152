// Package events provides an in-process, non-blocking pub/sub broker for
// control-plane notifications (worker lifecycle, scaling decisions,
// failover transitions) within one process. It is never a substitute for
// the replicated KV
// store as a coordination channel between processes or regions.
package events
