// Package scheduler acquires due timers and fires them.
//
// A cron trigger polls the store for due timers, leases them, and enqueues
// one executor task per timer. Each task runs FireTimer: one storage
// transaction covering the handler, the deletion of the fired instance and
// the insertion of its successor.
package scheduler
