// Package notifier shows short toasts to the operator.
//
// Toasts are queued and handed to a Toaster (the log, connected relay
// viewers, or both) by a small worker pool. Intake never blocks: a full
// queue rejects the toast. Identical toasts inside the dedup window are
// suppressed, optionally across restarts through storage. A short history
// is kept in memory.
package notifier
