// Package ledger holds the state-transition core of the budget ledger:
// record addressing, the persisted record layouts and the four handlers
// that move platform, project and milestone records between states.
//
// Nothing in this package performs I/O. Handlers receive already loaded
// records, validate, and mutate them in place only when every check has
// passed. Persisting the result, and discarding it on error, is the job of
// the host runtime (see internal/runtime).
package ledger
