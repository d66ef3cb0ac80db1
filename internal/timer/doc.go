// Package timer fires timer jobs and reschedules recurring ones.
//
// A firing always deletes the fired instance and, when the recurrence
// continues, hands exactly one brand-new successor to the job scheduler.
// Everything runs inside the caller's unit of work; the package owns no
// goroutines, locks or global state. Date arithmetic, expression evaluation
// and persistence are delegated to the collaborators declared in fire.go.
package timer
