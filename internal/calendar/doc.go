// Package calendar computes due dates for recurring timers.
//
// Supported cycles:
//   - ISO-8601 repeating intervals: R[n]/duration, R[n]/start/duration,
//     R[n]/duration/end and R[n]/start/duration/end
//   - bare ISO-8601 durations (PT30M)
//   - cron expressions with optional seconds and @descriptors
//
// Due dates can be pushed to the next working day using a business
// calendar with configurable workdays and holidays.
package calendar
