// Package scheduler drives periodic jobs and feeds their tasks into the queue.
//
// Each job re-arms its next occurrence before it builds and submits the task
// for the current one, so a failing or panicking build/submit never stops
// future runs. The scheduler never waits for submitted tasks; execution is the
// queue worker's business.
package scheduler
