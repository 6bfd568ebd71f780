// Package notify turns task failures (and optionally successes) published on
// the event bus into rate-limited chat alerts.
package notify
