// Package session tracks the live state of tasks.
//
// A Session is the single record of one task while it runs: its status,
// monotonic progress, ordered log entries and outcome. The task handler is
// the only writer; any number of readers may poll it. Every mutation is
// mirrored to an Observer, which persists it and fans log entries out to
// streaming subscribers. Once a session reaches a terminal status it is
// frozen.
package session
