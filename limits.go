package main

import "time"

// Version is the build version, overridable via -ldflags.
var Version = "0.1.0-dev"

// Operational limits and defaults — named constants for values that would
// otherwise be scattered across multiple source files.
const (
	// defaultRetransmitTimeout is the per-send ACK wait before a reliable
	// frame is re-sent.
	defaultRetransmitTimeout = 3 * time.Second

	// defaultMaxRetries is the number of re-sends before a reliable frame
	// is abandoned with a transmission failure.
	defaultMaxRetries = 5

	// defaultMaxSessions caps concurrently connected transport sessions.
	defaultMaxSessions = 500

	// statsInterval is the cadence of the periodic stats log line.
	statsInterval = 5 * time.Second

	// auditRetention is how long audit-log rows are kept before the
	// periodic purge removes them.
	auditRetention = 30 * 24 * time.Hour

	// auditPurgeInterval is the cadence of the audit-log purge.
	auditPurgeInterval = time.Hour
)
