// Package constants defines process level defaults shared by the grid node binary:
// failure detection timings, shutdown bounds and Redis client settings.
package constants

import "time"

const (
	// DefaultHeartbeatInterval is how often a member probes the others.
	DefaultHeartbeatInterval = time.Second
	// DefaultSuspectAfter is how long a member may go unseen before it is suspect.
	DefaultSuspectAfter = 3 * time.Second
	// DefaultDeadAfter is how long a member may go unseen before it is marked dead
	// and removed from bucket ownership.
	DefaultDeadAfter = 10 * time.Second
	// DefaultShutdownTimeout bounds a graceful node shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// TransportClientTimeout bounds one outgoing HTTP frame.
	TransportClientTimeout = 2 * time.Second
)
