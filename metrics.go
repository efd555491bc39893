package main

import (
	"context"
	"log"
	"time"

	"archive/server/internal/engine"
)

// RunMetrics logs engine stats every interval until ctx is canceled. The
// Prometheus endpoint carries the full counter set; this is the operator's
// at-a-glance log line.
func RunMetrics(ctx context.Context, eng *engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions := eng.SessionCount()
			rooms := eng.RoomCount()
			if sessions > 0 || rooms > 0 {
				log.Printf("[metrics] sessions=%d rooms=%d", sessions, rooms)
			}
		}
	}
}
