package database

import (
	"context"
	"database/sql"
	"time"
)

// pingTimeout bounds the health ping so one wedged database file
// cannot stall a system:health call that arrives with a generous
// deadline.
const pingTimeout = 2 * time.Second

// HealthStatus is one database file's verdict under system:health.
// Error carries the ping failure so the payload stands on its own;
// the pool counters come from database/sql and stay small for the
// daemon's short-lived SQLite operations.
type HealthStatus struct {
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
}

// Health pings one database and reports its pool counters.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	err := db.PingContext(ctx)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			Error:        err.Error(),
			ResponseTime: elapsed,
		}, err
	}

	stats := db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    elapsed,
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
	}, nil
}
