package database

import (
	"context"
	"time"
)

// HealthStatus reports pool connectivity and statistics for the readiness
// endpoint (spec §6 health/readiness, supplemented from the teacher's own
// health handler idiom).
type HealthStatus struct {
	Status           string        `json:"status"`
	ResponseTime     time.Duration `json:"response_time_ms"`
	AcquiredConns    int32         `json:"acquired_conns"`
	IdleConns        int32         `json:"idle_conns"`
	TotalConns       int32         `json:"total_conns"`
	MaxConns         int32         `json:"max_conns"`
	NewConnsCount    int64         `json:"new_conns_count"`
	CanceledAcquires int64         `json:"canceled_acquires"`
}

// Health pings the pool and reports its connection statistics.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := c.Pool.Ping(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start)}, err
	}

	stats := c.Pool.Stat()
	return &HealthStatus{
		Status:           "healthy",
		ResponseTime:     time.Since(start),
		AcquiredConns:    stats.AcquiredConns(),
		IdleConns:        stats.IdleConns(),
		TotalConns:       stats.TotalConns(),
		MaxConns:         stats.MaxConns(),
		NewConnsCount:    stats.NewConnsCount(),
		CanceledAcquires: stats.CanceledAcquireCount(),
	}, nil
}
