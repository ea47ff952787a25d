package sqlite

import (
	"context"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// GetStats returns per-status task counts.
func (r *Repository) GetStats(ctx context.Context) (*v1.TaskStats, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := &v1.TaskStats{ByStatus: make(map[v1.TaskStatus]int)}
	for rows.Next() {
		var status v1.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
		if status == v1.TaskStatusCompleted {
			stats.Completed = count
		}
	}
	return stats, rows.Err()
}
