// Package store keeps the task history: one row per task and the events
// published for it. The history lives only as long as the process.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/autopilot/internal/model"
)

// ErrNotFound is returned when a task has no history record.
var ErrNotFound = errors.New("task not found")

// TaskStats holds aggregate task statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for task history.
type Store interface {
	UpsertTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id model.TaskID) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertEvent(ctx context.Context, e model.Event) error
	GetEvents(ctx context.Context, id model.TaskID, limit int) ([]model.Event, error)
	Close() error
}
