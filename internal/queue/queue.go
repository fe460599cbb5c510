// Package queue implements the priority-ordered deployment queue: intake,
// worker-aware gating, status transitions, and retry bookkeeping.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// DeploymentType enumerates the supported deployment actions.
type DeploymentType string

const (
	TypeDeploy   DeploymentType = "deploy"
	TypeRedeploy DeploymentType = "redeploy"
	TypeRestart  DeploymentType = "restart"
	TypeScale    DeploymentType = "scale"
	TypeRollback DeploymentType = "rollback"
)

// DestructiveActions are the deployment types that invalidate in-process
// state and require running tasks to checkpoint and pause.
var DestructiveActions = map[DeploymentType]bool{
	TypeRedeploy: true,
	TypeRestart:  true,
}

// IsDestructive reports whether the type requires a state pause.
func (t DeploymentType) IsDestructive() bool {
	return DestructiveActions[t]
}

// IsValid reports whether the type is one of the recognized actions.
func (t DeploymentType) IsValid() bool {
	switch t {
	case TypeDeploy, TypeRedeploy, TypeRestart, TypeScale, TypeRollback:
		return true
	default:
		return false
	}
}

// Priority orders queue items; higher values are served first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// ParsePriority maps a priority name to its value. Empty returns 0 (unset).
func ParsePriority(name string) (Priority, error) {
	switch name {
	case "":
		return 0, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("queue: unknown priority %q", name)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Status is the queue item state machine position.
type Status string

const (
	StatusPending           Status = "pending"
	StatusWaitingForWorkers Status = "waiting_for_workers"
	StatusProcessing        Status = "processing"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Item is one requested deployment.
type Item struct {
	ID                 int64          `db:"id"`
	Type               DeploymentType `db:"deployment_type"`
	TargetService      string         `db:"target_service"`
	Priority           Priority       `db:"priority"`
	Status             Status         `db:"status"`
	RequestedBy        *string        `db:"requested_by"`
	Reason             *string        `db:"reason"`
	CreatedAt          time.Time      `db:"created_at"`
	ScheduledAt        *time.Time     `db:"scheduled_at"`
	StartedAt          *time.Time     `db:"started_at"`
	CompletedAt        *time.Time     `db:"completed_at"`
	RequiresStatePause bool           `db:"requires_state_pause"`
	ErrorMessage       *string        `db:"error_message"`
	RetryCount         int            `db:"retry_count"`
	MaxRetries         int            `db:"max_retries"`
}

// Requester returns the user who queued the item, empty when unknown.
func (i *Item) Requester() string {
	if i.RequestedBy == nil {
		return ""
	}
	return *i.RequestedBy
}

var (
	// ErrInvalidDeploymentType is returned by Add for unrecognized types.
	ErrInvalidDeploymentType = errors.New("invalid deployment type")
	// ErrItemNotFound is returned when no queue row matches the id.
	ErrItemNotFound = errors.New("queue item not found")
	// ErrNotCancellable is returned by Cancel once the item is processing
	// or already terminal.
	ErrNotCancellable = errors.New("queue item can no longer be cancelled")
)

// sortItems orders items by priority descending, then created_at
// descending (newer first), then id descending as a stable tiebreak.
// Sorting happens in memory to keep ordering identical across engines.
func sortItems(items []Item) {
	sort.SliceStable(items, func(a, b int) bool {
		if items[a].Priority != items[b].Priority {
			return items[a].Priority > items[b].Priority
		}
		if !items[a].CreatedAt.Equal(items[b].CreatedAt) {
			return items[a].CreatedAt.After(items[b].CreatedAt)
		}
		return items[a].ID > items[b].ID
	})
}
