// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/ids"
)

// Resource and shape limits for a submitted task.
const (
	MinMemoryMB       = 128
	MaxMemoryMB       = 8192
	MinTimeoutSec     = 30
	MaxTimeoutSec     = 3600
	MinPriority       = 1
	MaxPriority       = 5
	DefaultMaxRetries = 3
)

// Status of a task through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a task in [s] can still change state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is one unit of work. The scheduler owns it from submission until a
// terminal TaskResult.
type Task struct {
	ID             ids.TaskID             `json:"task_id"`
	ServiceName    string                 `json:"service_name"`
	TaskType       string                 `json:"task_type"`
	Code           string                 `json:"code"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	InputData      map[string]interface{} `json:"input_data,omitempty"`
	CPUCores       int                    `json:"cpu_cores"`
	MemoryMB       int                    `json:"memory_mb"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	PaymentAmount  uint64                 `json:"payment_amount"`
	Priority       int                    `json:"priority"`
	Status         Status                 `json:"status"`
	AssignedNode   ids.NodeID             `json:"assigned_node_id,omitempty"`
	EscrowID       ids.EscrowID           `json:"escrow_id,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	FailureReason  string                 `json:"failure_reason,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	AssignedAt     time.Time              `json:"assigned_at,omitempty"`
}

// Validate rejects a task whose shape or resource asks are out of bounds.
func (t *Task) Validate() error {
	if t.ServiceName == "" {
		return errs.WithField(errs.Validation, "service_name", errors.New("service name required"))
	}
	if t.Code == "" {
		return errs.WithField(errs.Validation, "code", errors.New("task code required"))
	}
	if t.CPUCores < 1 {
		return errs.WithField(errs.Validation, "cpu_cores", errors.New("at least one cpu core"))
	}
	if t.MemoryMB < MinMemoryMB || t.MemoryMB > MaxMemoryMB {
		return errs.WithField(errs.Validation, "memory_mb",
			fmt.Errorf("memory must be in [%d,%d] MB", MinMemoryMB, MaxMemoryMB))
	}
	if t.TimeoutSeconds < MinTimeoutSec || t.TimeoutSeconds > MaxTimeoutSec {
		return errs.WithField(errs.Validation, "timeout_seconds",
			fmt.Errorf("timeout must be in [%d,%d] seconds", MinTimeoutSec, MaxTimeoutSec))
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return errs.WithField(errs.Validation, "priority",
			fmt.Errorf("priority must be in [%d,%d]", MinPriority, MaxPriority))
	}
	return nil
}

// TaskResult is the sandbox's report for one task run. It is written once
// and then read-only.
type TaskResult struct {
	TaskID           ids.TaskID             `json:"task_id"`
	NodeID           ids.NodeID             `json:"node_id"`
	Status           Status                 `json:"status"`
	OutputData       map[string]interface{} `json:"output_data,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	ExecutionSeconds float64                `json:"execution_time_seconds"`
	MemoryUsedMB     float64                `json:"memory_used_mb"`
	CPUUsagePercent  float64                `json:"cpu_usage_percent"`
	ResultHash       string                 `json:"result_hash,omitempty"`
	Signature        string                 `json:"signature,omitempty"`
	Verified         bool                   `json:"verified"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Assignment binds a task to the node chosen for it.
type Assignment struct {
	TaskID     ids.TaskID `json:"task_id"`
	NodeID     ids.NodeID `json:"node_id"`
	AssignedAt time.Time  `json:"assigned_at"`
}
