// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sandbox executes task code in an isolated environment and turns
// the outcome into a TaskResult. It never mutates other components' state.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/scheduler"
	"github.com/duxnet/duxnetd/utils/logging"
	"github.com/duxnet/duxnetd/utils/timer/mockable"
)

// killGrace is how long a task gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

var (
	ErrEmptyCode     = errors.New("task code is empty")
	ErrOverMemoryCap = errors.New("task memory exceeds sandbox cap")
	ErrOverTimeCap   = errors.New("task timeout exceeds sandbox cap")
)

// ExecOutcome is the raw process result a Runtime reports.
type ExecOutcome struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	TimedOut bool
	Killed   bool
	Duration time.Duration
	MaxRSSMB float64
}

// Runtime prepares, runs, kills, and reclaims one execution environment.
// Two variants exist: a container runtime and a native subprocess fallback.
type Runtime interface {
	Prepare(ctx context.Context, task *scheduler.Task) (workDir string, err error)
	Run(ctx context.Context, task *scheduler.Task, workDir string) (*ExecOutcome, error)
	Kill(taskID ids.TaskID) error
	Cleanup(workDir string) error
}

// Config caps what any single task may ask for.
type Config struct {
	MaxMemoryMB    int
	MaxTimeoutSec  int
	NetworkEnabled bool
}

// Sandbox wraps a Runtime with validation, output decoding, and hashing.
type Sandbox struct {
	log     logging.Logger
	clock   mockable.Clock
	runtime Runtime
	config  Config
}

func New(config Config, log logging.Logger, runtime Runtime) *Sandbox {
	if config.MaxMemoryMB <= 0 {
		config.MaxMemoryMB = scheduler.MaxMemoryMB
	}
	if config.MaxTimeoutSec <= 0 {
		config.MaxTimeoutSec = scheduler.MaxTimeoutSec
	}
	return &Sandbox{
		log:     log,
		runtime: runtime,
		config:  config,
	}
}

func (s *Sandbox) validate(task *scheduler.Task) error {
	if task.Code == "" {
		return errs.WithField(errs.Validation, "code", ErrEmptyCode)
	}
	if task.MemoryMB > s.config.MaxMemoryMB {
		return errs.WithField(errs.Validation, "memory_mb",
			fmt.Errorf("%w: %d > %d", ErrOverMemoryCap, task.MemoryMB, s.config.MaxMemoryMB))
	}
	if task.TimeoutSeconds > s.config.MaxTimeoutSec {
		return errs.WithField(errs.Validation, "timeout_seconds",
			fmt.Errorf("%w: %d > %d", ErrOverTimeCap, task.TimeoutSeconds, s.config.MaxTimeoutSec))
	}
	return nil
}

// Execute runs [task] on [nodeID] and always produces a TaskResult; infra
// failures surface as a failed result rather than an error. The environment
// is reclaimed on every exit path.
func (s *Sandbox) Execute(ctx context.Context, task *scheduler.Task, nodeID ids.NodeID) *scheduler.TaskResult {
	result := &scheduler.TaskResult{
		TaskID:    task.ID,
		NodeID:    nodeID,
		CreatedAt: s.clock.Time(),
	}

	if err := s.validate(task); err != nil {
		result.Status = scheduler.StatusFailed
		result.ErrorMessage = err.Error()
		return result
	}

	workDir, err := s.runtime.Prepare(ctx, task)
	if err != nil {
		result.Status = scheduler.StatusFailed
		result.ErrorMessage = fmt.Sprintf("prepare: %s", err)
		return result
	}
	defer func() {
		if err := s.runtime.Cleanup(workDir); err != nil {
			s.log.Warn("sandbox cleanup failed",
				zap.String("taskID", string(task.ID)),
				zap.Error(err),
			)
		}
	}()

	outcome, err := s.runtime.Run(ctx, task, workDir)
	if err != nil {
		result.Status = scheduler.StatusFailed
		result.ErrorMessage = fmt.Sprintf("run: %s", err)
		return result
	}

	result.ExecutionSeconds = outcome.Duration.Seconds()
	result.MemoryUsedMB = outcome.MaxRSSMB
	switch {
	case outcome.Killed:
		result.Status = scheduler.StatusCancelled
	case outcome.TimedOut:
		result.Status = scheduler.StatusTimeout
		result.ErrorMessage = fmt.Sprintf("wall clock exceeded %ds", task.TimeoutSeconds)
	case outcome.ExitCode == 0:
		result.Status = scheduler.StatusCompleted
	default:
		result.Status = scheduler.StatusFailed
		result.ErrorMessage = firstLine(outcome.Stderr)
		if result.ErrorMessage == "" {
			result.ErrorMessage = fmt.Sprintf("exit code %d", outcome.ExitCode)
		}
	}

	if result.Status == scheduler.StatusCompleted {
		result.OutputData = DecodeOutput(outcome.Stdout)
		hash, err := ResultHash(result.OutputData)
		if err != nil {
			result.Status = scheduler.StatusFailed
			result.ErrorMessage = fmt.Sprintf("hash output: %s", err)
			return result
		}
		result.ResultHash = hash
	}
	return result
}

// Kill forwards a cancellation to the runtime.
func (s *Sandbox) Kill(taskID ids.TaskID) {
	if err := s.runtime.Kill(taskID); err != nil {
		s.log.Warn("sandbox kill failed",
			zap.String("taskID", string(taskID)),
			zap.Error(err),
		)
	}
}

// DecodeOutput interprets stdout as a JSON object when it is one, and wraps
// anything else as {"result": <stdout>}.
func DecodeOutput(stdout []byte) map[string]interface{} {
	trimmed := strings.TrimSpace(string(stdout))
	output := map[string]interface{}{}
	if err := json.Unmarshal([]byte(trimmed), &output); err == nil {
		return output
	}
	return map[string]interface{}{"result": trimmed}
}

// ResultHash is the canonical output digest: SHA-256 over the JSON encoding
// with lexicographically sorted keys.
func ResultHash(output map[string]interface{}) (string, error) {
	// encoding/json writes map keys in sorted order.
	bytes, err := json.Marshal(output)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(bytes)
	return hex.EncodeToString(digest[:]), nil
}

func firstLine(b []byte) string {
	text := strings.TrimSpace(string(b))
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return text
}
