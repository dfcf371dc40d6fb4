// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/scheduler"
	"github.com/duxnet/duxnetd/utils/logging"
)

var _ Runtime = (*DockerRuntime)(nil)

// DockerRuntime runs task code in a throwaway container with memory, CPU,
// and network caps. This is the preferred variant when a docker daemon is
// reachable.
type DockerRuntime struct {
	log            logging.Logger
	image          string
	interpreter    string
	baseDir        string
	networkEnabled bool

	lock    sync.Mutex
	running map[ids.TaskID]*dockerProc
}

type dockerProc struct {
	container string
	killed    bool
}

func NewDockerRuntime(log logging.Logger, image, interpreter, baseDir string, networkEnabled bool) *DockerRuntime {
	if image == "" {
		image = "python:3.11-slim"
	}
	if interpreter == "" {
		interpreter = "python3"
	}
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &DockerRuntime{
		log:            log,
		image:          image,
		interpreter:    interpreter,
		baseDir:        baseDir,
		networkEnabled: networkEnabled,
		running:        make(map[ids.TaskID]*dockerProc),
	}
}

// Available reports whether a docker daemon answers.
func (r *DockerRuntime) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(probeCtx, "docker", "info").Run() == nil
}

func (r *DockerRuntime) Prepare(_ context.Context, task *scheduler.Task) (string, error) {
	workDir, err := os.MkdirTemp(r.baseDir, "duxnet-task-")
	if err != nil {
		return "", errs.Wrap(errs.Resource, err)
	}
	if err := os.WriteFile(filepath.Join(workDir, codeFileName), []byte(task.Code), 0o644); err != nil {
		_ = os.RemoveAll(workDir)
		return "", errs.Wrap(errs.Resource, err)
	}
	input := task.InputData
	if input == nil {
		input = map[string]interface{}{}
	}
	inputBytes, err := json.Marshal(input)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return "", errs.Wrap(errs.Internal, err)
	}
	if err := os.WriteFile(filepath.Join(workDir, inputFileName), inputBytes, 0o644); err != nil {
		_ = os.RemoveAll(workDir)
		return "", errs.Wrap(errs.Resource, err)
	}
	return workDir, nil
}

func (r *DockerRuntime) Run(ctx context.Context, task *scheduler.Task, workDir string) (*ExecOutcome, error) {
	container := fmt.Sprintf("duxnet-task-%s", task.ID)

	args := []string{
		"run", "--rm",
		"--name", container,
		"--memory", fmt.Sprintf("%dm", task.MemoryMB),
		"--cpus", fmt.Sprintf("%d", task.CPUCores),
		"--workdir", "/work",
		"--volume", fmt.Sprintf("%s:/work", workDir),
	}
	if !r.networkEnabled {
		args = append(args, "--network", "none")
	}
	args = append(args, r.image, r.interpreter, codeFileName)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	proc := &dockerProc{container: container}
	r.lock.Lock()
	r.running[task.ID] = proc
	r.lock.Unlock()
	defer func() {
		r.lock.Lock()
		delete(r.running, task.ID)
		r.lock.Unlock()
	}()

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	timedOut := runCtx.Err() == context.DeadlineExceeded
	if timedOut || err != nil {
		// --rm only fires on clean exits; force-remove so the name is free
		// for the next run.
		_ = exec.Command("docker", "rm", "-f", container).Run()
	}

	r.lock.Lock()
	killed := proc.killed
	r.lock.Unlock()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil && exitCode == 0 {
		return nil, errs.Wrap(errs.Resource, err)
	}

	return &ExecOutcome{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		TimedOut: timedOut,
		Killed:   killed,
		Duration: duration,
	}, nil
}

// Kill stops the container; docker sends SIGTERM and escalates to SIGKILL
// after the grace period.
func (r *DockerRuntime) Kill(taskID ids.TaskID) error {
	r.lock.Lock()
	proc, ok := r.running[taskID]
	if ok {
		proc.killed = true
	}
	r.lock.Unlock()
	if !ok {
		return fmt.Errorf("no running container for task %s", taskID)
	}

	grace := fmt.Sprintf("--time=%d", int(killGrace.Seconds()))
	if err := exec.Command("docker", "stop", grace, proc.container).Run(); err != nil {
		r.log.Warn("docker stop failed",
			zap.String("container", proc.container),
			zap.Error(err),
		)
		return exec.Command("docker", "kill", proc.container).Run()
	}
	return nil
}

func (r *DockerRuntime) Cleanup(workDir string) error {
	if workDir == "" {
		return nil
	}
	return os.RemoveAll(workDir)
}
