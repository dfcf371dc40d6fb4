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
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/scheduler"
	"github.com/duxnet/duxnetd/utils/logging"
)

const (
	codeFileName  = "main.py"
	inputFileName = "input.json"
)

var _ Runtime = (*NativeRuntime)(nil)

// NativeRuntime runs task code as a local subprocess. Memory is capped with
// a ulimit wrapper; the CPU fraction and network isolation of the container
// runtime are unavailable here, so this is the fallback variant.
type NativeRuntime struct {
	log         logging.Logger
	interpreter string
	baseDir     string

	lock    sync.Mutex
	running map[ids.TaskID]*nativeProc
}

type nativeProc struct {
	cmd    *exec.Cmd
	killed bool
}

func NewNativeRuntime(log logging.Logger, interpreter, baseDir string) *NativeRuntime {
	if interpreter == "" {
		interpreter = "python3"
	}
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &NativeRuntime{
		log:         log,
		interpreter: interpreter,
		baseDir:     baseDir,
		running:     make(map[ids.TaskID]*nativeProc),
	}
}

// Prepare materializes the code and serialized input into a fresh working
// directory.
func (r *NativeRuntime) Prepare(_ context.Context, task *scheduler.Task) (string, error) {
	workDir, err := os.MkdirTemp(r.baseDir, "duxnet-task-")
	if err != nil {
		return "", errs.Wrap(errs.Resource, err)
	}
	if err := os.WriteFile(filepath.Join(workDir, codeFileName), []byte(task.Code), 0o600); err != nil {
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
	if err := os.WriteFile(filepath.Join(workDir, inputFileName), inputBytes, 0o600); err != nil {
		_ = os.RemoveAll(workDir)
		return "", errs.Wrap(errs.Resource, err)
	}
	return workDir, nil
}

// Run starts the subprocess in its own process group and enforces the
// task's wall clock. On timeout or kill the whole group gets SIGTERM, then
// SIGKILL after the grace period.
func (r *NativeRuntime) Run(ctx context.Context, task *scheduler.Task, workDir string) (*ExecOutcome, error) {
	// ulimit -v is in KiB. The shell applies it to the exec'd interpreter.
	script := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec %s %s",
		task.MemoryMB*1024, r.interpreter, codeFileName)

	cmd := exec.Command("/bin/sh", "-c", script)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.Resource, err)
	}

	proc := &nativeProc{cmd: cmd}
	r.lock.Lock()
	r.running[task.ID] = proc
	r.lock.Unlock()
	defer func() {
		r.lock.Lock()
		delete(r.running, task.ID)
		r.lock.Unlock()
	}()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timedOut := false
	select {
	case <-done:
	case <-time.After(time.Duration(task.TimeoutSeconds) * time.Second):
		timedOut = true
		r.terminate(cmd)
		<-done
	case <-ctx.Done():
		r.terminate(cmd)
		<-done
	}

	r.lock.Lock()
	killed := proc.killed
	r.lock.Unlock()

	outcome := &ExecOutcome{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
		TimedOut: timedOut,
		Killed:   killed,
		Duration: time.Since(start),
	}
	if usage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
		// Maxrss is KiB on Linux.
		outcome.MaxRSSMB = float64(usage.Maxrss) / 1024
	}
	return outcome, nil
}

// Kill terminates the task's process group.
func (r *NativeRuntime) Kill(taskID ids.TaskID) error {
	r.lock.Lock()
	proc, ok := r.running[taskID]
	if ok {
		proc.killed = true
	}
	r.lock.Unlock()
	if !ok {
		return fmt.Errorf("no running process for task %s", taskID)
	}
	r.terminate(proc.cmd)
	return nil
}

// terminate signals the process group SIGTERM and escalates to SIGKILL
// after the grace period.
func (r *NativeRuntime) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		r.log.Debug("sigterm failed", zap.Int("pgid", pgid), zap.Error(err))
	}
	go func() {
		time.Sleep(killGrace)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}()
}

func (r *NativeRuntime) Cleanup(workDir string) error {
	if workDir == "" {
		return nil
	}
	return os.RemoveAll(workDir)
}
