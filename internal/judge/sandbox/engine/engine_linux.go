//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"arbiter/internal/judge/sandbox"
	"arbiter/pkg/utils/logger"
)

const defaultStderrCapBytes int64 = 64 * 1024

// truncationMarker is appended to bounded captures that were cut short.
const truncationMarker = "\n...[truncated]"

type linuxEngine struct {
	cfg Config
}

// NewEngine creates the Linux sandbox driver.
func NewEngine(cfg Config) (sandbox.Driver, error) {
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	if cfg.StderrCapBytes <= 0 {
		cfg.StderrCapBytes = defaultStderrCapBytes
	}
	if cfg.ColdStartMs < 0 {
		cfg.ColdStartMs = 0
	}
	return &linuxEngine{cfg: cfg}, nil
}

func (e *linuxEngine) Execute(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error) {
	if err := validateRequest(req); err != nil {
		return sandbox.Outcome{}, err
	}

	cgroupPath := ""
	cgroupCleanup := func() {}
	if e.cfg.EnableCgroup {
		var err error
		cgroupPath, cgroupCleanup, err = createRunCgroup(e.cfg.CgroupRoot, req.SubmissionID, req.TaskID)
		if err != nil {
			return sandboxFault(fmt.Sprintf("create cgroup: %v", err)), nil
		}
		if err := applyCgroupLimits(cgroupPath, req.Profile); err != nil {
			cgroupCleanup()
			return sandboxFault(fmt.Sprintf("apply cgroup limits: %v", err)), nil
		}
	}
	defer cgroupCleanup()

	initReq := InitRequest{
		WorkDir:          req.WorkDir,
		Cmd:              req.Command,
		StdinPath:        req.StdinPath,
		StdoutPath:       req.StdoutPath,
		StderrPath:       req.StderrPath,
		Mounts:           req.Mounts,
		RootFS:           req.RootFS,
		OutputLimitBytes: req.Profile.OutputLimitBytes,
		Seccomp:          e.cfg.EnableSeccomp,
		Policy:           req.Profile.Syscalls,
		EnableNs:         e.cfg.EnableNamespaces,
	}

	stdinPipe, err := jsonToPipe(initReq)
	if err != nil {
		return sandboxFault(fmt.Sprintf("encode init request: %v", err)), nil
	}
	defer stdinPipe.Close()

	cmd := exec.CommandContext(ctx, e.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(req.Profile, e.cfg.EnableNamespaces)
	cmd.Stdin = stdinPipe

	var helperStderr bytes.Buffer
	cmd.Stderr = &helperStderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return sandboxFault(fmt.Sprintf("start helper: %v", err)), nil
	}

	if e.cfg.EnableCgroup {
		if err := addProcessToCgroup(cgroupPath, cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed",
				zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}

	// The wall timer runs over the full container lifecycle; the cold-start
	// budget is folded into the deadline and subtracted from the report so
	// the two measurements stay consistent.
	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		var wallTimer <-chan time.Time
		if req.Profile.WallTimeMs > 0 {
			wallTimer = time.After(time.Duration(req.Profile.WallTimeMs+e.cfg.ColdStartMs) * time.Millisecond)
		}
		select {
		case <-ctx.Done():
			killProcessGroup(cmd.Process.Pid)
			if e.cfg.EnableCgroup {
				_ = killCgroup(cgroupPath)
			}
		case <-wallTimer:
			timedOut.Store(true)
			// Terminate first, then make sure nothing survives.
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
			time.Sleep(100 * time.Millisecond)
			killProcessGroup(cmd.Process.Pid)
			if e.cfg.EnableCgroup {
				_ = killCgroup(cgroupPath)
			}
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	elapsed := time.Since(start).Milliseconds() - e.cfg.ColdStartMs
	if elapsed < 0 {
		elapsed = 0
	}

	outcome := sandbox.Outcome{
		WallTimeMs: elapsed,
		MemoryKB:   memoryPeakKB(cgroupPath, cmd.ProcessState),
		Stderr:     readLimitedFile(req.StderrPath, e.cfg.StderrCapBytes),
	}

	// A failure inside sandbox-init itself is an infrastructure fault, not a
	// user outcome.
	if exitCode(cmd.ProcessState, waitErr) == HelperFailureExit &&
		strings.Contains(helperStderr.String(), HelperErrorPrefix) {
		return sandboxFault(strings.TrimSpace(helperStderr.String())), nil
	}

	// Classification priority: the memory controller's kill beats the exit
	// status, the wall timer beats signals, output size beats a clean exit.
	switch {
	case e.cfg.EnableCgroup && wasOomKilled(cgroupPath):
		outcome.Kind = sandbox.MemoryExceeded
	case timedOut.Load() || errors.Is(waitErr, context.DeadlineExceeded):
		outcome.Kind = sandbox.WallTimeExceeded
		outcome.WallTimeMs = req.Profile.WallTimeMs
	case outputTooLarge(req.StdoutPath, req.Profile.OutputLimitBytes):
		outcome.Kind = sandbox.OutputLimitExceeded
	case signaled(cmd.ProcessState):
		outcome.Kind = sandbox.Signaled
		outcome.Signal = signalNumber(cmd.ProcessState)
	default:
		outcome.Kind = sandbox.Exited
		outcome.ExitCode = exitCode(cmd.ProcessState, waitErr)
	}
	return outcome, nil
}

func sandboxFault(reason string) sandbox.Outcome {
	return sandbox.Outcome{Kind: sandbox.SandboxError, Reason: reason}
}

func validateRequest(req sandbox.Request) error {
	if len(req.Command) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if req.SubmissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	if req.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	return nil
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func exitCode(state *os.ProcessState, err error) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func signaled(state *os.ProcessState) bool {
	if state == nil {
		return false
	}
	status, ok := state.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}

func signalNumber(state *os.ProcessState) int {
	if state == nil {
		return 0
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return int(status.Signal())
	}
	return 0
}

func outputTooLarge(stdoutPath string, limit int64) bool {
	if stdoutPath == "" || limit <= 0 {
		return false
	}
	info, err := os.Stat(stdoutPath)
	if err != nil {
		return false
	}
	return info.Size() > limit
}

func readLimitedFile(path string, limit int64) string {
	if path == "" {
		return ""
	}
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return ""
	}
	if int64(len(data)) > limit {
		return string(data[:limit]) + truncationMarker
	}
	return string(data)
}

func jsonToPipe(req InitRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

func buildSysProcAttr(profile sandbox.Profile, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if !profile.Network {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}
