//go:build linux

// sandbox-init is re-exec'd by the sandbox engine inside fresh namespaces.
// It reads one InitRequest on stdin, applies mounts, rlimits, stdio
// redirection, and the seccomp policy, then execs the payload command.
// Failures before exec print with a fixed prefix and exit with a reserved
// code so the engine can tell a sandbox fault from a payload exit.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/engine"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, engine.HelperErrorPrefix+err.Error())
		os.Exit(engine.HelperFailureExit)
	}
}

func run() error {
	req, err := decodeRequest(os.Stdin)
	if err != nil {
		return err
	}
	if len(req.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}

	if req.EnableNs {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
		if err := applyBindMounts(req.RootFS, req.Mounts); err != nil {
			return err
		}
		if req.MountProcfs {
			procPath := "/proc"
			if req.RootFS != "" {
				procPath = filepath.Join(req.RootFS, "proc")
				if err := os.MkdirAll(procPath, 0755); err != nil {
					return fmt.Errorf("mkdir proc: %w", err)
				}
			}
			if err := unix.Mount("proc", procPath, "proc", 0, ""); err != nil && !errors.Is(err, unix.EBUSY) {
				return fmt.Errorf("mount proc: %w", err)
			}
		}
		if req.RootFS != "" {
			if err := unix.Chroot(req.RootFS); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
			if err := os.Chdir("/"); err != nil {
				return fmt.Errorf("chdir root: %w", err)
			}
		}
	} else if len(req.Mounts) > 0 || req.RootFS != "" {
		return fmt.Errorf("bind mounts require namespaces")
	}

	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}

	if err := applyRlimits(req); err != nil {
		return err
	}

	if err := redirectIO(req); err != nil {
		return err
	}

	if req.Seccomp {
		if err := applySeccomp(req.Policy); err != nil {
			return err
		}
	}

	env := buildEnv(req.Env)
	cmdPath, err := exec.LookPath(req.Cmd[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}
	return unix.Exec(cmdPath, req.Cmd, env)
}

func decodeRequest(r io.Reader) (engine.InitRequest, error) {
	var req engine.InitRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return engine.InitRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func applyBindMounts(rootfs string, mounts []sandbox.Mount) error {
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("invalid mount spec")
		}
		target := m.Target
		if rootfs != "" {
			target = filepath.Join(rootfs, m.Target)
		}
		if err := ensureMountTarget(m.Source, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount: %w", err)
		}
		if m.ReadOnly {
			if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount readonly: %w", err)
			}
		}
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

func applyRlimits(req engine.InitRequest) error {
	if req.OutputLimitBytes > 0 {
		limit := uint64(req.OutputLimitBytes)
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: limit, Max: limit}); err != nil {
			return fmt.Errorf("set rlimit fsize: %w", err)
		}
	}
	return nil
}

func redirectIO(req engine.InitRequest) error {
	stdinPath := req.StdinPath
	if stdinPath == "" {
		stdinPath = "/dev/null"
	}
	stdoutPath := req.StdoutPath
	if stdoutPath == "" {
		stdoutPath = "/dev/null"
	}
	stderrPath := req.StderrPath
	if stderrPath == "" {
		stderrPath = "/dev/null"
	}
	stdinFile, err := os.Open(stdinPath)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}
	if err := unix.Dup2(int(stdinFile.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	if err := unix.Dup2(int(stdoutFile.Fd()), int(os.Stdout.Fd())); err != nil {
		return fmt.Errorf("dup stdout: %w", err)
	}
	if err := unix.Dup2(int(stderrFile.Fd()), int(os.Stderr.Fd())); err != nil {
		return fmt.Errorf("dup stderr: %w", err)
	}
	_ = stdinFile.Close()
	_ = stdoutFile.Close()
	_ = stderrFile.Close()
	return nil
}

func buildEnv(env []string) []string {
	if len(env) > 0 {
		return env
	}
	return []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
}

// applySeccomp loads the profile's syscall policy. A deny-list profile
// allows by default and kills the named syscalls; an allow-list profile
// kills by default and admits only the named syscalls.
func applySeccomp(policy sandbox.SyscallPolicy) error {
	defaultAction := seccomp.ActKillProcess
	ruleAction := seccomp.ActAllow
	if policy.DefaultAllow {
		defaultAction = seccomp.ActAllow
		ruleAction = seccomp.ActKillProcess
	}

	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, name := range policy.Names {
		syscallID, err := seccomp.GetSyscallFromName(strings.TrimSpace(name))
		if err != nil {
			// Unknown names are skipped: the syscall does not exist on this
			// kernel, so there is nothing to allow or deny.
			continue
		}
		if err := filter.AddRule(syscallID, ruleAction); err != nil {
			return fmt.Errorf("add seccomp rule for %s: %w", name, err)
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}
