package engine

import "arbiter/internal/judge/sandbox"

// HelperFailureExit is the exit code sandbox-init reserves for its own
// failures, so the engine can tell a sandbox fault from a payload exit.
const HelperFailureExit = 125

// HelperErrorPrefix marks sandbox-init's own messages on stderr.
const HelperErrorPrefix = "sandbox-init: "

// InitRequest is the JSON contract between the engine and the sandbox-init
// helper it spawns. The helper reads one request on stdin, applies the
// policy, and execs the payload command.
type InitRequest struct {
	WorkDir    string          `json:"workDir"`
	Cmd        []string        `json:"cmd"`
	Env        []string        `json:"env,omitempty"`
	StdinPath  string          `json:"stdinPath,omitempty"`
	StdoutPath string          `json:"stdoutPath,omitempty"`
	StderrPath string          `json:"stderrPath,omitempty"`
	Mounts     []sandbox.Mount `json:"mounts,omitempty"`
	RootFS     string          `json:"rootFS,omitempty"`

	// OutputLimitBytes is enforced with RLIMIT_FSIZE inside the sandbox in
	// addition to the engine's post-exit size check.
	OutputLimitBytes int64 `json:"outputLimitBytes,omitempty"`

	Seccomp     bool                  `json:"seccomp"`
	Policy      sandbox.SyscallPolicy `json:"policy"`
	EnableNs    bool                  `json:"enableNs"`
	MountProcfs bool                  `json:"mountProcfs,omitempty"`
}
