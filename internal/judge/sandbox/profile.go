package sandbox

// ProfileKind names one of the four fixed sandbox policies.
type ProfileKind string

const (
	ProfileCompile  ProfileKind = "compile"
	ProfileRun      ProfileKind = "run"
	ProfileGenerate ProfileKind = "generate"
	ProfileCheck    ProfileKind = "check"
)

// SyscallPolicy describes the seccomp rules for a profile. With DefaultAllow
// set, Names is a deny-list; otherwise Names is the strict allow-list and
// every other syscall kills the process.
type SyscallPolicy struct {
	DefaultAllow bool
	Names        []string
}

// Profile fixes the policy one sandbox execution runs under. The Run profile
// is derived per problem; the others use fixed defaults with config
// overrides for timeouts and memory.
type Profile struct {
	Kind             ProfileKind
	Network          bool
	WallTimeMs       int64
	MemoryKB         int64
	CPUCores         int64
	PIDLimit         int64
	OutputLimitBytes int64
	Syscalls         SyscallPolicy
}

// Limits tunes the fixed profiles from configuration.
type Limits struct {
	CompileTimeoutMs  int64
	GenerateTimeoutMs int64
	GenerateMemoryKB  int64
	CheckTimeoutMs    int64
	CheckMemoryKB     int64
	OutputCapBytes    int64
	RunMaxThreadsCap  int64
}

// DefaultLimits returns the documented defaults for every knob.
func DefaultLimits() Limits {
	return Limits{
		CompileTimeoutMs:  30_000,
		GenerateTimeoutMs: 60_000,
		GenerateMemoryKB:  4 << 20, // 4 GiB
		CheckTimeoutMs:    60_000,
		CheckMemoryKB:     4 << 20,
		OutputCapBytes:    64 << 20,
		RunMaxThreadsCap:  64,
	}
}

// broadDenyList blocks the syscalls no build, generator, or checker has any
// business making while leaving ordinary program behavior alone.
var broadDenyList = []string{
	"ptrace", "mount", "umount2", "reboot", "swapon", "swapoff",
	"kexec_load", "init_module", "finit_module", "delete_module",
	"iopl", "ioperm", "setns", "pivot_root", "chroot",
	"settimeofday", "clock_settime", "acct",
}

// runAllowList is the strict allow-list for single-threaded user programs.
// The declared thread count widens it (see RunProfile).
var runAllowList = []string{
	"read", "write", "readv", "writev", "pread64", "pwrite64",
	"mmap", "munmap", "mremap", "mprotect", "brk",
	"exit", "exit_group", "rt_sigreturn", "rt_sigaction", "rt_sigprocmask",
	"close", "fstat", "newfstatat", "lseek", "dup", "dup2", "dup3",
	"getpid", "gettid", "getrandom",
	"clock_gettime", "gettimeofday", "nanosleep", "clock_nanosleep",
	"arch_prctl", "set_tid_address", "set_robust_list", "rseq",
	"prlimit64", "getrlimit", "sigaltstack", "futex",
	"openat", "open", "access", "faccessat", "readlink",
	"execve", "ioctl", "fcntl", "uname", "getcwd",
	"madvise", "sched_yield",
}

// threadedExtras joins the allow-list when the problem declares threads.
var threadedExtras = []string{
	"clone", "clone3", "sched_getaffinity", "sched_setaffinity",
	"get_robust_list", "membarrier", "tgkill",
}

// networkExtras joins the allow-list when the problem allows network access.
var networkExtras = []string{
	"socket", "connect", "bind", "listen", "accept", "accept4",
	"sendto", "recvfrom", "sendmsg", "recvmsg", "setsockopt", "getsockopt",
	"getsockname", "getpeername", "shutdown", "poll", "ppoll",
	"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
}

// CompileProfile builds the Compile policy: generous resources, forking
// allowed, broad deny-list, no network.
func CompileProfile(l Limits) Profile {
	return Profile{
		Kind:             ProfileCompile,
		WallTimeMs:       l.CompileTimeoutMs,
		MemoryKB:         2 << 20, // 2 GiB
		CPUCores:         2,
		PIDLimit:         256,
		OutputLimitBytes: l.OutputCapBytes,
		Syscalls:         SyscallPolicy{DefaultAllow: true, Names: broadDenyList},
	}
}

// GenerateProfile builds the Generate policy. Stdout is captured into the
// test case input file by the caller.
func GenerateProfile(l Limits) Profile {
	return Profile{
		Kind:             ProfileGenerate,
		WallTimeMs:       l.GenerateTimeoutMs,
		MemoryKB:         l.GenerateMemoryKB,
		CPUCores:         2,
		PIDLimit:         256,
		OutputLimitBytes: l.OutputCapBytes,
		Syscalls:         SyscallPolicy{DefaultAllow: true, Names: broadDenyList},
	}
}

// CheckProfile builds the Check policy: read-only inputs, stderr captured.
func CheckProfile(l Limits) Profile {
	return Profile{
		Kind:             ProfileCheck,
		WallTimeMs:       l.CheckTimeoutMs,
		MemoryKB:         l.CheckMemoryKB,
		CPUCores:         2,
		PIDLimit:         256,
		OutputLimitBytes: l.OutputCapBytes,
		Syscalls:         SyscallPolicy{DefaultAllow: true, Names: broadDenyList},
	}
}

// RunOverrides carries the per-problem parameters the Run profile receives.
type RunOverrides struct {
	TimeLimitMs    int64
	MemoryLimitKB  int64
	MaxThreads     int64
	NetworkAllowed bool
}

// RunProfile builds the strict per-problem Run policy. The PID cap is 1 for
// single-threaded problems, forbidding forks outright; a declared thread
// count raises the cap and widens the syscall allow-list accordingly. When
// the problem allows network access the socket family is admitted as well.
func RunProfile(l Limits, o RunOverrides) Profile {
	threads := o.MaxThreads
	if threads < 1 {
		threads = 1
	}
	if l.RunMaxThreadsCap > 0 && threads > l.RunMaxThreadsCap {
		threads = l.RunMaxThreadsCap
	}

	names := make([]string, 0, len(runAllowList)+len(threadedExtras)+len(networkExtras))
	names = append(names, runAllowList...)
	if threads > 1 || o.NetworkAllowed {
		names = append(names, threadedExtras...)
	}
	if o.NetworkAllowed {
		names = append(names, networkExtras...)
	}

	pids := int64(1)
	if threads > 1 || o.NetworkAllowed {
		pids = threads
	}

	return Profile{
		Kind:             ProfileRun,
		Network:          o.NetworkAllowed,
		WallTimeMs:       o.TimeLimitMs,
		MemoryKB:         o.MemoryLimitKB,
		CPUCores:         1,
		PIDLimit:         pids,
		OutputLimitBytes: l.OutputCapBytes,
		Syscalls:         SyscallPolicy{DefaultAllow: false, Names: names},
	}
}
