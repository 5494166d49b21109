// Package testcase materializes per-problem test inputs on first demand and
// caches them in the artifact store. Inputs come from the problem's
// untrusted generator running under the Generate profile; correctness of a
// submission is decided exclusively by the checker, so no expected outputs
// are stored.
package testcase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbiter/internal/common/cache"
	"arbiter/internal/judge/artifact"
	"arbiter/internal/judge/sandbox"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"
)

const (
	lockKeyPrefix   = "judge:testcase:lock:"
	lockTTL         = 5 * time.Minute
	defaultLockWait = 90 * time.Second
	pollInterval    = 200 * time.Millisecond
)

// Cache materializes and returns test case inputs for problems.
type Cache struct {
	store    *artifact.Store
	driver   sandbox.Driver
	limits   sandbox.Limits
	locks    cache.LockOps
	lockWait time.Duration

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// NewCache creates a cache. locks may be nil in single-process deployments;
// the in-process key lock still guarantees at most one generator invocation
// per (problem, case) within this worker.
func NewCache(store *artifact.Store, driver sandbox.Driver, limits sandbox.Limits, locks cache.LockOps, lockWait time.Duration) *Cache {
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	return &Cache{
		store:    store,
		driver:   driver,
		limits:   limits,
		locks:    locks,
		lockWait: lockWait,
		keys:     make(map[string]*sync.Mutex),
	}
}

// EnsureCases returns the input paths for cases 1..n of a problem,
// generating any missing tail. The cached set stays prefix-closed: cases
// are produced in order and a failure leaves the already-written prefix
// intact for the next attempt.
func (c *Cache) EnsureCases(ctx context.Context, problemID string, n int) ([]string, error) {
	if problemID == "" {
		return nil, appErr.ValidationError("problem_id", "required")
	}
	if n < 0 {
		return nil, appErr.ValidationError("num_cases", "non_negative")
	}

	dir := c.store.TestCaseDir(problemID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.TestCaseUnavailable, "create testcase dir failed")
	}

	paths := make([]string, 0, n)
	for k := 1; k <= n; k++ {
		inputPath := c.store.InputPath(problemID, k)
		if _, err := os.Stat(inputPath); err == nil {
			paths = append(paths, inputPath)
			continue
		}
		if err := c.generateCase(ctx, problemID, k, inputPath); err != nil {
			return nil, err
		}
		paths = append(paths, inputPath)
	}

	c.touch(problemID)
	return paths, nil
}

// generateCase produces one input under the per-(problem,case) lock. A
// racing writer winning the lock is fine: the input is re-checked after the
// lock is held and again while waiting.
func (c *Cache) generateCase(ctx context.Context, problemID string, k int, inputPath string) error {
	key := fmt.Sprintf("%s:%d", problemID, k)

	local := c.keyLock(key)
	local.Lock()
	defer local.Unlock()

	if _, err := os.Stat(inputPath); err == nil {
		return nil
	}

	if c.locks != nil {
		acquired, err := c.locks.TryLock(ctx, lockKeyPrefix+key, lockTTL)
		if err != nil {
			return appErr.Wrapf(err, appErr.LockFailed, "acquire testcase lock failed")
		}
		if !acquired {
			return c.waitForCase(ctx, inputPath)
		}
		defer func() {
			_ = c.locks.Unlock(ctx, lockKeyPrefix+key)
		}()
		if _, err := os.Stat(inputPath); err == nil {
			return nil
		}
	}

	return c.runGenerator(ctx, problemID, k, inputPath)
}

func (c *Cache) runGenerator(ctx context.Context, problemID string, k int, inputPath string) error {
	generatorPath := c.store.GeneratorPath(problemID)
	if _, err := os.Stat(generatorPath); err != nil {
		return appErr.Newf(appErr.ProblemNotReady, "generator missing for problem %s", problemID)
	}

	dir := filepath.Dir(inputPath)
	tmp, err := os.CreateTemp(dir, ".gen-*")
	if err != nil {
		return appErr.Wrapf(err, appErr.TestCaseUnavailable, "create temp input failed")
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	stderrPath := tmpPath + ".err"
	defer os.Remove(stderrPath)

	outcome, err := c.driver.Execute(ctx, sandbox.Request{
		Profile:      sandbox.GenerateProfile(c.limits),
		Command:      []string{generatorPath, strconv.Itoa(k)},
		WorkDir:      dir,
		StdoutPath:   tmpPath,
		StderrPath:   stderrPath,
		SubmissionID: "problem-" + problemID,
		TaskID:       fmt.Sprintf("generate-%03d", k),
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.TestCaseUnavailable, "run generator failed")
	}
	if outcome.Kind == sandbox.SandboxError {
		return appErr.Newf(appErr.SandboxFailed, "generator sandbox failed: %s", outcome.Reason)
	}
	if !outcome.Success() {
		// The generator is problem-setup territory; its stderr is never
		// trusted as policy input, only logged for the operator.
		logger.Warn(ctx, "generator failed",
			zap.String("problem_id", problemID),
			zap.Int("case", k),
			zap.String("outcome", outcome.Kind.String()),
			zap.Int("exit_code", outcome.ExitCode))
		return appErr.Newf(appErr.GeneratorFailed, "generator failed for case %d", k)
	}

	if err := os.Rename(tmpPath, inputPath); err != nil {
		return appErr.Wrapf(err, appErr.TestCaseUnavailable, "rename input into place failed")
	}
	return nil
}

// waitForCase polls for a racing writer's result.
func (c *Cache) waitForCase(ctx context.Context, inputPath string) error {
	deadline := time.Now().Add(c.lockWait)
	for {
		if _, err := os.Stat(inputPath); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return appErr.New(appErr.Timeout).WithMessage("wait for testcase generation timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// touch updates the last-access marker. Best-effort: failure is non-fatal.
func (c *Cache) touch(problemID string) {
	marker := c.store.LastAccessPath(problemID)
	epoch := strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.WriteFile(marker, []byte(epoch), 0644); err != nil {
		logger.Warn(context.Background(), "update last access marker failed",
			zap.String("problem_id", problemID), zap.Error(err))
	}
}

func (c *Cache) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.keys[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	c.keys[key] = m
	return m
}
