// Package judge implements the run stream worker: it materializes test
// cases, runs the user binary case by case under the Run profile, checks
// each output, aggregates a verdict, and finalizes the submission.
package judge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"arbiter/internal/common/mq"
	"arbiter/internal/judge/archive"
	"arbiter/internal/judge/artifact"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/state"
	"arbiter/internal/judge/testcase"
	"arbiter/internal/judge/verdict"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"
)

// In-sandbox layout when a run image rootfs is configured. The binary is
// mounted read-only at a fixed path; the scratch directory is the only
// writable location.
const (
	boxSolution  = "/box/solution"
	boxWork      = "/box/work"
	boxTestcases = "/box/testcases"
)

// outputDigestLen bounds the stored output fingerprint.
const outputDigestLen = 16

// RunImage describes the runtime environment for user binaries. The image
// carries no compilers.
type RunImage struct {
	RootFS string
}

// Worker consumes the run stream.
type Worker struct {
	recorder state.Recorder
	status   *state.StatusCache
	verdicts state.VerdictPublisher
	driver   sandbox.Driver
	store    *artifact.Store
	cases    *testcase.Cache
	limits   sandbox.Limits
	image    RunImage
}

// Config holds worker dependencies and settings.
type Config struct {
	Recorder state.Recorder
	Status   *state.StatusCache
	Verdicts state.VerdictPublisher
	Driver   sandbox.Driver
	Store    *artifact.Store
	Cases    *testcase.Cache
	Limits   sandbox.Limits
	Image    RunImage
}

// NewWorker creates a judge worker.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Recorder == nil {
		return nil, appErr.ValidationError("recorder", "required")
	}
	if cfg.Driver == nil {
		return nil, appErr.ValidationError("driver", "required")
	}
	if cfg.Store == nil {
		return nil, appErr.ValidationError("store", "required")
	}
	if cfg.Cases == nil {
		return nil, appErr.ValidationError("cases", "required")
	}
	return &Worker{
		recorder: cfg.Recorder,
		status:   cfg.Status,
		verdicts: cfg.Verdicts,
		driver:   cfg.Driver,
		store:    cfg.Store,
		cases:    cfg.Cases,
		limits:   cfg.Limits,
		image:    cfg.Image,
	}, nil
}

// HandleMessage processes one run job. A nil return acknowledges; an error
// leaves the entry pending for redelivery.
func (w *Worker) HandleMessage(ctx context.Context, msg *mq.Message) error {
	var job model.RunJob
	if err := json.Unmarshal(msg.Body, &job); err != nil || job.SubmissionID == "" || job.ProblemID == "" {
		logger.Warn(ctx, "dropping undecodable run job",
			zap.String("entry_id", msg.ID), zap.Error(err))
		return nil
	}
	ctx = logger.WithSubmissionID(ctx, job.SubmissionID)

	current, err := w.recorder.GetState(ctx, job.SubmissionID)
	if err != nil {
		return err
	}
	if current.Terminal() {
		logger.Info(ctx, "duplicate run delivery for finished submission")
		return nil
	}

	// Missing generator or checker parks the submission; the coordinator
	// revives it once the gateway installs both binaries. Never retried or
	// dead-lettered here.
	if !w.store.ProblemReady(job.ProblemID) {
		logger.Info(ctx, "problem binaries not installed, parking submission",
			zap.String("problem_id", job.ProblemID))
		if _, err := w.recorder.TransitionState(ctx, job.SubmissionID, current, model.StateQueuePending); err != nil {
			return err
		}
		w.saveStatus(ctx, state.Status{SubmissionID: job.SubmissionID, State: model.StateQueuePending})
		return nil
	}

	inputs, err := w.cases.EnsureCases(ctx, job.ProblemID, job.NumCases)
	if err != nil {
		code := appErr.GetCode(err)
		if code == appErr.GeneratorFailed {
			// Problem-setup error: the submission fails, the cache keeps
			// its partial prefix for the next attempt.
			return w.failSystem(ctx, job, current)
		}
		return err
	}

	if ok, err := w.recorder.TransitionState(ctx, job.SubmissionID, current, model.StateJudging); err != nil {
		return err
	} else if !ok {
		refreshed, err := w.recorder.GetState(ctx, job.SubmissionID)
		if err != nil {
			return err
		}
		if refreshed.Terminal() {
			return nil
		}
		logger.Warn(ctx, "judging state transition lost race", zap.String("state", string(refreshed)))
		return nil
	}
	w.saveStatus(ctx, state.Status{
		SubmissionID: job.SubmissionID,
		State:        model.StateJudging,
		TotalCases:   job.NumCases,
	})

	scratch, err := w.store.CreateScratch(job.SubmissionID)
	if err != nil {
		return err
	}
	defer func() {
		_ = w.store.RemoveScratch(job.SubmissionID)
	}()

	binaryPath := w.store.UserBinaryPath(job.SubmissionID)
	if _, err := os.Stat(binaryPath); err != nil {
		// The compile step never produces a run job without a staged
		// binary; reaching here means the invariant broke or the cleaner
		// raced us. Either way the core marks it and moves on.
		logger.Error(ctx, "user binary missing at judge time", zap.String("path", binaryPath))
		return w.finalize(ctx, job, nil)
	}

	results, sandboxFailed, err := w.runCases(ctx, job, binaryPath, inputs, scratch)
	if err != nil {
		return err
	}
	if sandboxFailed {
		return w.failSystem(ctx, job, model.StateJudging)
	}
	return w.finalize(ctx, job, results)
}

// runCases executes cases in order, stopping at the first failing case.
// The returned flag signals a sandbox fault: the submission is abandoned
// with a system error and no row is written for the faulted case.
func (w *Worker) runCases(ctx context.Context, job model.RunJob, binaryPath string, inputs []string, scratch string) ([]verdict.CaseResult, bool, error) {
	results := make([]verdict.CaseResult, 0, len(inputs))

	for k := 1; k <= len(inputs); k++ {
		caseResult, fault := w.runCase(ctx, job, binaryPath, inputs[k-1], scratch, k)
		if fault {
			return results, true, nil
		}

		if err := w.recorder.InsertCaseResult(ctx, job.SubmissionID, caseResult); err != nil {
			return results, false, err
		}
		results = append(results, caseResult)
		w.saveStatus(ctx, state.Status{
			SubmissionID: job.SubmissionID,
			State:        model.StateJudging,
			TotalCases:   job.NumCases,
			DoneCases:    k,
		})

		if caseResult.Verdict.Failure() {
			break
		}
	}
	return results, false, nil
}

func (w *Worker) runCase(ctx context.Context, job model.RunJob, binaryPath, inputPath, scratch string, k int) (verdict.CaseResult, bool) {
	outputPath := filepath.Join(scratch, fmt.Sprintf("output_%03d.txt", k))

	outcome, err := w.driver.Execute(ctx, w.runRequest(job, binaryPath, inputPath, outputPath, scratch, k))
	if err != nil {
		logger.Error(ctx, "run request rejected", zap.Int("case", k), zap.Error(err))
		return verdict.CaseResult{}, true
	}

	result := verdict.CaseResult{
		Ordinal:  k,
		TimeMs:   outcome.WallTimeMs,
		MemoryKB: outcome.MemoryKB,
	}

	switch outcome.Kind {
	case sandbox.SandboxError:
		logger.Error(ctx, "run sandbox failed", zap.Int("case", k), zap.String("reason", outcome.Reason))
		return verdict.CaseResult{}, true
	case sandbox.WallTimeExceeded:
		result.Verdict = verdict.TimeLimit
		return result, false
	case sandbox.MemoryExceeded:
		result.Verdict = verdict.MemoryLimit
		return result, false
	case sandbox.OutputLimitExceeded:
		result.Verdict = verdict.OutputLimit
		return result, false
	case sandbox.Signaled:
		result.Verdict = verdict.RuntimeError
		return result, false
	case sandbox.Exited:
		if outcome.ExitCode != 0 {
			result.Verdict = verdict.RuntimeError
			return result, false
		}
	}

	result.Output = digestFile(outputPath)
	return w.check(ctx, job, inputPath, outputPath, scratch, k, result)
}

// check invokes the problem's checker on (input, user output, answer). The
// system pre-computes no expected outputs, so by convention the answer
// argument is the input path again; checker authors are documented on this.
func (w *Worker) check(ctx context.Context, job model.RunJob, inputPath, outputPath, scratch string, k int, result verdict.CaseResult) (verdict.CaseResult, bool) {
	checkerPath := w.store.CheckerPath(job.ProblemID)
	stdoutPath := filepath.Join(scratch, fmt.Sprintf("checker_out_%03d.txt", k))
	stderrPath := filepath.Join(scratch, fmt.Sprintf("checker_err_%03d.txt", k))

	outcome, err := w.driver.Execute(ctx, sandbox.Request{
		Profile:      sandbox.CheckProfile(w.limits),
		Command:      []string{checkerPath, inputPath, outputPath, inputPath},
		WorkDir:      scratch,
		StdoutPath:   stdoutPath,
		StderrPath:   stderrPath,
		SubmissionID: job.SubmissionID,
		TaskID:       fmt.Sprintf("check-%03d", k),
	})
	if err != nil || outcome.Kind == sandbox.SandboxError {
		logger.Error(ctx, "checker sandbox failed", zap.Int("case", k), zap.Error(err))
		return verdict.CaseResult{}, true
	}

	result.Comment = lastLine(outcome.Stderr)

	if outcome.Kind != sandbox.Exited {
		// A crashed or resource-violating checker is a problem-setup
		// fault, surfaced as a system error on the submission.
		result.Verdict = verdict.SystemError
		return result, false
	}

	switch outcome.ExitCode {
	case 0:
		result.Verdict = verdict.Accepted
	case 1, 2:
		result.Verdict = verdict.WrongAnswer
	case 7:
		if job.PartialScoring {
			result.Verdict = verdict.PartialCredit
			result.Fraction = parseFraction(stdoutPath)
		} else {
			result.Verdict = verdict.SystemError
		}
	default:
		result.Verdict = verdict.SystemError
	}
	return result, false
}

func (w *Worker) runRequest(job model.RunJob, binaryPath, inputPath, outputPath, scratch string, k int) sandbox.Request {
	profile := sandbox.RunProfile(w.limits, sandbox.RunOverrides{
		TimeLimitMs:    job.TimeLimitMs,
		MemoryLimitKB:  job.MemoryLimitKB,
		MaxThreads:     job.MaxThreads,
		NetworkAllowed: job.NetworkAllowed,
	})

	command := []string{binaryPath}
	if info, err := os.Stat(binaryPath); err == nil && info.IsDir() {
		// Interpreted submission: the staged artifact is a directory with
		// run.sh and the sources.
		command = []string{"/bin/sh", filepath.Join(binaryPath, archive.RunScript)}
	}

	req := sandbox.Request{
		Profile:      profile,
		Command:      command,
		WorkDir:      scratch,
		StdinPath:    inputPath,
		StdoutPath:   outputPath,
		SubmissionID: job.SubmissionID,
		TaskID:       fmt.Sprintf("run-%03d", k),
	}

	if w.image.RootFS != "" {
		req.RootFS = w.image.RootFS
		req.Mounts = []sandbox.Mount{
			{Source: binaryPath, Target: boxSolution, ReadOnly: true},
			{Source: scratch, Target: boxWork},
			{Source: filepath.Dir(inputPath), Target: boxTestcases, ReadOnly: true},
		}
		req.WorkDir = boxWork
		req.StdinPath = filepath.Join(boxTestcases, filepath.Base(inputPath))
		req.StdoutPath = filepath.Join(boxWork, filepath.Base(outputPath))
		req.Command = []string{boxSolution}
		if info, err := os.Stat(binaryPath); err == nil && info.IsDir() {
			req.Command = []string{"/bin/sh", filepath.Join(boxSolution, archive.RunScript)}
		}
	}
	return req
}

// finalize aggregates, commits the terminal state, and emits the verdict
// event. Finalization is idempotent keyed by submission id: the CAS from
// judging rejects duplicates.
func (w *Worker) finalize(ctx context.Context, job model.RunJob, results []verdict.CaseResult) error {
	summary := verdict.Aggregate(results, job.NumCases, job.PartialScoring, job.MaxScore)
	if results == nil {
		summary.Verdict = verdict.SystemError
	}

	applied, err := w.recorder.Finalize(ctx, job.SubmissionID, model.StateJudging, summary)
	if err != nil {
		return err
	}
	if !applied {
		logger.Info(ctx, "finalize skipped, already committed")
		return nil
	}

	logger.Info(ctx, "submission judged",
		zap.String("verdict", summary.Verdict.Code()),
		zap.Int("score", summary.Score),
		zap.Int("passed", summary.PassedCount),
		zap.Int("total", summary.TotalCases))

	w.saveStatus(ctx, state.Status{
		SubmissionID: job.SubmissionID,
		State:        stateForSummary(summary),
		Score:        summary.Score,
		TotalCases:   summary.TotalCases,
		DoneCases:    len(results),
		MaxTimeMs:    summary.MaxTimeMs,
		MaxMemoryKB:  summary.MaxMemoryKB,
	})
	w.publishVerdict(ctx, job, summary)
	return nil
}

// failSystem abandons the submission with a system error. No diagnostic
// reaches the user.
func (w *Worker) failSystem(ctx context.Context, job model.RunJob, from model.State) error {
	if _, err := w.recorder.TransitionState(ctx, job.SubmissionID, from, model.StateSystemError); err != nil {
		return err
	}
	w.saveStatus(ctx, state.Status{SubmissionID: job.SubmissionID, State: model.StateSystemError})
	w.publishVerdict(ctx, job, verdict.Summary{Verdict: verdict.SystemError, TotalCases: job.NumCases})
	return nil
}

func (w *Worker) publishVerdict(ctx context.Context, job model.RunJob, s verdict.Summary) {
	if w.verdicts == nil {
		return
	}
	err := w.verdicts.PublishVerdict(ctx, state.VerdictEvent{
		SubmissionID: job.SubmissionID,
		Verdict:      s.Verdict,
		Score:        s.Score,
		PassedCases:  s.PassedCount,
		TotalCases:   s.TotalCases,
		MaxTimeMs:    s.MaxTimeMs,
		MaxMemoryKB:  s.MaxMemoryKB,
	})
	if err != nil {
		logger.Warn(ctx, "publish verdict event failed", zap.Error(err))
	}
}

func (w *Worker) saveStatus(ctx context.Context, status state.Status) {
	if w.status == nil {
		return
	}
	if err := w.status.Save(ctx, status); err != nil {
		logger.Warn(ctx, "mirror status failed", zap.Error(err))
	}
}

func stateForSummary(s verdict.Summary) model.State {
	switch s.Verdict {
	case verdict.Accepted, verdict.PartialCredit:
		return model.StateAccepted
	case verdict.WrongAnswer:
		return model.StateWrongAnswer
	case verdict.TimeLimit:
		return model.StateTimeLimit
	case verdict.MemoryLimit:
		return model.StateMemoryLimit
	case verdict.RuntimeError:
		return model.StateRuntimeError
	case verdict.OutputLimit:
		return model.StateOutputLimit
	default:
		return model.StateSystemError
	}
}

// digestFile returns a short fingerprint of the produced output for the
// per-case row.
func digestFile(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return ""
	}
	return hex.EncodeToString(hasher.Sum(nil))[:outputDigestLen]
}

// lastLine extracts the final non-empty line of checker stderr.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// parseFraction reads the partial-credit fraction from the checker's first
// stdout line. Values above 1 are read as points out of 100.
func parseFraction(stdoutPath string) float64 {
	data, err := os.ReadFile(stdoutPath)
	if err != nil {
		return 0
	}
	line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	value, err := strconv.ParseFloat(line, 64)
	if err != nil || value < 0 {
		return 0
	}
	if value > 1 {
		value = value / 100
	}
	if value > 1 {
		value = 1
	}
	return value
}
