// Package compiler implements the compile stream worker: it validates the
// submission archive, builds it under the Compile profile, stages the
// resulting binary into the artifact store, and hands the submission to the
// run stream.
package compiler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"arbiter/internal/common/mq"
	"arbiter/internal/judge/archive"
	"arbiter/internal/judge/artifact"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/state"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"
)

// conventionalBinaries are the names a compile script may leave behind, in
// lookup order.
var conventionalBinaries = []string{"main", "a.out", "solution", "run"}

// Worker consumes the compile stream.
type Worker struct {
	recorder  state.Recorder
	problems  state.ProblemReader
	status    *state.StatusCache
	driver    sandbox.Driver
	store     *artifact.Store
	producer  mq.Producer
	runStream string
	limits    sandbox.Limits
	contract  archive.Contract
	images    Images
}

// Config holds worker dependencies and settings.
type Config struct {
	Recorder  state.Recorder
	Problems  state.ProblemReader
	Status    *state.StatusCache
	Driver    sandbox.Driver
	Store     *artifact.Store
	Producer  mq.Producer
	RunStream string
	Limits    sandbox.Limits
	Contract  archive.Contract
	Images    Images
}

// NewWorker creates a compile worker.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Recorder == nil {
		return nil, appErr.ValidationError("recorder", "required")
	}
	if cfg.Problems == nil {
		return nil, appErr.ValidationError("problems", "required")
	}
	if cfg.Driver == nil {
		return nil, appErr.ValidationError("driver", "required")
	}
	if cfg.Store == nil {
		return nil, appErr.ValidationError("store", "required")
	}
	if cfg.Producer == nil {
		return nil, appErr.ValidationError("producer", "required")
	}
	if cfg.RunStream == "" {
		return nil, appErr.ValidationError("run_stream", "required")
	}
	return &Worker{
		recorder:  cfg.Recorder,
		problems:  cfg.Problems,
		status:    cfg.Status,
		driver:    cfg.Driver,
		store:     cfg.Store,
		producer:  cfg.Producer,
		runStream: cfg.RunStream,
		limits:    cfg.Limits,
		contract:  cfg.Contract,
		images:    cfg.Images,
	}, nil
}

// HandleMessage processes one compile job. A nil return acknowledges the
// message; an error leaves it pending for redelivery (infrastructure
// failures only — user and setup failures commit a state and acknowledge).
func (w *Worker) HandleMessage(ctx context.Context, msg *mq.Message) error {
	var job model.CompileJob
	if err := json.Unmarshal(msg.Body, &job); err != nil || job.SubmissionID == "" || job.ArchivePath == "" {
		// Poison: nothing to mark without a submission id, and a malformed
		// payload will not improve on redelivery.
		logger.Warn(ctx, "dropping undecodable compile job",
			zap.String("entry_id", msg.ID), zap.Error(err))
		return nil
	}
	ctx = logger.WithSubmissionID(ctx, job.SubmissionID)

	current, err := w.recorder.GetState(ctx, job.SubmissionID)
	if err != nil {
		return err
	}
	if current.Terminal() {
		logger.Info(ctx, "duplicate compile delivery for finished submission")
		return nil
	}
	if current.AtOrPastCompiled() {
		// The previous delivery may have died between staging the binary
		// and enqueueing the run job; re-enqueueing is safe because the
		// judge dedups on state.
		if current == model.StateCompiled {
			return w.enqueueRun(ctx, job.SubmissionID)
		}
		logger.Info(ctx, "duplicate compile delivery", zap.String("state", string(current)))
		return nil
	}

	if ok, err := w.recorder.TransitionState(ctx, job.SubmissionID, current, model.StateCompiling); err != nil {
		return err
	} else if !ok {
		// Lost a race with another consumer; let that delivery finish.
		logger.Info(ctx, "compile state transition lost race", zap.String("from", string(current)))
		return nil
	}
	w.saveStatus(ctx, job.SubmissionID, model.StateCompiling)

	buildDir, err := os.MkdirTemp("", "build-"+job.SubmissionID+"-")
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create build dir failed")
	}
	defer func() {
		_ = os.RemoveAll(buildDir)
	}()

	if err := archive.Validate(job.ArchivePath, w.contract); err != nil {
		logger.Warn(ctx, "archive rejected", zap.Error(err))
		return w.failCompilation(ctx, job.SubmissionID, err.Error())
	}
	if err := archive.Extract(job.ArchivePath, buildDir); err != nil {
		logger.Warn(ctx, "archive extraction failed", zap.Error(err))
		return w.failCompilation(ctx, job.SubmissionID, err.Error())
	}

	outcome, err := w.runCompile(ctx, job, buildDir)
	if err != nil {
		return err
	}
	if outcome.Kind == sandbox.SandboxError {
		logger.Error(ctx, "compile sandbox failed", zap.String("reason", outcome.Reason))
		return w.failSystem(ctx, job.SubmissionID)
	}
	if !outcome.Success() {
		logger.Info(ctx, "compilation failed",
			zap.String("outcome", outcome.Kind.String()),
			zap.Int("exit_code", outcome.ExitCode))
		return w.failCompilation(ctx, job.SubmissionID, outcome.Stderr)
	}

	if err := w.stageBinary(ctx, job.SubmissionID, buildDir); err != nil {
		if appErr.Is(err, appErr.CompilationError) {
			return w.failCompilation(ctx, job.SubmissionID, err.Error())
		}
		return err
	}

	if ok, err := w.recorder.MarkCompiled(ctx, job.SubmissionID, model.StateCompiling); err != nil {
		return err
	} else if !ok {
		logger.Warn(ctx, "mark compiled lost race")
		return nil
	}
	w.saveStatus(ctx, job.SubmissionID, model.StateCompiled)

	return w.enqueueRun(ctx, job.SubmissionID)
}

func (w *Worker) runCompile(ctx context.Context, job model.CompileJob, buildDir string) (sandbox.Outcome, error) {
	image := w.images.Resolve(job.Language)
	shell := image.Shell
	if len(shell) == 0 {
		shell = []string{"/bin/sh", "-c"}
	}

	workDir := buildDir
	var mounts []sandbox.Mount
	if image.RootFS != "" {
		workDir = "/workspace"
		mounts = []sandbox.Mount{{Source: buildDir, Target: "/workspace"}}
	}

	logPath := filepath.Join(buildDir, ".compile-stderr")
	outcome, err := w.driver.Execute(ctx, sandbox.Request{
		Profile:      sandbox.CompileProfile(w.limits),
		Command:      append(append([]string{}, shell...), "./"+archive.CompileScript),
		WorkDir:      workDir,
		Mounts:       mounts,
		RootFS:       image.RootFS,
		StderrPath:   logPath,
		SubmissionID: job.SubmissionID,
		TaskID:       "compile",
	})
	if err != nil {
		return sandbox.Outcome{}, appErr.Wrapf(err, appErr.SandboxFailed, "compile execution failed")
	}
	return outcome, nil
}

// stageBinary moves the build product into the artifact store. A
// conventional binary name is staged as the executable; an archive relying
// on run.sh alone stages the whole build directory so interpreted
// submissions keep their sources next to the entry script.
func (w *Worker) stageBinary(ctx context.Context, submissionID, buildDir string) error {
	dest := w.store.UserBinaryPath(submissionID)
	for _, name := range conventionalBinaries {
		candidate := filepath.Join(buildDir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return w.store.PlaceFile(candidate, dest, 0755)
		}
	}

	runScript := filepath.Join(buildDir, archive.RunScript)
	if _, err := os.Stat(runScript); err == nil {
		return w.stageDirectory(buildDir, dest)
	}
	return appErr.New(appErr.CompilationError).WithMessage("no conventional binary produced by compile script")
}

func (w *Worker) stageDirectory(buildDir, dest string) error {
	staging := dest + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "clear staging dir failed")
	}
	if err := copyTree(buildDir, staging); err != nil {
		return err
	}
	if err := os.Chmod(filepath.Join(staging, archive.RunScript), 0755); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "chmod run script failed")
	}
	if err := os.RemoveAll(dest); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "clear binary path failed")
	}
	if err := os.Rename(staging, dest); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "rename staged dir failed")
	}
	return nil
}

func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create dir failed")
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "read dir failed")
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return appErr.Wrapf(err, appErr.InternalServerError, "read file failed")
		}
		info, err := entry.Info()
		if err != nil {
			return appErr.Wrapf(err, appErr.InternalServerError, "stat file failed")
		}
		if err := os.WriteFile(dstPath, data, info.Mode().Perm()); err != nil {
			return appErr.Wrapf(err, appErr.InternalServerError, "write file failed")
		}
	}
	return nil
}

func (w *Worker) enqueueRun(ctx context.Context, submissionID string) error {
	job, err := w.problems.GetRunSpec(ctx, submissionID)
	if err != nil {
		return err
	}
	job.SubmissionID = submissionID

	payload, err := json.Marshal(job)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "encode run job failed")
	}
	if err := w.producer.Publish(ctx, w.runStream, mq.NewMessage(payload)); err != nil {
		return appErr.Wrapf(err, appErr.StreamError, "enqueue run job failed")
	}
	logger.Info(ctx, "submission queued for judging", zap.String("problem_id", job.ProblemID))
	return nil
}

// failCompilation commits a user-visible compilation error and acknowledges.
func (w *Worker) failCompilation(ctx context.Context, submissionID, log string) error {
	if err := w.recorder.SetCompilationLog(ctx, submissionID, log); err != nil {
		return err
	}
	if _, err := w.recorder.TransitionState(ctx, submissionID, model.StateCompiling, model.StateCompilationError); err != nil {
		return err
	}
	w.saveStatus(ctx, submissionID, model.StateCompilationError)
	return nil
}

// failSystem commits a system error and acknowledges. The worker never
// retries: retries are an operator concern.
func (w *Worker) failSystem(ctx context.Context, submissionID string) error {
	if _, err := w.recorder.TransitionState(ctx, submissionID, model.StateCompiling, model.StateSystemError); err != nil {
		return err
	}
	w.saveStatus(ctx, submissionID, model.StateSystemError)
	return nil
}

func (w *Worker) saveStatus(ctx context.Context, submissionID string, s model.State) {
	if w.status == nil {
		return
	}
	if err := w.status.Save(ctx, state.Status{SubmissionID: submissionID, State: s}); err != nil {
		logger.Warn(ctx, "mirror status failed", zap.Error(err))
	}
}
