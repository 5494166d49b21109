// Package coordinator bridges the gateway's binary uploads and the judge's
// queue_pending parking. Installing the second of a problem's two binaries
// revives every parked submission exactly once: the state reset to compiled
// plus the judge's terminal-state skip make duplicate revivals harmless.
package coordinator

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"arbiter/internal/common/mq"
	"arbiter/internal/common/storage"
	"arbiter/internal/judge/artifact"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/state"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"
)

// BinarySlot names one of a problem's two binary slots.
type BinarySlot string

const (
	SlotGenerator BinarySlot = "generator"
	SlotChecker   BinarySlot = "checker"
)

// Coordinator installs problem binaries and revives parked submissions.
type Coordinator struct {
	store     *artifact.Store
	objects   storage.ObjectStorage
	bucket    string
	recorder  state.Recorder
	pending   state.PendingLister
	problems  state.ProblemReader
	producer  mq.Producer
	runStream string
}

// Config holds coordinator dependencies.
type Config struct {
	Store     *artifact.Store
	Objects   storage.ObjectStorage
	Bucket    string
	Recorder  state.Recorder
	Pending   state.PendingLister
	Problems  state.ProblemReader
	Producer  mq.Producer
	RunStream string
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, appErr.ValidationError("store", "required")
	}
	if cfg.Recorder == nil {
		return nil, appErr.ValidationError("recorder", "required")
	}
	if cfg.Pending == nil {
		return nil, appErr.ValidationError("pending", "required")
	}
	if cfg.Problems == nil {
		return nil, appErr.ValidationError("problems", "required")
	}
	if cfg.Producer == nil {
		return nil, appErr.ValidationError("producer", "required")
	}
	if cfg.RunStream == "" {
		return nil, appErr.ValidationError("run_stream", "required")
	}
	return &Coordinator{
		store:     cfg.Store,
		objects:   cfg.Objects,
		bucket:    cfg.Bucket,
		recorder:  cfg.Recorder,
		pending:   cfg.Pending,
		problems:  cfg.Problems,
		producer:  cfg.Producer,
		runStream: cfg.RunStream,
	}, nil
}

// InstallBinary pulls an uploaded binary from object storage and places it
// into the problem's slot in the artifact store. When the install completes
// a problem with both slots filled, parked submissions are revived.
func (c *Coordinator) InstallBinary(ctx context.Context, problemID string, slot BinarySlot, objectKey string) (int, error) {
	if problemID == "" {
		return 0, appErr.ValidationError("problem_id", "required")
	}
	if objectKey == "" {
		return 0, appErr.ValidationError("object_key", "required")
	}
	if c.objects == nil {
		return 0, appErr.New(appErr.ServiceUnavailable).WithMessage("object storage is not configured")
	}

	var dest string
	switch slot {
	case SlotGenerator:
		dest = c.store.GeneratorPath(problemID)
	case SlotChecker:
		dest = c.store.CheckerPath(problemID)
	default:
		return 0, appErr.Newf(appErr.InvalidParams, "unknown binary slot: %s", slot)
	}

	reader, err := c.objects.GetObject(ctx, c.bucket, objectKey)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.BinaryInstallFailed, "fetch uploaded binary failed")
	}
	defer reader.Close()

	if err := c.store.WriteFile(dest, reader, 0755); err != nil {
		return 0, appErr.Wrap(err, appErr.BinaryInstallFailed)
	}
	logger.Info(ctx, "problem binary installed",
		zap.String("problem_id", problemID), zap.String("slot", string(slot)))

	if !c.store.ProblemReady(problemID) {
		return 0, nil
	}
	return c.RevivePending(ctx, problemID)
}

// RevivePending resets every queue_pending submission of a ready problem to
// compiled and enqueues a fresh run job for each. Returns how many were
// revived.
func (c *Coordinator) RevivePending(ctx context.Context, problemID string) (int, error) {
	if !c.store.ProblemReady(problemID) {
		return 0, appErr.Newf(appErr.ProblemNotReady, "problem %s is missing binaries", problemID)
	}

	ids, err := c.pending.ListQueuePending(ctx, problemID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	revived := 0
	for _, submissionID := range ids {
		// The CAS guards against a concurrent revival or a submission that
		// moved on; only the winner enqueues.
		ok, err := c.recorder.TransitionState(ctx, submissionID, model.StateQueuePending, model.StateCompiled)
		if err != nil {
			return revived, err
		}
		if !ok {
			continue
		}

		job, err := c.problems.GetRunSpec(ctx, submissionID)
		if err != nil {
			return revived, err
		}
		job.SubmissionID = submissionID

		payload, err := json.Marshal(job)
		if err != nil {
			return revived, appErr.Wrapf(err, appErr.InternalServerError, "encode run job failed")
		}
		if err := c.producer.Publish(ctx, c.runStream, mq.NewMessage(payload)); err != nil {
			return revived, appErr.Wrapf(err, appErr.StreamError, "enqueue revived run job failed")
		}
		revived++
		logger.Info(ctx, "parked submission revived",
			zap.String("submission_id", submissionID),
			zap.String("problem_id", problemID))
	}
	return revived, nil
}
